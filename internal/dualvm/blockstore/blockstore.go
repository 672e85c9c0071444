// Package blockstore is a typed wrapper over the persistent store for
// block, tx-hash-index, and tx-body lookups (§4.7), plus genesis seeding.
package blockstore

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/clyde-dualvm/dexnode/internal/dualvm/store"
)

// BlockStore wraps a *store.Store with the block-oriented operations
// listed in §4.7 and the RPC collaborator contract in §6.
type BlockStore struct {
	db *store.Store
}

func New(db *store.Store) *BlockStore {
	return &BlockStore{db: db}
}

// StoreBlock is the atomic bundle described in §4.1 — a thin pass-through
// so callers only depend on this package, not internal/dualvm/store.
func (b *BlockStore) StoreBlock(c *store.BlockCommit) error {
	return b.db.StoreBlock(c)
}

func (b *BlockStore) GetBlockByNumber(n uint64) (*store.Header, error) {
	return b.db.GetBlockByNumber(n)
}

func (b *BlockStore) GetBlockByHash(hash common.Hash) (*store.Header, error) {
	return b.db.GetBlockByHash(hash)
}

// GetLatestBlock returns the highest stored header, or store.ErrNotFound
// if the store holds no blocks yet.
func (b *BlockStore) GetLatestBlock() (*store.Header, error) {
	n, ok := b.db.LatestBlockNumber()
	if !ok {
		return nil, store.ErrNotFound
	}
	return b.db.GetBlockByNumber(n)
}

// GetTxBlockNumber resolves a transaction hash to the block it landed in.
func (b *BlockStore) GetTxBlockNumber(hash common.Hash) (uint64, error) {
	loc, err := b.db.GetTxLocation(hash)
	if err != nil {
		return 0, err
	}
	return loc.BlockNumber, nil
}

// GetTransaction returns the decoded transaction for hash.
func (b *BlockStore) GetTransaction(hash common.Hash) (*types.Transaction, error) {
	raw, err := b.db.GetTxBody(hash)
	if err != nil {
		return nil, err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("blockstore: decode tx %s: %w", hash, err)
	}
	return tx, nil
}

// GetTransactionsByHashes looks up each hash in order; a missing hash
// yields a nil entry rather than aborting the whole batch, matching the
// "a missing hash returns an empty body, never a hole" serve-loop rule
// applied to the RPC-facing lookup as well (§4.9).
func (b *BlockStore) GetTransactionsByHashes(hashes []common.Hash) []*types.Transaction {
	out := make([]*types.Transaction, len(hashes))
	for i, h := range hashes {
		tx, err := b.GetTransaction(h)
		if err != nil {
			continue
		}
		out[i] = tx
	}
	return out
}

// HasGenesis reports whether the store already has a block at height 0.
func (b *BlockStore) HasGenesis() (bool, error) {
	_, err := b.db.GetBlockByNumber(0)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InitGenesis installs a deterministic zero-parent block at height 0 when
// the store is empty (§4.7). alloc seeds the initial account balances; the
// resulting evm_state_root reflects them immediately so GetBalance works
// right after InitGenesis without executing any transaction.
func (b *BlockStore) InitGenesis(chainID uint64, alloc map[common.Address]*store.Account) error {
	has, err := b.HasGenesis()
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	accounts := make([]store.AccountWrite, 0, len(alloc))
	for addr, acc := range alloc {
		accounts = append(accounts, store.AccountWrite{Address: addr, Account: acc})
	}

	evmRoot, err := genesisRoot(alloc)
	if err != nil {
		return err
	}
	dexRoot := common.Hash{}
	combined := crypto.Keccak256Hash(append(append([]byte{}, evmRoot[:]...), dexRoot[:]...))

	header := &store.Header{
		Number:            0,
		ParentHash:        common.Hash{},
		Timestamp:         0,
		GasLimit:          0,
		GasUsed:           0,
		Miner:             common.Address{},
		EVMStateRoot:      evmRoot,
		DexVMStateRoot:    dexRoot,
		CombinedStateRoot: combined,
		TxCount:           0,
	}
	header.Hash = headerHash(header, chainID)

	commit := &store.BlockCommit{
		Header:   header,
		TxHashes: nil,
		TxBodies: nil,
		Accounts: accounts,
	}
	return b.db.StoreBlock(commit)
}

// headerHash derives the genesis block's own identity hash deterministically
// from its fields and the chain id, since there is no proposer signature to
// hash over at height 0.
func headerHash(h *store.Header, chainID uint64) common.Hash {
	buf := make([]byte, 0, 8+32+32+32+32+8)
	var cb [8]byte
	binary.BigEndian.PutUint64(cb[:], chainID)
	buf = append(buf, cb[:]...)
	buf = append(buf, h.ParentHash[:]...)
	buf = append(buf, h.EVMStateRoot[:]...)
	buf = append(buf, h.DexVMStateRoot[:]...)
	buf = append(buf, h.CombinedStateRoot[:]...)
	return crypto.Keccak256Hash(buf)
}

func genesisRoot(alloc map[common.Address]*store.Account) (common.Hash, error) {
	if len(alloc) == 0 {
		return common.Hash{}, nil
	}
	addrs := make([]common.Address, 0, len(alloc))
	for addr := range alloc {
		addrs = append(addrs, addr)
	}
	for i := 1; i < len(addrs); i++ {
		for j := i; j > 0 && lessAddr(addrs[j], addrs[j-1]); j-- {
			addrs[j], addrs[j-1] = addrs[j-1], addrs[j]
		}
	}
	buf := make([]byte, 0, len(addrs)*(common.AddressLength+32+8+32))
	for _, addr := range addrs {
		acc := alloc[addr]
		buf = append(buf, addr[:]...)
		bal := acc.Balance
		b32 := bal.Bytes32()
		buf = append(buf, b32[:]...)
		var nb [8]byte
		binary.BigEndian.PutUint64(nb[:], acc.Nonce)
		buf = append(buf, nb[:]...)
		buf = append(buf, acc.CodeHash[:]...)
	}
	return crypto.Keccak256Hash(buf), nil
}

func lessAddr(a, b common.Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
