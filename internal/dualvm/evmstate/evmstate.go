// Package evmstate adapts the persistent store to the read-through/commit
// interface the EVM expects: basic account lookup, code-by-hash, storage
// slot reads, and a historical block-hash window (§4.2). It is the Go port
// of the journal-and-flush shape used by the teacher's
// revm_bridge/statedb.go, generalized from an FFI/CGO boundary to a plain
// in-process adapter over internal/dualvm/store.
package evmstate

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"

	"github.com/clyde-dualvm/dexnode/internal/dualvm/store"
)

// BasicAccount is what Basic() returns for an existing account; a nil
// return means "no account at this address" (§4.2 "account|None").
type BasicAccount struct {
	Balance  *uint256.Int
	Nonce    uint64
	CodeHash common.Hash
}

// blockHashCacheSize bounds the in-memory window of historical block
// hashes BLOCKHASH may observe; 256 matches the Ethereum standard, per
// DESIGN.md's resolution of the historical-window open question.
const blockHashCacheSize = 256

// emptyCodeHash is keccak256 of the empty byte string, treated the same as
// the zero hash for "no code" (§3 "Empty code_hash is the zero digest,
// treated as equivalent to keccak-empty").
var emptyCodeHash = crypto.Keccak256Hash(nil)

// Adapter is the read-through/commit EVM state adapter. Reads are served
// through an optional LRU cache invalidated wholesale on Commit (§4.2
// "SHOULD expose an optional in-memory read cache").
type Adapter struct {
	db *store.Store

	mu         sync.RWMutex
	codeCache  sync.Map // common.Hash -> []byte, append-only, never invalidated (code is immutable once written)
	readCache  *lru.Cache
	blockHashes map[uint64]common.Hash

	dirtyAccounts map[common.Address]*BasicAccount
	dirtyStorage  map[common.Address]map[common.Hash]common.Hash
	dirtyCode     map[common.Hash][]byte
}

// New builds an Adapter over db. cacheSize <= 0 disables the read cache.
func New(db *store.Store, cacheSize int) *Adapter {
	var cache *lru.Cache
	if cacheSize > 0 {
		cache, _ = lru.New(cacheSize)
	}
	return &Adapter{
		db:            db,
		readCache:     cache,
		blockHashes:   make(map[uint64]common.Hash),
		dirtyAccounts: make(map[common.Address]*BasicAccount),
		dirtyStorage:  make(map[common.Address]map[common.Hash]common.Hash),
		dirtyCode:     make(map[common.Hash][]byte),
	}
}

// SetBlockHash populates the historical block-hash window the caller makes
// available for the transaction's execution context (§4.2 "populated by
// the caller for the window of historical blocks").
func (a *Adapter) SetBlockHash(number uint64, hash common.Hash) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blockHashes[number] = hash
	if len(a.blockHashes) > blockHashCacheSize {
		// Drop every entry more than blockHashCacheSize blocks below
		// number; exact eviction order doesn't matter, only that the map
		// stays bounded.
		for n := range a.blockHashes {
			if n+blockHashCacheSize < number {
				delete(a.blockHashes, n)
			}
		}
	}
}

// BlockHash implements the EVM's historical hash lookup.
func (a *Adapter) BlockHash(number uint64) common.Hash {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.blockHashes[number]
}

func cacheKeyAccount(addr common.Address) string {
	return "a:" + string(addr[:])
}

func cacheKeyStorage(addr common.Address, slot common.Hash) string {
	return "s:" + string(addr[:]) + string(slot[:])
}

// Basic returns the account at addr, preferring an uncommitted write over
// the store, then the read cache, then the store itself.
func (a *Adapter) Basic(addr common.Address) (*BasicAccount, error) {
	a.mu.RLock()
	if acc, ok := a.dirtyAccounts[addr]; ok {
		a.mu.RUnlock()
		return acc, nil
	}
	a.mu.RUnlock()

	if a.readCache != nil {
		if v, ok := a.readCache.Get(cacheKeyAccount(addr)); ok {
			if v == nil {
				return nil, nil
			}
			return v.(*BasicAccount), nil
		}
	}

	row, err := a.db.GetAccount(addr)
	if err == store.ErrNotFound {
		if a.readCache != nil {
			a.readCache.Add(cacheKeyAccount(addr), (*BasicAccount)(nil))
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	acc := &BasicAccount{Balance: row.Balance, Nonce: row.Nonce, CodeHash: row.CodeHash}
	if a.readCache != nil {
		a.readCache.Add(cacheKeyAccount(addr), acc)
	}
	return acc, nil
}

// CodeByHash returns the code for hash, or an empty slice for the zero
// hash / keccak-of-empty, as the EVM expects for EOAs (§4.2).
func (a *Adapter) CodeByHash(hash common.Hash) ([]byte, error) {
	if hash == (common.Hash{}) || hash == emptyCodeHash {
		return nil, nil
	}
	if v, ok := a.codeCache.Load(hash); ok {
		return v.([]byte), nil
	}
	a.mu.RLock()
	if code, ok := a.dirtyCode[hash]; ok {
		a.mu.RUnlock()
		return code, nil
	}
	a.mu.RUnlock()
	code, err := a.db.GetCode(hash)
	if err != nil {
		return nil, err
	}
	a.codeCache.Store(hash, code)
	return code, nil
}

// Storage returns the value at (addr, slot), zero when unset.
func (a *Adapter) Storage(addr common.Address, slot common.Hash) (common.Hash, error) {
	a.mu.RLock()
	if slots, ok := a.dirtyStorage[addr]; ok {
		if v, ok := slots[slot]; ok {
			a.mu.RUnlock()
			return v, nil
		}
	}
	a.mu.RUnlock()

	key := cacheKeyStorage(addr, slot)
	if a.readCache != nil {
		if v, ok := a.readCache.Get(key); ok {
			return v.(common.Hash), nil
		}
	}
	v, err := a.db.GetStorage(addr, slot)
	if err != nil {
		return common.Hash{}, err
	}
	if a.readCache != nil {
		a.readCache.Add(key, v)
	}
	return v, nil
}

// SetBalance records a pending balance write, reading through Basic for
// the nonce/code_hash fields it doesn't otherwise touch.
func (a *Adapter) SetBalance(addr common.Address, bal *uint256.Int) error {
	acc, err := a.mutableAccount(addr)
	if err != nil {
		return err
	}
	acc.Balance = bal
	a.putDirty(addr, acc)
	return nil
}

// SetNonce records a pending nonce write.
func (a *Adapter) SetNonce(addr common.Address, nonce uint64) error {
	acc, err := a.mutableAccount(addr)
	if err != nil {
		return err
	}
	acc.Nonce = nonce
	a.putDirty(addr, acc)
	return nil
}

// SetCode records a pending code write, keyed by keccak(code) (§4.2
// "duplicate puts are idempotent").
func (a *Adapter) SetCode(addr common.Address, code []byte) error {
	hash := crypto.Keccak256Hash(code)
	a.mu.Lock()
	a.dirtyCode[hash] = code
	a.mu.Unlock()
	a.codeCache.Store(hash, code)

	acc, err := a.mutableAccount(addr)
	if err != nil {
		return err
	}
	acc.CodeHash = hash
	a.putDirty(addr, acc)
	return nil
}

// SetStorage records a pending slot write; a zero value marks the slot for
// deletion at commit (§3 "Zero values are deleted, not stored").
func (a *Adapter) SetStorage(addr common.Address, slot, value common.Hash) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slots, ok := a.dirtyStorage[addr]
	if !ok {
		slots = make(map[common.Hash]common.Hash)
		a.dirtyStorage[addr] = slots
	}
	slots[slot] = value
}

func (a *Adapter) mutableAccount(addr common.Address) (*BasicAccount, error) {
	a.mu.RLock()
	if acc, ok := a.dirtyAccounts[addr]; ok {
		cp := *acc
		a.mu.RUnlock()
		return &cp, nil
	}
	a.mu.RUnlock()
	acc, err := a.Basic(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return &BasicAccount{Balance: new(uint256.Int), Nonce: 0, CodeHash: common.Hash{}}, nil
	}
	cp := *acc
	return &cp, nil
}

func (a *Adapter) putDirty(addr common.Address, acc *BasicAccount) {
	a.mu.Lock()
	a.dirtyAccounts[addr] = acc
	a.mu.Unlock()
}

// CommitResult is the set of rows Commit wants persisted atomically by the
// caller (the executor bundles this into a store.BlockCommit).
type CommitResult struct {
	Accounts []store.AccountWrite
	Storage  []store.StorageWrite
	Code     map[common.Hash][]byte
}

// Commit drains the pending write set, invalidates the read cache, and
// returns the rows for the caller to persist. The adapter is left ready
// for the next block's reads to see the just-committed values via the
// store (the caller must actually write them before the next Basic call
// observes them — Commit does not itself touch the store).
func (a *Adapter) Commit() CommitResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	res := CommitResult{Code: make(map[common.Hash][]byte, len(a.dirtyCode))}
	for addr, acc := range a.dirtyAccounts {
		res.Accounts = append(res.Accounts, store.AccountWrite{
			Address: addr,
			Account: &store.Account{
				Balance:    acc.Balance,
				Nonce:      acc.Nonce,
				CodeHash:   acc.CodeHash,
				IsContract: acc.CodeHash != (common.Hash{}),
			},
		})
	}
	for addr, slots := range a.dirtyStorage {
		for slot, value := range slots {
			res.Storage = append(res.Storage, store.StorageWrite{Address: addr, Slot: slot, Value: value})
		}
	}
	for hash, code := range a.dirtyCode {
		res.Code[hash] = code
	}

	a.dirtyAccounts = make(map[common.Address]*BasicAccount)
	a.dirtyStorage = make(map[common.Address]map[common.Hash]common.Hash)
	a.dirtyCode = make(map[common.Hash][]byte)
	if a.readCache != nil {
		a.readCache.Purge()
	}
	return res
}

// Root recomputes the flat-keccak EVM state root by scanning the store's
// committed accounts table (§3). Callers must have already persisted the
// CommitResult from Commit before calling Root for the same block.
func Root(db *store.Store) (common.Hash, error) {
	accounts, err := db.AllAccounts()
	if err != nil {
		return common.Hash{}, err
	}
	if len(accounts) == 0 {
		return common.Hash{}, nil
	}
	addrs := make([]common.Address, 0, len(accounts))
	for addr := range accounts {
		addrs = append(addrs, addr)
	}
	sortAddresses(addrs)
	buf := make([]byte, 0, len(addrs)*(common.AddressLength+32+8+32))
	for _, addr := range addrs {
		acc := accounts[addr]
		buf = append(buf, addr[:]...)
		bal := acc.Balance
		if bal == nil {
			bal = new(uint256.Int)
		}
		balBytes := bal.Bytes32()
		buf = append(buf, balBytes[:]...)
		buf = append(buf, encodeU64(acc.Nonce)...)
		buf = append(buf, acc.CodeHash[:]...)
	}
	return crypto.Keccak256Hash(buf), nil
}

func sortAddresses(addrs []common.Address) {
	for i := 1; i < len(addrs); i++ {
		for j := i; j > 0 && lessAddr(addrs[j], addrs[j-1]); j-- {
			addrs[j], addrs[j-1] = addrs[j-1], addrs[j]
		}
	}
}

func lessAddr(a, b common.Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func encodeU64(v uint64) []byte {
	var b [8]byte
	big.NewInt(0).SetUint64(v).FillBytes(b[:])
	return b[:]
}
