// Package store implements the persistent key-value engine described for the
// dual-VM core: six logical tables (blocks, accounts, slots, counters,
// tx_index, tx_bodies) multiplexed over a single goleveldb database by a
// one-byte key prefix per table, with fixed-width binary encodings so rows
// are self-describing without a schema lookup.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Table prefixes. Each logical table lives under its own one-byte namespace
// inside the same leveldb handle so that a single Batch can span table
// boundaries atomically (see StoreBlock below).
const (
	prefixBlockByNumber byte = 0x01
	prefixBlockHashIdx  byte = 0x02 // hash -> number, for get_block_by_hash
	prefixAccount       byte = 0x03
	prefixSlot          byte = 0x04
	prefixCounter       byte = 0x05
	prefixTxIndex       byte = 0x06
	prefixTxBody        byte = 0x07
	prefixMeta          byte = 0x08
	prefixCode          byte = 0x09
)

var metaLatestBlockKey = []byte{prefixMeta, 0x01}

// Sizes of the fixed-width rows described in §4.1 / SPEC_FULL.md.
const (
	AddressSize   = common.AddressLength // 20
	HashSize      = common.HashLength    // 32
	U256Size      = 32
	AccountSize   = U256Size + 8 + HashSize + 1 // balance, nonce, code_hash, is_contract
	LegacyHeaderSize = HashSize*5 + 8*4 + AddressSize // 212
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrCorrupt  = errors.New("store: corrupt row")
)

// Account is the fixed-width on-disk account record.
type Account struct {
	Balance    *uint256.Int
	Nonce      uint64
	CodeHash   common.Hash
	IsContract bool
}

// EncodeAccount serializes a into the 73-byte compact row documented in
// SPEC_FULL.md's SUPPLEMENTED FEATURES section.
func EncodeAccount(a *Account) []byte {
	buf := make([]byte, AccountSize)
	bal := a.Balance
	if bal == nil {
		bal = new(uint256.Int)
	}
	balBytes := bal.Bytes32()
	copy(buf[0:32], balBytes[:])
	binary.BigEndian.PutUint64(buf[32:40], a.Nonce)
	copy(buf[40:72], a.CodeHash[:])
	if a.IsContract {
		buf[72] = 1
	}
	return buf
}

// DecodeAccount parses the compact row produced by EncodeAccount.
func DecodeAccount(b []byte) (*Account, error) {
	if len(b) < AccountSize {
		return nil, ErrCorrupt
	}
	bal := new(uint256.Int).SetBytes(b[0:32])
	nonce := binary.BigEndian.Uint64(b[32:40])
	var codeHash common.Hash
	copy(codeHash[:], b[40:72])
	return &Account{Balance: bal, Nonce: nonce, CodeHash: codeHash, IsContract: b[72] != 0}, nil
}

// Header is the fixed/variable-width on-disk block header row.
type Header struct {
	Number            uint64
	Hash              common.Hash
	ParentHash        common.Hash
	Timestamp         uint64
	GasLimit          uint64
	GasUsed           uint64
	Miner             common.Address
	EVMStateRoot      common.Hash
	DexVMStateRoot    common.Hash
	CombinedStateRoot common.Hash
	TxCount           uint64
	Signature         [65]byte // zero-filled for legacy rows and genesis
	TxHashes          []common.Hash
}

// EncodeHeader always writes the modern (post-signature) layout: the
// 212-byte legacy body followed by a 65-byte signature and a length-prefixed
// vector of transaction hashes.
func EncodeHeader(h *Header) []byte {
	buf := make([]byte, 0, LegacyHeaderSize+65+4+len(h.TxHashes)*HashSize)
	buf = append(buf, h.Hash[:]...)
	buf = append(buf, h.ParentHash[:]...)
	buf = appendU64(buf, h.Timestamp)
	buf = appendU64(buf, h.GasLimit)
	buf = appendU64(buf, h.GasUsed)
	buf = append(buf, h.Miner[:]...)
	buf = append(buf, h.EVMStateRoot[:]...)
	buf = append(buf, h.DexVMStateRoot[:]...)
	buf = append(buf, h.CombinedStateRoot[:]...)
	buf = appendU64(buf, h.TxCount)
	buf = append(buf, h.Signature[:]...)
	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], uint32(len(h.TxHashes)))
	buf = append(buf, cnt[:]...)
	for _, th := range h.TxHashes {
		buf = append(buf, th[:]...)
	}
	return buf
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// DecodeHeader accepts both the 212-byte legacy layout (no signature, no
// tx-hash vector) and the modern layout, falling back to zero-filled
// defaults for missing trailing fields as required by §4.1/§9.
func DecodeHeader(number uint64, b []byte) (*Header, error) {
	if len(b) < LegacyHeaderSize {
		return nil, ErrCorrupt
	}
	h := &Header{Number: number}
	off := 0
	copy(h.Hash[:], b[off:off+HashSize])
	off += HashSize
	copy(h.ParentHash[:], b[off:off+HashSize])
	off += HashSize
	h.Timestamp = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	h.GasLimit = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	h.GasUsed = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	copy(h.Miner[:], b[off:off+AddressSize])
	off += AddressSize
	copy(h.EVMStateRoot[:], b[off:off+HashSize])
	off += HashSize
	copy(h.DexVMStateRoot[:], b[off:off+HashSize])
	off += HashSize
	copy(h.CombinedStateRoot[:], b[off:off+HashSize])
	off += HashSize
	h.TxCount = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	if off == len(b) {
		// Legacy row: no signature, no tx hashes.
		return h, nil
	}
	if off+65 > len(b) {
		return nil, ErrCorrupt
	}
	copy(h.Signature[:], b[off:off+65])
	off += 65

	if off == len(b) {
		return h, nil
	}
	if off+4 > len(b) {
		return nil, ErrCorrupt
	}
	count := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	hashes := make([]common.Hash, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+HashSize > len(b) {
			return nil, ErrCorrupt
		}
		var th common.Hash
		copy(th[:], b[off:off+HashSize])
		hashes = append(hashes, th)
		off += HashSize
	}
	h.TxHashes = hashes
	return h, nil
}

// TxLocation is the tx_index table's value: which block and position a
// transaction hash was included at.
type TxLocation struct {
	BlockNumber uint64
	TxIndex     uint64
}

func encodeTxLocation(l TxLocation) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], l.BlockNumber)
	binary.BigEndian.PutUint64(buf[8:16], l.TxIndex)
	return buf
}

func decodeTxLocation(b []byte) (TxLocation, error) {
	if len(b) < 16 {
		return TxLocation{}, ErrCorrupt
	}
	return TxLocation{
		BlockNumber: binary.BigEndian.Uint64(b[0:8]),
		TxIndex:     binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// Store is the persistent engine backing the dual-VM node. Reads are
// lock-free snapshots (goleveldb serves reads against a point-in-time
// snapshot internally); writes that must be atomic use a leveldb.Batch so
// that a crash mid-write never leaves a partial row group observable.
type Store struct {
	db *leveldb.DB

	// latest caches the maximum block number on disk so a validator can
	// answer "what's our head" without a table scan. Populated at Open.
	latest     atomic.Uint64
	hasBlocks  atomic.Bool
}

// Open opens (or creates) the leveldb database rooted at dir. It reports
// isNew = true when the directory held no blocks table rows yet, so the
// caller can seed genesis (§4.1 "If the directory is empty, the store
// reports 'new database'").
func Open(dir string) (s *Store, isNew bool, err error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{})
	if err != nil {
		return nil, false, fmt.Errorf("store: open %s: %w", dir, err)
	}
	s = &Store{db: db}
	max, found, err := s.scanMaxBlockNumber()
	if err != nil {
		db.Close()
		return nil, false, err
	}
	if found {
		s.latest.Store(max)
		s.hasBlocks.Store(true)
	}
	log.Info("dualvm store opened", "dir", dir, "new", !found, "latest", max)
	return s, !found, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) scanMaxBlockNumber() (max uint64, found bool, err error) {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	prefix := []byte{prefixBlockByNumber}
	for iter.Seek(prefix); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) == 0 || k[0] != prefixBlockByNumber {
			break
		}
		if len(k) < 9 {
			continue
		}
		n := binary.BigEndian.Uint64(k[1:9])
		if !found || n > max {
			max = n
			found = true
		}
	}
	return max, found, iter.Error()
}

// LatestBlockNumber returns the atomic in-memory head counter (§5 "the
// store's in-memory latest_block is an atomic counter").
func (s *Store) LatestBlockNumber() (uint64, bool) {
	return s.latest.Load(), s.hasBlocks.Load()
}

func blockNumberKey(n uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefixBlockByNumber
	binary.BigEndian.PutUint64(k[1:], n)
	return k
}

func blockHashKey(h common.Hash) []byte {
	k := make([]byte, 1+HashSize)
	k[0] = prefixBlockHashIdx
	copy(k[1:], h[:])
	return k
}

func accountKey(addr common.Address) []byte {
	k := make([]byte, 1+AddressSize)
	k[0] = prefixAccount
	copy(k[1:], addr[:])
	return k
}

func slotKey(addr common.Address, slot common.Hash) []byte {
	k := make([]byte, 1+AddressSize+HashSize)
	k[0] = prefixSlot
	copy(k[1:1+AddressSize], addr[:])
	copy(k[1+AddressSize:], slot[:])
	return k
}

func counterKey(addr common.Address) []byte {
	k := make([]byte, 1+AddressSize)
	k[0] = prefixCounter
	copy(k[1:], addr[:])
	return k
}

func txIndexKey(hash common.Hash) []byte {
	k := make([]byte, 1+HashSize)
	k[0] = prefixTxIndex
	copy(k[1:], hash[:])
	return k
}

func txBodyKey(hash common.Hash) []byte {
	k := make([]byte, 1+HashSize)
	k[0] = prefixTxBody
	copy(k[1:], hash[:])
	return k
}

func codeKey(hash common.Hash) []byte {
	k := make([]byte, 1+HashSize)
	k[0] = prefixCode
	copy(k[1:], hash[:])
	return k
}

// GetCode reads contract code keyed by its keccak hash.
func (s *Store) GetCode(hash common.Hash) ([]byte, error) {
	v, err := s.db.Get(codeKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return v, err
}

// PutCode writes code directly (outside a block batch); used for genesis
// seeding and code restored from sync. Block-produced code goes through
// BlockCommit.Code instead so it lands in the same atomic write.
func (s *Store) PutCode(hash common.Hash, code []byte) error {
	return s.db.Put(codeKey(hash), code, nil)
}

// GetAccount reads a single account row, or ErrNotFound.
func (s *Store) GetAccount(addr common.Address) (*Account, error) {
	v, err := s.db.Get(accountKey(addr), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeAccount(v)
}

// GetStorage reads a single slot, returning the zero hash when unset (zero
// values are never stored per §3).
func (s *Store) GetStorage(addr common.Address, slot common.Hash) (common.Hash, error) {
	v, err := s.db.Get(slotKey(addr, slot), nil)
	if err == leveldb.ErrNotFound {
		return common.Hash{}, nil
	}
	if err != nil {
		return common.Hash{}, err
	}
	var out common.Hash
	copy(out[:], v)
	return out, nil
}

// GetCounter reads a counter value, returning 0 when unset.
func (s *Store) GetCounter(addr common.Address) (uint64, error) {
	v, err := s.db.Get(counterKey(addr), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) < 8 {
		return 0, ErrCorrupt
	}
	return binary.BigEndian.Uint64(v), nil
}

// AllCounters walks the entire counters table. Used to recompute the DexVM
// state root and to recover in-memory counter state on restart.
func (s *Store) AllCounters() (map[common.Address]uint64, error) {
	out := make(map[common.Address]uint64)
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	prefix := []byte{prefixCounter}
	for iter.Seek(prefix); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) == 0 || k[0] != prefixCounter {
			break
		}
		var addr common.Address
		copy(addr[:], k[1:])
		v := iter.Value()
		if len(v) < 8 {
			return nil, ErrCorrupt
		}
		out[addr] = binary.BigEndian.Uint64(v)
	}
	return out, iter.Error()
}

// AllAccounts walks the entire accounts table, used by the EVM state root
// computation in internal/dualvm/evmstate.
func (s *Store) AllAccounts() (map[common.Address]*Account, error) {
	out := make(map[common.Address]*Account)
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	prefix := []byte{prefixAccount}
	for iter.Seek(prefix); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) == 0 || k[0] != prefixAccount {
			break
		}
		var addr common.Address
		copy(addr[:], k[1:])
		acc, err := DecodeAccount(iter.Value())
		if err != nil {
			return nil, err
		}
		out[addr] = acc
	}
	return out, iter.Error()
}

// GetBlockByNumber reads and decodes a header row.
func (s *Store) GetBlockByNumber(n uint64) (*Header, error) {
	v, err := s.db.Get(blockNumberKey(n), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeHeader(n, v)
}

// GetBlockByHash resolves hash -> number -> header.
func (s *Store) GetBlockByHash(hash common.Hash) (*Header, error) {
	v, err := s.db.Get(blockHashKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(v) < 8 {
		return nil, ErrCorrupt
	}
	n := binary.BigEndian.Uint64(v)
	return s.GetBlockByNumber(n)
}

// GetTxLocation resolves a transaction hash to its block/index.
func (s *Store) GetTxLocation(hash common.Hash) (TxLocation, error) {
	v, err := s.db.Get(txIndexKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return TxLocation{}, ErrNotFound
	}
	if err != nil {
		return TxLocation{}, err
	}
	return decodeTxLocation(v)
}

// GetTxBody returns the raw RLP-encoded transaction body for hash.
func (s *Store) GetTxBody(hash common.Hash) ([]byte, error) {
	v, err := s.db.Get(txBodyKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

// AccountWrite is one pending account mutation, applied by StoreBlock.
type AccountWrite struct {
	Address common.Address
	Account *Account
}

// StorageWrite is one pending slot mutation; a zero Value deletes the slot
// (§3 "Zero values are deleted, not stored").
type StorageWrite struct {
	Address common.Address
	Slot    common.Hash
	Value   common.Hash
}

// BlockCommit bundles everything a single block produces for the store so
// that StoreBlock can apply it as one leveldb.Batch: the header row, the
// hash->number index row, one tx_index + tx_body row pair per transaction,
// and the full post-block account/storage/counter overlay.
type BlockCommit struct {
	Header       *Header
	TxHashes     []common.Hash
	TxBodies     [][]byte // RLP bytes, same order as TxHashes
	Accounts     []AccountWrite
	Storage      []StorageWrite
	Counters     map[common.Address]uint64 // full post-block counter snapshot, zero entries omitted
	Code         map[common.Hash][]byte
}

// StoreBlock persists an entire block atomically: the header, its tx index
// and body rows, and the account/storage/counter overlay produced by
// executing it. A failure here leaves the previous state wholly intact —
// goleveldb's Batch.Write is all-or-nothing (§4.1).
func (s *Store) StoreBlock(c *BlockCommit) error {
	if len(c.TxHashes) != len(c.TxBodies) {
		return fmt.Errorf("store: tx hash/body count mismatch (%d vs %d)", len(c.TxHashes), len(c.TxBodies))
	}
	batch := new(leveldb.Batch)

	batch.Put(blockNumberKey(c.Header.Number), EncodeHeader(c.Header))
	numBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(numBuf, c.Header.Number)
	batch.Put(blockHashKey(c.Header.Hash), numBuf)

	for i, h := range c.TxHashes {
		batch.Put(txIndexKey(h), encodeTxLocation(TxLocation{BlockNumber: c.Header.Number, TxIndex: uint64(i)}))
		batch.Put(txBodyKey(h), c.TxBodies[i])
	}

	for _, aw := range c.Accounts {
		batch.Put(accountKey(aw.Address), EncodeAccount(aw.Account))
	}

	for hash, code := range c.Code {
		batch.Put(codeKey(hash), code)
	}

	for _, sw := range c.Storage {
		key := slotKey(sw.Address, sw.Slot)
		if sw.Value == (common.Hash{}) {
			batch.Delete(key)
		} else {
			batch.Put(key, sw.Value[:])
		}
	}

	// Counter table: c.Counters is the full post-block snapshot, so a stored
	// counter whose address is absent from it (it reached zero) is deleted,
	// and a zero value is deleted rather than stored (§3 counter invariant).
	if c.Counters != nil {
		existing, err := s.AllCounters()
		if err != nil {
			return fmt.Errorf("store: read counters: %w", err)
		}
		for addr := range existing {
			if _, ok := c.Counters[addr]; !ok {
				batch.Delete(counterKey(addr))
			}
		}
	}
	for addr, v := range c.Counters {
		if v == 0 {
			batch.Delete(counterKey(addr))
			continue
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v)
		batch.Put(counterKey(addr), buf)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("store: atomic block write: %w", err)
	}

	s.latest.Store(c.Header.Number)
	s.hasBlocks.Store(true)
	return nil
}
