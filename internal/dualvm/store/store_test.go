package store

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestAccountRoundtrip(t *testing.T) {
	acc := &Account{
		Balance:    uint256.NewInt(1_000_000),
		Nonce:      7,
		CodeHash:   common.HexToHash("0xdead"),
		IsContract: true,
	}
	encoded := EncodeAccount(acc)
	if len(encoded) != AccountSize {
		t.Fatalf("encoded account length = %d, want %d", len(encoded), AccountSize)
	}
	decoded, err := DecodeAccount(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Nonce != acc.Nonce || decoded.CodeHash != acc.CodeHash || decoded.IsContract != acc.IsContract {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", decoded, acc)
	}
	if decoded.Balance.Cmp(acc.Balance) != 0 {
		t.Fatalf("balance mismatch: %s vs %s", decoded.Balance, acc.Balance)
	}
}

func sampleHeader() *Header {
	return &Header{
		Number:            5,
		Hash:              common.HexToHash("0x01"),
		ParentHash:        common.HexToHash("0x02"),
		Timestamp:         1000,
		GasLimit:          30_000_000,
		GasUsed:           21_000,
		Miner:             common.HexToAddress("0x03"),
		EVMStateRoot:      common.HexToHash("0x04"),
		DexVMStateRoot:    common.HexToHash("0x05"),
		CombinedStateRoot: common.HexToHash("0x06"),
		TxCount:           2,
		TxHashes:          []common.Hash{common.HexToHash("0x07"), common.HexToHash("0x08")},
	}
}

func TestHeaderRoundtripModern(t *testing.T) {
	h := sampleHeader()
	h.Signature = [65]byte{1, 2, 3}
	encoded := EncodeHeader(h)
	if len(encoded) != LegacyHeaderSize+65+4+2*HashSize {
		t.Fatalf("unexpected modern encoding length %d", len(encoded))
	}
	decoded, err := DecodeHeader(h.Number, encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Hash != h.Hash || decoded.ParentHash != h.ParentHash || decoded.CombinedStateRoot != h.CombinedStateRoot {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", decoded, h)
	}
	if len(decoded.TxHashes) != 2 || decoded.TxHashes[0] != h.TxHashes[0] {
		t.Fatalf("tx hashes mismatch: %+v", decoded.TxHashes)
	}
	if decoded.Signature != h.Signature {
		t.Fatalf("signature mismatch: %x vs %x", decoded.Signature, h.Signature)
	}
}

// TestHeaderDecodeLegacyShortRow verifies backward compatibility with the
// 212-byte legacy layout that carries no signature or tx-hash vector
// (§4.1, §9).
func TestHeaderDecodeLegacyShortRow(t *testing.T) {
	h := sampleHeader()
	h.TxHashes = nil
	full := EncodeHeader(h)
	legacy := full[:LegacyHeaderSize]
	if len(legacy) != LegacyHeaderSize {
		t.Fatalf("legacy row length = %d, want %d", len(legacy), LegacyHeaderSize)
	}

	decoded, err := DecodeHeader(h.Number, legacy)
	if err != nil {
		t.Fatalf("decode legacy row: %v", err)
	}
	if decoded.Hash != h.Hash || decoded.CombinedStateRoot != h.CombinedStateRoot {
		t.Fatalf("legacy decode mismatch: %+v vs %+v", decoded, h)
	}
	var zeroSig [65]byte
	if decoded.Signature != zeroSig {
		t.Fatalf("expected zero-filled signature for legacy row, got %x", decoded.Signature)
	}
	if len(decoded.TxHashes) != 0 {
		t.Fatalf("expected no tx hashes decoded from legacy row")
	}
}

func TestOpenNewDatabaseReportsNew(t *testing.T) {
	dir := t.TempDir()
	s, isNew, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if !isNew {
		t.Fatalf("expected a freshly created directory to report isNew=true")
	}
	if _, ok := s.LatestBlockNumber(); ok {
		t.Fatalf("expected no latest block on a new database")
	}
}

func TestStoreBlockAtomicAndReopen(t *testing.T) {
	dir := t.TempDir()
	s, _, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	h := sampleHeader()
	h.Number = 0
	h.ParentHash = common.Hash{}
	acc := &Account{Balance: uint256.NewInt(1000)}
	addr := common.HexToAddress("0xAA")

	commit := &BlockCommit{
		Header:   h,
		TxHashes: h.TxHashes,
		TxBodies: [][]byte{{0xde, 0xad}, {0xbe, 0xef}},
		Accounts: []AccountWrite{{Address: addr, Account: acc}},
	}
	if err := s.StoreBlock(commit); err != nil {
		t.Fatalf("store block: %v", err)
	}

	got, err := s.GetAccount(addr)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.Balance.Cmp(acc.Balance) != 0 {
		t.Fatalf("balance mismatch after store: %s vs %s", got.Balance, acc.Balance)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, isNew, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if isNew {
		t.Fatalf("reopened database should not report isNew")
	}
	latest, ok := reopened.LatestBlockNumber()
	if !ok || latest != 0 {
		t.Fatalf("expected latest block 0 after reopen, got %d (ok=%v)", latest, ok)
	}
	gotAcc, err := reopened.GetAccount(addr)
	if err != nil {
		t.Fatalf("get account after reopen: %v", err)
	}
	if gotAcc.Balance.Cmp(acc.Balance) != 0 {
		t.Fatalf("balance did not survive reopen: %s vs %s", gotAcc.Balance, acc.Balance)
	}
}

func TestCounterZeroDeletesRow(t *testing.T) {
	dir := t.TempDir()
	s, _, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	addr := common.HexToAddress("0xBB")
	h := sampleHeader()
	h.Number = 0
	h.TxHashes = nil

	commit := &BlockCommit{
		Header:   h,
		Counters: map[common.Address]uint64{addr: 5},
	}
	if err := s.StoreBlock(commit); err != nil {
		t.Fatalf("store: %v", err)
	}
	if v, err := s.GetCounter(addr); err != nil || v != 5 {
		t.Fatalf("expected counter 5, got %d (err=%v)", v, err)
	}

	h2 := sampleHeader()
	h2.Number = 1
	h2.ParentHash = h.Hash
	h2.TxHashes = nil
	commit2 := &BlockCommit{
		Header:   h2,
		Counters: map[common.Address]uint64{addr: 0},
	}
	if err := s.StoreBlock(commit2); err != nil {
		t.Fatalf("store: %v", err)
	}
	if v, err := s.GetCounter(addr); err != nil || v != 0 {
		t.Fatalf("expected counter deleted (0), got %d (err=%v)", v, err)
	}
	all, err := s.AllCounters()
	if err != nil {
		t.Fatalf("all counters: %v", err)
	}
	if _, ok := all[addr]; ok {
		t.Fatalf("expected zero counter to be absent from AllCounters, got entry")
	}
}
