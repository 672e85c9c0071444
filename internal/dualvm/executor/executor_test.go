package executor

import (
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/clyde-dualvm/dexnode/internal/dualvm/precompile"
	"github.com/clyde-dualvm/dexnode/internal/dualvm/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, _, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, db *store.Store, addr common.Address, balance uint64) {
	t.Helper()
	commit := &store.BlockCommit{
		Header: &store.Header{Number: 0},
		Accounts: []store.AccountWrite{{
			Address: addr,
			Account: &store.Account{Balance: uint256.NewInt(balance)},
		}},
	}
	if err := db.StoreBlock(commit); err != nil {
		t.Fatalf("seed genesis account: %v", err)
	}
}

// persistBlock stores the executed block's commit. Commit drains the
// adapter's overlay, so Basic only sees the block's writes once they are in
// the store.
func persistBlock(t *testing.T, db *store.Store, res *BlockResult) {
	t.Helper()
	res.Commit.Header = &store.Header{Number: 1, Hash: common.HexToHash("0x01")}
	if err := db.StoreBlock(res.Commit); err != nil {
		t.Fatalf("persist block: %v", err)
	}
}

func incrementCalldata(amount uint64) []byte {
	buf := make([]byte, precompile.CalldataLen)
	buf[0] = byte(precompile.OpIncrement)
	binary.BigEndian.PutUint64(buf[1:], amount)
	return buf
}

func decrementCalldata(amount uint64) []byte {
	buf := make([]byte, precompile.CalldataLen)
	buf[0] = byte(precompile.OpDecrement)
	binary.BigEndian.PutUint64(buf[1:], amount)
	return buf
}

// TestCrossVMSuccess exercises §8 scenario S1: a cross-VM increment against
// the precompile bridge succeeds, bumps the nonce, credits the counter, and
// only the fixed per-op gas is deducted from the sender's balance.
func TestCrossVMSuccess(t *testing.T) {
	db := newTestStore(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	seedAccount(t, db, from, 1_000_000_000)

	ex, err := New(db, 0, nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	signer := types.NewEIP155Signer(big.NewInt(1))
	tx := types.NewTransaction(0, precompile.Address, big.NewInt(0), 100000, big.NewInt(1), incrementCalldata(25))
	signedTx, err := types.SignTx(tx, signer, key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}

	res, err := ex.ExecuteBlock([]*types.Transaction{signedTx}, signer)
	if err != nil {
		t.Fatalf("execute block: %v", err)
	}
	if len(res.Receipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(res.Receipts))
	}
	r := res.Receipts[0]
	if r.Status != 1 {
		t.Fatalf("expected success status, got %+v", r)
	}
	if r.CounterNew != 25 {
		t.Fatalf("expected counter(A)=25, got %d", r.CounterNew)
	}

	persistBlock(t, db, res)
	acc, err := ex.EVMState().Basic(from)
	if err != nil {
		t.Fatalf("basic: %v", err)
	}
	if acc.Nonce != 1 {
		t.Fatalf("expected nonce=1, got %d", acc.Nonce)
	}
	want := new(uint256.Int).SetUint64(1_000_000_000 - precompile.GasFor(mustDecode(t, incrementCalldata(25)), nil))
	if acc.Balance.Cmp(want) != 0 {
		t.Fatalf("expected balance=%s, got %s", want, acc.Balance)
	}
	if ex.Counter().Query(from).New != 25 {
		t.Fatalf("expected live counter to read 25")
	}
}

// TestCrossVMUnderflow exercises §8 scenario S2: a cross-VM decrement that
// underflows still charges gas and bumps the nonce, but leaves the counter
// and the transferred value untouched.
func TestCrossVMUnderflow(t *testing.T) {
	db := newTestStore(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	seedAccount(t, db, from, 1_000_000_000)

	ex, err := New(db, 0, nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	signer := types.NewEIP155Signer(big.NewInt(1))
	tx := types.NewTransaction(0, precompile.Address, big.NewInt(0), 100000, big.NewInt(1), decrementCalldata(5))
	signedTx, err := types.SignTx(tx, signer, key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}

	res, err := ex.ExecuteBlock([]*types.Transaction{signedTx}, signer)
	if err != nil {
		t.Fatalf("execute block: %v", err)
	}
	r := res.Receipts[0]
	if r.Status != 0 {
		t.Fatalf("expected failure status on underflow, got %+v", r)
	}
	if r.CounterNew != 0 || r.CounterOld != 0 {
		t.Fatalf("expected counter unchanged at 0, got %+v", r)
	}

	persistBlock(t, db, res)
	acc, err := ex.EVMState().Basic(from)
	if err != nil {
		t.Fatalf("basic: %v", err)
	}
	if acc.Nonce != 1 {
		t.Fatalf("expected nonce still bumped to 1, got %d", acc.Nonce)
	}
	want := new(uint256.Int).SetUint64(1_000_000_000 - precompile.GasFor(mustDecode(t, decrementCalldata(5)), nil))
	if acc.Balance.Cmp(want) != 0 {
		t.Fatalf("expected gas-only deduction, got balance=%s want=%s", acc.Balance, want)
	}
}

// TestDexVMUnderflowSafeEndToEnd exercises §8 scenario S3 through the full
// executor path (router address), not just the counter package directly.
func TestDexVMUnderflowSafeEndToEnd(t *testing.T) {
	db := newTestStore(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	seedAccount(t, db, from, 1_000_000_000)

	ex, err := New(db, 0, nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	signer := types.NewEIP155Signer(big.NewInt(1))
	tx := types.NewTransaction(0, RouterAddress, big.NewInt(0), 100000, big.NewInt(1), decrementCalldata(10))
	signedTx, err := types.SignTx(tx, signer, key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}

	res, err := ex.ExecuteBlock([]*types.Transaction{signedTx}, signer)
	if err != nil {
		t.Fatalf("execute block: %v", err)
	}
	r := res.Receipts[0]
	if r.Status != 0 {
		t.Fatalf("expected failure status on underflow, got %+v", r)
	}
	if ex.Counter().Query(from).New != 0 {
		t.Fatalf("expected counter to remain at 0 after failed decrement")
	}

	persistBlock(t, db, res)
	acc, err := ex.EVMState().Basic(from)
	if err != nil {
		t.Fatalf("basic: %v", err)
	}
	if acc.Nonce != 1 {
		t.Fatalf("expected nonce still bumped to 1 on a charged failure, got %d", acc.Nonce)
	}
}

func TestClassifyRouterAndPrecompile(t *testing.T) {
	router := RouterAddress
	precompileAddr := precompile.Address
	other := common.HexToAddress("0x01")

	if got := Classify(&router, incrementCalldata(1)); got != KindDexVM {
		t.Fatalf("expected KindDexVM for well-formed router calldata, got %v", got)
	}
	if got := Classify(&router, []byte{0xFF}); got != KindPlainEVM {
		t.Fatalf("malformed router calldata should degrade to KindPlainEVM, got %v", got)
	}
	if got := Classify(&precompileAddr, incrementCalldata(1)); got != KindCrossVM {
		t.Fatalf("expected KindCrossVM for the precompile address, got %v", got)
	}
	if got := Classify(&other, nil); got != KindPlainEVM {
		t.Fatalf("expected KindPlainEVM for an unrelated address, got %v", got)
	}
	if got := Classify(nil, nil); got != KindPlainEVM {
		t.Fatalf("expected KindPlainEVM for contract creation (nil to), got %v", got)
	}
}

func mustDecode(t *testing.T, calldata []byte) precompile.Call {
	t.Helper()
	call, err := precompile.Decode(calldata)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return call
}
