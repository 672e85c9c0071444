package mempool

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func newSignedTx(t *testing.T, key *ecdsa.PrivateKey, signer types.Signer, nonce uint64) *types.Transaction {
	t.Helper()
	tx := types.NewTransaction(nonce, common.HexToAddress("0x01"), big.NewInt(1), 21000, big.NewInt(1), nil)
	signed, err := types.SignTx(tx, signer, key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return signed
}

func TestAddDeduplicatesByHash(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := types.NewEIP155Signer(big.NewInt(1))
	mp := New(signer)

	tx := newSignedTx(t, key, signer, 0)
	from, err := types.Sender(signer, tx)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}

	if err := mp.Add(tx, from); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := mp.Add(tx, from); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if mp.Len() != 1 {
		t.Fatalf("expected de-duplication, got %d entries", mp.Len())
	}
}

func TestListPendingPreservesArrivalOrder(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := types.NewEIP155Signer(big.NewInt(1))
	mp := New(signer)

	var hashes []common.Hash
	for i := uint64(0); i < 5; i++ {
		tx := newSignedTx(t, key, signer, i)
		from, _ := types.Sender(signer, tx)
		if err := mp.Add(tx, from); err != nil {
			t.Fatalf("add: %v", err)
		}
		hashes = append(hashes, tx.Hash())
	}

	entries := mp.ListPending()
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Hash != hashes[i] {
			t.Fatalf("entry %d out of order: got %s want %s", i, e.Hash, hashes[i])
		}
	}
}

func TestRemoveKeepsRemainingOrder(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := types.NewEIP155Signer(big.NewInt(1))
	mp := New(signer)

	var hashes []common.Hash
	for i := uint64(0); i < 3; i++ {
		tx := newSignedTx(t, key, signer, i)
		from, _ := types.Sender(signer, tx)
		mp.Add(tx, from)
		hashes = append(hashes, tx.Hash())
	}

	mp.Remove([]common.Hash{hashes[1]})
	entries := mp.ListPending()
	if len(entries) != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", len(entries))
	}
	if entries[0].Hash != hashes[0] || entries[1].Hash != hashes[2] {
		t.Fatalf("unexpected remaining order: %+v", entries)
	}
}

func TestClearPending(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := types.NewEIP155Signer(big.NewInt(1))
	mp := New(signer)
	tx := newSignedTx(t, key, signer, 0)
	from, _ := types.Sender(signer, tx)
	mp.Add(tx, from)

	mp.ClearPending()
	if mp.Len() != 0 {
		t.Fatalf("expected empty mempool after ClearPending, got %d", mp.Len())
	}
}
