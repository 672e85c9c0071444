// Package mempool implements the pending transaction set: an
// arrival-ordered, hash-deduplicated collection of transactions accepted
// by a validator or a fullnode's RPC surface (§3 "Pending mempool").
package mempool

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Entry is one pending transaction, recording the hash and recovered
// sender alongside the transaction itself.
type Entry struct {
	Tx   *types.Transaction
	Hash common.Hash
	From common.Address
}

// Mempool is the arrival-ordered, hash-deduplicated pending set (§8
// invariant 5: "no two entries with equal hash").
type Mempool struct {
	mu      sync.RWMutex
	order   []common.Hash
	byHash  map[common.Hash]Entry
	signer  types.Signer
}

func New(signer types.Signer) *Mempool {
	return &Mempool{byHash: make(map[common.Hash]Entry), signer: signer}
}

// AddPendingFromRawRLP decodes raw, recovers its sender, and appends it to
// the pending set if its hash isn't already present (§6 RPC collaborator
// contract "add_pending_from_raw_rlp").
func (m *Mempool) AddPendingFromRawRLP(raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("mempool: decode transaction: %w", err)
	}
	from, err := types.Sender(m.signer, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("mempool: recover sender: %w", err)
	}
	return tx.Hash(), m.Add(tx, from)
}

// Add inserts tx if its hash is not already pending. Re-adding a known hash
// is a silent no-op, preserving the de-duplication invariant.
func (m *Mempool) Add(tx *types.Transaction, from common.Address) error {
	hash := tx.Hash()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byHash[hash]; exists {
		return nil
	}
	m.byHash[hash] = Entry{Tx: tx, Hash: hash, From: from}
	m.order = append(m.order, hash)
	return nil
}

// ListPending returns the pending set in arrival order.
func (m *Mempool) ListPending() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.order))
	for _, h := range m.order {
		out = append(out, m.byHash[h])
	}
	return out
}

// ClearPending empties the pending set, used after a block that consumed
// it has been finalized.
func (m *Mempool) ClearPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = nil
	m.byHash = make(map[common.Hash]Entry)
}

// Remove drops hashes that were included in a just-finalized block,
// preserving arrival order for everything left behind.
func (m *Mempool) Remove(hashes []common.Hash) {
	if len(hashes) == 0 {
		return
	}
	remove := make(map[common.Hash]bool, len(hashes))
	for _, h := range hashes {
		remove[h] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.order[:0:0]
	for _, h := range m.order {
		if remove[h] {
			delete(m.byHash, h)
			continue
		}
		next = append(next, h)
	}
	m.order = next
}

// Len reports the number of pending transactions.
func (m *Mempool) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}
