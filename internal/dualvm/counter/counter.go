// Package counter implements the restricted counter VM ("DexVM"): an
// in-memory address -> uint64 map with pending/committed snapshots, used
// both for direct DexVM transactions and as the mutable side of cross-VM
// precompile calls.
package counter

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Receipt is the result of a single counter operation, mirroring the
// {success, old, new, gas_used, error?} shape every op produces.
type Receipt struct {
	Success bool
	Old     uint64
	New     uint64
	GasUsed uint64
	Error   string
}

// Gas schedule, fixed per op-kind (§4.4 "Gas schedule is fixed per op").
const (
	GasIncrement uint64 = 26000
	GasDecrement uint64 = 26000
	GasQuery     uint64 = 24000
	GasInvalid   uint64 = 3000
)

// VM holds the counter state's committed and pending snapshots. A single
// executor task owns the VM (§3 "The counter VM's live state is owned by a
// single executor task"); every method takes the VM's mutex, so read-only
// observers (tests, RPC) can call Root and AllCounters without racing a
// live executor.
type VM struct {
	mu        sync.Mutex
	committed map[common.Address]uint64
	pending   map[common.Address]uint64
}

// New builds a VM from the committed snapshot persisted in the store
// (typically store.Store.AllCounters at startup).
func New(committed map[common.Address]uint64) *VM {
	v := &VM{committed: make(map[common.Address]uint64), pending: make(map[common.Address]uint64)}
	for addr, val := range committed {
		if val != 0 {
			v.committed[addr] = val
			v.pending[addr] = val
		}
	}
	return v
}

func (v *VM) get(addr common.Address) uint64 {
	return v.pending[addr]
}

// Increment performs a saturating add against the pending snapshot.
func (v *VM) Increment(addr common.Address, amount uint64) Receipt {
	v.mu.Lock()
	defer v.mu.Unlock()
	old := v.get(addr)
	newVal := old + amount
	if newVal < old { // overflow: saturate at max uint64
		newVal = ^uint64(0)
	}
	v.set(addr, newVal)
	return Receipt{Success: true, Old: old, New: newVal, GasUsed: GasIncrement}
}

// Decrement fails all-or-nothing when amount exceeds the current value
// (§4.3 "decrement(n) failing if n > current"); the error text is taken
// verbatim from the reference implementation's state.rs.
func (v *VM) Decrement(addr common.Address, amount uint64) Receipt {
	v.mu.Lock()
	defer v.mu.Unlock()
	old := v.get(addr)
	if amount > old {
		return Receipt{
			Success: false,
			Old:     old,
			New:     old,
			GasUsed: GasDecrement,
			Error:   fmt.Sprintf("Counter underflow: have %d, want to decrement %d", old, amount),
		}
	}
	newVal := old - amount
	v.set(addr, newVal)
	return Receipt{Success: true, Old: old, New: newVal, GasUsed: GasDecrement}
}

// Query is read-only; it still costs gas per the fixed schedule.
func (v *VM) Query(addr common.Address) Receipt {
	v.mu.Lock()
	defer v.mu.Unlock()
	cur := v.get(addr)
	return Receipt{Success: true, Old: cur, New: cur, GasUsed: GasQuery}
}

// set applies the zero-delete invariant: a counter that reaches zero is
// removed from the pending map rather than stored as 0 (§3).
func (v *VM) set(addr common.Address, val uint64) {
	if val == 0 {
		delete(v.pending, addr)
		return
	}
	v.pending[addr] = val
}

// Commit copies pending over committed.
func (v *VM) Commit() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.commitLocked()
}

func (v *VM) commitLocked() {
	committed := make(map[common.Address]uint64, len(v.pending))
	for addr, val := range v.pending {
		committed[addr] = val
	}
	v.committed = committed
}

// Rollback discards pending changes, restoring committed into pending.
func (v *VM) Rollback() {
	v.mu.Lock()
	defer v.mu.Unlock()
	pending := make(map[common.Address]uint64, len(v.committed))
	for addr, val := range v.committed {
		pending[addr] = val
	}
	v.pending = pending
}

// SyncPendingToState is an alias for Commit used by the executor at block
// end, before the DexVM state root is computed (§4.3).
func (v *VM) SyncPendingToState() {
	v.Commit()
}

// AllCounters returns a snapshot copy of the committed state.
func (v *VM) AllCounters() map[common.Address]uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[common.Address]uint64, len(v.committed))
	for addr, val := range v.committed {
		out[addr] = val
	}
	return out
}

// PendingSnapshot returns a copy of the pending map, used by the executor
// to persist the current counter snapshot atomically alongside a block.
func (v *VM) PendingSnapshot() map[common.Address]uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[common.Address]uint64, len(v.pending))
	for addr, val := range v.pending {
		out[addr] = val
	}
	return out
}

// Root computes the flat-keccak DexVM state root: keccak of
// address(20) ‖ counter(8) for every non-zero counter in ascending address
// order. The empty state's root is the zero hash (§3).
func (v *VM) Root() common.Hash {
	v.mu.Lock()
	snapshot := make(map[common.Address]uint64, len(v.committed))
	for addr, val := range v.committed {
		snapshot[addr] = val
	}
	v.mu.Unlock()
	return RootOf(snapshot)
}

// RootOf computes the same digest as Root over an arbitrary counter map,
// useful for tests and for recomputing the root from a store snapshot
// without constructing a VM.
func RootOf(counters map[common.Address]uint64) common.Hash {
	if len(counters) == 0 {
		return common.Hash{}
	}
	addrs := make([]common.Address, 0, len(counters))
	for addr := range counters {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytesLess(addrs[i][:], addrs[j][:])
	})
	buf := make([]byte, 0, len(addrs)*(common.AddressLength+8))
	for _, addr := range addrs {
		buf = append(buf, addr[:]...)
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], counters[addr])
		buf = append(buf, v[:]...)
	}
	return crypto.Keccak256Hash(buf)
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
