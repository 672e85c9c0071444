package counter

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func addr(n byte) common.Address {
	var a common.Address
	a[19] = n
	return a
}

func TestIncrementSaturating(t *testing.T) {
	vm := New(nil)
	a := addr(1)

	r := vm.Increment(a, 25)
	if !r.Success || r.Old != 0 || r.New != 25 || r.GasUsed != GasIncrement {
		t.Fatalf("unexpected receipt: %+v", r)
	}

	r2 := vm.Increment(a, ^uint64(0))
	if !r2.Success || r2.New != ^uint64(0) {
		t.Fatalf("expected saturation to max uint64, got %+v", r2)
	}
}

func TestDecrementUnderflow(t *testing.T) {
	vm := New(map[common.Address]uint64{addr(1): 3})
	a := addr(1)

	r := vm.Decrement(a, 5)
	if r.Success {
		t.Fatalf("expected decrement to fail on underflow")
	}
	if r.Old != 3 || r.New != 3 {
		t.Fatalf("expected unchanged old/new on failure, got %+v", r)
	}
	want := "Counter underflow: have 3, want to decrement 5"
	if r.Error != want {
		t.Fatalf("error text mismatch: got %q want %q", r.Error, want)
	}
	if !strings.Contains(r.Error, "underflow") {
		t.Fatalf("sanity check failed")
	}
}

func TestSetToZeroDeletes(t *testing.T) {
	vm := New(nil)
	a := addr(1)
	vm.Increment(a, 10)
	vm.Decrement(a, 10)
	vm.Commit()

	all := vm.AllCounters()
	if _, ok := all[a]; ok {
		t.Fatalf("expected zero counter to be deleted, found entry %v", all[a])
	}
}

func TestCommitRollback(t *testing.T) {
	vm := New(map[common.Address]uint64{addr(1): 10})
	a := addr(1)

	vm.Increment(a, 5)
	vm.Rollback()
	if got := vm.Query(a).New; got != 10 {
		t.Fatalf("rollback should restore committed value, got %d", got)
	}

	vm.Increment(a, 5)
	vm.Commit()
	if got := vm.Query(a).New; got != 15 {
		t.Fatalf("commit should persist pending value, got %d", got)
	}
}

func TestRootEmptyIsZero(t *testing.T) {
	vm := New(nil)
	if vm.Root() != (common.Hash{}) {
		t.Fatalf("expected empty counter state to have zero root")
	}
}

func TestRootDeterministic(t *testing.T) {
	vm1 := New(map[common.Address]uint64{addr(2): 7, addr(1): 3})
	vm2 := New(map[common.Address]uint64{addr(1): 3, addr(2): 7})
	if vm1.Root() != vm2.Root() {
		t.Fatalf("root must not depend on map iteration/insertion order")
	}
}
