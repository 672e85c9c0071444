// Package precompile implements the fixed-address bridge that lets an EVM
// transaction invoke the counter VM atomically as part of its own call
// (§4.4). It only decodes/validates calldata and applies fixed gas costs;
// the actual counter mutation is delegated to the caller's *counter.VM so
// the executor can roll back EVM-side effects on counter failure.
package precompile

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clyde-dualvm/dexnode/internal/dualvm/counter"
)

// Address is the well-known 20-byte precompile bridge address (0x...0100).
var Address = common.HexToAddress("0x0000000000000000000000000000000000000100")

// Op is a precompile operation byte.
type Op byte

const (
	OpIncrement Op = 0x00
	OpDecrement Op = 0x01
	OpQuery     Op = 0x02
)

// CalldataLen is the exact required length: 1-byte op + 8-byte amount.
const CalldataLen = 9

// Call is a decoded precompile invocation.
type Call struct {
	Op     Op
	Amount uint64
}

// Decode parses the normative `op(1) || amount_be(8)` calldata layout.
// A length other than 9 or an unrecognized op byte is a decode error.
func Decode(calldata []byte) (Call, error) {
	if len(calldata) != CalldataLen {
		return Call{}, ErrBadCalldata
	}
	op := Op(calldata[0])
	switch op {
	case OpIncrement, OpDecrement, OpQuery:
	default:
		return Call{}, ErrBadOp
	}
	return Call{Op: op, Amount: binary.BigEndian.Uint64(calldata[1:9])}, nil
}

// ErrBadCalldata and ErrBadOp are returned by Decode; the executor treats
// any decode error against the router address as "fall back to plain EVM"
// (§4.5), while a decode error against the precompile address itself is an
// invalid call (§4.4 "Other op bytes fail the call deterministically").
var (
	ErrBadCalldata = calldataError("precompile: calldata must be exactly 9 bytes")
	ErrBadOp       = calldataError("precompile: unrecognized op byte")
)

type calldataError string

func (e calldataError) Error() string { return string(e) }

// GasFor returns the fixed gas cost for a decoded call, or GasInvalid when
// err is non-nil (decode failed against the precompile address).
func GasFor(call Call, err error) uint64 {
	if err != nil {
		return counter.GasInvalid
	}
	switch call.Op {
	case OpIncrement:
		return counter.GasIncrement
	case OpDecrement:
		return counter.GasDecrement
	case OpQuery:
		return counter.GasQuery
	default:
		return counter.GasInvalid
	}
}

// Result is the precompile's outcome: a counter.Receipt plus the 8-byte
// big-endian return data the EVM caller sees (empty on failure, §6).
type Result struct {
	Receipt    counter.Receipt
	ReturnData []byte
}

// Run executes a decoded call against vm on behalf of caller, returning the
// counter receipt and the EVM-visible return data.
func Run(vm *counter.VM, caller common.Address, call Call) Result {
	var receipt counter.Receipt
	switch call.Op {
	case OpIncrement:
		receipt = vm.Increment(caller, call.Amount)
	case OpDecrement:
		receipt = vm.Decrement(caller, call.Amount)
	case OpQuery:
		receipt = vm.Query(caller)
	}
	if !receipt.Success {
		return Result{Receipt: receipt, ReturnData: nil}
	}
	var ret [8]byte
	binary.BigEndian.PutUint64(ret[:], receipt.New)
	return Result{Receipt: receipt, ReturnData: ret[:]}
}
