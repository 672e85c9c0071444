// Package executor implements the dual-VM executor (§4.5): it classifies
// each transaction as a DexVM, cross-VM, or plain-EVM transaction, drives
// the appropriate path, and commits the combined EVM+DexVM state at block
// end. Bytecode interpretation itself is out of scope (§1 Non-goals treat
// the EVM as an external pure function); this package owns the nonce,
// balance, and gas bookkeeping around it and delegates actual contract
// code execution to the CodeRunner collaborator.
package executor

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/clyde-dualvm/dexnode/internal/dualvm/counter"
	"github.com/clyde-dualvm/dexnode/internal/dualvm/evmstate"
	"github.com/clyde-dualvm/dexnode/internal/dualvm/precompile"
	"github.com/clyde-dualvm/dexnode/internal/dualvm/store"
)

// Kind classifies a transaction per §4.5 "Classification".
type Kind int

const (
	KindPlainEVM Kind = iota
	KindCrossVM
	KindDexVM
)

// RouterAddress is the address native DexVM transactions are sent to;
// distinct from the precompile bridge address so a plain EVM call to the
// precompile and a native counter-op submission are unambiguous (§4.5/§6
// "Router calldata for native DexVM transactions").
var RouterAddress = common.HexToAddress("0x00000000000000000000000000000000000dEC")

// Classify implements §4.5's three-way routing rule. A malformed counter
// calldata sent to the router degrades to a plain EVM transaction.
func Classify(to *common.Address, data []byte) Kind {
	if to == nil {
		return KindPlainEVM
	}
	if *to == RouterAddress {
		if _, err := precompile.Decode(routerCalldata(data)); err == nil {
			return KindDexVM
		}
		return KindPlainEVM
	}
	if *to == precompile.Address {
		return KindCrossVM
	}
	return KindPlainEVM
}

// routerCalldata normalizes native DexVM calldata: a query call may be a
// single op byte with no amount (§6 "for query, length may be 1").
func routerCalldata(data []byte) []byte {
	if len(data) == 1 && data[0] == byte(precompile.OpQuery) {
		out := make([]byte, precompile.CalldataLen)
		out[0] = data[0]
		return out
	}
	return data
}

// CodeRunner executes contract bytecode and reports the resulting return
// data, gas used, and success. It is the collaborator boundary replacing
// a full EVM interpreter (§1 Non-goals). A nil CodeRunner means this node
// never executes contract code directly — it still handles value transfers
// and the precompile bridge without one.
type CodeRunner interface {
	Run(caller common.Address, to *common.Address, input []byte, value *uint256.Int, gas uint64, adapter *evmstate.Adapter) (ret []byte, gasLeft uint64, contractAddr common.Address, err error)
}

// Receipt is the outcome of executing a single transaction.
type Receipt struct {
	TxHash          common.Hash
	Status          uint64 // 1 success, 0 failure
	GasUsed         uint64
	ContractAddress common.Address
	CounterOld      uint64
	CounterNew      uint64
	CounterError    string
}

// Executor drives transaction execution for one block at a time. A single
// mutex serializes whole blocks; there are no per-VM locks. The cross-VM
// and DexVM paths both touch the counter VM and the EVM state (the DexVM
// path charges gas and bumps the nonce on the EVM side); the plain EVM path
// touches only the EVM state.
type Executor struct {
	mu sync.Mutex // serializes block execution; no two blocks run concurrently (§5)

	db      *store.Store
	evm     *evmstate.Adapter
	counter *counter.VM
	runner  CodeRunner
}

// New builds an Executor over db, loading the counter VM's committed
// snapshot from the store.
func New(db *store.Store, cacheSize int, runner CodeRunner) (*Executor, error) {
	counters, err := db.AllCounters()
	if err != nil {
		return nil, fmt.Errorf("executor: load counters: %w", err)
	}
	return &Executor{
		db:      db,
		evm:     evmstate.New(db, cacheSize),
		counter: counter.New(counters),
		runner:  runner,
	}, nil
}

// BlockResult is everything ExecuteBlock produces for the caller (the
// node/consensus wiring) to turn into a signed, persisted block.
type BlockResult struct {
	Receipts          []Receipt
	EVMStateRoot      common.Hash
	DexVMStateRoot    common.Hash
	CombinedStateRoot common.Hash
	Commit            *store.BlockCommit // header left nil; caller fills header+signature
}

// ExecuteBlock runs txs in arrival order, then computes roots and a
// store.BlockCommit ready for the caller to attach a signed header to and
// persist (§4.5 "Per-block procedure").
func (e *Executor) ExecuteBlock(txs []*types.Transaction, signer types.Signer) (*BlockResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	receipts := make([]Receipt, 0, len(txs))
	txHashes := make([]common.Hash, 0, len(txs))
	txBodies := make([][]byte, 0, len(txs))

	for _, tx := range txs {
		from, err := types.Sender(signer, tx)
		if err != nil {
			log.Warn("executor: unrecoverable sender, skipping tx", "hash", tx.Hash(), "err", err)
			continue
		}
		receipt, err := e.executeOne(tx, from)
		if err != nil {
			log.Warn("executor: tx execution error", "hash", tx.Hash(), "err", err)
			continue
		}
		receipts = append(receipts, receipt)
		txHashes = append(txHashes, tx.Hash())
		body, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("executor: marshal tx %s: %w", tx.Hash(), err)
		}
		txBodies = append(txBodies, body)
	}

	e.counter.SyncPendingToState()

	commitRes := e.evm.Commit()
	evmRoot, err := rootAfterApplying(e.db, commitRes)
	if err != nil {
		return nil, fmt.Errorf("executor: compute evm root: %w", err)
	}
	dexRoot := e.counter.Root()
	combined := crypto.Keccak256Hash(append(append([]byte{}, evmRoot[:]...), dexRoot[:]...))

	commit := &store.BlockCommit{
		TxHashes: txHashes,
		TxBodies: txBodies,
		Accounts: commitRes.Accounts,
		Storage:  commitRes.Storage,
		Counters: e.counter.PendingSnapshot(),
		Code:     commitRes.Code,
	}

	return &BlockResult{
		Receipts:          receipts,
		EVMStateRoot:      evmRoot,
		DexVMStateRoot:    dexRoot,
		CombinedStateRoot: combined,
		Commit:            commit,
	}, nil
}

// rootAfterApplying computes the EVM state root as it will be once commitRes
// lands in the store. Accounts not yet flushed to the store are overlaid
// on top of the on-disk set so the root reflects the block just executed.
func rootAfterApplying(db *store.Store, res evmstate.CommitResult) (common.Hash, error) {
	accounts, err := db.AllAccounts()
	if err != nil {
		return common.Hash{}, err
	}
	if accounts == nil {
		accounts = make(map[common.Address]*store.Account)
	}
	for _, aw := range res.Accounts {
		accounts[aw.Address] = aw.Account
	}
	return rootOfAccounts(accounts), nil
}

func rootOfAccounts(accounts map[common.Address]*store.Account) common.Hash {
	if len(accounts) == 0 {
		return common.Hash{}
	}
	addrs := make([]common.Address, 0, len(accounts))
	for addr := range accounts {
		addrs = append(addrs, addr)
	}
	for i := 1; i < len(addrs); i++ {
		for j := i; j > 0 && lessAddr(addrs[j], addrs[j-1]); j-- {
			addrs[j], addrs[j-1] = addrs[j-1], addrs[j]
		}
	}
	buf := make([]byte, 0, len(addrs)*(common.AddressLength+32+8+32))
	for _, addr := range addrs {
		acc := accounts[addr]
		buf = append(buf, addr[:]...)
		bal := acc.Balance
		if bal == nil {
			bal = new(uint256.Int)
		}
		b32 := bal.Bytes32()
		buf = append(buf, b32[:]...)
		var nb [8]byte
		binary.BigEndian.PutUint64(nb[:], acc.Nonce)
		buf = append(buf, nb[:]...)
		buf = append(buf, acc.CodeHash[:]...)
	}
	return crypto.Keccak256Hash(buf)
}

func lessAddr(a, b common.Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (e *Executor) executeOne(tx *types.Transaction, from common.Address) (Receipt, error) {
	switch Classify(tx.To(), tx.Data()) {
	case KindDexVM:
		return e.executeDexVM(tx, from)
	case KindCrossVM:
		return e.executeCrossVM(tx, from)
	default:
		return e.executeEVM(tx, from)
	}
}

// gasCost is gas_limit * gas_price, matching §4.5's "deduct value +
// gas_limit*gas_price".
func gasCost(tx *types.Transaction) *uint256.Int {
	price, _ := uint256.FromBig(tx.GasPrice())
	limit := new(uint256.Int).SetUint64(tx.Gas())
	return new(uint256.Int).Mul(price, limit)
}

func failedReceipt(tx *types.Transaction) Receipt {
	return Receipt{TxHash: tx.Hash(), Status: 0}
}

// executeEVM handles the plain-EVM path: nonce check, value+gas deduction,
// value transfer, nonce increment (§4.5 "EVM path").
func (e *Executor) executeEVM(tx *types.Transaction, from common.Address) (Receipt, error) {
	acc, err := e.evm.Basic(from)
	if err != nil {
		return Receipt{}, err
	}
	nonce := uint64(0)
	balance := new(uint256.Int)
	if acc != nil {
		nonce = acc.Nonce
		balance = acc.Balance
	}
	if tx.Nonce() != nonce {
		// Duplicate/out-of-order nonce: status 0, no state change (§4.5, §8 inv.7).
		return failedReceipt(tx), nil
	}

	value, _ := uint256.FromBig(tx.Value())
	total := new(uint256.Int).Add(value, gasCost(tx))
	if balance.Lt(total) {
		return failedReceipt(tx), nil
	}

	newBalance := new(uint256.Int).Sub(balance, total)
	if err := e.evm.SetBalance(from, newBalance); err != nil {
		return Receipt{}, err
	}
	if err := e.evm.SetNonce(from, nonce+1); err != nil {
		return Receipt{}, err
	}

	var contractAddr common.Address
	if to := tx.To(); to != nil {
		toAcc, err := e.evm.Basic(*to)
		if err != nil {
			return Receipt{}, err
		}
		toBal := new(uint256.Int)
		if toAcc != nil {
			toBal = toAcc.Balance
		}
		if err := e.evm.SetBalance(*to, new(uint256.Int).Add(toBal, value)); err != nil {
			return Receipt{}, err
		}
		if e.runner != nil && len(tx.Data()) > 0 {
			if _, _, _, rerr := e.runner.Run(from, to, tx.Data(), value, tx.Gas(), e.evm); rerr != nil {
				log.Debug("executor: code execution reverted", "hash", tx.Hash(), "err", rerr)
				return Receipt{TxHash: tx.Hash(), Status: 0, GasUsed: tx.Gas()}, nil
			}
		}
	} else {
		contractAddr = crypto.CreateAddress(from, nonce)
		if e.runner != nil {
			if _, _, _, rerr := e.runner.Run(from, nil, tx.Data(), value, tx.Gas(), e.evm); rerr != nil {
				log.Debug("executor: contract creation reverted", "hash", tx.Hash(), "err", rerr)
				return Receipt{TxHash: tx.Hash(), Status: 0, GasUsed: tx.Gas(), ContractAddress: contractAddr}, nil
			}
		}
	}

	return Receipt{TxHash: tx.Hash(), Status: 1, GasUsed: tx.Gas(), ContractAddress: contractAddr}, nil
}

// executeCrossVM handles a precompile-bridge EVM transaction: exclusive
// access to both VMs, counter op against pending state, rollback of the
// EVM value transfer on counter failure but nonce still bumped (§4.5
// "Cross-VM path", §4.4 "On counter-side failure").
func (e *Executor) executeCrossVM(tx *types.Transaction, from common.Address) (Receipt, error) {
	acc, err := e.evm.Basic(from)
	if err != nil {
		return Receipt{}, err
	}
	nonce := uint64(0)
	balance := new(uint256.Int)
	if acc != nil {
		nonce = acc.Nonce
		balance = acc.Balance
	}
	if tx.Nonce() != nonce {
		return failedReceipt(tx), nil
	}

	value, _ := uint256.FromBig(tx.Value())
	if balance.Lt(new(uint256.Int).Add(value, gasCost(tx))) {
		return failedReceipt(tx), nil
	}

	call, decodeErr := precompile.Decode(tx.Data())
	gasUsed := precompile.GasFor(call, decodeErr)

	if decodeErr != nil {
		// Invalid op against the precompile address itself: deterministic
		// failure (§4.4), still charges the fixed invalid-op gas and bumps
		// nonce, but the value never left the sender's balance.
		newBalance := new(uint256.Int).Sub(balance, gasPriceTimes(tx, gasUsed))
		_ = e.evm.SetBalance(from, newBalance)
		_ = e.evm.SetNonce(from, nonce+1)
		return Receipt{TxHash: tx.Hash(), Status: 0, GasUsed: gasUsed}, nil
	}

	result := precompile.Run(e.counter, from, call)

	// Charge the fixed per-op gas cost from the schedule (§4.4, §8 S1/S2),
	// not the full gas_limit*gas_price: cross-VM calls never run general
	// EVM code, so there is nothing to meter against a budget beyond the
	// op itself. The value portion is deducted only on counter success.
	newBalance := new(uint256.Int).Sub(balance, gasPriceTimes(tx, gasUsed))
	if result.Receipt.Success {
		newBalance = new(uint256.Int).Sub(newBalance, value)
	}
	if err := e.evm.SetBalance(from, newBalance); err != nil {
		return Receipt{}, err
	}
	if err := e.evm.SetNonce(from, nonce+1); err != nil {
		return Receipt{}, err
	}

	status := uint64(0)
	if result.Receipt.Success {
		status = 1
	}
	return Receipt{
		TxHash:       tx.Hash(),
		Status:       status,
		GasUsed:      result.Receipt.GasUsed,
		CounterOld:   result.Receipt.Old,
		CounterNew:   result.Receipt.New,
		CounterError: result.Receipt.Error,
	}, nil
}

func gasPriceTimes(tx *types.Transaction, gas uint64) *uint256.Int {
	price, _ := uint256.FromBig(tx.GasPrice())
	return new(uint256.Int).Mul(price, new(uint256.Int).SetUint64(gas))
}

// executeDexVM handles a native counter-op transaction: decode, execute
// against pending counter state, commit (§4.5 "DexVM path"). Gas is still
// deducted from the sender's EVM balance since there is only one fee
// market in this system (§1 Non-goals: "fee markets beyond a fixed base
// fee" are out of scope, but gas accounting itself is not).
func (e *Executor) executeDexVM(tx *types.Transaction, from common.Address) (Receipt, error) {
	acc, err := e.evm.Basic(from)
	if err != nil {
		return Receipt{}, err
	}
	nonce := uint64(0)
	balance := new(uint256.Int)
	if acc != nil {
		nonce = acc.Nonce
		balance = acc.Balance
	}
	if tx.Nonce() != nonce {
		return failedReceipt(tx), nil
	}

	call, err := precompile.Decode(routerCalldata(tx.Data()))
	if err != nil {
		// Classify() already filtered these out, but stay defensive.
		return failedReceipt(tx), nil
	}
	gasUsed := precompile.GasFor(call, nil)
	cost := gasPriceTimes(tx, gasUsed)
	if balance.Lt(cost) {
		return failedReceipt(tx), nil
	}

	result := precompile.Run(e.counter, from, call)

	newBalance := new(uint256.Int).Sub(balance, cost)
	if err := e.evm.SetBalance(from, newBalance); err != nil {
		return Receipt{}, err
	}
	if err := e.evm.SetNonce(from, nonce+1); err != nil {
		return Receipt{}, err
	}

	status := uint64(0)
	if result.Receipt.Success {
		status = 1
	}
	return Receipt{
		TxHash:       tx.Hash(),
		Status:       status,
		GasUsed:      result.Receipt.GasUsed,
		CounterOld:   result.Receipt.Old,
		CounterNew:   result.Receipt.New,
		CounterError: result.Receipt.Error,
	}, nil
}

// Counter exposes the live counter VM for read-only callers (RPC-style
// query collaborators); mutation must only happen through ExecuteBlock.
func (e *Executor) Counter() *counter.VM { return e.counter }

// EVMState exposes the live EVM state adapter for read-only callers.
func (e *Executor) EVMState() *evmstate.Adapter { return e.evm }
