// Package consensus implements the single-validator POA block proposer and
// signature verifier (§4.6), ported from the reference implementation's
// crates/node/src/consensus.rs: a timer-driven proposal loop signing a
// canonical header digest with a recoverable ECDSA signature.
package consensus

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
)

// Signature is a 65-byte recoverable ECDSA signature, r(32) || s(32) || v(1)
// with v in {0,1} (§6 "POA digest").
type Signature struct {
	R common.Hash
	S common.Hash
	V byte
}

// Bytes serializes the signature to its 65-byte wire form.
func (s Signature) Bytes() [65]byte {
	var out [65]byte
	copy(out[0:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// IsEmpty reports whether this is the zero signature used for genesis rows.
func (s Signature) IsEmpty() bool {
	return s.R == (common.Hash{}) && s.S == (common.Hash{}) && s.V == 0
}

// SignatureFromBytes decodes the 65-byte wire form produced by Bytes.
func SignatureFromBytes(b [65]byte) Signature {
	var sig Signature
	copy(sig.R[:], b[0:32])
	copy(sig.S[:], b[32:64])
	sig.V = b[64]
	return sig
}

// Proposal is an unsigned-then-signed block header proposal (§4.6 step 2).
type Proposal struct {
	Number     uint64
	ParentHash common.Hash
	Timestamp  uint64
	Proposer   common.Address
	Signature  Signature
}

// SigningHash computes the normative 68-byte POA digest:
// number_be(8) || parent_hash(32) || timestamp_be(8) || proposer(20) (§6).
func (p *Proposal) SigningHash() common.Hash {
	buf := make([]byte, 0, 8+32+8+common.AddressLength)
	buf = appendU64(buf, p.Number)
	buf = append(buf, p.ParentHash[:]...)
	buf = appendU64(buf, p.Timestamp)
	buf = append(buf, p.Proposer[:]...)
	return crypto.Keccak256Hash(buf)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// Sign produces the 65-byte recoverable signature over the proposal's
// digest using key, and stores it on the proposal.
func (p *Proposal) Sign(key *ecdsa.PrivateKey) error {
	digest := p.SigningHash()
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return fmt.Errorf("consensus: sign proposal: %w", err)
	}
	p.Signature = SignatureFromBytes([65]byte(sig))
	return nil
}

// RecoverSigner recovers the address that produced the proposal's
// signature over its own digest, without checking allowlist membership.
func (p *Proposal) RecoverSigner() (common.Address, error) {
	digest := p.SigningHash()
	sigBytes := p.Signature.Bytes()
	pub, err := crypto.SigToPub(digest[:], sigBytes[:])
	if err != nil {
		return common.Address{}, fmt.Errorf("consensus: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature recomputes the digest, recovers the signer, and requires
// it to equal p.Proposer AND be a member of validators (§4.6 "Verification").
func (p *Proposal) VerifySignature(validators map[common.Address]bool) error {
	signer, err := p.RecoverSigner()
	if err != nil {
		return err
	}
	if signer != p.Proposer {
		return fmt.Errorf("consensus: recovered signer %s does not match proposer %s", signer, p.Proposer)
	}
	if !validators[signer] {
		return fmt.Errorf("consensus: signer %s is not in the validator allowlist", signer)
	}
	return nil
}

// AddressFromPrivateKey derives the validator address the same way the
// reference implementation does: keccak(uncompressed_pubkey[1:])[12:],
// which is exactly crypto.PubkeyToAddress's definition.
func AddressFromPrivateKey(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// Config configures the POA engine: a secp256k1 signing key and the block
// production interval (§4.6).
type Config struct {
	PrivateKey    *ecdsa.PrivateKey
	Validator     common.Address
	BlockInterval time.Duration
	StartingBlock uint64
}

// NewConfig derives Validator from PrivateKey and stores the rest verbatim.
func NewConfig(key *ecdsa.PrivateKey, interval time.Duration, startingBlock uint64) Config {
	return Config{
		PrivateKey:    key,
		Validator:     AddressFromPrivateKey(key),
		BlockInterval: interval,
		StartingBlock: startingBlock,
	}
}

// ConfigFromHex builds a Config from a hex-encoded private key, matching
// the reference's PoaConfig::from_hex_key.
func ConfigFromHex(hexKey string, interval time.Duration, startingBlock uint64) (Config, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return Config{}, fmt.Errorf("consensus: parse private key: %w", err)
	}
	return NewConfig(key, interval, startingBlock), nil
}

// State is the proposer's state machine (§4.6 "State machine").
type State int

const (
	StateIdle State = iota
	StateProposing
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateProposing:
		return "Proposing"
	case StateFinalized:
		return "Finalized"
	default:
		return "Unknown"
	}
}

// Engine is the block-proposal loop: it owns current_block/last_block_hash
// and emits signed proposals on proposalCh for the executor to consume
// (§5 "Consensus timer task owns current_block, last_block_hash").
type Engine struct {
	cfg Config

	mu             sync.Mutex
	currentBlock   uint64
	lastBlockHash  common.Hash
	state          State

	proposalCh chan *Proposal
	pendingTxs func() []common.Hash // supplied by the caller; stored, not called by Tick
}

// NewEngine builds an Engine. pendingTxs is kept on the Engine but Tick
// does not call it: proposals carry no transaction list, and the consumer
// of a proposal picks the transactions the block executes. It may be nil.
func NewEngine(cfg Config, pendingTxs func() []common.Hash) *Engine {
	return &Engine{
		cfg:          cfg,
		currentBlock: cfg.StartingBlock,
		proposalCh:   make(chan *Proposal, 4),
		pendingTxs:   pendingTxs,
	}
}

// CurrentBlockNumber returns the last block number the engine considers
// finalized.
func (e *Engine) CurrentBlockNumber() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentBlock
}

// SetLastBlockHash seeds last_block_hash on recovery (e.g. after loading
// the chain tip from the store at startup).
func (e *Engine) SetLastBlockHash(number uint64, hash common.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentBlock = number
	e.lastBlockHash = hash
}

// Proposals exposes the channel the executor drains proposals from.
func (e *Engine) Proposals() <-chan *Proposal {
	return e.proposalCh
}

// Tick builds, signs, and emits one proposal for the block following
// current_block (§4.6 steps 1-5). now is injected so tests are
// deterministic.
func (e *Engine) Tick(now time.Time) error {
	e.mu.Lock()
	n := e.currentBlock + 1
	parent := e.lastBlockHash
	e.state = StateProposing
	e.mu.Unlock()

	p := &Proposal{
		Number:     n,
		ParentHash: parent,
		Timestamp:  uint64(now.Unix()),
		Proposer:   e.cfg.Validator,
	}
	if err := p.Sign(e.cfg.PrivateKey); err != nil {
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
		return err
	}

	select {
	case e.proposalCh <- p:
	default:
		log.Warn("consensus: proposal channel full, dropping tick", "number", n)
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
	}
	return nil
}

// FinalizeBlock transitions Proposing -> Finalized on executor success,
// advancing last_block_hash (§4.6 "Proposing -> Finalized(hash)").
func (e *Engine) FinalizeBlock(number uint64, hash common.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentBlock = number
	e.lastBlockHash = hash
	e.state = StateFinalized
}

// DropProposal transitions Proposing -> Idle on executor failure, without
// advancing last_block_hash (§4.6, §7 "Proposal failure").
func (e *Engine) DropProposal(reason error) {
	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()
	log.Error("consensus: dropping proposal", "err", reason)
}

// Start runs the tick loop until stopCh is closed, sending one proposal
// per BlockInterval. It mirrors the reference's tokio::spawn proposer task
// using a goroutine and time.Ticker instead.
func (e *Engine) Start(stopCh <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.BlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case t := <-ticker.C:
			if err := e.Tick(t); err != nil {
				log.Error("consensus: tick failed", "err", err)
			}
		}
	}
}
