package consensus

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// testPrivateKey and testValidatorAddress are the documented test vector
// from the reference consensus implementation (§8 scenario S4).
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var testValidatorAddress = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

func TestValidatorAddressDerivation(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("parse test key: %v", err)
	}
	got := AddressFromPrivateKey(key)
	if got != testValidatorAddress {
		t.Fatalf("validator address = %s, want %s", got, testValidatorAddress)
	}
}

func TestBlockSigningRoundtrip(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("parse test key: %v", err)
	}
	p := &Proposal{
		Number:     1,
		ParentHash: common.Hash{},
		Timestamp:  1234567890,
		Proposer:   testValidatorAddress,
	}
	if err := p.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	signer, err := p.RecoverSigner()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if signer != testValidatorAddress {
		t.Fatalf("recovered signer = %s, want %s", signer, testValidatorAddress)
	}
}

func TestTamperedNumberChangesRecoveredSigner(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("parse test key: %v", err)
	}
	p := &Proposal{Number: 1, Timestamp: 1234567890, Proposer: testValidatorAddress}
	if err := p.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}

	tampered := *p
	tampered.Number = 2
	signer, err := tampered.RecoverSigner()
	if err == nil && signer == testValidatorAddress {
		t.Fatalf("tampering with number should change the recovered signer")
	}
}

func TestVerifySignatureRequiresAllowlistMembership(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("parse test key: %v", err)
	}
	p := &Proposal{Number: 1, Timestamp: 1, Proposer: testValidatorAddress}
	if err := p.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := p.VerifySignature(map[common.Address]bool{testValidatorAddress: true}); err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}
	if err := p.VerifySignature(map[common.Address]bool{}); err == nil {
		t.Fatalf("expected verification to fail against an empty allowlist")
	}
}

func TestSignatureBytesRoundtrip(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("parse test key: %v", err)
	}
	p := &Proposal{Number: 9, Timestamp: 42, Proposer: testValidatorAddress}
	if err := p.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	b := p.Signature.Bytes()
	back := SignatureFromBytes(b)
	if back != p.Signature {
		t.Fatalf("signature roundtrip mismatch: got %+v want %+v", back, p.Signature)
	}
}

func TestEngineTickProducesFinalizableProposal(t *testing.T) {
	cfg, err := ConfigFromHex(testPrivateKey, 10*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	engine := NewEngine(cfg, nil)

	if err := engine.Tick(time.Unix(1234567890, 0)); err != nil {
		t.Fatalf("tick: %v", err)
	}

	select {
	case p := <-engine.Proposals():
		if p.Number != 1 {
			t.Fatalf("expected proposal for block 1, got %d", p.Number)
		}
		engine.FinalizeBlock(p.Number, p.SigningHash())
		if got := engine.CurrentBlockNumber(); got != 1 {
			t.Fatalf("current block = %d, want 1", got)
		}
	default:
		t.Fatalf("expected a proposal on the channel")
	}
}
