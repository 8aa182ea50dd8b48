// Package htlc builds and validates the Hash Time-Locked Contracts that back
// BLOOM redemptions on Bitcoin. A lock script has two branches: the recipient
// claims with the preimage of the published secret hash, or the operator
// refunds after the absolute timeout.
package htlc

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ErrInvalidScript indicates a lock script that does not decode to the
// expected two-branch shape.
var ErrInvalidScript = errors.New("htlc: invalid lock script")

// ClaimBranch is the hash-locked branch: reveal the secret whose SHA-256
// digest matches SecretHash and sign with the recipient key.
type ClaimBranch struct {
	SecretHash   [32]byte
	RecipientKey *btcec.PublicKey
}

// RefundBranch is the time-locked branch: after TimeoutUnix has passed the
// operator key can sweep the output back.
type RefundBranch struct {
	TimeoutUnix int64
	OperatorKey *btcec.PublicKey
}

// LockScript is the tagged pair of spending branches. Each branch is
// independently testable; Compile is the single deterministic encoder that
// serialises both into the final Bitcoin script.
type LockScript struct {
	Claim  ClaimBranch
	Refund RefundBranch
}

// NewLockScript assembles a lock script from its branch parameters.
func NewLockScript(secretHash [32]byte, recipient *btcec.PublicKey, timeoutUnix int64, operator *btcec.PublicKey) (*LockScript, error) {
	if recipient == nil {
		return nil, fmt.Errorf("htlc: recipient key required")
	}
	if operator == nil {
		return nil, fmt.Errorf("htlc: operator key required")
	}
	if timeoutUnix <= txscript.LockTimeThreshold {
		return nil, fmt.Errorf("htlc: timeout %d is not a unix timestamp", timeoutUnix)
	}
	return &LockScript{
		Claim:  ClaimBranch{SecretHash: secretHash, RecipientKey: recipient},
		Refund: RefundBranch{TimeoutUnix: timeoutUnix, OperatorKey: operator},
	}, nil
}

// Compile serialises the lock script:
//
//	OP_IF
//	  OP_SHA256 <secretHash> OP_EQUALVERIFY <recipientKey> OP_CHECKSIG
//	OP_ELSE
//	  <timeout> OP_CHECKLOCKTIMEVERIFY OP_DROP <operatorKey> OP_CHECKSIG
//	OP_ENDIF
func (s *LockScript) Compile() ([]byte, error) {
	if s == nil {
		return nil, ErrInvalidScript
	}
	if s.Claim.RecipientKey == nil || s.Refund.OperatorKey == nil {
		return nil, ErrInvalidScript
	}
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(s.Claim.SecretHash[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(s.Claim.RecipientKey.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(s.Refund.TimeoutUnix)
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(s.Refund.OperatorKey.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ENDIF)
	return builder.Script()
}

// Address derives the P2WSH lock address for the script on the supplied
// network.
func (s *LockScript) Address(params *chaincfg.Params) (btcutil.Address, error) {
	script, err := s.Compile()
	if err != nil {
		return nil, err
	}
	witnessProgram := sha256.Sum256(script)
	return btcutil.NewAddressWitnessScriptHash(witnessProgram[:], params)
}

// SecretHash computes the SHA-256 digest of a claim secret. SHA-256 matches
// OP_SHA256 inside the lock script, so the same digest gates both the local
// check and the on-chain spend.
func SecretHash(secret []byte) [32]byte {
	return sha256.Sum256(secret)
}

// DecodeScriptHex parses a hex-encoded redeem script.
func DecodeScriptHex(redeemScriptHex string) ([]byte, error) {
	script, err := hex.DecodeString(strings.TrimSpace(redeemScriptHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	if len(script) == 0 {
		return nil, fmt.Errorf("%w: empty script", ErrInvalidScript)
	}
	return script, nil
}

// NetworkParams maps the configured network selector onto chain parameters.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	default:
		return nil, fmt.Errorf("htlc: unsupported network %q", network)
	}
}
