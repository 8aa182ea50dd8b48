// Package bridge orchestrates BLOOM redemptions: admission, quoting, HTLC
// construction, intent signing and lifecycle bookkeeping.
package bridge

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"bloombridge/crypto"
)

// IntentDomainV1 defines the domain separator signed into every redemption
// intent.
const IntentDomainV1 = "BLOOM_REDEEM_V1"

var (
	// ErrIntentNotFound indicates no intent exists under the requested id.
	ErrIntentNotFound = errors.New("bridge: intent not found")
	// ErrIntentSignature indicates the intent signature did not verify
	// against the operator address.
	ErrIntentSignature = errors.New("bridge: intent signature invalid")
	// ErrStatusTransition indicates an illegal lifecycle transition.
	ErrStatusTransition = errors.New("bridge: invalid status transition")
)

// Status tracks the redemption intent lifecycle. The manager is the single
// writer of this field.
type Status string

const (
	// StatusQuoted means the intent is signed but no lock output exists yet.
	StatusQuoted Status = "quoted"
	// StatusLocked means the lock transaction is confirmed.
	StatusLocked Status = "locked"
	// StatusClaimed is terminal: the recipient revealed the secret.
	StatusClaimed Status = "claimed"
	// StatusRefunded is terminal: the operator swept the lock after expiry.
	StatusRefunded Status = "refunded"
	// StatusExpired is terminal: the quote lapsed without a lock appearing.
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusClaimed || s == StatusRefunded || s == StatusExpired
}

func (s Status) canTransitionTo(next Status) bool {
	switch s {
	case StatusQuoted:
		return next == StatusLocked || next == StatusExpired
	case StatusLocked:
		return next == StatusClaimed || next == StatusRefunded
	default:
		return false
	}
}

// RedeemIntent is a signed, auditable redemption quote. Every field except
// Status and the lock outpoint is immutable once signed; the signature
// covers the amount, the secret hash and the HTLC parameters so later
// mutation is detectable.
type RedeemIntent struct {
	ID               string
	Requester        string
	TokenAmount      int64
	QuotedSats       int64
	SecretHash       [32]byte
	TimeoutUnix      int64
	HTLCAddress      string
	RedeemScriptHex  string
	Signature        []byte
	Status           Status
	CreatedAt        int64
	LockTxID         string
	LockVout         uint32
	LockedSats       int64
	SettlementTxID   string
}

// Copy returns a deep copy for defensive use by callers.
func (i *RedeemIntent) Copy() *RedeemIntent {
	if i == nil {
		return nil
	}
	clone := *i
	if len(i.Signature) > 0 {
		clone.Signature = append([]byte(nil), i.Signature...)
	}
	return &clone
}

// CanonicalMessage renders the canonical payload covered by the operator
// signature.
func (i *RedeemIntent) CanonicalMessage() (string, error) {
	if i == nil {
		return "", fmt.Errorf("bridge: intent not initialised")
	}
	id := strings.TrimSpace(i.ID)
	if id == "" {
		return "", fmt.Errorf("bridge: intent id required")
	}
	requester := strings.TrimSpace(i.Requester)
	if requester == "" {
		return "", fmt.Errorf("bridge: requester required")
	}
	if i.TokenAmount <= 0 || i.QuotedSats <= 0 {
		return "", fmt.Errorf("bridge: amounts must be positive")
	}
	if i.TimeoutUnix <= 0 {
		return "", fmt.Errorf("bridge: timeout required")
	}
	script := strings.TrimSpace(i.RedeemScriptHex)
	if script == "" {
		return "", fmt.Errorf("bridge: redeem script required")
	}
	builder := strings.Builder{}
	builder.WriteString(IntentDomainV1)
	builder.WriteString("|id=")
	builder.WriteString(id)
	builder.WriteString("|requester=")
	builder.WriteString(requester)
	builder.WriteString("|amount=")
	builder.WriteString(strconv.FormatInt(i.TokenAmount, 10))
	builder.WriteString("|sats=")
	builder.WriteString(strconv.FormatInt(i.QuotedSats, 10))
	builder.WriteString("|secretHash=")
	builder.WriteString(hex.EncodeToString(i.SecretHash[:]))
	builder.WriteString("|timeout=")
	builder.WriteString(strconv.FormatInt(i.TimeoutUnix, 10))
	builder.WriteString("|htlcAddress=")
	builder.WriteString(strings.TrimSpace(i.HTLCAddress))
	builder.WriteString("|script=")
	builder.WriteString(strings.ToLower(script))
	return builder.String(), nil
}

// Hash computes the keccak256 digest of the canonical message.
func (i *RedeemIntent) Hash() ([]byte, error) {
	message, err := i.CanonicalMessage()
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256([]byte(message)), nil
}

// Sign attaches the operator signature over the canonical digest.
func (i *RedeemIntent) Sign(key *crypto.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("bridge: signing key required")
	}
	hash, err := i.Hash()
	if err != nil {
		return err
	}
	signature, err := ethcrypto.Sign(hash, key.PrivateKey)
	if err != nil {
		return err
	}
	i.Signature = signature
	return nil
}

// VerifySignature checks the signature against the operator address. It also
// detects post-signing mutation of any covered field, since the canonical
// message is recomputed from the current values.
func (i *RedeemIntent) VerifySignature(operator [20]byte) error {
	hash, err := i.Hash()
	if err != nil {
		return err
	}
	if len(i.Signature) != 65 {
		return ErrIntentSignature
	}
	pubKey, err := ethcrypto.SigToPub(hash, i.Signature)
	if err != nil {
		return ErrIntentSignature
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if recovered != ethcommon.BytesToAddress(operator[:]) {
		return ErrIntentSignature
	}
	return nil
}
