package reserve

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AttestationDomainV1 defines the domain separator signed into every reserve
// attestation.
const AttestationDomainV1 = "BLOOM_RESERVE_V1"

var (
	// ErrAttestationNil indicates no attestation payload was supplied.
	ErrAttestationNil = errors.New("reserve: attestation required")
	// ErrAttestationSignature indicates the signature could not be recovered
	// or did not match the registered attester.
	ErrAttestationSignature = errors.New("reserve: attestation signature invalid")
	// ErrAttesterUnknown indicates no attester address has been registered.
	ErrAttesterUnknown = errors.New("reserve: attester unknown")
)

// Attestation is a timestamped, signed statement of how much Bitcoin
// collateral is currently locked for the peg.
type Attestation struct {
	LockedSats int64
	Timestamp  time.Time
	Signature  []byte
}

// Clone returns a defensive copy of the attestation.
func (a *Attestation) Clone() *Attestation {
	if a == nil {
		return nil
	}
	clone := &Attestation{LockedSats: a.LockedSats, Timestamp: a.Timestamp}
	if len(a.Signature) > 0 {
		clone.Signature = append([]byte(nil), a.Signature...)
	}
	return clone
}

// CanonicalMessage renders the canonical payload used for signature
// verification.
func (a *Attestation) CanonicalMessage() (string, error) {
	if a == nil {
		return "", ErrAttestationNil
	}
	if a.LockedSats < 0 {
		return "", fmt.Errorf("reserve: lockedSats must not be negative")
	}
	if a.Timestamp.IsZero() {
		return "", fmt.Errorf("reserve: timestamp required")
	}
	builder := strings.Builder{}
	builder.WriteString(AttestationDomainV1)
	builder.WriteString("|lockedSats=")
	builder.WriteString(strconv.FormatInt(a.LockedSats, 10))
	builder.WriteString("|ts=")
	builder.WriteString(strconv.FormatInt(a.Timestamp.UTC().Unix(), 10))
	return builder.String(), nil
}

// Hash computes the keccak256 digest of the canonical message.
func (a *Attestation) Hash() ([]byte, error) {
	message, err := a.CanonicalMessage()
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256([]byte(message)), nil
}

// Sign attaches a signature over the canonical digest. Intended for the
// attestation feed and for tests; the gate only ever verifies.
func (a *Attestation) Sign(key *ecdsa.PrivateKey) error {
	hash, err := a.Hash()
	if err != nil {
		return err
	}
	signature, err := ethcrypto.Sign(hash, key)
	if err != nil {
		return err
	}
	a.Signature = signature
	return nil
}

// verifySigner recovers the signing address and compares it to the
// registered attester.
func (a *Attestation) verifySigner(attester [20]byte) error {
	hash, err := a.Hash()
	if err != nil {
		return err
	}
	if len(a.Signature) != 65 {
		return ErrAttestationSignature
	}
	pubKey, err := ethcrypto.SigToPub(hash, a.Signature)
	if err != nil {
		return ErrAttestationSignature
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if recovered != ethcommon.BytesToAddress(attester[:]) {
		return ErrAttestationSignature
	}
	return nil
}
