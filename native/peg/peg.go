package peg

import (
	"errors"
	"fmt"
)

// The BLOOM peg is a fixed integer ratio against Bitcoin. All conversion
// arithmetic stays in int64 satoshis so quotes never pick up rounding drift.
const (
	// SatsPerBTC is the number of satoshis in one bitcoin.
	SatsPerBTC int64 = 100_000_000
	// BloomPerBTC is the number of BLOOM units pegged to one bitcoin.
	BloomPerBTC int64 = 10
	// SatsPerBloom is the satoshi value of a single BLOOM unit.
	SatsPerBloom int64 = SatsPerBTC / BloomPerBTC
)

// ErrInvalidAmount indicates a conversion input outside the supported range.
var ErrInvalidAmount = errors.New("peg: invalid amount")

const maxBloom = int64(9223372036854775807) / SatsPerBloom

// BloomToSats converts a BLOOM amount (smallest unit) into satoshis.
func BloomToSats(amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: amount %d must not be negative", ErrInvalidAmount, amount)
	}
	if amount > maxBloom {
		return 0, fmt.Errorf("%w: amount %d exceeds peg range", ErrInvalidAmount, amount)
	}
	return amount * SatsPerBloom, nil
}

// SatsToBloom converts a satoshi amount into BLOOM units. The amount must be
// an exact multiple of SatsPerBloom; partial units are rejected rather than
// silently floored.
func SatsToBloom(sats int64) (int64, error) {
	if sats < 0 {
		return 0, fmt.Errorf("%w: amount %d must not be negative", ErrInvalidAmount, sats)
	}
	if sats%SatsPerBloom != 0 {
		return 0, fmt.Errorf("%w: %d sats is not a whole BLOOM multiple of %d", ErrInvalidAmount, sats, SatsPerBloom)
	}
	return sats / SatsPerBloom, nil
}

// AssertPeg returns the canonical human-readable statement of the peg ratio.
// It performs no mutation and is safe to call from any goroutine.
func AssertPeg() string {
	return fmt.Sprintf("Peg: %d BLOOM = 1 BTC (%d sats per BLOOM)", BloomPerBTC, SatsPerBloom)
}
