package peg

import (
	"fmt"
	"time"
)

// Storage exposes the key/value state access required by the supply ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var supplyKey = []byte("peg/supply")

// Supply aggregates the circulating BLOOM statistics tracked by the bridge.
type Supply struct {
	Total     int64
	Minted    int64
	Burned    int64
	UpdatedAt int64
}

type storedSupply struct {
	Total     uint64
	Minted    uint64
	Burned    uint64
	UpdatedAt uint64
}

// SupplyLedger manages the circulating supply counters within storage. It is
// the single writer for the supply record; mint and burn apply read-modify-
// write updates that the caller is expected to serialise.
type SupplyLedger struct {
	store Storage
	clock func() time.Time
}

// NewSupplyLedger constructs a supply ledger bound to the provided storage.
func NewSupplyLedger(store Storage) *SupplyLedger {
	return &SupplyLedger{store: store, clock: time.Now}
}

// SetClock overrides the wall-clock used for timestamping, primarily for
// deterministic tests.
func (l *SupplyLedger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// Snapshot returns the current supply counters. A missing record reads as an
// all-zero supply.
func (l *SupplyLedger) Snapshot() (Supply, error) {
	if l == nil {
		return Supply{}, fmt.Errorf("supply ledger not initialised")
	}
	var stored storedSupply
	ok, err := l.store.KVGet(supplyKey, &stored)
	if err != nil {
		return Supply{}, err
	}
	if !ok {
		return Supply{}, nil
	}
	return Supply{
		Total:     int64(stored.Total),
		Minted:    int64(stored.Minted),
		Burned:    int64(stored.Burned),
		UpdatedAt: int64(stored.UpdatedAt),
	}, nil
}

// RecordMint increases the circulating supply following a successful mint.
func (l *SupplyLedger) RecordMint(amount int64) (Supply, error) {
	return l.apply(amount, 0)
}

// RecordBurn reduces the circulating supply after a redemption claim burns
// the corresponding BLOOM.
func (l *SupplyLedger) RecordBurn(amount int64) (Supply, error) {
	return l.apply(0, amount)
}

func (l *SupplyLedger) apply(mint, burn int64) (Supply, error) {
	if l == nil {
		return Supply{}, fmt.Errorf("supply ledger not initialised")
	}
	if mint < 0 || burn < 0 {
		return Supply{}, fmt.Errorf("%w: supply delta must not be negative", ErrInvalidAmount)
	}
	current, err := l.Snapshot()
	if err != nil {
		return Supply{}, err
	}
	if burn > current.Total {
		return Supply{}, fmt.Errorf("%w: burn %d exceeds supply %d", ErrInvalidAmount, burn, current.Total)
	}
	next := Supply{
		Total:     current.Total + mint - burn,
		Minted:    current.Minted + mint,
		Burned:    current.Burned + burn,
		UpdatedAt: l.clock().UTC().Unix(),
	}
	stored := storedSupply{
		Total:     uint64(next.Total),
		Minted:    uint64(next.Minted),
		Burned:    uint64(next.Burned),
		UpdatedAt: uint64(next.UpdatedAt),
	}
	if err := l.store.KVPut(supplyKey, stored); err != nil {
		return Supply{}, err
	}
	return next, nil
}
