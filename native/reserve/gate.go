// Package reserve enforces the mint guard: no BLOOM is issued beyond the
// Bitcoin collateral reported by the reserve attestation feed.
package reserve

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"bloombridge/native/peg"
)

var (
	// ErrStaleReserves indicates the freshest attestation exceeded the
	// configured age threshold. Minting fails closed regardless of ratio.
	ErrStaleReserves = errors.New("reserve: attestation stale")
	// ErrInsufficientReserves indicates the requested mint would push supply
	// beyond the attested collateral. Mints are never partially honoured.
	ErrInsufficientReserves = errors.New("reserve: insufficient collateral")
)

// DefaultAlertBps is the collateralisation level, in basis points of the
// required backing, below which the report flags an operator alert.
const DefaultAlertBps = 9500

// Report summarises the collateral position for operator dashboards.
type Report struct {
	LockedSats   int64
	RequiredSats int64
	SupplyBloom  int64
	RatioBps     int64
	AttestedAt   int64
	Alert        bool
}

// Gate evaluates mint requests against the freshest reserve attestation.
// The attestation and the supply figure for a decision are always read in a
// single critical section so a concurrent update cannot straddle the check.
type Gate struct {
	mu       sync.RWMutex
	attester [20]byte
	haveAtt  bool
	latest   *Attestation
	maxAge   time.Duration
	alertBps int64
	clock    func() time.Time
}

// NewGate constructs a gate that trusts attestations signed by the supplied
// attester address and treats attestations older than maxAge as stale.
func NewGate(attester [20]byte, maxAge time.Duration) *Gate {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	return &Gate{
		attester: attester,
		haveAtt:  attester != [20]byte{},
		maxAge:   maxAge,
		alertBps: DefaultAlertBps,
		clock:    time.Now,
	}
}

// SetClock overrides the time source for deterministic tests.
func (g *Gate) SetClock(clock func() time.Time) {
	if g == nil || clock == nil {
		return
	}
	g.clock = clock
}

// SetAlertBps overrides the operator alert threshold.
func (g *Gate) SetAlertBps(bps int64) {
	if g == nil || bps <= 0 {
		return
	}
	g.mu.Lock()
	g.alertBps = bps
	g.mu.Unlock()
}

// SetAttestation verifies and installs a new attestation from the feed.
// Older attestations never replace newer ones.
func (g *Gate) SetAttestation(att *Attestation) error {
	if g == nil {
		return fmt.Errorf("reserve gate not initialised")
	}
	if att == nil {
		return ErrAttestationNil
	}
	if !g.haveAtt {
		return ErrAttesterUnknown
	}
	if err := att.verifySigner(g.attester); err != nil {
		return err
	}
	now := g.clock().UTC()
	if att.Timestamp.After(now.Add(30 * time.Second)) {
		return fmt.Errorf("%w: attested at %d is in the future", ErrStaleReserves, att.Timestamp.Unix())
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.latest != nil && !att.Timestamp.After(g.latest.Timestamp) {
		return nil
	}
	g.latest = att.Clone()
	return nil
}

// CanMint reports whether minting requestedBloom on top of currentSupply
// keeps the peg fully collateralised. A nil error means the mint may
// proceed. Redemptions only reduce supply and are never blocked here.
func (g *Gate) CanMint(requestedBloom, currentSupply int64) error {
	if g == nil {
		return fmt.Errorf("reserve gate not initialised")
	}
	if requestedBloom < 0 || currentSupply < 0 {
		return fmt.Errorf("%w: negative amount", peg.ErrInvalidAmount)
	}
	requiredSats, err := peg.BloomToSats(currentSupply + requestedBloom)
	if err != nil {
		return err
	}

	g.mu.RLock()
	latest := g.latest
	g.mu.RUnlock()

	if latest == nil {
		return fmt.Errorf("%w: no attestation received", ErrStaleReserves)
	}
	now := g.clock().UTC()
	age := now.Sub(latest.Timestamp)
	if age > g.maxAge {
		return fmt.Errorf("%w: attestation is %s old, threshold %s", ErrStaleReserves, age.Truncate(time.Second), g.maxAge)
	}
	if latest.LockedSats < requiredSats {
		return fmt.Errorf("%w: locked %d sats, need %d sats for supply %d + mint %d",
			ErrInsufficientReserves, latest.LockedSats, requiredSats, currentSupply, requestedBloom)
	}
	return nil
}

// Snapshot returns the freshest attestation, or nil when none was received.
func (g *Gate) Snapshot() *Attestation {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.latest.Clone()
}

// Describe renders the collateral report for the supplied supply figure.
func (g *Gate) Describe(currentSupply int64) (Report, error) {
	if g == nil {
		return Report{}, fmt.Errorf("reserve gate not initialised")
	}
	requiredSats, err := peg.BloomToSats(currentSupply)
	if err != nil {
		return Report{}, err
	}

	g.mu.RLock()
	latest := g.latest
	alertBps := g.alertBps
	g.mu.RUnlock()

	report := Report{RequiredSats: requiredSats, SupplyBloom: currentSupply}
	if latest == nil {
		report.Alert = currentSupply > 0
		return report, nil
	}
	report.LockedSats = latest.LockedSats
	report.AttestedAt = latest.Timestamp.UTC().Unix()
	if requiredSats > 0 {
		ratio := new(big.Int).Mul(big.NewInt(latest.LockedSats), big.NewInt(10000))
		ratio.Quo(ratio, big.NewInt(requiredSats))
		report.RatioBps = ratio.Int64()
		report.Alert = report.RatioBps < alertBps
	} else {
		report.RatioBps = 10000
	}
	return report, nil
}
