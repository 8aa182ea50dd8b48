package peg

import (
	"errors"
	"strings"
	"testing"
	"time"

	"bloombridge/storage"
)

func TestBloomToSatsRoundTrip(t *testing.T) {
	amounts := []int64{0, 1, 7, 10, 1000, 123456, maxBloom}
	for _, amount := range amounts {
		sats, err := BloomToSats(amount)
		if err != nil {
			t.Fatalf("bloom to sats %d: %v", amount, err)
		}
		back, err := SatsToBloom(sats)
		if err != nil {
			t.Fatalf("sats to bloom %d: %v", sats, err)
		}
		if back != amount {
			t.Fatalf("round trip drift: %d -> %d -> %d", amount, sats, back)
		}
	}
}

func TestBloomToSatsRejectsNegative(t *testing.T) {
	if _, err := BloomToSats(-1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := SatsToBloom(-10_000_000); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestBloomToSatsRejectsOverflow(t *testing.T) {
	if _, err := BloomToSats(maxBloom + 1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestSatsToBloomRejectsPartialUnits(t *testing.T) {
	if _, err := SatsToBloom(SatsPerBloom + 1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestAssertPegStatement(t *testing.T) {
	statement := AssertPeg()
	if !strings.Contains(statement, "10 BLOOM = 1 BTC") {
		t.Fatalf("unexpected peg statement %q", statement)
	}
}

func TestSupplyLedgerMintAndBurn(t *testing.T) {
	ledger := NewSupplyLedger(storage.NewMemory())
	now := time.Unix(1800000000, 0)
	ledger.SetClock(func() time.Time { return now })

	supply, err := ledger.RecordMint(1000)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if supply.Total != 1000 || supply.Minted != 1000 || supply.Burned != 0 {
		t.Fatalf("unexpected supply after mint: %+v", supply)
	}
	if supply.UpdatedAt != now.Unix() {
		t.Fatalf("unexpected updatedAt %d", supply.UpdatedAt)
	}

	supply, err = ledger.RecordBurn(400)
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if supply.Total != 600 || supply.Burned != 400 {
		t.Fatalf("unexpected supply after burn: %+v", supply)
	}

	snapshot, err := ledger.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Total != 600 || snapshot.Minted != 1000 || snapshot.Burned != 400 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestSupplyLedgerRejectsOverBurn(t *testing.T) {
	ledger := NewSupplyLedger(storage.NewMemory())
	if _, err := ledger.RecordMint(10); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ledger.RecordBurn(11); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
