package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"bloombridge/storage"
)

func TestClaimRecordsBurnReceipt(t *testing.T) {
	fx := newManagerFixture(t, testnetConfig())
	if _, err := fx.supply.RecordMint(10); err != nil {
		t.Fatalf("seed supply: %v", err)
	}
	intent, secret, err := fx.manager.RequestRedemption(context.Background(), "bloom1requester", 10, fx.recipientHex)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := fx.manager.MarkLocked(intent.ID, lockTxID, 0, intent.QuotedSats); err != nil {
		t.Fatalf("mark locked: %v", err)
	}
	txid, err := fx.manager.Claim(context.Background(), ClaimRequest{
		RedeemScriptHex: intent.RedeemScriptHex,
		Secret:          secret,
		RecipientWIF:    fx.recipientWIF,
		Destination:     intent.HTLCAddress,
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	records, err := fx.burns.List(0, 0, 10)
	if err != nil {
		t.Fatalf("list burns: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 burn record, got %d", len(records))
	}
	record := records[0]
	if record.IntentID != intent.ID || record.ClaimTxID != txid || record.TokenAmount != 10 {
		t.Fatalf("unexpected burn record: %+v", record)
	}
}

func TestBurnLedgerRecordIsIdempotent(t *testing.T) {
	ledger := NewBurnLedger(storage.NewMemory())
	ledger.SetClock(func() time.Time { return time.Unix(1800000000, 0) })
	record := &BurnRecord{IntentID: "intent-1", Requester: "bloom1requester", TokenAmount: 10, QuotedSats: 100_000_000, ClaimTxID: "aa11"}
	if err := ledger.Record(record); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := ledger.Record(record); err != nil {
		t.Fatalf("re-record: %v", err)
	}
	records, err := ledger.List(0, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestBurnLedgerWindowAndExport(t *testing.T) {
	ledger := NewBurnLedger(storage.NewMemory())
	for i, completed := range []int64{100, 200, 300} {
		record := &BurnRecord{
			IntentID:    strings.Repeat("a", i+1),
			Requester:   "bloom1requester",
			TokenAmount: int64(10 * (i + 1)),
			QuotedSats:  int64(100_000_000 * (i + 1)),
			ClaimTxID:   "tx",
			CompletedAt: completed,
		}
		if err := ledger.Record(record); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	windowed, err := ledger.List(150, 250, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(windowed) != 1 || windowed[0].CompletedAt != 200 {
		t.Fatalf("window should match one record: %+v", windowed)
	}

	encoded, count, err := ledger.ExportCSV(0, 0)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if count != 3 {
		t.Fatalf("exported %d records, want 3", count)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d lines", len(lines))
	}
	if lines[0] != strings.Join(BurnRecordCSVHeader, ",") {
		t.Fatalf("unexpected header: %s", lines[0])
	}
}

func TestExportCSVCoversFullWindow(t *testing.T) {
	ledger := NewBurnLedger(storage.NewMemory())
	for i := 0; i < 120; i++ {
		record := &BurnRecord{
			IntentID:    fmt.Sprintf("intent-%03d", i),
			Requester:   "bloom1requester",
			TokenAmount: 10,
			QuotedSats:  100_000_000,
			ClaimTxID:   "tx",
			CompletedAt: int64(1000 + i),
		}
		if err := ledger.Record(record); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	encoded, count, err := ledger.ExportCSV(0, 0)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if count != 120 {
		t.Fatalf("exported %d records, want 120", count)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 121 {
		t.Fatalf("expected header plus 120 rows, got %d lines", len(lines))
	}
}
