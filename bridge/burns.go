package bridge

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	burnRecordPrefix = []byte("bridge/burn/")
	burnIndexKey     = []byte("bridge/burn/index")
)

// BurnRecord captures a completed redemption for audit export. IntentID is
// the primary key; one record exists per claimed intent.
type BurnRecord struct {
	IntentID    string
	Requester   string
	TokenAmount int64
	QuotedSats  int64
	ClaimTxID   string
	CompletedAt int64
}

type storedBurnRecord struct {
	IntentID    string
	Requester   string
	TokenAmount uint64
	QuotedSats  uint64
	ClaimTxID   string
	CompletedAt uint64
}

// BurnLedger persists completed-redemption records within storage.
type BurnLedger struct {
	store Storage
	clock func() time.Time
}

// NewBurnLedger constructs a burn ledger bound to the provided storage.
func NewBurnLedger(store Storage) *BurnLedger {
	return &BurnLedger{store: store, clock: time.Now}
}

// SetClock overrides the wall-clock used for timestamping records.
func (l *BurnLedger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// Record persists the burn for a claimed intent. Re-recording an intent id
// is a no-op so settlement retries stay idempotent.
func (l *BurnLedger) Record(record *BurnRecord) error {
	if l == nil {
		return fmt.Errorf("burn ledger not initialised")
	}
	if record == nil {
		return fmt.Errorf("burn ledger: record must not be nil")
	}
	id := strings.TrimSpace(record.IntentID)
	if id == "" {
		return fmt.Errorf("burn ledger: intent id required")
	}
	key := burnKey(id)
	ok, err := l.store.KVGet(key, nil)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	stored := storedBurnRecord{
		IntentID:  id,
		Requester: strings.TrimSpace(record.Requester),
		ClaimTxID: strings.TrimSpace(record.ClaimTxID),
	}
	if record.TokenAmount > 0 {
		stored.TokenAmount = uint64(record.TokenAmount)
	}
	if record.QuotedSats > 0 {
		stored.QuotedSats = uint64(record.QuotedSats)
	}
	completed := record.CompletedAt
	if completed <= 0 {
		completed = l.clock().UTC().Unix()
	}
	stored.CompletedAt = uint64(completed)
	if err := l.store.KVPut(key, stored); err != nil {
		return err
	}
	return l.store.KVAppend(burnIndexKey, []byte(id))
}

// List returns records completed within [startTs, endTs], oldest first, up
// to limit. A zero endTs means no upper bound; a non-positive limit means no
// cap, so audit exports always cover the full window.
func (l *BurnLedger) List(startTs, endTs int64, limit int) ([]*BurnRecord, error) {
	if l == nil {
		return nil, fmt.Errorf("burn ledger not initialised")
	}
	var ids [][]byte
	if err := l.store.KVGetList(burnIndexKey, &ids); err != nil {
		return nil, err
	}
	records := make([]*BurnRecord, 0, len(ids))
	for _, id := range ids {
		if len(id) == 0 {
			continue
		}
		var stored storedBurnRecord
		ok, err := l.store.KVGet(burnKey(string(id)), &stored)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		completed := int64(stored.CompletedAt)
		if completed < startTs {
			continue
		}
		if endTs > 0 && completed > endTs {
			continue
		}
		records = append(records, &BurnRecord{
			IntentID:    stored.IntentID,
			Requester:   stored.Requester,
			TokenAmount: int64(stored.TokenAmount),
			QuotedSats:  int64(stored.QuotedSats),
			ClaimTxID:   stored.ClaimTxID,
			CompletedAt: completed,
		})
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CompletedAt == records[j].CompletedAt {
			return records[i].IntentID < records[j].IntentID
		}
		return records[i].CompletedAt < records[j].CompletedAt
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// BurnRecordCSVHeader exposes the canonical CSV header for burn exports.
var BurnRecordCSVHeader = []string{"intentId", "requester", "tokenAmount", "quotedSats", "claimTx", "completedAt"}

// ExportCSV renders records matching the supplied window as base64 CSV.
func (l *BurnLedger) ExportCSV(startTs, endTs int64) (string, int, error) {
	if l == nil {
		return "", 0, fmt.Errorf("burn ledger not initialised")
	}
	records, err := l.List(startTs, endTs, 0)
	if err != nil {
		return "", 0, err
	}
	builder := &strings.Builder{}
	builder.WriteString(strings.Join(BurnRecordCSVHeader, ","))
	builder.WriteString("\n")
	for _, record := range records {
		row := []string{
			strings.TrimSpace(record.IntentID),
			strings.TrimSpace(record.Requester),
			strconv.FormatInt(record.TokenAmount, 10),
			strconv.FormatInt(record.QuotedSats, 10),
			strings.TrimSpace(record.ClaimTxID),
			strconv.FormatInt(record.CompletedAt, 10),
		}
		builder.WriteString(strings.Join(row, ","))
		builder.WriteString("\n")
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(builder.String()))
	return encoded, len(records), nil
}

func burnKey(intentID string) []byte {
	trimmed := strings.TrimSpace(intentID)
	buf := make([]byte, len(burnRecordPrefix)+len(trimmed))
	copy(buf, burnRecordPrefix)
	copy(buf[len(burnRecordPrefix):], trimmed)
	return buf
}
