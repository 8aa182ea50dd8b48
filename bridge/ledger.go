package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// Storage exposes the key/value state access required by the intent ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

var (
	intentPrefix       = []byte("bridge/intent/")
	intentIndexKey     = []byte("bridge/intent/index")
	intentScriptPrefix = []byte("bridge/intent/byscript/")
)

type storedIntent struct {
	ID              string
	Requester       string
	TokenAmount     uint64
	QuotedSats      uint64
	SecretHash      []byte
	TimeoutUnix     uint64
	HTLCAddress     string
	RedeemScriptHex string
	Signature       []byte
	Status          string
	CreatedAt       uint64
	LockTxID        string
	LockVout        uint32
	LockedSats      uint64
	SettlementTxID  string
}

type intentIndexEntry struct {
	IntentID string
	Created  uint64
}

// IntentLedger persists redemption intents within storage. The manager is
// the only writer; reads are safe from any goroutine.
type IntentLedger struct {
	store Storage
	clock func() time.Time
}

// NewIntentLedger constructs a ledger bound to the provided storage backend.
func NewIntentLedger(store Storage) *IntentLedger {
	return &IntentLedger{store: store, clock: time.Now}
}

// SetClock overrides the wall-clock used for timestamping intents.
func (l *IntentLedger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// Put persists a freshly signed intent, enforcing unique identifiers, and
// indexes it by creation time and redeem script.
func (l *IntentLedger) Put(intent *RedeemIntent) error {
	if l == nil {
		return fmt.Errorf("intent ledger not initialised")
	}
	if intent == nil {
		return fmt.Errorf("intent ledger: intent must not be nil")
	}
	id := strings.TrimSpace(intent.ID)
	if id == "" {
		return fmt.Errorf("intent ledger: intent id required")
	}
	key := intentKey(id)
	var existing storedIntent
	ok, err := l.store.KVGet(key, &existing)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("intent ledger: intent %s already exists", id)
	}
	stored := toStoredIntent(intent)
	if stored.CreatedAt == 0 {
		stored.CreatedAt = uint64(l.clock().UTC().Unix())
	}
	if err := l.store.KVPut(key, stored); err != nil {
		return err
	}
	if err := l.store.KVPut(scriptIndexKey(intent.RedeemScriptHex), stored.ID); err != nil {
		return err
	}
	entry := intentIndexEntry{IntentID: stored.ID, Created: stored.CreatedAt}
	encoded, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return err
	}
	return l.store.KVAppend(intentIndexKey, encoded)
}

// Get retrieves an intent by identifier.
func (l *IntentLedger) Get(intentID string) (*RedeemIntent, bool, error) {
	if l == nil {
		return nil, false, fmt.Errorf("intent ledger not initialised")
	}
	var stored storedIntent
	ok, err := l.store.KVGet(intentKey(intentID), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return fromStoredIntent(&stored), true, nil
}

// GetByScript resolves an intent through its redeem script, the handle a
// claim or refund request naturally carries.
func (l *IntentLedger) GetByScript(redeemScriptHex string) (*RedeemIntent, bool, error) {
	if l == nil {
		return nil, false, fmt.Errorf("intent ledger not initialised")
	}
	var id string
	ok, err := l.store.KVGet(scriptIndexKey(redeemScriptHex), &id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return l.Get(id)
}

// Update rewrites the mutable fields of a persisted intent. The immutable
// signed fields are carried over from the stored record so a compromised
// caller cannot rewrite amounts through this path.
func (l *IntentLedger) Update(intent *RedeemIntent) error {
	if l == nil {
		return fmt.Errorf("intent ledger not initialised")
	}
	if intent == nil {
		return fmt.Errorf("intent ledger: intent must not be nil")
	}
	var stored storedIntent
	ok, err := l.store.KVGet(intentKey(intent.ID), &stored)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrIntentNotFound, strings.TrimSpace(intent.ID))
	}
	stored.Status = string(intent.Status)
	stored.LockTxID = strings.TrimSpace(intent.LockTxID)
	stored.LockVout = intent.LockVout
	if intent.LockedSats > 0 {
		stored.LockedSats = uint64(intent.LockedSats)
	}
	stored.SettlementTxID = strings.TrimSpace(intent.SettlementTxID)
	return l.store.KVPut(intentKey(intent.ID), stored)
}

// List returns intents ordered by creation time, newest last, up to limit.
// A non-positive limit applies the listing default of 50.
func (l *IntentLedger) List(limit int) ([]*RedeemIntent, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.list(limit)
}

// ListAll returns every intent ordered by creation time, oldest first.
// Sweeps that must see the whole ledger use it instead of the capped List.
func (l *IntentLedger) ListAll() ([]*RedeemIntent, error) {
	return l.list(0)
}

func (l *IntentLedger) list(limit int) ([]*RedeemIntent, error) {
	if l == nil {
		return nil, fmt.Errorf("intent ledger not initialised")
	}
	var raw [][]byte
	if err := l.store.KVGetList(intentIndexKey, &raw); err != nil {
		return nil, err
	}
	entries := make([]intentIndexEntry, 0, len(raw))
	for _, encoded := range raw {
		if len(encoded) == 0 {
			continue
		}
		var entry intentIndexEntry
		if err := rlp.DecodeBytes(encoded, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Created == entries[j].Created {
			return entries[i].IntentID < entries[j].IntentID
		}
		return entries[i].Created < entries[j].Created
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	intents := make([]*RedeemIntent, 0, len(entries))
	for _, entry := range entries {
		intent, ok, err := l.Get(entry.IntentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

func intentKey(intentID string) []byte {
	trimmed := strings.TrimSpace(intentID)
	buf := make([]byte, len(intentPrefix)+len(trimmed))
	copy(buf, intentPrefix)
	copy(buf[len(intentPrefix):], trimmed)
	return buf
}

func scriptIndexKey(redeemScriptHex string) []byte {
	digest := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(redeemScriptHex))))
	suffix := hex.EncodeToString(digest[:])
	buf := make([]byte, len(intentScriptPrefix)+len(suffix))
	copy(buf, intentScriptPrefix)
	copy(buf[len(intentScriptPrefix):], suffix)
	return buf
}

func toStoredIntent(intent *RedeemIntent) storedIntent {
	stored := storedIntent{}
	if intent == nil {
		return stored
	}
	stored.ID = strings.TrimSpace(intent.ID)
	stored.Requester = strings.TrimSpace(intent.Requester)
	if intent.TokenAmount > 0 {
		stored.TokenAmount = uint64(intent.TokenAmount)
	}
	if intent.QuotedSats > 0 {
		stored.QuotedSats = uint64(intent.QuotedSats)
	}
	stored.SecretHash = append([]byte(nil), intent.SecretHash[:]...)
	if intent.TimeoutUnix > 0 {
		stored.TimeoutUnix = uint64(intent.TimeoutUnix)
	}
	stored.HTLCAddress = strings.TrimSpace(intent.HTLCAddress)
	stored.RedeemScriptHex = strings.ToLower(strings.TrimSpace(intent.RedeemScriptHex))
	stored.Signature = append([]byte(nil), intent.Signature...)
	stored.Status = string(intent.Status)
	if intent.CreatedAt > 0 {
		stored.CreatedAt = uint64(intent.CreatedAt)
	}
	stored.LockTxID = strings.TrimSpace(intent.LockTxID)
	stored.LockVout = intent.LockVout
	if intent.LockedSats > 0 {
		stored.LockedSats = uint64(intent.LockedSats)
	}
	stored.SettlementTxID = strings.TrimSpace(intent.SettlementTxID)
	return stored
}

func fromStoredIntent(stored *storedIntent) *RedeemIntent {
	intent := &RedeemIntent{
		ID:              stored.ID,
		Requester:       stored.Requester,
		TokenAmount:     int64(stored.TokenAmount),
		QuotedSats:      int64(stored.QuotedSats),
		TimeoutUnix:     int64(stored.TimeoutUnix),
		HTLCAddress:     stored.HTLCAddress,
		RedeemScriptHex: stored.RedeemScriptHex,
		Signature:       append([]byte(nil), stored.Signature...),
		Status:          Status(stored.Status),
		CreatedAt:       int64(stored.CreatedAt),
		LockTxID:        stored.LockTxID,
		LockVout:        stored.LockVout,
		LockedSats:      int64(stored.LockedSats),
		SettlementTxID:  stored.SettlementTxID,
	}
	copy(intent.SecretHash[:], stored.SecretHash)
	return intent
}
