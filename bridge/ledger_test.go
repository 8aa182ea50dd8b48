package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"bloombridge/crypto"
	"bloombridge/storage"
)

func signedIntent(t *testing.T, key *crypto.PrivateKey, id string) *RedeemIntent {
	t.Helper()
	secretHash := sha256.Sum256([]byte(id))
	intent := &RedeemIntent{
		ID:              id,
		Requester:       "bloom1requester",
		TokenAmount:     10,
		QuotedSats:      100_000_000,
		SecretHash:      secretHash,
		TimeoutUnix:     1800086400,
		HTLCAddress:     "tb1qexample",
		RedeemScriptHex: hex.EncodeToString([]byte("script-" + id)),
		Status:          StatusQuoted,
	}
	if err := intent.Sign(key); err != nil {
		t.Fatalf("sign intent: %v", err)
	}
	return intent
}

func operatorAddr(key *crypto.PrivateKey) [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.PubkeyToAddress(key.PrivateKey.PublicKey).Bytes())
	return addr
}

func TestLedgerPutGetRoundTrip(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	ledger := NewIntentLedger(storage.NewMemory())
	ledger.SetClock(func() time.Time { return time.Unix(1800000000, 0) })

	intent := signedIntent(t, key, "intent-1")
	if err := ledger.Put(intent); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, ok, err := ledger.Get("intent-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if loaded.QuotedSats != intent.QuotedSats || loaded.SecretHash != intent.SecretHash {
		t.Fatalf("loaded intent diverges: %+v", loaded)
	}
	if loaded.CreatedAt != 1800000000 {
		t.Fatalf("created at %d, want stamp from clock", loaded.CreatedAt)
	}
	// The stored copy must still verify against the operator.
	if err := loaded.VerifySignature(operatorAddr(key)); err != nil {
		t.Fatalf("stored signature should verify: %v", err)
	}
}

func TestLedgerRejectsDuplicateIDs(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	ledger := NewIntentLedger(storage.NewMemory())
	if err := ledger.Put(signedIntent(t, key, "intent-1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ledger.Put(signedIntent(t, key, "intent-1")); err == nil {
		t.Fatal("duplicate id should be rejected")
	}
}

func TestLedgerResolvesByScript(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	ledger := NewIntentLedger(storage.NewMemory())
	intent := signedIntent(t, key, "intent-1")
	if err := ledger.Put(intent); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, ok, err := ledger.GetByScript(intent.RedeemScriptHex)
	if err != nil || !ok {
		t.Fatalf("get by script: ok=%v err=%v", ok, err)
	}
	if loaded.ID != intent.ID {
		t.Fatalf("resolved %s, want %s", loaded.ID, intent.ID)
	}
	if _, ok, err := ledger.GetByScript("deadbeef"); err != nil || ok {
		t.Fatalf("unknown script should miss: ok=%v err=%v", ok, err)
	}
}

func TestLedgerUpdateKeepsSignedFieldsImmutable(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	ledger := NewIntentLedger(storage.NewMemory())
	intent := signedIntent(t, key, "intent-1")
	if err := ledger.Put(intent); err != nil {
		t.Fatalf("put: %v", err)
	}

	tampered := intent.Copy()
	tampered.TokenAmount = 1_000_000
	tampered.QuotedSats = 1
	tampered.Status = StatusLocked
	tampered.LockTxID = "aa11"
	if err := ledger.Update(tampered); err != nil {
		t.Fatalf("update: %v", err)
	}

	loaded, ok, err := ledger.Get("intent-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if loaded.TokenAmount != 10 || loaded.QuotedSats != 100_000_000 {
		t.Fatalf("signed amounts were rewritten: %+v", loaded)
	}
	if loaded.Status != StatusLocked || loaded.LockTxID != "aa11" {
		t.Fatalf("mutable fields were not applied: %+v", loaded)
	}
	if err := loaded.VerifySignature(operatorAddr(key)); err != nil {
		t.Fatalf("signature must survive an update: %v", err)
	}
}

func TestLedgerUpdateUnknownIntent(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	ledger := NewIntentLedger(storage.NewMemory())
	if err := ledger.Update(signedIntent(t, key, "missing")); !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected ErrIntentNotFound, got %v", err)
	}
}

func TestLedgerListOrdersByCreation(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	ledger := NewIntentLedger(storage.NewMemory())
	stamp := int64(1800000000)
	ledger.SetClock(func() time.Time { return time.Unix(stamp, 0) })

	for i := 0; i < 5; i++ {
		stamp++
		if err := ledger.Put(signedIntent(t, key, fmt.Sprintf("intent-%d", i))); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	intents, err := ledger.List(3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(intents) != 3 {
		t.Fatalf("listed %d intents, want 3", len(intents))
	}
	for i, want := range []string{"intent-2", "intent-3", "intent-4"} {
		if intents[i].ID != want {
			t.Fatalf("position %d = %s, want %s", i, intents[i].ID, want)
		}
	}
}

func TestLedgerListAllSeesEveryIntent(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	ledger := NewIntentLedger(storage.NewMemory())
	stamp := int64(1800000000)
	ledger.SetClock(func() time.Time { return time.Unix(stamp, 0) })

	for i := 0; i < 60; i++ {
		stamp++
		if err := ledger.Put(signedIntent(t, key, fmt.Sprintf("intent-%02d", i))); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	capped, err := ledger.List(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(capped) != 50 {
		t.Fatalf("default listing returned %d intents, want 50", len(capped))
	}
	all, err := ledger.ListAll()
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 60 {
		t.Fatalf("listed %d intents, want all 60", len(all))
	}
	if all[0].ID != "intent-00" || all[59].ID != "intent-59" {
		t.Fatalf("ordering: first %s, last %s", all[0].ID, all[59].ID)
	}
}
