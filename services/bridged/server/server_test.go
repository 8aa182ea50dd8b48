package server

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"bloombridge/bridge"
	"bloombridge/core/events"
	"bloombridge/crypto"
	"bloombridge/htlc"
	"bloombridge/native/peg"
	"bloombridge/native/ratelimit"
	"bloombridge/native/reserve"
	"bloombridge/observability/logging"
	"bloombridge/storage"
)

const lockTxID = "aa00000000000000000000000000000000000000000000000000000000000011"

type serverFixture struct {
	server       *Server
	hub          *Hub
	supply       *peg.SupplyLedger
	gate         *reserve.Gate
	attesterKey  *crypto.PrivateKey
	recipientHex string
	recipientWIF string
	logs         *bytes.Buffer
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	operator, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("operator key: %v", err)
	}
	recipient, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("recipient key: %v", err)
	}
	wif, err := btcutil.NewWIF(recipient, &chaincfg.TestNet3Params, true)
	if err != nil {
		t.Fatalf("recipient wif: %v", err)
	}

	now := time.Unix(1800000000, 0)
	clock := func() time.Time { return now }

	store := storage.NewMemory()
	supply := peg.NewSupplyLedger(store)
	supply.SetClock(clock)
	ledger := bridge.NewIntentLedger(store)
	ledger.SetClock(clock)
	burns := bridge.NewBurnLedger(store)
	burns.SetClock(clock)

	engine := htlc.NewEngine(&chaincfg.TestNet3Params, htlc.NewRecordingBroadcaster(), 1000)
	engine.SetClock(clock)

	limiter := ratelimit.New(2, time.Hour)
	limiter.SetClock(clock)

	attesterKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("attester key: %v", err)
	}
	var attester [20]byte
	copy(attester[:], ethcrypto.PubkeyToAddress(attesterKey.PrivateKey.PublicKey).Bytes())
	gate := reserve.NewGate(attester, 30*time.Minute)
	gate.SetClock(clock)
	att := &reserve.Attestation{LockedSats: 10 * peg.SatsPerBTC, Timestamp: now}
	if err := att.Sign(attesterKey.PrivateKey); err != nil {
		t.Fatalf("sign attestation: %v", err)
	}
	if err := gate.SetAttestation(att); err != nil {
		t.Fatalf("set attestation: %v", err)
	}

	hub := NewHub()
	manager, err := bridge.NewManager(bridge.Config{Network: "testnet", Enabled: true, QuoteTTL: 24 * time.Hour}, bridge.Dependencies{
		Limiter: limiter,
		Gate:    gate,
		Supply:  supply,
		Engine:  engine,
		Ledger:  ledger,
		Burns:   burns,
		Emitter: hub,
		Keys:    func() (*crypto.PrivateKey, error) { return operator, nil },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.SetClock(clock)

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))

	return &serverFixture{
		server:       New(Config{Manager: manager, Burns: burns, Gate: gate, Hub: hub, Logger: logger}),
		hub:          hub,
		logs:         logs,
		supply:       supply,
		gate:         gate,
		attesterKey:  attesterKey,
		recipientHex: hex.EncodeToString(recipient.PubKey().SerializeCompressed()),
		recipientWIF: wif.String(),
	}
}

func (fx *serverFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestRedeemEndpointIssuesIntent(t *testing.T) {
	fx := newServerFixture(t)
	rec := fx.do(t, http.MethodPost, "/v1/redeem", redeemRequest{
		Requester:       "bloom1requester",
		TokenAmount:     10,
		RecipientPubKey: fx.recipientHex,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp redeemResponse
	decodeBody(t, rec, &resp)
	if resp.Intent == nil || resp.Intent.Status != "quoted" {
		t.Fatalf("unexpected intent: %+v", resp.Intent)
	}
	secret, err := hex.DecodeString(resp.Secret)
	if err != nil || len(secret) != 32 {
		t.Fatalf("secret should be 32 hex bytes: %q", resp.Secret)
	}
	if resp.Intent.QuotedSats != 10*peg.SatsPerBloom {
		t.Fatalf("quoted %d sats", resp.Intent.QuotedSats)
	}
}

func TestRedeemEndpointRateLimits(t *testing.T) {
	fx := newServerFixture(t)
	body := redeemRequest{Requester: "bloom1requester", TokenAmount: 10, RecipientPubKey: fx.recipientHex}
	for i := 0; i < 2; i++ {
		if rec := fx.do(t, http.MethodPost, "/v1/redeem", body); rec.Code != http.StatusCreated {
			t.Fatalf("request %d status %d", i, rec.Code)
		}
	}
	rec := fx.do(t, http.MethodPost, "/v1/redeem", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", rec.Code)
	}
}

func TestClaimLifecycleOverHTTP(t *testing.T) {
	fx := newServerFixture(t)
	if _, err := fx.supply.RecordMint(10); err != nil {
		t.Fatalf("seed supply: %v", err)
	}

	rec := fx.do(t, http.MethodPost, "/v1/redeem", redeemRequest{
		Requester:       "bloom1requester",
		TokenAmount:     10,
		RecipientPubKey: fx.recipientHex,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("redeem status %d", rec.Code)
	}
	var created redeemResponse
	decodeBody(t, rec, &created)

	rec = fx.do(t, http.MethodPost, fmt.Sprintf("/v1/intents/%s/lock", created.Intent.ID), lockRequest{
		TxID:       lockTxID,
		Vout:       0,
		LockedSats: created.Intent.QuotedSats,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("lock status %d: %s", rec.Code, rec.Body.String())
	}

	rec = fx.do(t, http.MethodPost, "/v1/claim", claimRequest{
		RedeemScript: created.Intent.RedeemScriptHex,
		Secret:       created.Secret,
		RecipientWIF: fx.recipientWIF,
		Destination:  created.Intent.HTLCAddress,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("claim status %d: %s", rec.Code, rec.Body.String())
	}
	var settled settlementResponse
	decodeBody(t, rec, &settled)
	if settled.TxID == "" {
		t.Fatal("claim should return the settlement txid")
	}

	rec = fx.do(t, http.MethodGet, "/v1/intents/"+created.Intent.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get intent status %d", rec.Code)
	}
	var view intentView
	decodeBody(t, rec, &view)
	if view.Status != "claimed" || view.SettlementTxID != settled.TxID {
		t.Fatalf("intent after claim: %+v", view)
	}

	rec = fx.do(t, http.MethodGet, "/v1/burns/export", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status %d", rec.Code)
	}
	var export struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &export)
	if export.Count != 1 {
		t.Fatalf("exported %d burns, want 1", export.Count)
	}
}

func TestRequestLoggingMasksSensitiveFields(t *testing.T) {
	fx := newServerFixture(t)
	if _, err := fx.supply.RecordMint(10); err != nil {
		t.Fatalf("seed supply: %v", err)
	}

	rec := fx.do(t, http.MethodPost, "/v1/redeem", redeemRequest{
		Requester:       "bloom1requester",
		TokenAmount:     10,
		RecipientPubKey: fx.recipientHex,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("redeem status %d", rec.Code)
	}
	var created redeemResponse
	decodeBody(t, rec, &created)

	rec = fx.do(t, http.MethodPost, fmt.Sprintf("/v1/intents/%s/lock", created.Intent.ID), lockRequest{
		TxID: lockTxID, Vout: 0, LockedSats: created.Intent.QuotedSats,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("lock status %d", rec.Code)
	}

	destKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("destination key: %v", err)
	}
	destAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(destKey.PubKey().SerializeCompressed()), &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("destination address: %v", err)
	}
	rec = fx.do(t, http.MethodPost, "/v1/claim", claimRequest{
		RedeemScript: created.Intent.RedeemScriptHex,
		Secret:       created.Secret,
		RecipientWIF: fx.recipientWIF,
		Destination:  destAddr.EncodeAddress(),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("claim status %d: %s", rec.Code, rec.Body.String())
	}

	logs := fx.logs.String()
	if !strings.Contains(logs, "bloom1requester") {
		t.Fatalf("allowlisted requester should appear verbatim:\n%s", logs)
	}
	if strings.Contains(logs, destAddr.EncodeAddress()) {
		t.Fatalf("claim destination must not be logged verbatim:\n%s", logs)
	}
	if !strings.Contains(logs, logging.RedactedValue) {
		t.Fatalf("masked placeholder missing from logs:\n%s", logs)
	}
}

func TestClaimWithWrongSecretConflicts(t *testing.T) {
	fx := newServerFixture(t)
	rec := fx.do(t, http.MethodPost, "/v1/redeem", redeemRequest{
		Requester:       "bloom1requester",
		TokenAmount:     10,
		RecipientPubKey: fx.recipientHex,
	})
	var created redeemResponse
	decodeBody(t, rec, &created)
	rec = fx.do(t, http.MethodPost, fmt.Sprintf("/v1/intents/%s/lock", created.Intent.ID), lockRequest{
		TxID: lockTxID, Vout: 0, LockedSats: created.Intent.QuotedSats,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("lock status %d", rec.Code)
	}

	rec = fx.do(t, http.MethodPost, "/v1/claim", claimRequest{
		RedeemScript: created.Intent.RedeemScriptHex,
		Secret:       hex.EncodeToString([]byte("wrong secret, wrong length too")),
		RecipientWIF: fx.recipientWIF,
		Destination:  created.Intent.HTLCAddress,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestPegAndReservesEndpoints(t *testing.T) {
	fx := newServerFixture(t)
	rec := fx.do(t, http.MethodGet, "/v1/peg", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("peg status %d", rec.Code)
	}
	var pegResp pegResponse
	decodeBody(t, rec, &pegResp)
	if pegResp.Statement != peg.AssertPeg() || pegResp.SatsPerUnit != peg.SatsPerBloom {
		t.Fatalf("peg response: %+v", pegResp)
	}

	rec = fx.do(t, http.MethodGet, "/v1/reserves", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reserves status %d", rec.Code)
	}
	var report reserve.Report
	decodeBody(t, rec, &report)
	if report.LockedSats != 10*peg.SatsPerBTC {
		t.Fatalf("reserves report: %+v", report)
	}
}

func TestAttestationEndpointAcceptsSignedFeed(t *testing.T) {
	fx := newServerFixture(t)
	att := &reserve.Attestation{LockedSats: 20 * peg.SatsPerBTC, Timestamp: time.Unix(1800000020, 0).UTC()}
	if err := att.Sign(fx.attesterKey.PrivateKey); err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := fx.do(t, http.MethodPost, "/v1/reserves/attestation", attestationRequest{
		LockedSats: att.LockedSats,
		Timestamp:  att.Timestamp.Unix(),
		Signature:  hex.EncodeToString(att.Signature),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	snapshot := fx.gate.Snapshot()
	if snapshot == nil || snapshot.LockedSats != 20*peg.SatsPerBTC {
		t.Fatalf("snapshot: %+v", snapshot)
	}

	// A signature from an unknown key is refused.
	rogue, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("rogue key: %v", err)
	}
	forged := &reserve.Attestation{LockedSats: 99 * peg.SatsPerBTC, Timestamp: time.Unix(1800000100, 0).UTC()}
	if err := forged.Sign(rogue.PrivateKey); err != nil {
		t.Fatalf("sign forged: %v", err)
	}
	rec = fx.do(t, http.MethodPost, "/v1/reserves/attestation", attestationRequest{
		LockedSats: forged.LockedSats,
		Timestamp:  forged.Timestamp.Unix(),
		Signature:  hex.EncodeToString(forged.Signature),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rec.Code)
	}
}

func TestUnknownIntentReturns404(t *testing.T) {
	fx := newServerFixture(t)
	rec := fx.do(t, http.MethodGet, "/v1/intents/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestHubFansOutToSubscribers(t *testing.T) {
	hub := NewHub()
	sub, cancel := hub.subscribe()
	defer cancel()

	hub.Emit(events.RedemptionRequested{IntentID: "intent-1", Requester: "bloom1requester", TokenAmount: 10, QuotedSats: 100_000_000, Timestamp: 1800000000})
	select {
	case payload := <-sub:
		if payload.Type != events.TypeRedemptionRequested {
			t.Fatalf("payload type %s", payload.Type)
		}
		if payload.Attributes["intentId"] != "intent-1" {
			t.Fatalf("attributes: %v", payload.Attributes)
		}
	default:
		t.Fatal("subscriber should have received the event")
	}

	cancel()
	hub.Emit(events.RedemptionRequested{IntentID: "intent-2", Timestamp: 1800000001})
	select {
	case payload := <-sub:
		t.Fatalf("cancelled subscriber received %+v", payload)
	default:
	}
}
