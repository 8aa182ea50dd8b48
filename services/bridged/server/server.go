// Package server exposes the bridge over HTTP: redemption intake, HTLC
// settlement, peg and reserve introspection, metrics and a websocket
// lifecycle feed.
package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bloombridge/bridge"
	"bloombridge/htlc"
	"bloombridge/native/peg"
	"bloombridge/native/ratelimit"
	"bloombridge/native/reserve"
	"bloombridge/observability/logging"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Manager *bridge.Manager
	Burns   *bridge.BurnLedger
	Gate    *reserve.Gate
	Hub     *Hub
	Logger  *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	manager *bridge.Manager
	burns   *bridge.BurnLedger
	gate    *reserve.Gate
	hub     *Hub
	logger  *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		manager: cfg.Manager,
		burns:   cfg.Burns,
		gate:    cfg.Gate,
		hub:     cfg.Hub,
		logger:  logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Post("/redeem", s.handleRedeem)
		api.Post("/intents/{id}/lock", s.handleLock)
		api.Post("/claim", s.handleClaim)
		api.Post("/refund", s.handleRefund)
		api.Get("/intents", s.handleListIntents)
		api.Get("/intents/{id}", s.handleGetIntent)
		api.Get("/peg", s.handlePeg)
		api.Get("/reserves", s.handleReserves)
		api.Post("/reserves/attestation", s.handleAttestation)
		api.Get("/burns/export", s.handleBurnExport)
		api.Get("/events", s.handleEventsWS)
	})
	return r
}

type redeemRequest struct {
	Requester       string `json:"requester"`
	TokenAmount     int64  `json:"tokenAmount"`
	RecipientPubKey string `json:"recipientPubKey"`
}

type redeemResponse struct {
	Intent *intentView `json:"intent"`
	// Secret is returned exactly once, to the requester, and never stored.
	Secret string `json:"secret"`
}

type intentView struct {
	ID              string `json:"id"`
	Requester       string `json:"requester"`
	TokenAmount     int64  `json:"tokenAmount"`
	QuotedSats      int64  `json:"quotedSats"`
	SecretHash      string `json:"secretHash"`
	TimeoutUnix     int64  `json:"timeoutUnix"`
	HTLCAddress     string `json:"htlcAddress"`
	RedeemScriptHex string `json:"redeemScript"`
	Signature       string `json:"signature"`
	Status          string `json:"status"`
	CreatedAt       int64  `json:"createdAt"`
	LockTxID        string `json:"lockTxId,omitempty"`
	LockVout        uint32 `json:"lockVout,omitempty"`
	LockedSats      int64  `json:"lockedSats,omitempty"`
	SettlementTxID  string `json:"settlementTxId,omitempty"`
}

func viewIntent(intent *bridge.RedeemIntent) *intentView {
	if intent == nil {
		return nil
	}
	return &intentView{
		ID:              intent.ID,
		Requester:       intent.Requester,
		TokenAmount:     intent.TokenAmount,
		QuotedSats:      intent.QuotedSats,
		SecretHash:      hex.EncodeToString(intent.SecretHash[:]),
		TimeoutUnix:     intent.TimeoutUnix,
		HTLCAddress:     intent.HTLCAddress,
		RedeemScriptHex: intent.RedeemScriptHex,
		Signature:       hex.EncodeToString(intent.Signature),
		Status:          string(intent.Status),
		CreatedAt:       intent.CreatedAt,
		LockTxID:        intent.LockTxID,
		LockVout:        intent.LockVout,
		LockedSats:      intent.LockedSats,
		SettlementTxID:  intent.SettlementTxID,
	}
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	intent, secret, err := s.manager.RequestRedemption(r.Context(), req.Requester, req.TokenAmount, req.RecipientPubKey)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.logger.Info("redemption requested",
		logging.MaskField("intentId", intent.ID),
		logging.MaskField("requester", intent.Requester),
		slog.Int64("tokenAmount", intent.TokenAmount),
		logging.MaskField("htlcAddress", intent.HTLCAddress))
	writeJSON(w, http.StatusCreated, redeemResponse{Intent: viewIntent(intent), Secret: hex.EncodeToString(secret)})
}

type lockRequest struct {
	TxID       string `json:"txid"`
	Vout       uint32 `json:"vout"`
	LockedSats int64  `json:"lockedSats"`
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "id")
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	intent, err := s.manager.MarkLocked(intentID, req.TxID, req.Vout, req.LockedSats)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.logger.Info("lock confirmed",
		logging.MaskField("intentId", intent.ID),
		logging.MaskField("txid", intent.LockTxID))
	writeJSON(w, http.StatusOK, viewIntent(intent))
}

type claimRequest struct {
	RedeemScript string `json:"redeemScript"`
	Secret       string `json:"secret"`
	RecipientWIF string `json:"recipientWif"`
	Destination  string `json:"destination"`
}

type settlementResponse struct {
	TxID string `json:"txid"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	secret, err := hex.DecodeString(strings.TrimSpace(req.Secret))
	if err != nil {
		writeError(w, http.StatusBadRequest, "secret must be hex encoded")
		return
	}
	txid, err := s.manager.Claim(r.Context(), bridge.ClaimRequest{
		RedeemScriptHex: req.RedeemScript,
		Secret:          secret,
		RecipientWIF:    req.RecipientWIF,
		Destination:     req.Destination,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.logger.Info("htlc claimed",
		logging.MaskField("txid", txid),
		logging.MaskField("destination", req.Destination))
	writeJSON(w, http.StatusOK, settlementResponse{TxID: txid})
}

type refundRequest struct {
	RedeemScript string `json:"redeemScript"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	txid, err := s.manager.Refund(r.Context(), req.RedeemScript)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.logger.Info("htlc refunded",
		logging.MaskField("txid", txid),
		logging.MaskField("redeemScript", req.RedeemScript))
	writeJSON(w, http.StatusOK, settlementResponse{TxID: txid})
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	intents, err := s.manager.Intents(limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	views := make([]*intentView, 0, len(intents))
	for _, intent := range intents {
		views = append(views, viewIntent(intent))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"intents": views})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.manager.Intent(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewIntent(intent))
}

type pegResponse struct {
	Statement   string `json:"statement"`
	SatsPerBTC  int64  `json:"satsPerBtc"`
	BloomPerBTC int64  `json:"bloomPerBtc"`
	SatsPerUnit int64  `json:"satsPerBloom"`
	Supply      int64  `json:"supplyBloom"`
	Minted      int64  `json:"mintedBloom"`
	Burned      int64  `json:"burnedBloom"`
}

func (s *Server) handlePeg(w http.ResponseWriter, r *http.Request) {
	supply, err := s.manager.Supply()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pegResponse{
		Statement:   peg.AssertPeg(),
		SatsPerBTC:  peg.SatsPerBTC,
		BloomPerBTC: peg.BloomPerBTC,
		SatsPerUnit: peg.SatsPerBloom,
		Supply:      supply.Total,
		Minted:      supply.Minted,
		Burned:      supply.Burned,
	})
}

func (s *Server) handleReserves(w http.ResponseWriter, r *http.Request) {
	report, err := s.manager.Reserves()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type attestationRequest struct {
	LockedSats int64  `json:"lockedSats"`
	Timestamp  int64  `json:"timestamp"`
	Signature  string `json:"signature"`
}

func (s *Server) handleAttestation(w http.ResponseWriter, r *http.Request) {
	if s.gate == nil {
		writeError(w, http.StatusServiceUnavailable, "reserve gate not configured")
		return
	}
	var req attestationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	signature, err := hex.DecodeString(strings.TrimSpace(req.Signature))
	if err != nil {
		writeError(w, http.StatusBadRequest, "signature must be hex encoded")
		return
	}
	att := &reserve.Attestation{
		LockedSats: req.LockedSats,
		Timestamp:  time.Unix(req.Timestamp, 0).UTC(),
		Signature:  signature,
	}
	if err := s.gate.SetAttestation(att); err != nil {
		switch {
		case errors.Is(err, reserve.ErrAttestationSignature), errors.Is(err, reserve.ErrAttesterUnknown):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, reserve.ErrAttestationNil), errors.Is(err, reserve.ErrStaleReserves):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.writeDomainError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleBurnExport(w http.ResponseWriter, r *http.Request) {
	if s.burns == nil {
		writeError(w, http.StatusServiceUnavailable, "burn export not configured")
		return
	}
	start, err := parseTimestamp(r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be a unix timestamp")
		return
	}
	end, err := parseTimestamp(r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be a unix timestamp")
		return
	}
	encoded, count, err := s.burns.ExportCSV(start, end)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"csvBase64": encoded, "count": count})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseTimestamp(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// writeDomainError maps domain sentinels onto HTTP status codes. Unknown
// errors become 500s with a generic body so internals never leak.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, bridge.ErrPolicyDisabled):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, bridge.ErrIntentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, bridge.ErrStatusTransition),
		errors.Is(err, bridge.ErrLockMismatch),
		errors.Is(err, htlc.ErrNotExpired),
		errors.Is(err, htlc.ErrInvalidSecret),
		errors.Is(err, htlc.ErrSettlementInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, peg.ErrInvalidAmount),
		errors.Is(err, bridge.ErrAmountOutOfRange),
		errors.Is(err, htlc.ErrOutputTooSmall):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, reserve.ErrStaleReserves),
		errors.Is(err, reserve.ErrInsufficientReserves):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, htlc.ErrNetworkTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
