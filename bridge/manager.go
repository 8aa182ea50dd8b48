package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"bloombridge/core/events"
	"bloombridge/crypto"
	"bloombridge/htlc"
	"bloombridge/native/peg"
	"bloombridge/native/ratelimit"
	"bloombridge/native/reserve"
	"bloombridge/observability/metrics"
)

var (
	// ErrPolicyDisabled indicates redemptions are switched off for the
	// configured network.
	ErrPolicyDisabled = errors.New("bridge: redemptions disabled by policy")
	// ErrLockMismatch indicates the reported lock output does not satisfy the
	// quoted amount.
	ErrLockMismatch = errors.New("bridge: lock output does not match quote")
	// ErrAmountOutOfRange indicates the requested amount falls outside the
	// configured redemption bounds.
	ErrAmountOutOfRange = errors.New("bridge: redemption amount out of range")
)

// secretSize is the byte length of the preimage generated per redemption.
const secretSize = 32

// KeySource unwraps the operator signing key on demand. The manager never
// retains the returned key beyond the scope of a single operation.
type KeySource func() (*crypto.PrivateKey, error)

// Config carries the operational knobs for the redemption manager.
type Config struct {
	// Network selects the Bitcoin network (testnet, signet, mainnet).
	Network string
	// Enabled switches the redemption flow on or off without redeploying.
	Enabled bool
	// QuoteTTL is how long a quoted intent stays claimable before the HTLC
	// refund branch activates. Defaults to 24 hours.
	QuoteTTL time.Duration
	// BroadcastTimeout bounds each settlement broadcast. Defaults to 30s.
	BroadcastTimeout time.Duration
	// MinRedeemBloom is the smallest redeemable amount. Defaults to 1.
	MinRedeemBloom int64
	// MaxRedeemBloom caps a single redemption. Zero means no cap.
	MaxRedeemBloom int64
}

func (c Config) normalised() Config {
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = 24 * time.Hour
	}
	if c.BroadcastTimeout <= 0 {
		c.BroadcastTimeout = 30 * time.Second
	}
	if c.MinRedeemBloom <= 0 {
		c.MinRedeemBloom = 1
	}
	return c
}

// Dependencies wires the collaborators the manager orchestrates.
type Dependencies struct {
	Limiter *ratelimit.Limiter
	Gate    *reserve.Gate
	Supply  *peg.SupplyLedger
	Engine  *htlc.Engine
	Ledger  *IntentLedger
	Burns   *BurnLedger
	Emitter events.Emitter
	Keys    KeySource
}

// Manager drives the redemption lifecycle end to end: admission, quoting,
// HTLC construction, intent signing, settlement and the supply burn. It is
// the single writer of intent state.
type Manager struct {
	cfg     Config
	params  *chaincfg.Params
	limiter *ratelimit.Limiter
	gate    *reserve.Gate
	supply  *peg.SupplyLedger
	engine  *htlc.Engine
	ledger  *IntentLedger
	burns   *BurnLedger
	emitter events.Emitter
	keys    KeySource
	clock   func() time.Time

	// mu serialises status transitions and the read-modify-write supply
	// updates that accompany them.
	mu sync.Mutex
}

// NewManager constructs a manager for the configured network.
func NewManager(cfg Config, deps Dependencies) (*Manager, error) {
	params, err := htlc.NetworkParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("bridge: intent ledger required")
	}
	if deps.Supply == nil {
		return nil, fmt.Errorf("bridge: supply ledger required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("bridge: htlc engine required")
	}
	if deps.Keys == nil {
		return nil, fmt.Errorf("bridge: operator key source required")
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Manager{
		cfg:     cfg.normalised(),
		params:  params,
		limiter: deps.Limiter,
		gate:    deps.Gate,
		supply:  deps.Supply,
		engine:  deps.Engine,
		ledger:  deps.Ledger,
		burns:   deps.Burns,
		emitter: emitter,
		keys:    deps.Keys,
		clock:   time.Now,
	}, nil
}

// SetClock overrides the time source for deterministic tests.
func (m *Manager) SetClock(clock func() time.Time) {
	if m == nil || clock == nil {
		return
	}
	m.clock = clock
}

// RequestRedemption admits, quotes and signs a redemption for the requester.
// recipientPubKeyHex is the compressed secp256k1 key that will be able to
// claim the HTLC. The generated secret is returned alongside the intent and
// is never persisted or logged; the caller must deliver it to the recipient
// out of band.
func (m *Manager) RequestRedemption(ctx context.Context, requester string, tokenAmount int64, recipientPubKeyHex string) (*RedeemIntent, []byte, error) {
	if m == nil {
		return nil, nil, fmt.Errorf("bridge manager not initialised")
	}
	if !m.cfg.Enabled {
		return nil, nil, fmt.Errorf("%w: network %s", ErrPolicyDisabled, m.cfg.Network)
	}
	requester = strings.TrimSpace(requester)
	if requester == "" {
		return nil, nil, fmt.Errorf("bridge: requester required")
	}
	recipientPub, err := parsePubKeyHex(recipientPubKeyHex)
	if err != nil {
		return nil, nil, err
	}
	quotedSats, err := peg.BloomToSats(tokenAmount)
	if err != nil {
		return nil, nil, err
	}
	if tokenAmount < m.cfg.MinRedeemBloom || (m.cfg.MaxRedeemBloom > 0 && tokenAmount > m.cfg.MaxRedeemBloom) {
		return nil, nil, fmt.Errorf("%w: %d BLOOM, bounds [%d, %d]", ErrAmountOutOfRange, tokenAmount, m.cfg.MinRedeemBloom, m.cfg.MaxRedeemBloom)
	}
	if m.limiter != nil {
		if violation := m.limiter.Admit(requester); violation != nil {
			metrics.Bridge().IncRateLimited()
			return nil, nil, violation
		}
	}

	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, nil, fmt.Errorf("bridge: secret generation failed: %w", err)
	}
	secretHash := htlc.SecretHash(secret)

	now := m.clock().UTC()
	timeout := now.Add(m.cfg.QuoteTTL).Unix()

	operatorKey, err := m.keys()
	if err != nil {
		return nil, nil, fmt.Errorf("bridge: operator key unavailable: %w", err)
	}
	script, err := htlc.NewLockScript(secretHash, recipientPub, timeout, operatorKey.BitcoinPubKey())
	if err != nil {
		return nil, nil, err
	}
	compiled, err := script.Compile()
	if err != nil {
		return nil, nil, err
	}
	address, err := script.Address(m.params)
	if err != nil {
		return nil, nil, err
	}

	intent := &RedeemIntent{
		ID:              uuid.NewString(),
		Requester:       requester,
		TokenAmount:     tokenAmount,
		QuotedSats:      quotedSats,
		SecretHash:      secretHash,
		TimeoutUnix:     timeout,
		HTLCAddress:     address.EncodeAddress(),
		RedeemScriptHex: hex.EncodeToString(compiled),
		Status:          StatusQuoted,
		CreatedAt:       now.Unix(),
	}
	if err := intent.Sign(operatorKey); err != nil {
		return nil, nil, err
	}
	if err := m.ledger.Put(intent); err != nil {
		return nil, nil, err
	}

	metrics.Bridge().IncRedemptionRequested()
	m.emitter.Emit(events.RedemptionRequested{
		IntentID:    intent.ID,
		Requester:   requester,
		TokenAmount: tokenAmount,
		QuotedSats:  quotedSats,
		HTLCAddress: intent.HTLCAddress,
		Timestamp:   now.Unix(),
	})
	return intent.Copy(), secret, nil
}

// RedeemOnTestnet is the testnet entry point: it refuses to run against any
// other network so a misconfigured deployment cannot quote mainnet locks.
func (m *Manager) RedeemOnTestnet(ctx context.Context, requester string, tokenAmount int64, recipientPubKeyHex string) (*RedeemIntent, []byte, error) {
	if m == nil {
		return nil, nil, fmt.Errorf("bridge manager not initialised")
	}
	if m.params.Name != chaincfg.TestNet3Params.Name {
		return nil, nil, fmt.Errorf("%w: testnet redemption requested on %s", ErrPolicyDisabled, m.params.Name)
	}
	return m.RequestRedemption(ctx, requester, tokenAmount, recipientPubKeyHex)
}

// MarkLocked records the confirmed lock outpoint for a quoted intent. The
// lock must carry at least the quoted value; an underfunded lock is rejected
// so the claim path never settles a short redemption.
func (m *Manager) MarkLocked(intentID, lockTxID string, vout uint32, lockedSats int64) (*RedeemIntent, error) {
	if m == nil {
		return nil, fmt.Errorf("bridge manager not initialised")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, err := m.loadLocked(intentID)
	if err != nil {
		return nil, err
	}
	if !intent.Status.canTransitionTo(StatusLocked) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrStatusTransition, intent.Status, StatusLocked)
	}
	if lockedSats < intent.QuotedSats {
		return nil, fmt.Errorf("%w: locked %d sats, quoted %d sats", ErrLockMismatch, lockedSats, intent.QuotedSats)
	}
	lockTxID = strings.ToLower(strings.TrimSpace(lockTxID))
	if lockTxID == "" {
		return nil, fmt.Errorf("bridge: lock txid required")
	}

	intent.Status = StatusLocked
	intent.LockTxID = lockTxID
	intent.LockVout = vout
	intent.LockedSats = lockedSats
	if err := m.ledger.Update(intent); err != nil {
		return nil, err
	}
	m.emitter.Emit(events.RedemptionLocked{
		IntentID:   intent.ID,
		LockTxID:   lockTxID,
		Vout:       vout,
		LockedSats: lockedSats,
		Timestamp:  m.clock().UTC().Unix(),
	})
	return intent.Copy(), nil
}

// ClaimRequest carries everything a recipient submits to settle a claim. The
// redeem script identifies the intent; the secret and key prove entitlement.
type ClaimRequest struct {
	RedeemScriptHex string
	Secret          []byte
	RecipientWIF    string
	Destination     string
}

// Claim spends the lock through the claim branch, burns the redeemed BLOOM
// and completes the intent. Retrying a settled intent returns the recorded
// settlement txid.
func (m *Manager) Claim(ctx context.Context, req ClaimRequest) (string, error) {
	if m == nil {
		return "", fmt.Errorf("bridge manager not initialised")
	}
	intent, err := m.resolveByScript(req.RedeemScriptHex)
	if err != nil {
		return "", err
	}
	if intent.Status.Terminal() {
		if intent.Status == StatusClaimed && intent.SettlementTxID != "" {
			return intent.SettlementTxID, nil
		}
		return "", fmt.Errorf("%w: %s -> %s", ErrStatusTransition, intent.Status, StatusClaimed)
	}
	if intent.Status != StatusLocked {
		return "", fmt.Errorf("%w: %s -> %s", ErrStatusTransition, intent.Status, StatusClaimed)
	}
	wif, err := btcutil.DecodeWIF(strings.TrimSpace(req.RecipientWIF))
	if err != nil {
		return "", fmt.Errorf("bridge: invalid recipient key: %w", err)
	}

	outcome, err := m.spend(ctx, intent, func(ctx context.Context, lock htlc.Lock) (htlc.Outcome, error) {
		return m.engine.Claim(ctx, lock, req.Secret, wif.PrivKey, strings.TrimSpace(req.Destination))
	})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-read under the lock: a concurrent retry may have settled first, and
	// the burn must apply exactly once.
	intent, err = m.loadLocked(intent.ID)
	if err != nil {
		return "", err
	}
	if intent.Status.Terminal() {
		if intent.Status == StatusClaimed && intent.SettlementTxID != "" {
			return intent.SettlementTxID, nil
		}
		return "", fmt.Errorf("%w: %s -> %s", ErrStatusTransition, intent.Status, StatusClaimed)
	}
	intent.Status = StatusClaimed
	intent.SettlementTxID = outcome.TxID
	if err := m.ledger.Update(intent); err != nil {
		return "", err
	}
	supply, err := m.supply.RecordBurn(intent.TokenAmount)
	if err != nil {
		return "", fmt.Errorf("bridge: claim settled in tx %s but burn failed: %w", outcome.TxID, err)
	}
	metrics.Bridge().ObserveSettlement(string(StatusClaimed))
	metrics.Bridge().SetSupply(supply.Total)

	now := m.clock().UTC().Unix()
	if m.burns != nil {
		record := &BurnRecord{
			IntentID:    intent.ID,
			Requester:   intent.Requester,
			TokenAmount: intent.TokenAmount,
			QuotedSats:  intent.QuotedSats,
			ClaimTxID:   outcome.TxID,
			CompletedAt: now,
		}
		if err := m.burns.Record(record); err != nil {
			return "", err
		}
	}
	m.emitter.Emit(events.HTLCClaimed{
		IntentID:   intent.ID,
		ClaimTxID:  outcome.TxID,
		QuotedSats: intent.QuotedSats,
		Timestamp:  now,
	})
	m.emitter.Emit(events.RedemptionCompleted{
		IntentID:    intent.ID,
		Requester:   intent.Requester,
		TokenAmount: intent.TokenAmount,
		BurnedTotal: supply.Burned,
		Timestamp:   now,
	})
	return outcome.TxID, nil
}

// Refund sweeps an expired lock back to the operator through the refund
// branch. The destination is the operator's own witness address derived from
// the signing key.
func (m *Manager) Refund(ctx context.Context, redeemScriptHex string) (string, error) {
	if m == nil {
		return "", fmt.Errorf("bridge manager not initialised")
	}
	intent, err := m.resolveByScript(redeemScriptHex)
	if err != nil {
		return "", err
	}
	if intent.Status.Terminal() {
		if intent.Status == StatusRefunded && intent.SettlementTxID != "" {
			return intent.SettlementTxID, nil
		}
		return "", fmt.Errorf("%w: %s -> %s", ErrStatusTransition, intent.Status, StatusRefunded)
	}
	if intent.Status != StatusLocked {
		return "", fmt.Errorf("%w: %s -> %s", ErrStatusTransition, intent.Status, StatusRefunded)
	}
	operatorKey, err := m.keys()
	if err != nil {
		return "", fmt.Errorf("bridge: operator key unavailable: %w", err)
	}
	destination, err := operatorWitnessAddress(operatorKey, m.params)
	if err != nil {
		return "", err
	}

	outcome, err := m.spend(ctx, intent, func(ctx context.Context, lock htlc.Lock) (htlc.Outcome, error) {
		return m.engine.Refund(ctx, lock, operatorKey.BitcoinKey(), destination)
	})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	intent, err = m.loadLocked(intent.ID)
	if err != nil {
		return "", err
	}
	if intent.Status.Terminal() {
		if intent.Status == StatusRefunded && intent.SettlementTxID != "" {
			return intent.SettlementTxID, nil
		}
		return "", fmt.Errorf("%w: %s -> %s", ErrStatusTransition, intent.Status, StatusRefunded)
	}
	intent.Status = StatusRefunded
	intent.SettlementTxID = outcome.TxID
	if err := m.ledger.Update(intent); err != nil {
		return "", err
	}
	metrics.Bridge().ObserveSettlement(string(StatusRefunded))
	m.emitter.Emit(events.HTLCRefunded{
		IntentID:   intent.ID,
		RefundTxID: outcome.TxID,
		QuotedSats: intent.QuotedSats,
		Timestamp:  m.clock().UTC().Unix(),
	})
	return outcome.TxID, nil
}

// Mint issues new BLOOM after the reserve gate confirms the peg stays fully
// collateralised. The gate check and the supply update share one critical
// section so concurrent mints cannot both pass against the same snapshot.
func (m *Manager) Mint(amount int64) (peg.Supply, error) {
	if m == nil {
		return peg.Supply{}, fmt.Errorf("bridge manager not initialised")
	}
	if m.gate == nil {
		return peg.Supply{}, fmt.Errorf("bridge: reserve gate required for minting")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.supply.Snapshot()
	if err != nil {
		return peg.Supply{}, err
	}
	if err := m.gate.CanMint(amount, current.Total); err != nil {
		switch {
		case errors.Is(err, reserve.ErrStaleReserves):
			metrics.Bridge().IncMintBlocked("stale")
		case errors.Is(err, reserve.ErrInsufficientReserves):
			metrics.Bridge().IncMintBlocked("insufficient")
		default:
			metrics.Bridge().IncMintBlocked("invalid")
		}
		return peg.Supply{}, err
	}
	supply, err := m.supply.RecordMint(amount)
	if err != nil {
		return peg.Supply{}, err
	}
	metrics.Bridge().SetSupply(supply.Total)
	return supply, nil
}

// ExpireQuoted sweeps quoted intents whose HTLC timeout has passed into the
// expired state and returns how many were expired.
func (m *Manager) ExpireQuoted() (int, error) {
	if m == nil {
		return 0, fmt.Errorf("bridge manager not initialised")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	intents, err := m.ledger.ListAll()
	if err != nil {
		return 0, err
	}
	now := m.clock().UTC().Unix()
	expired := 0
	for _, intent := range intents {
		if intent.Status != StatusQuoted || intent.TimeoutUnix > now {
			continue
		}
		intent.Status = StatusExpired
		if err := m.ledger.Update(intent); err != nil {
			return expired, err
		}
		metrics.Bridge().ObserveSettlement(string(StatusExpired))
		expired++
	}
	return expired, nil
}

// Reserves renders the collateral report against the live supply.
func (m *Manager) Reserves() (reserve.Report, error) {
	if m == nil {
		return reserve.Report{}, fmt.Errorf("bridge manager not initialised")
	}
	if m.gate == nil {
		return reserve.Report{}, fmt.Errorf("bridge: reserve gate not configured")
	}
	supply, err := m.supply.Snapshot()
	if err != nil {
		return reserve.Report{}, err
	}
	report, err := m.gate.Describe(supply.Total)
	if err != nil {
		return reserve.Report{}, err
	}
	metrics.Bridge().SetReserveRatio(report.RatioBps)
	return report, nil
}

// Supply returns the circulating supply counters.
func (m *Manager) Supply() (peg.Supply, error) {
	if m == nil {
		return peg.Supply{}, fmt.Errorf("bridge manager not initialised")
	}
	return m.supply.Snapshot()
}

// Intent returns a copy of the intent with the given id.
func (m *Manager) Intent(intentID string) (*RedeemIntent, error) {
	if m == nil {
		return nil, fmt.Errorf("bridge manager not initialised")
	}
	intent, ok, err := m.ledger.Get(intentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, strings.TrimSpace(intentID))
	}
	return intent, nil
}

// Intents lists intents ordered by creation time, newest last.
func (m *Manager) Intents(limit int) ([]*RedeemIntent, error) {
	if m == nil {
		return nil, fmt.Errorf("bridge manager not initialised")
	}
	return m.ledger.List(limit)
}

// OperatorAddress derives the account address intents are verified against.
func (m *Manager) OperatorAddress() ([20]byte, error) {
	var addr [20]byte
	if m == nil {
		return addr, fmt.Errorf("bridge manager not initialised")
	}
	key, err := m.keys()
	if err != nil {
		return addr, err
	}
	copy(addr[:], ethcrypto.PubkeyToAddress(key.PrivateKey.PublicKey).Bytes())
	return addr, nil
}

func (m *Manager) spend(ctx context.Context, intent *RedeemIntent, op func(context.Context, htlc.Lock) (htlc.Outcome, error)) (htlc.Outcome, error) {
	lock := htlc.Lock{
		TxID:            intent.LockTxID,
		Vout:            intent.LockVout,
		RedeemScriptHex: intent.RedeemScriptHex,
		LockedSats:      intent.LockedSats,
		TimeoutUnix:     intent.TimeoutUnix,
		SecretHash:      intent.SecretHash,
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.BroadcastTimeout)
	defer cancel()
	outcome, err := op(ctx, lock)
	if err != nil {
		if errors.Is(err, htlc.ErrNetworkTimeout) {
			metrics.Bridge().IncBroadcastFailure()
		}
		return htlc.Outcome{}, err
	}
	return outcome, nil
}

func (m *Manager) loadLocked(intentID string) (*RedeemIntent, error) {
	intent, ok, err := m.ledger.Get(intentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, strings.TrimSpace(intentID))
	}
	return intent, nil
}

func (m *Manager) resolveByScript(redeemScriptHex string) (*RedeemIntent, error) {
	script := strings.TrimSpace(redeemScriptHex)
	if script == "" {
		return nil, fmt.Errorf("bridge: redeem script required")
	}
	intent, ok, err := m.ledger.GetByScript(script)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no intent for redeem script", ErrIntentNotFound)
	}
	return intent, nil
}

func parsePubKeyHex(pubKeyHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(pubKeyHex))
	if err != nil {
		return nil, fmt.Errorf("bridge: invalid recipient public key: %w", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("bridge: invalid recipient public key: %w", err)
	}
	return pub, nil
}

func operatorWitnessAddress(key *crypto.PrivateKey, params *chaincfg.Params) (string, error) {
	pubKeyHash := btcutil.Hash160(key.BitcoinPubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}
