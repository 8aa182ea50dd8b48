package htlc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrInvalidSecret indicates the supplied secret does not hash to the
	// lock's secret hash. The claim is rejected before any chain interaction
	// so the still-valid secret is never leaked in a failed attempt.
	ErrInvalidSecret = errors.New("htlc: secret does not match lock hash")
	// ErrNotExpired indicates a refund was attempted before the lock timeout.
	ErrNotExpired = errors.New("htlc: lock has not expired")
	// ErrNetworkTimeout indicates the broadcaster did not answer within the
	// operation deadline. Lock state is not mutated; the caller may retry.
	ErrNetworkTimeout = errors.New("htlc: broadcast timed out")
	// ErrOutputTooSmall indicates the locked value cannot cover the spend fee
	// plus the dust limit.
	ErrOutputTooSmall = errors.New("htlc: locked value too small to spend")
	// ErrSettlementInFlight indicates another spend of the same outpoint has
	// not completed yet. The caller retries once that attempt resolves.
	ErrSettlementInFlight = errors.New("htlc: settlement already in progress")
)

// dustLimitSats is the minimum output value relayed by default policy.
const dustLimitSats = 546

// State tracks the lifecycle of a lock output.
type State string

const (
	// StateQuoted means the script exists but no on-chain output does yet.
	StateQuoted State = "quoted"
	// StateLocked means a confirmed output is governed by the script.
	StateLocked State = "locked"
	// StateClaimed is terminal: the claim branch spent the output.
	StateClaimed State = "claimed"
	// StateRefunded is terminal: the refund branch spent the output.
	StateRefunded State = "refunded"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClaimed || s == StateRefunded
}

// Lock is a projection of an on-chain output governed by a redemption
// script. It is reconstructed from caller-supplied inputs and never cached
// as ground truth.
type Lock struct {
	TxID            string
	Vout            uint32
	RedeemScriptHex string
	LockedSats      int64
	TimeoutUnix     int64
	SecretHash      [32]byte
}

func (l Lock) outpointKey() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(strings.TrimSpace(l.TxID)), l.Vout)
}

// Outcome records the terminal result of a claim or refund so retries return
// the prior result instead of re-issuing a conflicting spend.
type Outcome struct {
	State       State
	TxID        string
	CompletedAt int64
}

// Broadcaster relays a finished transaction to the Bitcoin network. It is a
// capability supplied by the caller: a test double in tests, a real
// broadcaster in production.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)
}

// Engine validates claim secrets and refund timeouts, constructs the
// spending transactions and tracks terminal outcomes per lock outpoint.
type Engine struct {
	params      *chaincfg.Params
	broadcaster Broadcaster
	feeSats     int64
	clock       func() time.Time

	mu       sync.Mutex
	outcomes map[string]Outcome
	inflight map[string]struct{}
}

// NewEngine constructs an engine for the supplied network.
func NewEngine(params *chaincfg.Params, broadcaster Broadcaster, feeSats int64) *Engine {
	if feeSats <= 0 {
		feeSats = 1000
	}
	return &Engine{
		params:      params,
		broadcaster: broadcaster,
		feeSats:     feeSats,
		clock:       time.Now,
		outcomes:    make(map[string]Outcome),
		inflight:    make(map[string]struct{}),
	}
}

// SetClock overrides the time source for deterministic tests.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

// Outcome returns the recorded terminal outcome for the lock, if any.
func (e *Engine) Outcome(lock Lock) (Outcome, bool) {
	if e == nil {
		return Outcome{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	outcome, ok := e.outcomes[lock.outpointKey()]
	return outcome, ok
}

// Claim validates the secret against the lock hash and, on success, builds,
// signs and broadcasts the claim spend to destAddress. Retrying a claim for
// an already-terminal lock returns the prior outcome; a claim racing another
// settlement of the same outpoint fails with ErrSettlementInFlight.
func (e *Engine) Claim(ctx context.Context, lock Lock, secret []byte, recipientKey *btcec.PrivateKey, destAddress string) (Outcome, error) {
	if e == nil {
		return Outcome{}, fmt.Errorf("htlc engine not initialised")
	}
	key := lock.outpointKey()
	prior, done, err := e.begin(key)
	if err != nil {
		return Outcome{}, err
	}
	if done {
		return prior, nil
	}
	outcome, err := e.claimSpend(ctx, lock, secret, recipientKey, destAddress)
	e.finish(key, outcome, err)
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

func (e *Engine) claimSpend(ctx context.Context, lock Lock, secret []byte, recipientKey *btcec.PrivateKey, destAddress string) (Outcome, error) {
	digest := SecretHash(secret)
	if !bytes.Equal(digest[:], lock.SecretHash[:]) {
		return Outcome{}, fmt.Errorf("%w: sha256(secret)=%x, lock expects %x", ErrInvalidSecret, digest, lock.SecretHash)
	}
	if recipientKey == nil {
		return Outcome{}, fmt.Errorf("htlc: recipient key required")
	}

	tx, script, err := e.buildSpend(lock, destAddress, false)
	if err != nil {
		return Outcome{}, err
	}
	signature, err := e.witnessSignature(tx, lock, script, recipientKey)
	if err != nil {
		return Outcome{}, err
	}
	// Claim witness selects the IF branch with a true element after the
	// secret reveal.
	tx.TxIn[0].Witness = wire.TxWitness{signature, secret, {0x01}, script}

	txid, err := e.broadcast(ctx, tx)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{State: StateClaimed, TxID: txid, CompletedAt: e.clock().UTC().Unix()}, nil
}

// Refund validates that the lock timeout has passed and, on success, builds,
// signs and broadcasts the refund spend to destAddress with the operator
// key. Retrying a refund for an already-terminal lock returns the prior
// outcome; a refund racing another settlement of the same outpoint fails
// with ErrSettlementInFlight.
func (e *Engine) Refund(ctx context.Context, lock Lock, operatorKey *btcec.PrivateKey, destAddress string) (Outcome, error) {
	if e == nil {
		return Outcome{}, fmt.Errorf("htlc engine not initialised")
	}
	key := lock.outpointKey()
	prior, done, err := e.begin(key)
	if err != nil {
		return Outcome{}, err
	}
	if done {
		return prior, nil
	}
	outcome, err := e.refundSpend(ctx, lock, operatorKey, destAddress)
	e.finish(key, outcome, err)
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

func (e *Engine) refundSpend(ctx context.Context, lock Lock, operatorKey *btcec.PrivateKey, destAddress string) (Outcome, error) {
	now := e.clock().UTC().Unix()
	if now < lock.TimeoutUnix {
		return Outcome{}, fmt.Errorf("%w: now=%d, timeout=%d", ErrNotExpired, now, lock.TimeoutUnix)
	}
	if operatorKey == nil {
		return Outcome{}, fmt.Errorf("htlc: operator key required")
	}

	tx, script, err := e.buildSpend(lock, destAddress, true)
	if err != nil {
		return Outcome{}, err
	}
	signature, err := e.witnessSignature(tx, lock, script, operatorKey)
	if err != nil {
		return Outcome{}, err
	}
	// Refund witness selects the ELSE branch with an empty element.
	tx.TxIn[0].Witness = wire.TxWitness{signature, nil, script}

	txid, err := e.broadcast(ctx, tx)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{State: StateRefunded, TxID: txid, CompletedAt: e.clock().UTC().Unix()}, nil
}

// begin reserves the outpoint for a settlement attempt. It returns the prior
// outcome when one is already recorded and refuses a second attempt while
// the first is still broadcasting.
func (e *Engine) begin(key string) (Outcome, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prior, ok := e.outcomes[key]; ok {
		return prior, true, nil
	}
	if _, busy := e.inflight[key]; busy {
		return Outcome{}, false, ErrSettlementInFlight
	}
	e.inflight[key] = struct{}{}
	return Outcome{}, false, nil
}

// finish releases the outpoint reservation and records the outcome when the
// spend succeeded. Failed attempts leave no outcome so the caller may retry.
func (e *Engine) finish(key string, outcome Outcome, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
	if err == nil {
		e.outcomes[key] = outcome
	}
}

// buildSpend constructs the single-input, single-output spend of the lock
// outpoint. Refund spends carry the absolute locktime and a non-final
// sequence so OP_CHECKLOCKTIMEVERIFY can be satisfied.
func (e *Engine) buildSpend(lock Lock, destAddress string, refund bool) (*wire.MsgTx, []byte, error) {
	script, err := DecodeScriptHex(lock.RedeemScriptHex)
	if err != nil {
		return nil, nil, err
	}
	value := lock.LockedSats - e.feeSats
	if value < dustLimitSats {
		return nil, nil, fmt.Errorf("%w: locked %d sats, fee %d sats", ErrOutputTooSmall, lock.LockedSats, e.feeSats)
	}
	txHash, err := chainhash.NewHashFromStr(strings.TrimSpace(lock.TxID))
	if err != nil {
		return nil, nil, fmt.Errorf("htlc: invalid lock txid: %w", err)
	}
	destAddr, err := btcutil.DecodeAddress(strings.TrimSpace(destAddress), e.params)
	if err != nil {
		return nil, nil, fmt.Errorf("htlc: invalid destination address: %w", err)
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return nil, nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	txIn := wire.NewTxIn(wire.NewOutPoint(txHash, lock.Vout), nil, nil)
	if refund {
		txIn.Sequence = wire.MaxTxInSequenceNum - 1
	}
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(value, destScript))
	if refund {
		tx.LockTime = uint32(lock.TimeoutUnix)
	}
	return tx, script, nil
}

func (e *Engine) witnessSignature(tx *wire.MsgTx, lock Lock, script []byte, key *btcec.PrivateKey) ([]byte, error) {
	lockAddr, err := lockAddressScript(script, e.params)
	if err != nil {
		return nil, err
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(lockAddr, lock.LockedSats)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	return txscript.RawTxInWitnessSignature(tx, sigHashes, 0, lock.LockedSats, script, txscript.SigHashAll, key)
}

func lockAddressScript(script []byte, params *chaincfg.Params) ([]byte, error) {
	witnessProgram := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(witnessProgram[:], params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

func (e *Engine) broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	if e.broadcaster == nil {
		return "", fmt.Errorf("htlc: broadcaster not configured")
	}
	txid, err := e.broadcaster.Broadcast(ctx, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrNetworkTimeout, err)
		}
		return "", err
	}
	return strings.TrimSpace(txid), nil
}
