package events

import (
	"strconv"
	"strings"
)

// Lifecycle event types emitted by the redemption manager. Payloads carry the
// intent id, the amounts and a timestamp; secret material is never included.
const (
	// TypeRedemptionRequested is emitted when an intent is quoted and signed.
	TypeRedemptionRequested = "bridge.redemption_requested"
	// TypeTestnetRedemptionRequested is emitted once the lock transaction is
	// confirmed on the configured network.
	TypeTestnetRedemptionRequested = "bridge.testnet_redemption_requested"
	// TypeHTLCClaimed is emitted when the claim branch spends the lock.
	TypeHTLCClaimed = "bridge.htlc_claimed"
	// TypeHTLCRefunded is emitted when the refund branch spends the lock.
	TypeHTLCRefunded = "bridge.htlc_refunded"
	// TypeRedemptionCompleted is emitted after a successful claim and the
	// matching supply burn.
	TypeRedemptionCompleted = "bridge.redemption_completed"
)

// RedemptionRequested announces a freshly signed redemption intent.
type RedemptionRequested struct {
	IntentID    string
	Requester   string
	TokenAmount int64
	QuotedSats  int64
	HTLCAddress string
	Timestamp   int64
}

func (RedemptionRequested) EventType() string { return TypeRedemptionRequested }

func (e RedemptionRequested) Attributes() map[string]string {
	return map[string]string{
		"intentId":    strings.TrimSpace(e.IntentID),
		"requester":   strings.TrimSpace(e.Requester),
		"tokenAmount": strconv.FormatInt(e.TokenAmount, 10),
		"quotedSats":  strconv.FormatInt(e.QuotedSats, 10),
		"htlcAddress": strings.TrimSpace(e.HTLCAddress),
		"timestamp":   strconv.FormatInt(e.Timestamp, 10),
	}
}

// RedemptionLocked announces a confirmed lock output for an intent.
type RedemptionLocked struct {
	IntentID   string
	LockTxID   string
	Vout       uint32
	LockedSats int64
	Timestamp  int64
}

func (RedemptionLocked) EventType() string { return TypeTestnetRedemptionRequested }

func (e RedemptionLocked) Attributes() map[string]string {
	return map[string]string{
		"intentId":   strings.TrimSpace(e.IntentID),
		"lockTxId":   strings.TrimSpace(e.LockTxID),
		"vout":       strconv.FormatUint(uint64(e.Vout), 10),
		"lockedSats": strconv.FormatInt(e.LockedSats, 10),
		"timestamp":  strconv.FormatInt(e.Timestamp, 10),
	}
}

// HTLCClaimed announces a successful claim spend.
type HTLCClaimed struct {
	IntentID   string
	ClaimTxID  string
	QuotedSats int64
	Timestamp  int64
}

func (HTLCClaimed) EventType() string { return TypeHTLCClaimed }

func (e HTLCClaimed) Attributes() map[string]string {
	return map[string]string{
		"intentId":   strings.TrimSpace(e.IntentID),
		"claimTxId":  strings.TrimSpace(e.ClaimTxID),
		"quotedSats": strconv.FormatInt(e.QuotedSats, 10),
		"timestamp":  strconv.FormatInt(e.Timestamp, 10),
	}
}

// HTLCRefunded announces a refund spend after lock expiry.
type HTLCRefunded struct {
	IntentID   string
	RefundTxID string
	QuotedSats int64
	Timestamp  int64
}

func (HTLCRefunded) EventType() string { return TypeHTLCRefunded }

func (e HTLCRefunded) Attributes() map[string]string {
	return map[string]string{
		"intentId":   strings.TrimSpace(e.IntentID),
		"refundTxId": strings.TrimSpace(e.RefundTxID),
		"quotedSats": strconv.FormatInt(e.QuotedSats, 10),
		"timestamp":  strconv.FormatInt(e.Timestamp, 10),
	}
}

// RedemptionCompleted announces the burn that settles a claimed redemption.
type RedemptionCompleted struct {
	IntentID    string
	Requester   string
	TokenAmount int64
	BurnedTotal int64
	Timestamp   int64
}

func (RedemptionCompleted) EventType() string { return TypeRedemptionCompleted }

func (e RedemptionCompleted) Attributes() map[string]string {
	return map[string]string{
		"intentId":    strings.TrimSpace(e.IntentID),
		"requester":   strings.TrimSpace(e.Requester),
		"tokenAmount": strconv.FormatInt(e.TokenAmount, 10),
		"burnedTotal": strconv.FormatInt(e.BurnedTotal, 10),
		"timestamp":   strconv.FormatInt(e.Timestamp, 10),
	}
}
