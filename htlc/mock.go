package htlc

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/wire"
)

// RecordingBroadcaster is an in-memory Broadcaster used by tests and local
// tooling. It computes the real txid of each transaction and keeps the
// broadcast history.
type RecordingBroadcaster struct {
	mu   sync.Mutex
	txs  []*wire.MsgTx
	fail error
}

// NewRecordingBroadcaster constructs an empty recording broadcaster.
func NewRecordingBroadcaster() *RecordingBroadcaster {
	return &RecordingBroadcaster{}
}

// Fail makes every subsequent Broadcast return err. Pass nil to clear.
func (b *RecordingBroadcaster) Fail(err error) {
	b.mu.Lock()
	b.fail = err
	b.mu.Unlock()
}

// Broadcast records the transaction and returns its txid.
func (b *RecordingBroadcaster) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return "", b.fail
	}
	b.txs = append(b.txs, tx.Copy())
	return tx.TxHash().String(), nil
}

// Broadcasts returns the recorded transactions in broadcast order.
func (b *RecordingBroadcaster) Broadcasts() []*wire.MsgTx {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*wire.MsgTx(nil), b.txs...)
}
