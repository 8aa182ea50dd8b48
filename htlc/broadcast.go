package htlc

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/btcsuite/btcd/wire"
)

// HTTPBroadcaster submits raw transactions to an esplora-compatible `POST
// /tx` endpoint. The response body carries the txid on success.
type HTTPBroadcaster struct {
	endpoint string
	client   *http.Client
}

// NewHTTPBroadcaster constructs a broadcaster for the supplied endpoint,
// e.g. https://blockstream.info/testnet/api/tx.
func NewHTTPBroadcaster(endpoint string) *HTTPBroadcaster {
	return &HTTPBroadcaster{
		endpoint: strings.TrimSpace(endpoint),
		client:   &http.Client{},
	}
}

// Broadcast serialises and submits the transaction, returning the txid
// reported by the endpoint.
func (b *HTTPBroadcaster) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	if b == nil || b.endpoint == "" {
		return "", fmt.Errorf("htlc: broadcast endpoint not configured")
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("htlc: serialise transaction: %w", err)
	}
	payload := hex.EncodeToString(buf.Bytes())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, strings.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("htlc: broadcast rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	txid := strings.TrimSpace(string(body))
	if txid == "" {
		txid = tx.TxHash().String()
	}
	return txid, nil
}
