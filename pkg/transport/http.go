package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shannynalayna/splinter/pkg/types"
)

// PeerEndpoint is the path every node serves inbound peer envelopes on.
const PeerEndpoint = "/api/internal/splinter"

const (
	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
)

// HTTPTransport delivers envelopes to peers over HTTP with bounded
// retries. Peer endpoints come from the node registry.
type HTTPTransport struct {
	peersMu    sync.RWMutex
	peers      map[types.NodeID]string
	httpClient *http.Client
}

func NewHTTPTransport(peers map[types.NodeID]string) *HTTPTransport {
	if peers == nil {
		peers = make(map[types.NodeID]string)
	}
	return &HTTPTransport{
		peers: peers,
		httpClient: &http.Client{
			Timeout: transportTimeout,
		},
	}
}

func (t *HTTPTransport) AddPeer(id types.NodeID, endpoint string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[id] = endpoint
}

func (t *HTTPTransport) RemovePeer(id types.NodeID) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, id)
}

func (t *HTTPTransport) Send(ctx context.Context, to types.NodeID, env Envelope) error {
	t.peersMu.RLock()
	endpoint, ok := t.peers[to]
	t.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer node: %s", to)
	}

	url := endpoint + PeerEndpoint

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		retryable, err := t.sendHTTP(ctx, url, body)
		if err == nil {
			return nil
		}
		if !retryable {
			return fmt.Errorf("send to %s: %w", to, err)
		}
		lastErr = err
		slog.Warn("failed to send peer message, retrying",
			"attempt", attempt+1,
			"to", to,
			"kind", env.Kind,
			"error", err)
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("send to %s after %d attempts: %w", to, maxRetries, lastErr)
}

// sendHTTP reports whether a failure is worth retrying: network errors and
// 5xx are, a peer that decoded the message and rejected it is not.
func (t *HTTPTransport) sendHTTP(ctx context.Context, url string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("post: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		return false, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return true, fmt.Errorf("peer returned status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("peer rejected message with status %d", resp.StatusCode)
	}
}
