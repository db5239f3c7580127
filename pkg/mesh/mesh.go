// Package mesh is the signed node-to-node transport: pooled HTTP clients
// per origin, retries with exponential backoff, circuit-breaker gating, and
// planner health feedback.
package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sddion/chainbox/pkg/circuit"
	"github.com/sddion/chainbox/pkg/contracts"
	"github.com/sddion/chainbox/pkg/fault"
	"github.com/sddion/chainbox/pkg/planner"
	"github.com/sddion/chainbox/pkg/signer"
)

// Wire paths exposed by every mesh node.
const (
	ExecutePath      = "/execute"
	ExecuteBatchPath = "/execute/batch"
)

const backoffBase = 100 * time.Millisecond

// Options tune the transport.
type Options struct {
	// MaxRetries bounds retry attempts after the first try (default 3).
	MaxRetries int
	// Connections bounds the per-origin connection pool (default 100).
	Connections int
	// Pipelining is the per-origin idle keep-alive depth (default 10).
	Pipelining int
	// RequestsPerSecond paces outbound requests per origin; zero disables.
	RequestsPerSecond float64
}

// Transport issues signed capability calls to peer nodes.
type Transport struct {
	opts    Options
	signer  *signer.Signer
	breaker *circuit.Breaker
	planner *planner.Planner
	logger  *slog.Logger

	mu       sync.Mutex
	clients  map[string]*http.Client
	limiters map[string]*rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Transport.
func New(opts Options, sg *signer.Signer, br *circuit.Breaker, pl *planner.Planner, logger *slog.Logger) *Transport {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Connections <= 0 {
		opts.Connections = 100
	}
	if opts.Pipelining <= 0 {
		opts.Pipelining = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		opts:     opts,
		signer:   sg,
		breaker:  br,
		planner:  pl,
		logger:   logger.With("component", "mesh"),
		clients:  make(map[string]*http.Client),
		limiters: make(map[string]*rate.Limiter),
		sleep:    sleepCtx,
	}
}

// Call executes a single capability on the node at nodeURL.
func (t *Transport) Call(ctx context.Context, nodeURL string, payload *contracts.MeshPayload) (*contracts.WireResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeMeshCallFailed)
	}
	raw, err := t.roundTrip(ctx, nodeURL, ExecutePath, body)
	if err != nil {
		return nil, err
	}
	var result contracts.WireResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fault.Wrap(err, fault.CodeMeshCallFailed)
	}
	return &result, nil
}

// BatchCall executes a batch on the node at nodeURL. The batch is
// transport-atomic: one network fault fails the whole batch.
func (t *Transport) BatchCall(ctx context.Context, nodeURL string, batch *contracts.BatchPayload) (*contracts.BatchResponse, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeMeshCallFailed)
	}
	raw, err := t.roundTrip(ctx, nodeURL, ExecuteBatchPath, body)
	if err != nil {
		return nil, err
	}
	var resp contracts.BatchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.Wrap(err, fault.CodeMeshCallFailed)
	}
	return &resp, nil
}

// roundTrip performs the signed POST with breaker gating, health feedback,
// and retries.
func (t *Transport) roundTrip(ctx context.Context, nodeURL, path string, body []byte) ([]byte, error) {
	nodeID := t.planner.NodeIDForURL(nodeURL)
	if nodeID == "" {
		nodeID = nodeURL
	}

	if !t.breaker.Allow(nodeID) {
		return nil, fault.Newf(fault.CodeCircuitOpen, "circuit open for node %s", nodeID).WithMeta("nodeId", nodeID)
	}

	var lastErr error
	for attempt := 0; attempt <= t.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: base doubling per attempt.
			delay := backoffBase << (attempt - 1)
			if err := t.sleep(ctx, delay); err != nil {
				return nil, fault.Wrap(err, fault.CodeMeshCallFailed)
			}
			// The circuit may have opened mid-attempt; skip remaining
			// retries rather than hammering a tripped node.
			if !t.breaker.Allow(nodeID) {
				return nil, fault.Newf(fault.CodeCircuitOpen, "circuit open for node %s", nodeID).WithMeta("nodeId", nodeID)
			}
		}

		raw, retryable, err := t.attempt(ctx, nodeURL, nodeID, path, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fault.Wrap(lastErr, fault.CodeMeshCallFailed)
}

// attempt performs one POST. retryable reports whether the failure is worth
// another try.
func (t *Transport) attempt(ctx context.Context, nodeURL, nodeID, path string, body []byte) (raw []byte, retryable bool, err error) {
	if lim := t.limiter(nodeURL); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, false, fault.Wrap(err, fault.CodeMeshCallFailed)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(nodeURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, false, fault.Wrap(err, fault.CodeMeshCallFailed)
	}
	req.Header.Set("Content-Type", "application/json")
	if sig, ts, err := t.signer.Sign(body); err == nil && sig != "" {
		req.Header.Set(signer.SignatureHeader, sig)
		req.Header.Set(signer.TimestampHeader, ts)
	}

	resp, err := t.client(nodeURL).Do(req)
	if err != nil {
		// Connection refused, timeout, socket error: the node is suspect.
		t.recordFailure(nodeID)
		return nil, true, fault.Wrap(err, fault.CodeMeshCallFailed)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.recordFailure(nodeID)
		return nil, true, fault.Wrap(err, fault.CodeMeshCallFailed)
	}

	if resp.StatusCode >= 400 {
		t.recordFailure(nodeID)
		fe := decodeWireError(data, resp.StatusCode)
		// Remote gate rejections (FORBIDDEN, UNAUTHORIZED, ...) are
		// deterministic; retrying cannot change them.
		return nil, fault.Retryable(fe.Code), fe
	}

	t.breaker.RecordSuccess(nodeID)
	t.planner.MarkHealthy(nodeID)
	return data, false, nil
}

func (t *Transport) recordFailure(nodeID string) {
	t.breaker.RecordFailure(nodeID)
	t.planner.MarkUnhealthy(nodeID)
}

func decodeWireError(data []byte, status int) *fault.Error {
	var we contracts.WireError
	if err := json.Unmarshal(data, &we); err == nil && we.Error != "" {
		return fault.FromWire(we)
	}
	return fault.Newf(fault.CodeMeshCallFailed, "node returned HTTP %d", status)
}

// client returns the pooled client for an origin.
func (t *Transport) client(nodeURL string) *http.Client {
	origin := originOf(nodeURL)

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[origin]; ok {
		return c
	}
	c := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     t.opts.Connections,
			MaxIdleConnsPerHost: t.opts.Pipelining,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	t.clients[origin] = c
	return c
}

// limiter returns the per-origin pacer, or nil when pacing is disabled.
func (t *Transport) limiter(nodeURL string) *rate.Limiter {
	if t.opts.RequestsPerSecond <= 0 {
		return nil
	}
	origin := originOf(nodeURL)

	t.mu.Lock()
	defer t.mu.Unlock()
	if lim, ok := t.limiters[origin]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(t.opts.RequestsPerSecond), int(t.opts.RequestsPerSecond)+1)
	t.limiters[origin] = lim
	return lim
}

func originOf(nodeURL string) string {
	u, err := url.Parse(nodeURL)
	if err != nil {
		return nodeURL
	}
	return u.Scheme + "://" + u.Host
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
