// Package gateway wraps every outbound authenticated call: credential
// injection, unauthorized-response recovery, and bounded retry.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"pulse/cmd/internal/auth/credstore"
	"pulse/cmd/internal/auth/token"
	"pulse/cmd/internal/ids"
	"pulse/cmd/internal/metrics"
)

const (
	defaultCallTimeout = 15 * time.Second
	maxBodyBytes       = 4 << 20 // 4 MiB
)

// TokenSource is the refresh authority consulted on unauthorized responses.
type TokenSource interface {
	Refresh(ctx context.Context) (credstore.Credential, error)
}

// Config holds gateway wiring.
type Config struct {
	BaseURL string

	// CallTimeout bounds each dispatch (including the retried one separately).
	// Zero falls back to a finite default; calls must never hang forever.
	CallTimeout time.Duration
}

// Gateway is the authenticated request pipeline.
//
// It reads the credential from the CredentialStore (never the token manager,
// which would trigger redundant refresh checks), attaches it as a bearer
// header, and on a 401 performs at most one refresh-and-retry cycle. The
// attempt counter is explicit and per-call; nothing is flagged on shared
// request state.
type Gateway struct {
	log     *slog.Logger
	client  *http.Client
	baseURL string
	timeout time.Duration

	creds  credstore.Store
	tokens TokenSource
	met    *metrics.Metrics

	// Session teardown must fire once per authenticated session even when many
	// concurrent calls expire simultaneously. The latch is re-armed on login.
	expiredMu sync.Mutex
	expired   bool
	onExpired func()
}

// New constructs a Gateway. client must share its cookie jar with the login
// path so the refresh credential rides along on refresh calls.
func New(log *slog.Logger, client *http.Client, cfg Config, creds credstore.Store, tokens TokenSource, met *metrics.Metrics) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Gateway{
		log:     log,
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: timeout,
		creds:   creds,
		tokens:  tokens,
		met:     metrics.OrNop(met),
	}
}

// OnSessionExpired registers the teardown hook invoked on terminal
// authorization failure. Set once during wiring, before traffic flows.
func (g *Gateway) OnSessionExpired(fn func()) {
	g.expiredMu.Lock()
	defer g.expiredMu.Unlock()
	g.onExpired = fn
}

// ResetSessionExpiry re-arms the teardown latch. Called after a successful
// login so a later expiry of the new session fires teardown again.
func (g *Gateway) ResetSessionExpiry() {
	g.expiredMu.Lock()
	defer g.expiredMu.Unlock()
	g.expired = false
}

// JSON dispatches an authenticated JSON call and decodes a 2xx response into
// out (when non-nil). Non-2xx responses other than the handled 401 surface as
// *APIError; transport failures are returned as-is (retryable by caller policy).
func (g *Gateway) JSON(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("gateway: encode body: %w", err)
		}
		payload = b
	}

	status, body, err := g.dispatch(ctx, method, path, payload, 0)
	if err != nil {
		return err
	}

	if status < 200 || status > 299 {
		return newAPIError(status, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}

// dispatch performs one attempt; attempt is the explicit per-call counter.
// Bodies are buffered bytes so the single retry replays them safely.
func (g *Gateway) dispatch(ctx context.Context, method, path string, payload []byte, attempt int) (int, []byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(callCtx, method, g.baseURL+path, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := ids.NewRequestID(time.Now().UTC()); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	if cred, ok := g.creds.Get(); ok {
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	_ = resp.Body.Close()
	if err != nil {
		return 0, nil, fmt.Errorf("gateway: %s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp.StatusCode, body, nil
	}

	if attempt >= 1 {
		// One refresh-and-retry cycle is the hard bound, no matter how many
		// unauthorized responses recur.
		g.log.Info("gateway.unauthorized.terminal", "method", method, "path", path)
		g.expireSession()
		return 0, nil, ErrSessionExpired
	}

	if _, err := g.tokens.Refresh(ctx); err != nil {
		if token.Terminal(err) {
			g.expireSession()
			return 0, nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		// Transient refresh failure: retryable by caller policy, not by us.
		return 0, nil, fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}

	g.met.RetriesTotal.Inc()
	g.log.Debug("gateway.retry", "method", method, "path", path)
	return g.dispatch(ctx, method, path, payload, attempt+1)
}

// expireSession clears credentials and fires the teardown hook exactly once
// per session, even when concurrent calls fail simultaneously.
func (g *Gateway) expireSession() {
	g.expiredMu.Lock()
	if g.expired {
		g.expiredMu.Unlock()
		return
	}
	g.expired = true
	fn := g.onExpired
	g.expiredMu.Unlock()

	g.met.SessionExpiredTotal.Inc()
	_ = g.creds.Clear()
	g.log.Info("gateway.session.expired")

	if fn != nil {
		fn()
	}
}

// IsRetryable reports whether err is a transient failure the caller may retry
// under its own policy. Session expiry and API rejections are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionExpired) {
		return false
	}
	if _, ok := AsAPIError(err); ok {
		return false
	}
	return true
}
