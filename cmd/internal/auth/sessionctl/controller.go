// Package sessionctl is the user-facing login/register/logout state machine.
//
// It composes the token manager and the auth gateway and exposes the
// authenticated-user identity as a read-only projection. States:
// anonymous -> authenticating -> authenticated -> anonymous, with an error
// sub-state reachable from authenticating.
package sessionctl

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
	"pulse/cmd/internal/auth/gateway"
	"pulse/cmd/internal/auth/token"
)

// State is the session lifecycle state.
type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateError          State = "error"
)

const (
	defaultAuthTimeout = 10 * time.Second
	maxAuthBodyBytes   = 256 << 10 // 256 KiB
)

var (
	// ErrInvalidCredentials is returned when the backend rejects a login.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrNotAuthenticated is returned by operations requiring a session.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// TokenInvalidator is the slice of the token manager the controller needs.
type TokenInvalidator interface {
	Invalidate()
}

// Controller drives the session state machine.
type Controller struct {
	log     *slog.Logger
	client  *http.Client
	baseURL string
	timeout time.Duration

	gw     *gateway.Gateway
	tokens TokenInvalidator
	creds  credstore.Store

	mu    sync.Mutex
	state State
	user  *User

	// onTeardown fires on every transition to anonymous (logout or expiry),
	// so owners can close the realtime channel alongside the session.
	onTeardown func()
}

// New constructs a Controller and registers it as the gateway's
// session-expired handler. client must carry the cookie jar shared with the
// refresh path; login responses set the HttpOnly refresh cookie on it.
func New(log *slog.Logger, client *http.Client, baseURL string, gw *gateway.Gateway, tokens TokenInvalidator, creds credstore.Store) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	c := &Controller{
		log:     log,
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: defaultAuthTimeout,
		gw:      gw,
		tokens:  tokens,
		creds:   creds,
		state:   StateAnonymous,
	}
	if gw != nil {
		gw.OnSessionExpired(c.handleSessionExpired)
	}
	return c
}

// OnTeardown registers a hook fired on every transition to anonymous.
// Set once during wiring.
func (c *Controller) OnTeardown(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTeardown = fn
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsAuthenticated is the derived projection the UI binds to.
func (c *Controller) IsAuthenticated() bool {
	return c.State() == StateAuthenticated
}

// CurrentUser returns the authenticated identity, if any. Read-only: callers
// get a copy and cannot mutate session state through it.
func (c *Controller) CurrentUser() (User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return User{}, false
	}
	return *c.user, true
}

// Login authenticates against the backend. The login call carries no prior
// credential, so it bypasses the gateway entirely.
func (c *Controller) Login(ctx context.Context, email, password string) (User, error) {
	c.setState(StateAuthenticating)

	var out loginResponse
	status, err := c.postJSON(ctx, "/auth/login", loginRequest{Email: email, Password: password}, &out)
	if err != nil {
		c.setState(StateError)
		return User{}, err
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusBadRequest:
		c.setState(StateError)
		return User{}, ErrInvalidCredentials
	case status < 200 || status > 299:
		c.setState(StateError)
		return User{}, fmt.Errorf("login: unexpected status %d", status)
	}

	cred := credstore.Credential{
		AccessToken: out.AccessToken,
		UserID:      out.User.ID,
		ExpiresAt:   token.EstimateExpiry(out.AccessToken),
	}
	if err := c.creds.Set(cred); err != nil {
		c.log.Warn("session.credential.persist.fail", "err", err)
	}
	if c.gw != nil {
		c.gw.ResetSessionExpiry()
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	u := out.User
	c.user = &u
	c.mu.Unlock()

	c.log.Info("session.login.ok", "user_id", out.User.ID)
	return out.User, nil
}

// Register creates an account. Mirrors the backend contract: it returns a
// plain user and does not authenticate.
func (c *Controller) Register(ctx context.Context, in RegisterInput) (User, error) {
	var out User
	status, err := c.postJSON(ctx, "/auth/register", in, &out)
	if err != nil {
		return User{}, err
	}
	if status < 200 || status > 299 {
		return User{}, fmt.Errorf("register: unexpected status %d", status)
	}
	c.log.Info("session.register.ok", "user_id", out.ID)
	return out, nil
}

// Logout ends the session. The backend call is best-effort: a network failure
// must not block local teardown, which runs unconditionally.
func (c *Controller) Logout(ctx context.Context) {
	if c.gw != nil {
		if err := c.gw.JSON(ctx, http.MethodPost, "/auth/logout", nil, nil); err != nil {
			c.log.Info("session.logout.remote.fail", "err", err)
		}
	}

	c.teardown("logout")
}

// Resume restores a session from a stored credential at startup. The absence
// of a stored credential is the normal anonymous condition, not an error.
func (c *Controller) Resume(ctx context.Context) error {
	if _, ok := c.creds.Get(); !ok {
		return ErrNotAuthenticated
	}
	if c.gw == nil {
		// No pipeline to verify the stored credential against.
		return ErrNotAuthenticated
	}

	var u User
	if err := c.gw.JSON(ctx, http.MethodGet, "/auth/profile", nil, &u); err != nil {
		// A terminal failure already tore the session down via the gateway.
		return err
	}

	c.gw.ResetSessionExpiry()

	c.mu.Lock()
	c.state = StateAuthenticated
	c.user = &u
	c.mu.Unlock()

	c.log.Info("session.resume.ok", "user_id", u.ID)
	return nil
}

// handleSessionExpired is invoked by the gateway on terminal authorization
// failure. The gateway has already cleared credentials; teardown here is
// idempotent with it.
func (c *Controller) handleSessionExpired() {
	c.teardown("expired")
}

func (c *Controller) teardown(reason string) {
	c.tokens.Invalidate()
	_ = c.creds.Clear()

	c.mu.Lock()
	c.state = StateAnonymous
	c.user = nil
	fn := c.onTeardown
	c.mu.Unlock()

	c.log.Info("session.teardown", "reason", reason)
	if fn != nil {
		fn()
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// postJSON performs an unauthenticated auth-endpoint call. Auth error statuses
// are returned to the caller for classification; transport failures error.
func (c *Controller) postJSON(ctx context.Context, path string, in, out any) (int, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("auth: encode body: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("auth: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("auth: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAuthBodyBytes))
	if err != nil {
		return 0, fmt.Errorf("auth: %s: read body: %w", path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 && out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return 0, fmt.Errorf("auth: %s: decode response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
