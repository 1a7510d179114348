package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/cmd/internal/backendtest"
	"pulse/cmd/internal/auth/credstore"
	"pulse/cmd/internal/auth/gateway"
	"pulse/cmd/internal/auth/token"
)

// pipeline wires a gateway against the fake backend with an authenticated
// session already established.
type pipeline struct {
	srv   *backendtest.Server
	gw    *gateway.Gateway
	creds *credstore.MemoryStore
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	srv := backendtest.New(t)
	srv.AddUser("dev@pulse.test", "hunter2")

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	// Establish the session directly so the jar holds the refresh cookie.
	body, err := json.Marshal(map[string]string{
		"email":    "dev@pulse.test",
		"password": "hunter2",
	})
	require.NoError(t, err)
	resp, err := client.Post(srv.URL()+"/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var login struct {
		AccessToken string `json:"access_token"`
		User        struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))

	creds := credstore.NewMemoryStore()
	require.NoError(t, creds.Set(credstore.Credential{
		AccessToken: login.AccessToken,
		UserID:      login.User.ID,
	}))

	tokens := token.NewManager(nil, creds, token.NewHTTPRefresher(client, srv.URL()), 5*time.Second, nil)
	gw := gateway.New(nil, client, gateway.Config{BaseURL: srv.URL(), CallTimeout: 5 * time.Second}, creds, tokens, nil)

	return &pipeline{srv: srv, gw: gw, creds: creds}
}

func TestJSONAuthenticatedCall(t *testing.T) {
	p := newPipeline(t)

	var profile struct {
		Email string `json:"email"`
	}
	err := p.gw.JSON(context.Background(), http.MethodGet, "/auth/profile", nil, &profile)
	require.NoError(t, err)
	assert.Equal(t, "dev@pulse.test", profile.Email)
}

func TestTransparentRefreshRetry(t *testing.T) {
	p := newPipeline(t)

	// The access token expires server-side; the caller must not notice.
	p.srv.RevokeAccessTokens()

	var profile struct {
		Email string `json:"email"`
	}
	err := p.gw.JSON(context.Background(), http.MethodGet, "/auth/profile", nil, &profile)
	require.NoError(t, err)
	assert.Equal(t, "dev@pulse.test", profile.Email)
	assert.EqualValues(t, 1, p.srv.RefreshCalls())

	// The rotated credential is stored for subsequent calls.
	cred, ok := p.creds.Get()
	require.True(t, ok)
	assert.NotEmpty(t, cred.AccessToken)
}

func TestTerminalRefreshExpiresSession(t *testing.T) {
	p := newPipeline(t)

	var hookCalls atomic.Int32
	p.gw.OnSessionExpired(func() { hookCalls.Add(1) })

	p.srv.RevokeAccessTokens()
	p.srv.RevokeRefreshTokens()

	err := p.gw.JSON(context.Background(), http.MethodGet, "/auth/profile", nil, nil)
	require.ErrorIs(t, err, gateway.ErrSessionExpired)

	_, ok := p.creds.Get()
	assert.False(t, ok, "credentials must be cleared on expiry")
	assert.EqualValues(t, 1, hookCalls.Load())
	assert.False(t, gateway.IsRetryable(err))
}

func TestRetryBoundedToOneCycle(t *testing.T) {
	p := newPipeline(t)

	var hookCalls atomic.Int32
	p.gw.OnSessionExpired(func() { hookCalls.Add(1) })

	// Refresh succeeds but the retried request is still unauthorized; a second
	// refresh cycle must not happen.
	p.srv.SetAuthFail(true)

	err := p.gw.JSON(context.Background(), http.MethodGet, "/auth/profile", nil, nil)
	require.ErrorIs(t, err, gateway.ErrSessionExpired)
	assert.EqualValues(t, 1, p.srv.RefreshCalls())
	assert.EqualValues(t, 1, hookCalls.Load())
}

func TestTransientRefreshFailureIsRetryable(t *testing.T) {
	p := newPipeline(t)

	p.srv.RevokeAccessTokens()
	p.srv.SetRefreshStatus(http.StatusServiceUnavailable)

	err := p.gw.JSON(context.Background(), http.MethodGet, "/auth/profile", nil, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, gateway.ErrSessionExpired)
	assert.True(t, gateway.IsRetryable(err))

	// The backend recovers; the same pipeline works again without re-login.
	p.srv.SetRefreshStatus(0)
	err = p.gw.JSON(context.Background(), http.MethodGet, "/auth/profile", nil, nil)
	assert.NoError(t, err)
}

func TestConcurrentUnauthorizedCallsShareRefresh(t *testing.T) {
	p := newPipeline(t)

	p.srv.RevokeAccessTokens()

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.gw.JSON(context.Background(), http.MethodGet, "/auth/profile", nil, nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	// Overlapping callers share an in-flight refresh instead of issuing one each.
	assert.Less(t, p.srv.RefreshCalls(), int64(callers))
}

func TestTeardownFiresOnceUnderConcurrency(t *testing.T) {
	p := newPipeline(t)

	var hookCalls atomic.Int32
	p.gw.OnSessionExpired(func() { hookCalls.Add(1) })

	p.srv.RevokeAccessTokens()
	p.srv.RevokeRefreshTokens()

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.gw.JSON(context.Background(), http.MethodGet, "/auth/profile", nil, nil)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, hookCalls.Load(), "teardown must fire once per session")
}

func TestSessionExpiryLatchRearms(t *testing.T) {
	p := newPipeline(t)

	var hookCalls atomic.Int32
	p.gw.OnSessionExpired(func() { hookCalls.Add(1) })

	p.srv.RevokeAccessTokens()
	p.srv.RevokeRefreshTokens()
	err := p.gw.JSON(context.Background(), http.MethodGet, "/auth/profile", nil, nil)
	require.ErrorIs(t, err, gateway.ErrSessionExpired)
	require.EqualValues(t, 1, hookCalls.Load())

	// New login, new session; a later expiry must fire teardown again.
	p.gw.ResetSessionExpiry()
	err = p.gw.JSON(context.Background(), http.MethodGet, "/auth/profile", nil, nil)
	require.ErrorIs(t, err, gateway.ErrSessionExpired)
	assert.EqualValues(t, 2, hookCalls.Load())
}

func TestAPIErrorSurface(t *testing.T) {
	p := newPipeline(t)

	err := p.gw.JSON(context.Background(), http.MethodGet, "/tasks/absent", nil, nil)
	require.Error(t, err)

	apiErr, ok := gateway.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.False(t, gateway.IsRetryable(err))
}
