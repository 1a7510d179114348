// Package token owns the Pulse access-credential lifecycle.
//
// The Manager is the sole authority for refreshing the access credential.
// Refreshes are single-flight: concurrent callers share one backend call,
// because duplicate calls against a rotating refresh token invalidate each
// other and cause spurious logouts.
package token

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"pulse/cmd/internal/auth/credstore"
	"pulse/cmd/internal/metrics"
)

const defaultRefreshTimeout = 10 * time.Second

// Refresher performs one refresh call against the backend.
//
// Implementations must return ErrRefreshRejected (possibly wrapped) when the
// refresh credential itself is rejected, and wrap transient transport failures
// in ErrRefreshUnavailable.
type Refresher interface {
	Refresh(ctx context.Context) (credstore.Credential, error)
}

// Manager orchestrates single-flight refresh and credential rotation.
type Manager struct {
	log       *slog.Logger
	store     credstore.Store
	refresher Refresher
	timeout   time.Duration
	met       *metrics.Metrics

	sf singleflight.Group

	// epoch is bumped by Invalidate. A refresh that completes against an older
	// epoch discards its result instead of resurrecting a logged-out session.
	epoch atomic.Uint64
}

// NewManager constructs a Manager. A zero timeout falls back to a finite
// default; a refresh must never hang forever.
func NewManager(log *slog.Logger, store credstore.Store, refresher Refresher, timeout time.Duration, met *metrics.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	return &Manager{
		log:       log,
		store:     store,
		refresher: refresher,
		timeout:   timeout,
		met:       metrics.OrNop(met),
	}
}

// Refresh obtains a fresh access credential.
//
// If a refresh is already in flight, the caller awaits its result instead of
// issuing a duplicate call. The underlying call runs on a detached context so
// one caller's cancellation cannot fail the waiters sharing the flight; the
// provided ctx only bounds this caller's wait.
func (m *Manager) Refresh(ctx context.Context) (credstore.Credential, error) {
	ch := m.sf.DoChan("refresh", func() (any, error) {
		return m.doRefresh()
	})

	select {
	case <-ctx.Done():
		return credstore.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return credstore.Credential{}, res.Err
		}
		return res.Val.(credstore.Credential), nil
	}
}

func (m *Manager) doRefresh() (credstore.Credential, error) {
	started := m.epoch.Load()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.met.RefreshTotal.Inc()

	cred, err := m.refresher.Refresh(ctx)
	if err != nil {
		m.met.RefreshFailures.Inc()

		if errors.Is(err, ErrRefreshRejected) {
			// Terminal: the session is gone on the server side too.
			_ = m.store.Clear()
			m.log.Info("token.refresh.rejected")
			return credstore.Credential{}, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			// A timed-out refresh is a refresh failure, never success-pending.
			err = errors.Join(ErrRefreshUnavailable, err)
		}
		m.log.Info("token.refresh.unavailable", "err", err)
		return credstore.Credential{}, err
	}

	if m.epoch.Load() != started {
		m.log.Info("token.refresh.discarded", "reason", "invalidated")
		return credstore.Credential{}, ErrInvalidated
	}

	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = EstimateExpiry(cred.AccessToken)
	}

	if err := m.store.Set(cred); err != nil {
		// The in-memory result is still valid for the waiters.
		m.log.Warn("token.store.set.fail", "err", err)
	}

	// Invalidate may have landed while Set was writing (an encrypted file
	// store spends real time in key derivation and disk IO). Re-check after
	// the write and undo it, or the logout would leave a live credential.
	if m.epoch.Load() != started {
		_ = m.store.Clear()
		m.log.Info("token.refresh.discarded", "reason", "invalidated")
		return credstore.Credential{}, ErrInvalidated
	}

	m.log.Debug("token.refresh.ok", "user_id", cred.UserID, "expires_at", cred.ExpiresAt)
	return cred, nil
}

// Invalidate is called on logout. It clears the stored credential immediately
// and marks any in-flight refresh stale so a racing completion is discarded.
func (m *Manager) Invalidate() {
	m.epoch.Add(1)
	_ = m.store.Clear()
	m.log.Debug("token.invalidated")
}
