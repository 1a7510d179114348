// Package realtime subscribes to the server-pushed task mutation stream and
// applies remote changes to the local cache.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"pulse/cmd/internal/auth/credstore"
	"pulse/cmd/internal/metrics"
	"pulse/cmd/internal/tasks"
	v1 "pulse/shared/contracts/sync/v1"
)

const (
	subprotocolV1 = "pulse.sync.v1"

	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 256 << 10 // 256 KiB

	defaultDialTimeout = 10 * time.Second

	// Read idle bound; the server pings well inside this window, so a quiet
	// connection past it is dead, not idle.
	defaultReadIdle = 2 * time.Minute

	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

// Config holds channel wiring.
type Config struct {
	// URL is the ws:// or wss:// endpoint of the task event stream.
	URL string

	DialTimeout     time.Duration
	ReadIdleTimeout time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// Channel is the realtime sync subscription.
//
// Connection state machine: disconnected -> connecting -> connected ->
// disconnected, reconnecting with backoff on abnormal disconnect. After an
// explicit Close (e.g. logout) it never reconnects.
//
// Event ordering: the stream does not guarantee in-order delivery; the cache's
// version gate restores effective ordering by discarding regressions.
type Channel struct {
	log *slog.Logger
	cfg Config

	httpClient *http.Client
	creds      credstore.Store
	cache      *tasks.Cache
	met        *metrics.Metrics

	// filter is the local view's criteria; events for unknown tasks that the
	// filter would include prompt an invalidation instead of being applied.
	filter func() tasks.Filter

	// onInvalidate requests a re-fetch for a task the cache cannot update
	// from the event alone.
	onInvalidate func(taskID string)

	state stateVar

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Channel. filter and onInvalidate may be nil: a nil filter
// includes nothing, a nil onInvalidate drops invalidation requests.
func New(
	log *slog.Logger,
	cfg Config,
	httpClient *http.Client,
	creds credstore.Store,
	cache *tasks.Cache,
	filter func() tasks.Filter,
	onInvalidate func(taskID string),
	met *metrics.Metrics,
) *Channel {
	if log == nil {
		log = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Channel{
		log:          log,
		cfg:          cfg.withDefaults(),
		httpClient:   httpClient,
		creds:        creds,
		cache:        cache,
		met:          metrics.OrNop(met),
		filter:       filter,
		onInvalidate: onInvalidate,
		closed:       make(chan struct{}),
	}
}

// State returns the current connection state.
func (ch *Channel) State() State { return ch.state.get() }

// Close is the client-initiated disconnect (logout). Idempotent; the run loop
// exits without reconnecting.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		close(ch.closed)
	})
}

func (ch *Channel) isClosed() bool {
	select {
	case <-ch.closed:
		return true
	default:
		return false
	}
}

// Run drives the connection loop until ctx is done or Close is called.
func (ch *Channel) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = ch.cfg.InitialBackoff
	bo.MaxInterval = ch.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // reconnect indefinitely until told to stop

	for {
		if err := ch.checkDone(ctx); err != nil || ch.isClosed() {
			ch.state.set(StateDisconnected)
			return err
		}

		ch.state.set(StateConnecting)
		conn, err := ch.dial(ctx)
		if err != nil {
			ch.state.set(StateDisconnected)
			ch.met.ReconnectsTotal.Inc()
			wait := bo.NextBackOff()
			ch.log.Info("sync.dial.fail", "err", err, "retry_in", wait)
			if stop := ch.sleep(ctx, wait); stop {
				return ctx.Err()
			}
			continue
		}

		bo.Reset()
		ch.state.set(StateConnected)
		ch.met.ConnState.Set(1)
		ch.log.Info("sync.connected", "url", ch.cfg.URL)

		// Close must interrupt a blocked read, not wait out the idle timeout.
		connCtx, cancelConn := context.WithCancel(ctx)
		go func() {
			select {
			case <-ch.closed:
				cancelConn()
			case <-connCtx.Done():
			}
		}()

		loopErr := ch.readLoop(connCtx, conn)
		cancelConn()

		ch.met.ConnState.Set(0)
		ch.state.set(StateDisconnected)

		if ch.isClosed() {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			ch.log.Info("sync.closed", "reason", "client")
			return nil
		}
		if ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return ctx.Err()
		}

		// The peer is gone or the read failed; there is no handshake left to
		// complete, so drop the connection without one.
		_ = conn.CloseNow()
		ch.met.ReconnectsTotal.Inc()
		wait := bo.NextBackOff()
		ch.log.Info("sync.disconnected", "err", loopErr, "retry_in", wait)
		if stop := ch.sleep(ctx, wait); stop {
			return ctx.Err()
		}
	}
}

func (ch *Channel) checkDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// sleep waits for d, Close, or ctx; reports whether the run loop must stop
// because of ctx.
func (ch *Channel) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-ch.closed:
		return false
	case <-t.C:
		return false
	}
}

func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, ch.cfg.DialTimeout)
	defer cancel()

	h := http.Header{}
	if cred, ok := ch.creds.Get(); ok {
		h.Set("Authorization", "Bearer "+cred.AccessToken)
	}

	conn, resp, err := websocket.Dial(dialCtx, ch.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{subprotocolV1},
		HTTPHeader:   h,
		HTTPClient:   ch.httpClient,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	if sp := conn.Subprotocol(); sp != subprotocolV1 {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("unexpected subprotocol: %q", sp)
	}

	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, ch.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		cancel()

		if err != nil {
			if ch.isClosed() || ctx.Err() != nil {
				return nil
			}
			switch classifyReadErr(err) {
			case readErrBadJSON:
				ch.log.Info("sync.event.bad_json", "err", err)
				continue
			default:
				return err
			}
		}

		if err := env.Validate(); err != nil {
			ch.log.Info("sync.event.invalid", "err", err)
			continue
		}

		ch.handleEnvelope(env)
	}
}

func (ch *Channel) handleEnvelope(env v1.Envelope) {
	switch {
	case env.Type == v1.TypePing:
		return
	case env.Type == v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		ch.log.Info("sync.server.error", "code", p.Code, "message", p.Message)
		return
	case env.IsTaskEvent():
		ch.handleTaskEvent(env)
	}
}

// handleTaskEvent reconciles one remote mutation against the local cache.
//
// Racing local mutations are not resolved here: the mutation response is
// authoritative once it returns, and the version gate lets a still-higher
// remote version through afterwards.
func (ch *Channel) handleTaskEvent(env v1.Envelope) {
	var p v1.TaskEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ch.log.Info("sync.event.bad_payload", "type", env.Type, "err", err)
		return
	}
	if err := p.Validate(); err != nil {
		ch.log.Info("sync.event.invalid", "type", env.Type, "err", err)
		return
	}

	if env.Type == v1.TypeTaskDeleted {
		if ch.cache.Remove(p.TaskID, p.Version) {
			ch.met.EventsApplied.Inc()
			ch.log.Debug("sync.event.deleted", "task_id", p.TaskID, "version", p.Version)
		} else {
			ch.met.EventsStale.Inc()
		}
		return
	}

	if cur, ok := ch.cache.Get(p.TaskID); ok {
		if p.Version <= cur.Version {
			// Stale or already applied; out-of-order delivery guard.
			ch.met.EventsStale.Inc()
			ch.log.Debug("sync.event.stale",
				"task_id", p.TaskID, "event_version", p.Version, "cached_version", cur.Version)
			return
		}
		if p.Task != nil {
			if ch.cache.Apply(tasks.FromSnapshot(*p.Task)) {
				ch.met.EventsApplied.Inc()
				ch.log.Debug("sync.event.applied", "task_id", p.TaskID, "version", p.Version)
			} else {
				ch.met.EventsStale.Inc()
			}
			return
		}
		// Newer version with no record attached: re-fetch instead of guessing.
		ch.invalidate(p.TaskID)
		return
	}

	// Task unknown locally. Never fabricate a record from an event: when the
	// local view would include it, prompt a re-fetch; otherwise ignore.
	if p.Task != nil && ch.filter != nil {
		if ch.filter().Includes(tasks.FromSnapshot(*p.Task)) {
			ch.invalidate(p.TaskID)
		}
		return
	}
	if p.Task == nil {
		// No record to test the filter against: invalidate conservatively.
		ch.invalidate(p.TaskID)
	}
}

func (ch *Channel) invalidate(taskID string) {
	if ch.onInvalidate == nil {
		return
	}
	ch.log.Debug("sync.invalidate", "task_id", taskID)
	ch.onInvalidate(taskID)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrFatal readErrKind = iota
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrFatal
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrFatal
	}
	return readErrFatal
}
