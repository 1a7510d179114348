// Package app wires the Pulse client runtime: config, logging, the session
// core, the task client, and the realtime sync channel.
//
// It is intentionally small and deterministic: everything here is explicit
// construction and dependency injection, no hidden singletons, so tests can
// substitute fakes and independent sessions never share state.
package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulse/cmd/internal/auth/credstore"
	"pulse/cmd/internal/auth/gateway"
	"pulse/cmd/internal/auth/sessionctl"
	"pulse/cmd/internal/auth/token"
	"pulse/cmd/internal/metrics"
	"pulse/cmd/internal/realtime"
	"pulse/cmd/internal/tasks"
)

const refetchTimeout = 10 * time.Second

// App is the Pulse client runtime.
type App struct {
	cfg Config
	log Logger

	httpClient *http.Client

	creds   credstore.Store
	tokens  *token.Manager
	gw      *gateway.Gateway
	session *sessionctl.Controller

	cache *tasks.Cache
	tasks *tasks.Client
	sync  *realtime.Channel

	reg *prometheus.Registry
	met *metrics.Metrics

	filterMu sync.RWMutex
	filter   tasks.Filter
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	// One cookie jar for the whole client: login sets the HttpOnly refresh
	// cookie, refresh and the websocket dial ride it.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{
		Jar:       jar,
		Transport: WithTransportLogging(nil, log),
	}

	creds, err := newCredStore(cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	refresher := token.NewHTTPRefresher(httpClient, cfg.BaseURL)
	tokens := token.NewManager(log, creds, refresher, cfg.RefreshTimeout, met)

	gw := gateway.New(log, httpClient, gateway.Config{
		BaseURL:     cfg.BaseURL,
		CallTimeout: cfg.CallTimeout,
	}, creds, tokens, met)

	cache := tasks.NewCache()
	taskClient := tasks.NewClient(log, gw, cache, met)

	session := sessionctl.New(log, httpClient, cfg.BaseURL, gw, tokens, creds)

	a := &App{
		cfg:        cfg,
		log:        log,
		httpClient: httpClient,
		creds:      creds,
		tokens:     tokens,
		gw:         gw,
		session:    session,
		cache:      cache,
		tasks:      taskClient,
		reg:        reg,
		met:        met,
	}

	a.sync = realtime.New(log, realtime.Config{
		URL:             cfg.SyncURL,
		DialTimeout:     cfg.DialTimeout,
		ReadIdleTimeout: cfg.ReadIdleTimeout,
		InitialBackoff:  cfg.ReconnectMin,
		MaxBackoff:      cfg.ReconnectMax,
	}, httpClient, creds, cache, a.currentFilter, a.invalidate, met)

	// Logout or terminal session expiry closes the channel (no reconnection)
	// and drops the cache with the session.
	session.OnTeardown(func() {
		a.sync.Close()
		cache.Clear()
	})

	return a, nil
}

// Session exposes the session controller.
func (a *App) Session() *sessionctl.Controller { return a.session }

// Tasks exposes the task client.
func (a *App) Tasks() *tasks.Client { return a.tasks }

// Sync exposes the realtime channel.
func (a *App) Sync() *realtime.Channel { return a.sync }

// SetFilter replaces the local view's selection criteria.
func (a *App) SetFilter(f tasks.Filter) {
	a.filterMu.Lock()
	a.filter = f
	a.filterMu.Unlock()
}

func (a *App) currentFilter() tasks.Filter {
	a.filterMu.RLock()
	defer a.filterMu.RUnlock()
	return a.filter
}

// invalidate re-fetches a task the sync channel could not update from an
// event alone. Skipped when the session has been torn down in the meantime.
func (a *App) invalidate(taskID string) {
	go func() {
		if !a.session.IsAuthenticated() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), refetchTimeout)
		defer cancel()

		if _, err := a.tasks.Refetch(ctx, taskID); err != nil && !errors.Is(err, tasks.ErrNotFound) {
			a.log.Info("app.refetch.fail", "task_id", taskID, "err", err)
		}
	}()
}

// Run authenticates (resume first, then configured login), hydrates the task
// cache, and drives the realtime channel until ctx is done or the session
// ends.
func (a *App) Run(ctx context.Context) error {
	stopMetrics := a.serveMetrics()
	defer stopMetrics()

	if err := a.authenticate(ctx); err != nil {
		return err
	}

	if _, err := a.tasks.List(ctx, a.currentFilter()); err != nil {
		a.log.Warn("app.hydrate.fail", "err", err)
	}

	syncDone := make(chan error, 1)
	go func() {
		syncDone <- a.sync.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("app.stop", "reason", "context_done")
		a.sync.Close()
		<-syncDone
		return nil
	case err := <-syncDone:
		// Channel exit without external cancellation means the session ended.
		a.log.Info("app.stop", "reason", "session_ended")
		return err
	}
}

func (a *App) authenticate(ctx context.Context) error {
	if err := a.session.Resume(ctx); err == nil {
		return nil
	} else if !errors.Is(err, sessionctl.ErrNotAuthenticated) {
		a.log.Info("app.resume.fail", "err", err)
	}

	if a.cfg.Email == "" {
		return errors.New("no stored session and no login configured")
	}

	_, err := a.session.Login(ctx, a.cfg.Email, a.cfg.Password)
	return err
}

func newCredStore(cfg Config, log Logger) (credstore.Store, error) {
	if cfg.CredentialFile == "" {
		log.Info("credstore.memory")
		return credstore.NewMemoryStore(), nil
	}

	fs, err := credstore.NewFileStore(cfg.CredentialFile, cfg.CredentialSecret)
	if err != nil {
		return nil, err
	}
	log.Info("credstore.file", "path", cfg.CredentialFile)
	return fs, nil
}

// serveMetrics exposes the Prometheus registry when configured. Returns a
// stop function; a disabled endpoint returns a no-op.
func (a *App) serveMetrics() func() {
	if a.cfg.MetricsAddr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.log.Info("metrics.start", "addr", a.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics.fail", "err", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
