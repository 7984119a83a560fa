// Package app wires the voice coaching subsystems into a running application.
//
// New connects the store and builds the [SessionManager]; Run serves the
// admin HTTP surface until the context is cancelled; Shutdown ends any
// running session and closes everything in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithDevices, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/salesarchitect/voicecoach/internal/analysis"
	"github.com/salesarchitect/voicecoach/internal/coach"
	"github.com/salesarchitect/voicecoach/internal/config"
	"github.com/salesarchitect/voicecoach/internal/health"
	"github.com/salesarchitect/voicecoach/internal/observe"
	"github.com/salesarchitect/voicecoach/pkg/memory"
	"github.com/salesarchitect/voicecoach/pkg/memory/postgres"
	"github.com/salesarchitect/voicecoach/pkg/provider/s2s"
)

const (
	readHeaderTimeout = 5 * time.Second
	endTimeout        = 90 * time.Second
)

// Providers holds the remote collaborators. Both are required.
type Providers struct {
	S2S    s2s.Provider
	Scorer analysis.Scorer
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store    memory.Store
	devices  DeviceOpener
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	level    *slog.LevelVar
	sessOpts []coach.Option

	sessions *SessionManager
	handler  http.Handler
	listener net.Listener

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithStore injects a store instead of connecting to memory.postgres_dsn.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDevices sets how audio devices are opened for each session.
func WithDevices(d DeviceOpener) Option {
	return func(a *App) { a.devices = d }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the registry served on /metrics. Default
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLogLevel lets config reloads change the log level at runtime.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithSessionOptions passes extra options to every session.
func WithSessionOptions(opts ...coach.Option) Option {
	return func(a *App) { a.sessOpts = append(a.sessOpts, opts...) }
}

// WithListener serves the admin API on l instead of server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App. Providers come from main via the config registry.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	var errs []error
	if providers == nil || providers.S2S == nil {
		errs = append(errs, errors.New("app: s2s provider is required"))
	}
	if providers == nil || providers.Scorer == nil {
		errs = append(errs, errors.New("app: scorer is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:         cfg,
		Providers:      providers,
		Devices:        a.devices,
		Store:          a.store,
		Metrics:        a.metrics,
		SessionOptions: a.sessOpts,
	})
	a.handler = a.routes()
	return a, nil
}

// initMemory connects to PostgreSQL unless a store was injected. An empty
// DSN runs without persistence.
func (a *App) initMemory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		slog.Info("running without persistence")
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Store returns the configured store, or nil without persistence.
func (a *App) Store() memory.Store { return a.store }

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// ApplyConfig is the [config.Watcher] callback. Voice tuning and session
// defaults reach the next session; the log level changes immediately.
func (a *App) ApplyConfig(_, updated *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged || d.SessionChanged {
		a.sessions.ApplyConfig(updated)
		slog.Info("voice settings apply to the next session",
			"barge_in_threshold", updated.Voice.BargeInThreshold,
			"response_delay", updated.Voice.ResponseDelay,
			"min_transcript_chars", updated.Voice.MinTranscriptChars,
		)
	}
}

// SlogLevel maps a config level to slog.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (a *App) routes() http.Handler {
	var checks []health.Checker
	if p, ok := a.store.(health.Pinger); ok {
		checks = append(checks, health.Ping("store", p))
	}
	checks = append(checks, health.Configured("live_model", func() bool {
		return a.providers.S2S != nil
	}))

	mux := http.NewServeMux()
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler(a.gatherer))
	mux.HandleFunc("GET /v1/session", a.handleStatus)
	mux.HandleFunc("POST /v1/session", a.handleStart)
	mux.HandleFunc("POST /v1/session/end", a.handleEnd)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := a.sessions.Status()
	if st.Session != nil {
		observe.TagSession(r.Context(), st.Session.SessionID)
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
	}
	if req.Settings != nil && req.Settings.Mode != "" && !req.Settings.Mode.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid mode %q", req.Settings.Mode))
		return
	}

	// The session outlives the request.
	ctx := context.WithoutCancel(r.Context())
	info, err := a.sessions.Start(ctx, req)
	switch {
	case errors.Is(err, ErrSessionActive):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, coach.ErrMissingCredentials):
		writeError(w, http.StatusFailedDependency, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		observe.TagSession(r.Context(), info.SessionID)
		writeJSON(w, http.StatusCreated, info)
	}
}

func (a *App) handleEnd(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), endTimeout)
	defer cancel()

	o, err := a.sessions.End(ctx)
	switch {
	case errors.Is(err, ErrNoSession):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		observe.TagSession(r.Context(), o.SessionID)
		writeJSON(w, http.StatusOK, resultFrom(o))
	}
}

// Run serves the admin API until ctx is cancelled. Without a listen address
// it just waits.
func (a *App) Run(ctx context.Context) error {
	if a.listener == nil && a.cfg.Server.ListenAddr == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("admin listener started", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), readHeaderTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Shutdown ends any running session, then runs the closers. It respects
// the context deadline: remaining closers are skipped once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("end session: %w", err))
		}
		for i, closer := range a.closers {
			if ctx.Err() != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				return
			}
			if err := closer(); err != nil {
				errs = append(errs, err)
			}
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
