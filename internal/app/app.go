// Package app wires all Parlance subsystems into a running service.
//
// The App struct owns the full lifecycle: New assembles the console server,
// clip store, health checks, and HTTP surface from a loaded config, Run serves
// until the context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithClipStore,
// WithMetrics, …). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/parlancehq/parlance/internal/config"
	"github.com/parlancehq/parlance/internal/health"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/pipeline"
	"github.com/parlancehq/parlance/internal/server"
	"github.com/parlancehq/parlance/pkg/avatar"
	"github.com/parlancehq/parlance/pkg/realtime"
)

// shutdownGrace is how long Run gives the HTTP server to finish in-flight
// requests after its context is cancelled.
const shutdownGrace = 10 * time.Second

// Providers holds the two dependencies built from the config registry in
// main: the realtime client shared by every console, and the avatar peer
// factory invoked once per accepted console.
type Providers struct {
	// Realtime connects model sessions. Required.
	Realtime realtime.Client

	// AvatarPeer produces one avatar peer per console connection. Required.
	// An error is surfaced to the affected console, not the whole server.
	AvatarPeer func() (avatar.Peer, error)
}

// App owns all subsystem lifetimes of the Parlance gateway.
type App struct {
	cfg      *config.Config
	consoles *server.Server
	clips    *server.ClipStore
	handler  http.Handler
	httpSrv  *http.Server
	level    *slog.LevelVar
	watcher  *config.Watcher
	metrics  *observe.Metrics

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithClipStore injects a clip store instead of creating one from config.
func WithClipStore(s *server.ClipStore) Option {
	return func(a *App) { a.clips = s }
}

// WithMetrics injects a metrics instance instead of using the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevelVar hands the app the level var backing the process logger so
// config hot-reloads can adjust verbosity without a restart.
func WithLogLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Realtime == nil {
		return nil, errors.New("app: realtime client is required")
	}
	if providers.AvatarPeer == nil {
		return nil, errors.New("app: avatar peer factory is required")
	}

	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Clip store ────────────────────────────────────────────────────
	if a.clips == nil {
		a.clips = server.NewClipStore(cfg.Clips.MaxClips, slog.Default())
	}

	// ── 2. Console server ────────────────────────────────────────────────
	maxFrames := cfg.Pipeline.MaxFrames
	if maxFrames == 0 {
		maxFrames = pipeline.DefaultMaxFrames
	}
	maxAge := cfg.Pipeline.MaxAgeDuration(pipeline.DefaultMaxAge)

	consoles, err := server.New(server.Config{
		Realtime:         providers.Realtime,
		Session:          cfg.Realtime.SessionConfig(),
		Peer:             peerOrFailed(providers.AvatarPeer),
		AvatarSampleRate: cfg.Avatar.SampleRate,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		FeedOptions: []pipeline.FeedOption{
			pipeline.WithBufferLimits(maxFrames, maxAge),
		},
		Clips:   a.clips,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init console server: %w", err)
	}
	a.consoles = consoles
	a.closers = append(a.closers, consoles.Close)

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	mux := http.NewServeMux()
	consoles.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Checker{Name: "consoles", Check: func(context.Context) error {
			// The console server is in-process; reachable means serving.
			slog.Debug("readiness probe", "sessions", consoles.SessionCount())
			return nil
		}},
	).Register(mux)

	a.handler = observe.Middleware(a.metrics)(mux)
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Handler returns the app's full HTTP handler, for tests that serve it from
// an httptest server instead of calling Run.
func (a *App) Handler() http.Handler { return a.handler }

// Consoles returns the console server.
func (a *App) Consoles() *server.Server { return a.consoles }

// Clips returns the clip store.
func (a *App) Clips() *server.ClipStore { return a.clips }

// WatchConfig starts hot-reloading the config file at path: log-level changes
// apply immediately, anything else logs a restart-required notice. Call it
// before Run; the watcher stops during Shutdown.
func (a *App) WatchConfig(path string, opts ...config.WatcherOption) error {
	w, err := config.NewWatcher(path, a.applyConfigChange, opts...)
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// applyConfigChange reacts to a reloaded config file.
func (a *App) applyConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Any() {
		return
	}
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Level())
			slog.Info("log level changed", "level", d.NewLogLevel)
		} else {
			slog.Warn("log level changed in config but no level var is wired", "level", d.NewLogLevel)
		}
	}
	if d.SessionChanged {
		slog.Warn("realtime session defaults changed; existing consoles keep their session, new consoles pick up the change after restart")
	}
	if d.PipelineChanged || d.ClipsChanged {
		slog.Warn("pipeline or clip bounds changed; restart required to apply")
	}
}

// Run serves HTTP until ctx is cancelled, then shuts the listener down
// gracefully. It returns nil on a clean, signal-driven exit.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		return nil
	})

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr)
	return g.Wait()
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// peerOrFailed adapts the error-returning peer factory to the console
// server's infallible one: a factory error becomes a peer whose Connect
// fails, so the affected console is refused with "avatar unavailable" while
// the server keeps accepting.
func peerOrFailed(factory func() (avatar.Peer, error)) func() avatar.Peer {
	return func() avatar.Peer {
		p, err := factory()
		if err != nil {
			return failedPeer{err: err}
		}
		return p
	}
}

type failedPeer struct{ err error }

func (p failedPeer) Connect(context.Context) (avatar.PeerConnection, avatar.DataChannel, error) {
	return nil, nil, p.err
}

func (failedPeer) Close() error { return nil }
