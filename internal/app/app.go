// Package app wires all Jeomgeuri subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the store, builds the
// backend client, the optional Braille display and the client bridge, Run
// serves HTTP until the context ends, and Shutdown tears everything down in
// order.
//
// For testing, inject test doubles via functional options (WithStore,
// WithBackend, WithDisplay, WithListener). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeomgeuri/jeomgeuri/internal/backend"
	"github.com/jeomgeuri/jeomgeuri/internal/ble"
	"github.com/jeomgeuri/jeomgeuri/internal/bridge"
	"github.com/jeomgeuri/jeomgeuri/internal/config"
	"github.com/jeomgeuri/jeomgeuri/internal/health"
	"github.com/jeomgeuri/jeomgeuri/internal/observe"
	"github.com/jeomgeuri/jeomgeuri/internal/resilience"
	"github.com/jeomgeuri/jeomgeuri/internal/speech"
	"github.com/jeomgeuri/jeomgeuri/internal/store"
	"github.com/jeomgeuri/jeomgeuri/internal/store/postgres"
	"github.com/jeomgeuri/jeomgeuri/internal/store/sqlite"
)

const (
	readHeaderTimeout = 10 * time.Second
	stopTimeout       = 10 * time.Second

	// bridgeErrorWindow is how long a session failure keeps the bridge
	// check degraded.
	bridgeErrorWindow = time.Minute
)

// Backend is the backend API surface the application needs.
type Backend interface {
	bridge.Backend
	backend.LessonSource
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	configPath string
	level      *slog.LevelVar
	version    string

	store     store.Store
	backend   Backend
	display   bridge.Display
	bleDevice *ble.Display

	telemetry *observe.Provider
	metrics   *observe.Metrics
	bridge    *bridge.Server
	server    *http.Server
	listener  net.Listener
	watcher   *config.Watcher

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	stopServerOnce sync.Once
	stopServerErr  error
	stopOnce       sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening one from config. The App does
// not close an injected store.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithBackend injects a backend instead of creating an HTTP client.
func WithBackend(b Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithDisplay injects a Braille display instead of connecting to BlueZ.
func WithDisplay(d bridge.Display) Option {
	return func(a *App) { a.display = d }
}

// WithListener serves on l instead of listening on the configured address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithConfigPath watches path and applies live-reloadable changes.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLogLevel lets the App change the log level when the config file
// changes.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithVersion sets the version reported in telemetry.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. On error every
// subsystem created so far is closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	defer func() {
		if err != nil {
			a.runClosers(context.WithoutCancel(ctx))
		}
	}()

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	a.telemetry, err = observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: a.version})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, a.telemetry.Shutdown)
	a.metrics = observe.DefaultMetrics()

	// ── 2. Store ─────────────────────────────────────────────────────────
	if a.store == nil {
		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("app: open store: %w", err)
		}
		a.store = st
		a.closers = append(a.closers, func(context.Context) error { return st.Close() })
	}

	// ── 3. Backend ───────────────────────────────────────────────────────
	if a.backend == nil {
		c, err := backend.New(cfg.Backend.BaseURL,
			backend.WithTimeout(cfg.Backend.Timeout),
			backend.WithBreaker(resilience.CircuitBreakerConfig{
				MaxFailures:  cfg.Backend.Breaker.MaxFailures,
				ResetTimeout: cfg.Backend.Breaker.ResetTimeout,
				HalfOpenMax:  cfg.Backend.Breaker.HalfOpenMax,
			}),
			backend.WithMetrics(a.metrics),
		)
		if err != nil {
			return nil, fmt.Errorf("app: backend client: %w", err)
		}
		a.backend = c
	}

	// ── 4. Braille display ───────────────────────────────────────────────
	if a.display == nil && cfg.Display.Enabled {
		if err := a.initDisplay(); err != nil {
			return nil, fmt.Errorf("app: init display: %w", err)
		}
	}

	// ── 5. Client bridge ─────────────────────────────────────────────────
	if err := a.initBridge(); err != nil {
		return nil, fmt.Errorf("app: init bridge: %w", err)
	}

	// ── 6. HTTP server ───────────────────────────────────────────────────
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(a.routes()),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	// ── 7. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func(context.Context) error { w.Stop(); return nil })
	}

	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreSQLite:
		return sqlite.Open(ctx, cfg.Path)
	case config.StorePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// initDisplay connects to BlueZ. A host without Bluetooth runs in demo mode.
func (a *App) initDisplay() error {
	dc := a.cfg.Display
	transport, err := ble.NewBlueZ(dc.Adapter)
	if errors.Is(err, ble.ErrUnavailable) {
		slog.Warn("app: bluetooth unavailable, playback runs in demo mode", "err", err)
		return nil
	}
	if err != nil {
		return err
	}
	d, err := ble.New(transport, a.backend, ble.Config{
		ServiceUUID:        dc.ServiceUUID,
		CharacteristicUUID: dc.CharacteristicUUID,
		MTU:                dc.MTU,
	}, ble.WithMetrics(a.metrics))
	if err != nil {
		transport.Close()
		return err
	}
	a.bleDevice = d
	a.display = d
	a.closers = append(a.closers, d.Close)
	return nil
}

func (a *App) initBridge() error {
	cfg := a.cfg
	var opts []bridge.Option
	opts = append(opts, bridge.WithMetrics(a.metrics))
	if a.display != nil {
		opts = append(opts, bridge.WithDisplay(a.display))
	}
	srv, err := bridge.NewServer(a.backend, backend.NewLessonChain(a.backend, a.metrics), a.store, bridge.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PlaybackDelay:  cfg.Playback.Delay,
		WriteTimeout:   cfg.Playback.WriteTimeout,
		DisableDemo:    cfg.Playback.DisableDemo,
		Speech:         speechOptions(cfg.Speech),
		ScanFilter: ble.Filter{
			NamePrefix:  cfg.Display.NamePrefix,
			ServiceUUID: cfg.Display.ServiceUUID,
		},
		DisplayAddress: cfg.Display.Address,
	}, opts...)
	if err != nil {
		return err
	}
	a.bridge = srv
	return nil
}

func speechOptions(sc config.SpeechConfig) speech.Options {
	return speech.Options{
		Lang:      sc.Lang,
		VoiceName: sc.Voice,
		Rate:      sc.Rate,
		Pitch:     sc.Pitch,
		Volume:    sc.Volume,
	}
}

// routes builds the HTTP mux.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", a.bridge)
	mux.Handle("/metrics", a.telemetry.Handler())
	a.health().Register(mux)
	return mux
}

func (a *App) health() *health.Handler {
	checks := []health.Checker{
		{Name: "backend", Check: a.backend.Ping, Optional: true},
		{Name: "bridge", Check: checkBridge, Optional: true},
	}
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, health.Checker{Name: "store", Check: p.Ping})
	}
	if a.display != nil {
		checks = append(checks, health.Checker{
			Name:     "display",
			Optional: true,
			Check: func(context.Context) error {
				if !a.display.Status().Connected {
					return errors.New("braille display not connected")
				}
				return nil
			},
		})
	}
	return health.New(checks...)
}

// checkBridge fails while a session failure is recent.
func checkBridge(context.Context) error {
	at, err := bridge.LastError()
	if err != nil && time.Since(at) < bridgeErrorWindow {
		return fmt.Errorf("session failure %s ago: %w", time.Since(at).Round(time.Second), err)
	}
	return nil
}

// applyConfig applies a reloaded config file.
func (a *App) applyConfig(old, cfg *config.Config) {
	d := config.Diff(old, cfg)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.PlaybackChanged {
		a.bridge.SetPlaybackDelay(cfg.Playback.Delay)
		slog.Info("app: playback delay changed", "delay", cfg.Playback.Delay)
	}
	if d.SpeechChanged {
		a.bridge.SetSpeechOptions(speechOptions(cfg.Speech))
		slog.Info("app: speech options changed")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes take effect after a restart", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and drives the Braille display until ctx is cancelled or
// the server fails. A cancelled ctx is a clean stop and returns nil.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		return a.stopServer(stopCtx)
	})
	if d := a.bleDevice; d != nil {
		g.Go(func() error { return d.Run(ctx) })
		rc := ble.NewReconnector(d, ble.ReconnectorConfig{})
		g.Go(func() error { return rc.Run(ctx) })
		if addr := a.cfg.Display.Address; addr != "" {
			g.Go(func() error {
				if err := d.Connect(ctx, addr); err != nil {
					slog.Warn("app: connect configured display", "address", addr, "err", err)
				}
				return nil
			})
		}
	}

	slog.Info("app: running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil, "display", a.display != nil)
	return g.Wait()
}

// stopServer stops accepting connections and ends every bridge session.
func (a *App) stopServer(ctx context.Context) error {
	a.stopServerOnce.Do(func() {
		a.stopServerErr = errors.Join(a.server.Shutdown(ctx), a.bridge.Close(ctx))
	})
	return a.stopServerErr
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the server and tears down all subsystems in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))
		if err := a.stopServer(ctx); err != nil {
			slog.Warn("app: stop server", "err", err)
		}
		shutdownErr = a.runClosers(ctx)
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers(ctx context.Context) error {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(ctx); err != nil {
			slog.Warn("app: closer error", "index", i, "err", err)
		}
	}
	return nil
}
