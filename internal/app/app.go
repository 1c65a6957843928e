// Package app wires all glyphstudio subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until its context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithStore,
// WithPublisher, etc.). When an option is not provided, New creates real
// implementations from the config.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/glyphstudio/internal/api"
	"github.com/MrWong99/glyphstudio/internal/bus"
	"github.com/MrWong99/glyphstudio/internal/config"
	"github.com/MrWong99/glyphstudio/internal/health"
	"github.com/MrWong99/glyphstudio/internal/live"
	"github.com/MrWong99/glyphstudio/internal/observe"
	"github.com/MrWong99/glyphstudio/internal/resilience"
	"github.com/MrWong99/glyphstudio/internal/studio"
	"github.com/MrWong99/glyphstudio/pkg/audio"
	"github.com/MrWong99/glyphstudio/pkg/audio/timeline"
	"github.com/MrWong99/glyphstudio/pkg/memory"
	"github.com/MrWong99/glyphstudio/pkg/memory/postgres"
	"github.com/MrWong99/glyphstudio/pkg/memory/sqlite"
	providerlive "github.com/MrWong99/glyphstudio/pkg/provider/live"
	provstudio "github.com/MrWong99/glyphstudio/pkg/provider/studio"
)

// ShutdownTimeout bounds the graceful HTTP shutdown in [App.Serve].
const ShutdownTimeout = 15 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Live   providerlive.Provider
	Studio provstudio.Provider

	// Microphone captures live input. Nil disables live sessions.
	Microphone audio.Microphone

	// Playback opens output devices for live audio and studio speech. Nil
	// plays nothing.
	Playback audio.OutputOpener
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar

	// Subsystems: initialised in New, torn down in Shutdown.
	store     memory.TurnStore
	publisher live.Publisher
	busClient *bus.Client
	guarded   *resilience.GuardedStudio
	studio    *studio.Service
	live      *live.Controller
	handler   http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a turn store instead of opening one from config.
func WithStore(s memory.TurnStore) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects an event publisher instead of connecting to NATS.
func WithPublisher(p live.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads adjust the level of the default logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: turn store connection and
// migration, bus connection, studio service and live controller
// construction, and HTTP route registration.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Turn store ────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Event bus ─────────────────────────────────────────────────────
	if err := a.initBus(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init bus: %w", err)
	}

	// ── 3. Studio ────────────────────────────────────────────────────────
	a.initStudio()

	// ── 4. Live controller ───────────────────────────────────────────────
	a.initLive()

	// ── 5. HTTP routes ───────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured turn store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Storage.Driver {
	case config.StoragePostgres:
		s, err := postgres.NewStore(ctx, a.cfg.Storage.DSN)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, func() error {
			s.Close()
			return nil
		})
	case config.StorageSQLite:
		s, err := sqlite.Open(ctx, a.cfg.Storage.DSN)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	default:
		return nil
	}
	slog.Info("turn store ready", "driver", string(a.cfg.Storage.Driver))
	return nil
}

// initBus connects to NATS when servers are configured and no publisher was
// injected.
func (a *App) initBus(ctx context.Context) error {
	if a.publisher != nil || len(a.cfg.Bus.Servers) == 0 {
		return nil
	}
	c, err := bus.Connect(ctx, bus.Options{
		Servers:        a.cfg.Bus.Servers,
		SubjectPrefix:  a.cfg.Bus.SubjectPrefix,
		Name:           "glyphstudio",
		Username:       a.cfg.Bus.Username,
		Password:       a.cfg.Bus.Password,
		Token:          a.cfg.Bus.Token,
		ConnectTimeout: a.cfg.Bus.ConnectTimeout,
	})
	if err != nil {
		return err
	}
	a.busClient = c
	a.publisher = c
	a.closers = append(a.closers, func() error {
		c.Close()
		return nil
	})
	return nil
}

// initStudio wraps the studio provider in circuit breakers and builds the
// service.
func (a *App) initStudio() {
	opts := []studio.Option{
		studio.WithProviderName(a.cfg.Providers.Studio.Name),
		studio.WithMetrics(a.metrics),
	}
	if a.providers.Playback != nil {
		opts = append(opts, studio.WithPlayback(a.providers.Playback))
	}

	if a.providers.Studio == nil {
		slog.Warn("no studio provider configured; chat, images, videos and speech are unavailable")
		a.studio = studio.New(nil, nil, nil, nil, opts...)
		return
	}
	a.guarded = resilience.Guard(a.providers.Studio, a.cfg.Providers.Studio.Name, resilience.FallbackConfig{
		Breaker: resilience.BreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	})
	slog.Debug("studio provider guarded", "text_chain", a.guarded.Text.Names())
	a.studio = studio.New(a.guarded, a.guarded, a.guarded, a.guarded, opts...)
	a.closers = append(a.closers, func() error {
		a.studio.Wait()
		return nil
	})
}

// initLive builds the live controller. Sessions fail to start when the
// provider or the microphone is missing.
func (a *App) initLive() {
	lc := live.Config{
		Session:         a.cfg.LiveSession(),
		InputSampleRate: a.cfg.Live.InputSampleRate,
		BlockSize:       a.cfg.Live.BlockSize,
		ClampSamples:    a.cfg.Live.ClampSamples,
	}
	opts := []live.Option{live.WithConfig(lc), live.WithMetrics(a.metrics)}
	if a.store != nil {
		opts = append(opts, live.WithStore(a.store))
	}
	if a.publisher != nil {
		opts = append(opts, live.WithPublisher(a.publisher))
	}

	prov := a.providers.Live
	if prov == nil {
		slog.Warn("no live provider configured; live sessions are unavailable")
		prov = unavailableProvider{}
	}
	mic := a.providers.Microphone
	if mic == nil {
		slog.Warn("audio capture disabled; live sessions are unavailable")
		mic = unavailableMicrophone{}
	}
	playback := a.providers.Playback
	if playback == nil {
		playback = timeline.Headless(a.cfg.Live.OutputSampleRate)
	}

	a.live = live.NewController(prov, mic, playback, opts...)
	a.closers = append([]func() error{func() error {
		a.live.Stop()
		return nil
	}}, a.closers...)
}

// initHTTP registers the API, health and metrics routes on one mux.
func (a *App) initHTTP() {
	mux := http.NewServeMux()

	var apiOpts []api.Option
	if a.store != nil {
		apiOpts = append(apiOpts, api.WithStore(a.store))
	}
	api.New(a.studio, a.live, apiOpts...).Register(mux)

	var checks []health.Check
	if a.store != nil {
		checks = append(checks, health.PingCheck("store", a.store))
	}
	if a.busClient != nil {
		checks = append(checks, health.PingCheck("bus", a.busClient))
	}
	checks = append(checks,
		health.APIKeyCheck("live_api_key", a.cfg.Providers.Live.APIKey),
		health.APIKeyCheck("studio_api_key", a.cfg.Providers.Studio.APIKey),
	)
	health.New(checks...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	a.handler = observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Live returns the live session controller.
func (a *App) Live() *live.Controller { return a.live }

// Studio returns the studio service.
func (a *App) Studio() *studio.Service { return a.studio }

// BreakerStates reports the studio circuit breakers, or nil when no studio
// provider is configured.
func (a *App) BreakerStates() map[string]resilience.State {
	if a.guarded == nil {
		return nil
	}
	return a.guarded.BreakerStates()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves the HTTP handler on ln until ctx is cancelled, then shuts the
// server down within [ShutdownTimeout]. It returns nil after a clean
// shutdown.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// ApplyConfig applies the hot-reloadable differences between old and new.
// It is the [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.LiveChanged {
		a.live.SetSessionConfig(new.LiveSession())
		slog.Info("live session config updated; applies to the next session",
			"voice_changed", d.VoiceChanged,
			"instructions_changed", d.InstructionsChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
	a.cfg = new
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the live session and tears down all subsystems. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
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

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to a slog level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
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
