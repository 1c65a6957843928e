// Command glyphstudio is the main entry point for the glyphstudio server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/glyphstudio/internal/app"
	"github.com/MrWong99/glyphstudio/internal/config"
	"github.com/MrWong99/glyphstudio/internal/observe"
	"github.com/MrWong99/glyphstudio/pkg/audio/miniaudio"
	"github.com/MrWong99/glyphstudio/pkg/audio/speaker"
	providerlive "github.com/MrWong99/glyphstudio/pkg/provider/live"
	geminilive "github.com/MrWong99/glyphstudio/pkg/provider/live/gemini"
	"github.com/MrWong99/glyphstudio/pkg/provider/studio"
	geministudio "github.com/MrWong99/glyphstudio/pkg/provider/studio/gemini"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "glyphstudio: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "glyphstudio: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("glyphstudio starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "glyphstudio"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg, cfg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	code := 0
	if runErr != nil {
		slog.Error("run error", "err", runErr)
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry, cfg *config.Config) {
	reg.RegisterLive("gemini", func(entry config.ProviderEntry) (providerlive.Provider, error) {
		var opts []geminilive.Option
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "keepalive"); d > 0 {
			opts = append(opts, geminilive.WithKeepalive(d))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterStudio("gemini", func(entry config.ProviderEntry) (studio.Provider, error) {
		sc := cfg.Studio
		opts := []geministudio.Option{
			geministudio.WithTextModels(sc.FlashModel, sc.FlashLiteModel, sc.ProModel),
			geministudio.WithImageModel(sc.ImageModel),
			geministudio.WithVideoModel(sc.VideoModel),
			geministudio.WithTTS(sc.TTSModel, sc.TTSVoice),
			geministudio.WithProThinkingBudget(sc.ProThinkingBudget),
			geministudio.WithVideoPollInterval(sc.VideoPollInterval),
		}
		if sc.MapsLatitude != 0 || sc.MapsLongitude != 0 {
			opts = append(opts, geministudio.WithMapsLocation(sc.MapsLatitude, sc.MapsLongitude))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geministudio.WithBaseURL(entry.BaseURL))
		}
		return geministudio.New(ctx, entry.APIKey, opts...)
	})

	slog.Debug("registered provider", "kind", "live", "name", "gemini")
	slog.Debug("registered provider", "kind", "studio", "name", "gemini")
}

// buildProviders instantiates all providers named in cfg using the registry
// and the configured audio backends.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.Live.Name; name != "" {
		p, err := reg.CreateLive(cfg.Providers.Live)
		if err != nil {
			return nil, fmt.Errorf("create live provider %q: %w", name, err)
		}
		ps.Live = p
		slog.Info("provider created", "kind", "live", "name", name)
	}

	if name := cfg.Providers.Studio.Name; name != "" && cfg.Providers.Studio.APIKey == "" {
		slog.Warn("studio provider has no API key; studio endpoints are disabled", "name", name)
	} else if name != "" {
		p, err := reg.CreateStudio(cfg.Providers.Studio)
		if err != nil {
			return nil, fmt.Errorf("create studio provider %q: %w", name, err)
		}
		ps.Studio = p
		slog.Info("provider created", "kind", "studio", "name", name)
	}

	if cfg.Audio.Capture == config.AudioMalgo {
		ps.Microphone = miniaudio.New(miniaudio.WithBuffer(cfg.Audio.CaptureBuffer))
	}
	if cfg.Audio.Playback == config.AudioOto {
		ps.Playback = speaker.New(speakerOptions(cfg.Live, cfg.Audio)...).Opener()
	}
	slog.Info("audio backends",
		"capture", string(cfg.Audio.Capture),
		"playback", string(cfg.Audio.Playback),
	)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       glyphstudio startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Live", withModel(cfg.Providers.Live.Name, cfg.Providers.Live.Model))
	printRow("Studio", cfg.Providers.Studio.Name)
	printRow("Voice", cfg.Live.Voice)
	printRow("Capture", string(cfg.Audio.Capture))
	printRow("Playback", string(cfg.Audio.Playback))
	storage := string(cfg.Storage.Driver)
	if storage == "" {
		storage = "(disabled)"
	}
	printRow("Storage", storage)
	if len(cfg.Bus.Servers) > 0 {
		printRow("Bus", cfg.Bus.SubjectPrefix)
	} else {
		printRow("Bus", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func withModel(name, model string) string {
	if model == "" {
		return name
	}
	return name + " / " + model
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, truncate(value, 19))
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "…"
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// newLogger returns a text logger on stderr whose level can be changed at
// runtime through the returned [slog.LevelVar].
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(app.SlogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), lv
}

// speakerOptions translates the playback settings into speaker options.
func speakerOptions(live config.LiveConfig, ac config.AudioConfig) []speaker.Option {
	opts := []speaker.Option{speaker.WithSampleRate(live.OutputSampleRate)}
	if ac.PlaybackBuffer > 0 {
		opts = append(opts, speaker.WithBufferSize(ac.PlaybackBuffer))
	}
	if ac.PlaybackStereo {
		opts = append(opts, speaker.WithStereo())
	}
	return opts
}

// optDuration extracts a duration from a provider Options map. Strings are
// parsed with time.ParseDuration and integers are taken as seconds. Returns
// 0 if the key is absent or invalid.
func optDuration(opts map[string]any, key string) time.Duration {
	v, ok := opts[key]
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case string:
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0
		}
		return d
	case int:
		return time.Duration(x) * time.Second
	}
	return 0
}
