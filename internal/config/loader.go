package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/glyphstudio/pkg/audio"
	providerlive "github.com/MrWong99/glyphstudio/pkg/provider/live"
)

// APIKeyEnv is consulted when a provider entry has no api_key.
const APIKeyEnv = "API_KEY"

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultProviderName  = "gemini"
	DefaultSubjectPrefix = "glyphstudio"
	DefaultSQLitePath    = "data/glyphstudio.db"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live":   {"gemini"},
	"studio": {"gemini"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document is valid.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default. API keys fall back
// to the API_KEY environment variable.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	for _, p := range []*ProviderEntry{&cfg.Providers.Live, &cfg.Providers.Studio} {
		if p.Name == "" {
			p.Name = DefaultProviderName
		}
		if p.APIKey == "" {
			p.APIKey = os.Getenv(APIKeyEnv)
		}
	}

	if cfg.Live.Voice == "" {
		cfg.Live.Voice = providerlive.DefaultVoice
	}
	if cfg.Live.Instructions == "" {
		cfg.Live.Instructions = providerlive.DefaultInstructions
	}
	if cfg.Live.InputSampleRate == 0 {
		cfg.Live.InputSampleRate = audio.InputSampleRate
	}
	if cfg.Live.OutputSampleRate == 0 {
		cfg.Live.OutputSampleRate = audio.OutputSampleRate
	}
	if cfg.Live.BlockSize == 0 {
		cfg.Live.BlockSize = audio.BlockSize
	}

	if cfg.Audio.Capture == "" {
		cfg.Audio.Capture = AudioMalgo
	}
	if cfg.Audio.Playback == "" {
		cfg.Audio.Playback = AudioOto
	}

	if cfg.Storage.Driver == StorageSQLite && cfg.Storage.DSN == "" {
		cfg.Storage.DSN = DefaultSQLitePath
	}
	if len(cfg.Bus.Servers) > 0 && cfg.Bus.SubjectPrefix == "" {
		cfg.Bus.SubjectPrefix = DefaultSubjectPrefix
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("live", cfg.Providers.Live.Name)
	validateProviderName("studio", cfg.Providers.Studio.Name)
	if cfg.Providers.Live.APIKey == "" || cfg.Providers.Studio.APIKey == "" {
		slog.Warn("no API key configured; set providers.*.api_key or the API_KEY environment variable")
	}

	if cfg.Live.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("live.input_sample_rate %d must be positive", cfg.Live.InputSampleRate))
	}
	if cfg.Live.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("live.output_sample_rate %d must be positive", cfg.Live.OutputSampleRate))
	}
	if cfg.Live.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("live.block_size %d must be positive", cfg.Live.BlockSize))
	}

	if c := cfg.Audio.Capture; c != "" && c != AudioMalgo && c != AudioNone {
		errs = append(errs, fmt.Errorf("audio.capture %q is invalid; valid values: malgo, none", c))
	}
	if p := cfg.Audio.Playback; p != "" && p != AudioOto && p != AudioNone {
		errs = append(errs, fmt.Errorf("audio.playback %q is invalid; valid values: oto, none", p))
	}
	if cfg.Audio.CaptureBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_buffer %d must not be negative", cfg.Audio.CaptureBuffer))
	}
	if cfg.Audio.PlaybackBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_buffer %s must not be negative", cfg.Audio.PlaybackBuffer))
	}

	if !cfg.Storage.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: postgres, sqlite, or empty", cfg.Storage.Driver))
	}
	if cfg.Storage.Driver == StoragePostgres && cfg.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required when driver is postgres"))
	}
	if cfg.Storage.Driver == StorageNone {
		slog.Debug("storage.driver is empty; completed turns will not be persisted")
	}

	if cfg.Bus.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("bus.connect_timeout %s must not be negative", cfg.Bus.ConnectTimeout))
	}

	if cfg.Studio.ProThinkingBudget < 0 {
		errs = append(errs, fmt.Errorf("studio.pro_thinking_budget %d must not be negative", cfg.Studio.ProThinkingBudget))
	}
	if cfg.Studio.VideoPollInterval < 0 {
		errs = append(errs, fmt.Errorf("studio.video_poll_interval %s must not be negative", cfg.Studio.VideoPollInterval))
	}
	if lat := cfg.Studio.MapsLatitude; lat < -90 || lat > 90 {
		errs = append(errs, fmt.Errorf("studio.maps_latitude %.5f is out of range [-90, 90]", lat))
	}
	if lng := cfg.Studio.MapsLongitude; lng < -180 || lng > 180 {
		errs = append(errs, fmt.Errorf("studio.maps_longitude %.5f is out of range [-180, 180]", lng))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
