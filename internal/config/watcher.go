package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval used unless [WithInterval]
// overrides it.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the previous and the newly applied configuration.
type ChangeFunc func(old, new *Config)

// Watcher polls a config file by SHA-256 digest. A changed file that parses
// and validates replaces the current config and is handed to the
// [ChangeFunc]; an invalid one is logged once and ignored.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu       sync.Mutex
	current  *Config
	digest   [sha256.Size]byte
	rejected [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the file at path as the baseline. Polling starts with
// [Watcher.Run].
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.digest = sha256.Sum256(data)
	return w, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled and always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Poll(); err != nil {
				slog.Warn("config reload skipped", "path", w.path, "err", err)
			}
		}
	}
}

// Poll reads the file once. It reports whether a new config was applied. A
// file that cannot be read, or whose content was already rejected, yields
// an error only the first time.
func (w *Watcher) Poll() (bool, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	if sum == w.digest || sum == w.rejected {
		w.mu.Unlock()
		return false, nil
	}
	w.mu.Unlock()

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.mu.Lock()
		w.rejected = sum
		w.mu.Unlock()
		return false, err
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.digest = sum
	w.mu.Unlock()

	slog.Info("configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}
