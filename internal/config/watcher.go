package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives a reloaded config together with what changed.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// fingerprint identifies one version of the config file.
type fingerprint struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and calls its [ChangeFunc] when a valid edit
// changes any setting. Invalid edits are logged and the previous config is
// kept. Edits that only touch comments or formatting never reach the
// callback.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	// reload serialises polls with explicit Reload calls so the callback
	// sees changes in file order.
	reload sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    fingerprint

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. The initial load must
// succeed.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, fp

	go w.loop()
	return w, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload reads the file now, bypassing the modification-time shortcut, and
// applies it like a poll would. It returns the diff that was applied, which
// is zero when nothing relevant changed.
func (w *Watcher) Reload() (ConfigDiff, error) {
	return w.apply(true)
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			if _, err := w.apply(false); err != nil {
				slog.Warn("config watcher: reload skipped", "path", w.path, "err", err)
			}
		}
	}
}

// apply loads the file if it changed and hands a non-empty diff to the
// callback. With force set, an unchanged mtime does not short-circuit.
func (w *Watcher) apply(force bool) (ConfigDiff, error) {
	w.reload.Lock()
	defer w.reload.Unlock()

	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return ConfigDiff{}, err
		}
		if info.ModTime().Equal(seen.mtime) {
			return ConfigDiff{}, nil
		}
	}

	cfg, fp, err := w.read()
	if err != nil {
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	old := w.current
	w.seen = fp
	if fp.sum == seen.sum {
		w.mu.Unlock()
		return ConfigDiff{}, nil
	}
	w.current = cfg
	w.mu.Unlock()

	d := Diff(old, cfg)
	if d.IsZero() {
		slog.Debug("config watcher: edit has no effect", "path", w.path)
		return d, nil
	}
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"session_changed", d.SessionChanged,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config watcher: some changes need a restart", "sections", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
	return d, nil
}

// read parses and validates the file and fingerprints the bytes it parsed.
func (w *Watcher) read() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
