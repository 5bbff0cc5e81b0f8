// Package app wires the vlink subsystems into a running process.
//
// The App owns the full lifecycle: New builds the console sinks, the session
// controller, and the HTTP control surface; Run serves until the context is
// cancelled; Shutdown stops the live session and releases every sink.
//
// For testing, inject doubles via functional options (WithPublisher,
// WithMetrics, etc.) and drive the HTTP surface through [App.Handler].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vlink/internal/capture"
	"github.com/MrWong99/vlink/internal/config"
	"github.com/MrWong99/vlink/internal/console"
	"github.com/MrWong99/vlink/internal/health"
	"github.com/MrWong99/vlink/internal/observe"
	"github.com/MrWong99/vlink/internal/playback"
	"github.com/MrWong99/vlink/internal/session"
	"github.com/MrWong99/vlink/pkg/audio"
	"github.com/MrWong99/vlink/pkg/provider/s2s"
)

// ErrReloadDisabled is returned by [App.Reload] when the App was built
// without [WithConfigPath].
var ErrReloadDisabled = errors.New("app: config reload disabled")

// shutdownTimeout bounds the HTTP server drain once Run's context ends.
const shutdownTimeout = 10 * time.Second

// Devices are the host audio endpoints used by every session.
type Devices struct {
	Microphone audio.Microphone
	Output     audio.Output
}

// App owns all subsystem lifetimes of the voice link.
type App struct {
	cfg      atomic.Pointer[config.Config]
	provider s2s.Provider
	devices  Devices

	// Injected or derived in New.
	metrics    *observe.Metrics
	level      *slog.LevelVar
	publisher  console.Publisher
	gatherer   prometheus.Gatherer
	configPath string
	watchEvery time.Duration
	autostart  bool

	// Subsystems, initialised in New and torn down in Shutdown.
	ring    *console.Ring
	logs    console.Sink
	ctrl    *session.Controller
	health  *health.Handler
	watcher *config.Watcher
	handler http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records session and HTTP instruments on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the process
// logger that reads lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithPublisher publishes console entries and commands through p instead of
// dialling sinks.nats_url.
func WithPublisher(p console.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithGatherer serves g on /metrics instead of the default Prometheus
// registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithConfigPath enables hot reload of the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithWatchInterval sets how often the config file is polled.
// Default: the watcher's own default.
func WithWatchInterval(d time.Duration) Option {
	return func(a *App) { a.watchEvery = d }
}

// WithAutostart starts a session as soon as Run is called.
func WithAutostart(on bool) Option {
	return func(a *App) { a.autostart = on }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App for cfg that opens sessions on provider and plays and
// records through devices.
func New(cfg *config.Config, provider s2s.Provider, devices Devices, opts ...Option) (*App, error) {
	a := &App{
		provider: provider,
		devices:  devices,
		gatherer: prometheus.DefaultGatherer,
	}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}

	// ── 1. Console sinks ─────────────────────────────────────────────────
	commands, err := a.initSinks(cfg)
	if err != nil {
		_ = a.closeAll()
		return nil, fmt.Errorf("app: init sinks: %w", err)
	}

	// ── 2. Session controller ────────────────────────────────────────────
	a.ctrl = session.New(session.Config{
		Provider:        provider,
		ProviderName:    cfg.Provider.Name,
		Microphone:      devices.Microphone,
		Output:          devices.Output,
		SessionConfig:   cfg.S2S(),
		Logs:            a.logs,
		Commands:        commands,
		Metrics:         a.metrics,
		CaptureOptions:  captureOptions(cfg.Audio),
		PlaybackOptions: []playback.Option{playback.WithSampleRate(cfg.Audio.OutputSampleRate)},
		Credential:      func() error { return a.checkCredential(context.Background()) },
	})

	// ── 3. Health checks ─────────────────────────────────────────────────
	a.health = health.New(
		health.Checker{Name: "credential", Check: a.checkCredential},
		health.Checker{Name: "session", Check: a.checkSession},
	)

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.routes()

	// ── 5. Config hot reload ─────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange, config.WithInterval(a.watchEvery))
		if err != nil {
			_ = a.closeAll()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
	}

	return a, nil
}

// initSinks builds the console log fan-out and returns the command fan-out.
func (a *App) initSinks(cfg *config.Config) (console.CommandSink, error) {
	a.ring = console.NewRing(cfg.Sinks.History)
	logs := console.Fanout{console.SlogSink{}, a.ring}
	commands := console.FanoutCommands{console.SlogCommands{}}

	if a.publisher == nil && cfg.Sinks.NATSURL != "" {
		nc, err := console.Dial(cfg.Sinks.NATSURL)
		if err != nil {
			return nil, err
		}
		a.publisher = nc
		a.closers = append(a.closers, nc.Drain)
	}
	if a.publisher != nil {
		logs = append(logs, console.NewNATSSink(a.publisher, cfg.Sinks.LogSubject))
		commands = append(commands, console.NewNATSCommands(a.publisher, cfg.Sinks.CommandSubject))
	}

	if cfg.Sinks.File != "" {
		fs := console.NewFileStore(cfg.Sinks.File)
		logs = append(logs, fs)
		commands = append(commands, fs)
	}

	a.logs = logs
	return commands, nil
}

// captureOptions derives the capture pipeline settings from the audio
// section.
func captureOptions(ac config.AudioConfig) []capture.Option {
	opts := []capture.Option{
		capture.WithWindowSize(ac.WindowSize),
		capture.WithSampleRate(ac.InputSampleRate),
	}
	if ac.DeviceSampleRate > 0 {
		opts = append(opts, capture.WithDeviceFormat(audio.Format{
			SampleRate: ac.DeviceSampleRate,
			Channels:   ac.DeviceChannels,
		}))
	}
	return opts
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API until ctx is cancelled, then drains the server.
// With autostart enabled it also starts the first session.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("control API listening", "addr", srv.Addr, "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.autostart {
		if err := a.ctrl.Start(gctx); err != nil {
			slog.Warn("autostart failed", "err", err)
		}
	}

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the live session and then every sink in init order. It
// respects ctx for the session close and is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			_ = a.ctrl.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: close session: %w", ctx.Err())
		}
		err = errors.Join(err, a.closeAll())
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Handler returns the HTTP control surface with middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// Config returns the most recently applied configuration.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// ─── Health checks ───────────────────────────────────────────────────────────

func (a *App) checkCredential(context.Context) error {
	_, err := config.ResolveAPIKey(a.cfg.Load().Provider)
	return err
}

func (a *App) checkSession(context.Context) error {
	if a.ctrl.State() == session.StateError {
		return fmt.Errorf("session in error state: %w", a.ctrl.Err())
	}
	return nil
}

// ─── Config reload ───────────────────────────────────────────────────────────

// Reload re-reads the config file now instead of waiting for the next poll.
func (a *App) Reload() (config.ConfigDiff, error) {
	if a.watcher == nil {
		return config.ConfigDiff{}, ErrReloadDisabled
	}
	return a.watcher.Reload()
}

// onConfigChange applies the hot-reloadable parts of a new config.
func (a *App) onConfigChange(_, next *config.Config, d config.ConfigDiff) {
	a.cfg.Store(next)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.ctrl.SetSessionConfig(next.S2S())
		slog.Info("session config updated, applies to the next session")
		console.Emit(context.Background(), a.logs, session.SourceSystem,
			"Session configuration reloaded; applies on next start.", console.Info)
	}
}
