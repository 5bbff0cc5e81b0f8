// Command vlink runs the live voice link between the operator's microphone
// and speakers and a Gemini Live or OpenAI Realtime session.
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

	"github.com/MrWong99/vlink/internal/app"
	"github.com/MrWong99/vlink/internal/config"
	"github.com/MrWong99/vlink/internal/observe"
	"github.com/MrWong99/vlink/pkg/audio/portaudio"
	"github.com/MrWong99/vlink/pkg/provider/s2s"
	geminilive "github.com/MrWong99/vlink/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/vlink/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config (missing file is ignored)")
	autostart := flag.Bool("autostart", false, "start a session immediately instead of waiting for POST /session/start")
	watch := flag.Bool("watch", true, "reload log level and session settings when the config file changes")
	flag.Parse()

	// ── Environment and configuration ─────────────────────────────────────────
	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "vlink: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vlink: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vlink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("vlink starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:       "vlink",
		ServiceVersion:    version,
		RuntimeCollectors: true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := buildProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build provider", "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	if err := portaudio.Initialize(); err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer func() {
		if err := portaudio.Terminate(); err != nil {
			slog.Warn("audio terminate error", "err", err)
		}
	}()

	out, err := portaudio.OpenOutput(cfg.Audio.OutputSampleRate, 1, cfg.Audio.FramesPerBuffer)
	if err != nil {
		slog.Error("failed to open output device", "err", err)
		return 1
	}
	defer func() {
		if err := out.Close(); err != nil {
			slog.Warn("output device close error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, *autostart)

	opts := []app.Option{
		app.WithMetrics(tel.Metrics),
		app.WithGatherer(tel.Gatherer),
		app.WithLevelVar(level),
		app.WithAutostart(*autostart),
	}
	if *watch {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(cfg, provider, app.Devices{
		Microphone: portaudio.NewMicrophone(),
		Output:     out,
	}, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		go reloadOnHangup(ctx, application)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, a *app.App) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := a.Reload(); err != nil {
				slog.Warn("SIGHUP reload failed", "err", err)
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the live session backends that ship with
// vlink into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S(config.ProviderOpenAIRealtime, func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S(config.ProviderGeminiLive, func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// buildProvider resolves the credential and instantiates the configured
// provider. A missing credential is not fatal: the process still serves the
// control API and each session start reports the missing key.
func buildProvider(cfg *config.Config, reg *config.Registry) (s2s.Provider, error) {
	entry := cfg.Provider
	key, err := config.ResolveAPIKey(entry)
	if err != nil {
		slog.Warn("no provider credential, sessions will fail until one is set", "err", err)
	}
	entry.APIKey = key

	p, err := reg.CreateS2S(entry)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "s2s", "name", entry.Name, "model", entry.Model)
	return p, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, autostart bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          vlink startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name)
	printRow("Model", cfg.Provider.Model)
	printRow("Mic rate", fmt.Sprintf("%d Hz", cfg.Audio.InputSampleRate))
	printRow("Out rate", fmt.Sprintf("%d Hz", cfg.Audio.OutputSampleRate))
	if cfg.Sinks.NATSURL != "" {
		printRow("NATS", cfg.Sinks.NATSURL)
	} else {
		printRow("NATS", "(disabled)")
	}
	if cfg.Sinks.File != "" {
		printRow("Console file", cfg.Sinks.File)
	}
	printRow("Autostart", fmt.Sprint(autostart))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
