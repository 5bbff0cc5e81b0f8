package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/MrWong99/vlink/pkg/provider/s2s"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrCredentialMissing is returned by [ResolveAPIKey] when no credential is
// configured. It is the transport's sentinel so that callers can match one
// error regardless of where the check happened.
var ErrCredentialMissing = s2s.ErrCredentialMissing

// ValidProviderNames lists the provider names the default registry knows.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{ProviderGeminiLive, ProviderOpenAIRealtime}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. An empty document yields the defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else {
		validateProviderName(cfg.Provider.Name)
	}

	// Session
	if len(cfg.Session.ResponseModalities) == 0 {
		errs = append(errs, errors.New("session.response_modalities must list at least one modality"))
	}
	for i, m := range cfg.Session.ResponseModalities {
		if s2s.Modality(m) != s2s.ModalityAudio && s2s.Modality(m) != s2s.ModalityText {
			errs = append(errs, fmt.Errorf("session.response_modalities[%d] %q is invalid; valid values: audio, text", i, m))
		}
	}
	if !slices.Contains(cfg.Session.ResponseModalities, string(s2s.ModalityAudio)) {
		slog.Warn("session.response_modalities does not include audio; the model will not speak")
	}

	// Audio
	if cfg.Audio.InputSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must be positive", cfg.Audio.InputSampleRate))
	}
	if cfg.Audio.OutputSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must be positive", cfg.Audio.OutputSampleRate))
	}
	if cfg.Audio.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.window_size %d must be positive", cfg.Audio.WindowSize))
	}
	if cfg.Audio.DeviceSampleRate < 0 || cfg.Audio.DeviceChannels < 0 || cfg.Audio.FramesPerBuffer < 0 {
		errs = append(errs, errors.New("audio device values must not be negative"))
	}
	if (cfg.Audio.DeviceSampleRate == 0) != (cfg.Audio.DeviceChannels == 0) {
		errs = append(errs, errors.New("audio.device_sample_rate and audio.device_channels must be set together"))
	}
	if cfg.Audio.DeviceChannels > 2 {
		errs = append(errs, fmt.Errorf("audio.device_channels %d is unsupported; valid values: 1, 2", cfg.Audio.DeviceChannels))
	}

	// Sinks
	if cfg.Sinks.NATSURL != "" && (cfg.Sinks.LogSubject == "" || cfg.Sinks.CommandSubject == "") {
		errs = append(errs, errors.New("sinks.log_subject and sinks.command_subject are required when sinks.nats_url is set"))
	}
	if cfg.Sinks.History < 0 {
		errs = append(errs, fmt.Errorf("sinks.history %d must not be negative", cfg.Sinks.History))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}

// LoadEnv loads KEY=VALUE pairs from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are skipped; with no arguments ".env" in the working directory is
// tried.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var errs []error
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			errs = append(errs, fmt.Errorf("config: load env %q: %w", f, err))
		}
	}
	return errors.Join(errs...)
}

// ResolveAPIKey returns the provider credential: provider.api_key if set,
// otherwise the variable named by provider.api_key_env (default
// GEMINI_API_KEY), otherwise API_KEY. It returns [ErrCredentialMissing]
// when none is set.
func ResolveAPIKey(p ProviderEntry) (string, error) {
	if p.APIKey != "" {
		return p.APIKey, nil
	}
	envs := []string{p.APIKeyEnv, DefaultAPIKeyEnv, FallbackAPIKeyEnv}
	for _, name := range envs {
		if name == "" {
			continue
		}
		if v := os.Getenv(name); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("config: %w (set provider.api_key or $%s)", ErrCredentialMissing, firstNonEmpty(p.APIKeyEnv, DefaultAPIKeyEnv))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
