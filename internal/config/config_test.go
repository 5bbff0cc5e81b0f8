package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/vlink/internal/config"
	"github.com/MrWong99/vlink/pkg/provider/s2s"
	"github.com/MrWong99/vlink/pkg/provider/s2s/mock"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
provider:
  name: gemini-live
  api_key_env: VLINK_TEST_KEY
  model: gemini-live-test
session:
  response_modalities: [audio]
  input_transcription: true
  output_transcription: false
  system_instruction: "You are a test orchestrator."
  voice: Kore
audio:
  window_size: 2048
  device_sample_rate: 48000
  device_channels: 2
sinks:
  nats_url: nats://localhost:4222
  history: 50
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Provider.Model != "gemini-live-test" || cfg.Provider.APIKeyEnv != "VLINK_TEST_KEY" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Session.OutputTranscription || !cfg.Session.InputTranscription {
		t.Errorf("session transcription = %v/%v", cfg.Session.InputTranscription, cfg.Session.OutputTranscription)
	}
	if cfg.Audio.WindowSize != 2048 || cfg.Audio.DeviceSampleRate != 48000 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	// Fields left out keep their defaults.
	if cfg.Audio.InputSampleRate != 16000 || cfg.Audio.OutputSampleRate != 24000 {
		t.Errorf("audio rates = %d/%d, want defaults", cfg.Audio.InputSampleRate, cfg.Audio.OutputSampleRate)
	}
	if cfg.Sinks.LogSubject != "vlink.log" || cfg.Sinks.History != 50 {
		t.Errorf("sinks = %+v", cfg.Sinks)
	}
}

func TestLoadFromReader_EmptyIsDefault(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	def := config.Default()
	if cfg.Provider.Name != def.Provider.Name || cfg.Provider.Model != config.DefaultModel {
		t.Errorf("provider = %+v, want defaults", cfg.Provider)
	}
	if !cfg.Session.InputTranscription || !cfg.Session.OutputTranscription {
		t.Error("transcriptions should default to enabled")
	}
	if cfg.Audio.WindowSize != 4096 {
		t.Errorf("window_size = %d, want 4096", cfg.Audio.WindowSize)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adress: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"log level", func(c *config.Config) { c.Server.LogLevel = "bananas" }, "server.log_level"},
		{"tls half", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c.pem"} }, "server.tls"},
		{"provider name", func(c *config.Config) { c.Provider.Name = "" }, "provider.name"},
		{"no modalities", func(c *config.Config) { c.Session.ResponseModalities = nil }, "response_modalities"},
		{"bad modality", func(c *config.Config) { c.Session.ResponseModalities = []string{"video"} }, `"video"`},
		{"input rate", func(c *config.Config) { c.Audio.InputSampleRate = 0 }, "input_sample_rate"},
		{"output rate", func(c *config.Config) { c.Audio.OutputSampleRate = -1 }, "output_sample_rate"},
		{"window", func(c *config.Config) { c.Audio.WindowSize = 0 }, "window_size"},
		{"device pair", func(c *config.Config) { c.Audio.DeviceSampleRate = 44100 }, "set together"},
		{"device channels", func(c *config.Config) {
			c.Audio.DeviceSampleRate = 48000
			c.Audio.DeviceChannels = 6
		}, "device_channels"},
		{"nats subjects", func(c *config.Config) {
			c.Sinks.NATSURL = "nats://x"
			c.Sinks.CommandSubject = ""
		}, "command_subject"},
		{"history", func(c *config.Config) { c.Sinks.History = -1 }, "sinks.history"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.LogLevel = "loud"
	cfg.Audio.WindowSize = 0
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "log_level") || !strings.Contains(msg, "window_size") {
		t.Errorf("err = %q, want both failures", msg)
	}
}

func TestValidate_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Provider.Name = "third-party-live"
	if err := config.Validate(cfg); err != nil {
		t.Errorf("unknown provider should only warn, got %v", err)
	}
}

func TestConfig_S2S(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Session.Voice = "Puck"
	cfg.Session.ResponseModalities = []string{"audio", "text"}

	sc := cfg.S2S()
	if sc.Model != config.DefaultModel || sc.Voice != "Puck" {
		t.Errorf("session config = %+v", sc)
	}
	if len(sc.ResponseModalities) != 2 || sc.ResponseModalities[1] != s2s.ModalityText {
		t.Errorf("modalities = %v", sc.ResponseModalities)
	}
	if !sc.InputTranscription || !sc.OutputTranscription || sc.SystemInstruction == "" {
		t.Errorf("session config = %+v", sc)
	}
}

// ── Credentials ───────────────────────────────────────────────────────────────

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("VLINK_CUSTOM_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("API_KEY", "")

	if key, err := config.ResolveAPIKey(config.ProviderEntry{APIKey: "inline"}); err != nil || key != "inline" {
		t.Errorf("inline = %q, %v", key, err)
	}

	_, err := config.ResolveAPIKey(config.ProviderEntry{APIKeyEnv: "VLINK_CUSTOM_KEY"})
	if !errors.Is(err, config.ErrCredentialMissing) || !errors.Is(err, s2s.ErrCredentialMissing) {
		t.Fatalf("err = %v, want ErrCredentialMissing", err)
	}
	if !strings.Contains(err.Error(), "VLINK_CUSTOM_KEY") {
		t.Errorf("err = %v, want variable name", err)
	}

	t.Setenv("API_KEY", "fallback")
	if key, _ := config.ResolveAPIKey(config.ProviderEntry{APIKeyEnv: "VLINK_CUSTOM_KEY"}); key != "fallback" {
		t.Errorf("fallback = %q", key)
	}
	t.Setenv("GEMINI_API_KEY", "gemini")
	if key, _ := config.ResolveAPIKey(config.ProviderEntry{}); key != "gemini" {
		t.Errorf("default env = %q", key)
	}
	t.Setenv("VLINK_CUSTOM_KEY", "custom")
	if key, _ := config.ResolveAPIKey(config.ProviderEntry{APIKeyEnv: "VLINK_CUSTOM_KEY"}); key != "custom" {
		t.Errorf("custom env = %q", key)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("VLINK_ENV_A=from-file\nVLINK_ENV_B=file-b\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VLINK_ENV_A", "")
	os.Unsetenv("VLINK_ENV_A")
	t.Setenv("VLINK_ENV_B", "from-process")

	if err := config.LoadEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("VLINK_ENV_A") })

	if got := os.Getenv("VLINK_ENV_A"); got != "from-file" {
		t.Errorf("VLINK_ENV_A = %q, want from-file", got)
	}
	if got := os.Getenv("VLINK_ENV_B"); got != "from-process" {
		t.Errorf("VLINK_ENV_B = %q, existing variables must win", got)
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateS2S(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &mock.Provider{}
	var gotKey string
	reg.RegisterS2S("fake", func(e config.ProviderEntry) (s2s.Provider, error) {
		gotKey = e.APIKey
		return want, nil
	})
	reg.RegisterS2S("another", func(config.ProviderEntry) (s2s.Provider, error) { return nil, nil })

	p, err := reg.CreateS2S(config.ProviderEntry{Name: "fake", APIKey: "k"})
	if err != nil {
		t.Fatalf("CreateS2S: %v", err)
	}
	if p != want || gotKey != "k" {
		t.Errorf("provider/key = %v/%q", p, gotKey)
	}
	if names := reg.Names(); strings.Join(names, ",") != "another,fake" {
		t.Errorf("Names = %v", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterS2S("broken", func(config.ProviderEntry) (s2s.Provider, error) { return nil, boom })
	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}
