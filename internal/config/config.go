// Package config provides the configuration schema, loader, and provider registry
// for the vlink live voice service.
package config

import (
	"log/slog"

	"github.com/MrWong99/vlink/pkg/provider/s2s"
)

// LogLevel controls log verbosity for the vlink server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l onto a slog level. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Provider names understood by the default registry.
const (
	ProviderGeminiLive     = "gemini-live"
	ProviderOpenAIRealtime = "openai-realtime"
)

// DefaultModel is the Gemini Live model used when none is configured.
const DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

// DefaultAPIKeyEnv is the environment variable consulted for the provider
// credential when provider.api_key is empty. FallbackAPIKeyEnv is tried
// after it.
const (
	DefaultAPIKeyEnv  = "GEMINI_API_KEY"
	FallbackAPIKeyEnv = "API_KEY"
)

// DefaultSystemInstruction defines the assistant's role on the control panel.
const DefaultSystemInstruction = "You are the MASTER ORCHESTRATOR of an AI agent swarm. " +
	"You monitor agents, tools, and protocol traffic for the operator. " +
	"Answer by voice, briefly and precisely, and confirm every command you receive."

// Config is the root configuration structure for vlink.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`
	Session  SessionConfig `yaml:"session"`
	Audio    AudioConfig   `yaml:"audio"`
	Sinks    SinksConfig   `yaml:"sinks"`
}

// ServerConfig holds network and logging settings for the vlink server.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on (e.g., ":8089").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry selects and configures the live session backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// ("gemini-live" or "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. Prefer
	// APIKeyEnv so the key stays out of the file.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names the environment variable holding the key when APIKey
	// is empty. Default: GEMINI_API_KEY, with API_KEY as fallback.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects the live model.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig is the per-session setup sent to the provider.
type SessionConfig struct {
	// ResponseModalities lists "audio" and/or "text".
	ResponseModalities []string `yaml:"response_modalities"`

	// InputTranscription enables transcription of the operator's speech.
	InputTranscription bool `yaml:"input_transcription"`

	// OutputTranscription enables transcription of the model's speech.
	OutputTranscription bool `yaml:"output_transcription"`

	// SystemInstruction is the system prompt for every session.
	SystemInstruction string `yaml:"system_instruction"`

	// Voice names a provider voice. Empty selects the provider default.
	Voice string `yaml:"voice"`
}

// AudioConfig describes the host audio devices and chunk framing.
type AudioConfig struct {
	// InputSampleRate is the rate microphone chunks are sent at.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the rate of the playback device and the rate model
	// audio is decoded at.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// WindowSize is the number of frames per capture window.
	WindowSize int `yaml:"window_size"`

	// DeviceSampleRate and DeviceChannels open the microphone in a different
	// format than InputSampleRate mono. Zero means capture at the send format.
	DeviceSampleRate int `yaml:"device_sample_rate"`
	DeviceChannels   int `yaml:"device_channels"`

	// FramesPerBuffer is the playback device callback size. Zero uses the
	// backend default.
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// SinksConfig wires the console log and voice command streams.
type SinksConfig struct {
	// NATSURL enables publishing to NATS when non-empty.
	NATSURL string `yaml:"nats_url"`

	// LogSubject is the NATS subject for console entries.
	LogSubject string `yaml:"log_subject"`

	// CommandSubject is the NATS subject for finalized voice commands.
	CommandSubject string `yaml:"command_subject"`

	// File appends console entries and commands as JSON lines when set.
	File string `yaml:"file"`

	// History is the number of console entries kept for GET /logs.
	History int `yaml:"history"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8089",
			LogLevel:   LogInfo,
		},
		Provider: ProviderEntry{
			Name:      ProviderGeminiLive,
			APIKeyEnv: DefaultAPIKeyEnv,
			Model:     DefaultModel,
		},
		Session: SessionConfig{
			ResponseModalities:  []string{string(s2s.ModalityAudio)},
			InputTranscription:  true,
			OutputTranscription: true,
			SystemInstruction:   DefaultSystemInstruction,
		},
		Audio: AudioConfig{
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
			WindowSize:       4096,
		},
		Sinks: SinksConfig{
			LogSubject:     "vlink.log",
			CommandSubject: "vlink.command",
			History:        200,
		},
	}
}

// S2S converts the session section into the provider's session setup.
func (c *Config) S2S() s2s.SessionConfig {
	mods := make([]s2s.Modality, len(c.Session.ResponseModalities))
	for i, m := range c.Session.ResponseModalities {
		mods[i] = s2s.Modality(m)
	}
	return s2s.SessionConfig{
		Model:               c.Provider.Model,
		ResponseModalities:  mods,
		InputTranscription:  c.Session.InputTranscription,
		OutputTranscription: c.Session.OutputTranscription,
		SystemInstruction:   c.Session.SystemInstruction,
		Voice:               c.Session.Voice,
	}
}
