package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when the session setup or the model changed.
	// The new setup applies from the next session start.
	SessionChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// process restart.
	RestartRequired []string
}

// IsZero reports whether nothing changed.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !sessionEqual(old.Session, new.Session) || old.Provider.Model != new.Provider.Model {
		d.SessionChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || (old.Server.TLS == nil) != (new.Server.TLS == nil) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Provider.Name != new.Provider.Name || old.Provider.BaseURL != new.Provider.BaseURL ||
		old.Provider.APIKey != new.Provider.APIKey || old.Provider.APIKeyEnv != new.Provider.APIKeyEnv {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Sinks != new.Sinks {
		d.RestartRequired = append(d.RestartRequired, "sinks")
	}

	return d
}

// sessionEqual compares two session sections field by field.
func sessionEqual(a, b SessionConfig) bool {
	return slices.Equal(a.ResponseModalities, b.ResponseModalities) &&
		a.InputTranscription == b.InputTranscription &&
		a.OutputTranscription == b.OutputTranscription &&
		a.SystemInstruction == b.SystemInstruction &&
		a.Voice == b.Voice
}
