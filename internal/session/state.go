package session

import (
	"errors"
	"time"

	"github.com/MrWong99/vlink/internal/capture"
	"github.com/MrWong99/vlink/pkg/audio"
	"github.com/MrWong99/vlink/pkg/provider/s2s"
)

// State is the lifecycle state of the live session owned by a [Controller].
type State int

const (
	// StateIdle means no session is running. A [Controller] starts here and
	// returns here after a stop or a remote close.
	StateIdle State = iota

	// StateConnecting means the provider connection is being opened.
	StateConnecting

	// StateConnected means the provider confirmed the session and the
	// microphone is streaming.
	StateConnected

	// StateError means the last session ended on a fatal error. See
	// [Controller.Err].
	StateError

	// StateClosed means the controller was shut down with [Controller.Close].
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether a session instance is in flight.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected
}

// StateChange describes one lifecycle transition.
type StateChange struct {
	From State
	To   State

	// Err is the error that caused the transition, if any.
	Err error

	// SessionID identifies the session instance that changed.
	SessionID string

	At time.Time
}

// ErrAlreadyActive is returned by [Controller.Start] while a session is
// connecting or connected.
var ErrAlreadyActive = errors.New("session: already active")

// The error taxonomy of a live session. Each is the sentinel of the package
// that detects the condition; they are collected here so callers only need
// this package for errors.Is checks.
var (
	ErrCredentialMissing      = s2s.ErrCredentialMissing
	ErrSessionOpen            = s2s.ErrSessionOpen
	ErrTransport              = s2s.ErrTransport
	ErrUnexpectedClose        = s2s.ErrUnexpectedClose
	ErrMicrophoneAccessDenied = capture.ErrMicrophoneAccessDenied
	ErrMalformedAudio         = audio.ErrMalformedAudio
)

// errorKind returns the metric label for a session-ending error.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrCredentialMissing):
		return "credential_missing"
	case errors.Is(err, ErrMicrophoneAccessDenied):
		return "microphone_denied"
	case errors.Is(err, ErrUnexpectedClose):
		return "unexpected_close"
	case errors.Is(err, ErrSessionOpen):
		return "session_open"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
