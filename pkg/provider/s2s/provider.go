// Package s2s defines the Provider interface for live speech-to-speech
// session backends.
//
// An S2S provider wraps a real-time voice model that accepts raw microphone
// audio and answers with synthesised speech in a single, stateful,
// bidirectional session. Gemini Live and the OpenAI Realtime API are the two
// implementations shipped with vlink.
//
// The central abstraction is [SessionHandle]. Outbound audio goes in through
// [SessionHandle.SendAudio]; everything the remote side does comes back as a
// tagged [Event] on a single channel, so a consumer drives its state machine
// with one select loop instead of a web of callbacks.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/MrWong99/vlink/pkg/audio"
)

// Sentinel errors shared by all providers. Implementations wrap them with
// context, so match with [errors.Is].
var (
	// ErrCredentialMissing is returned before any connection attempt when no
	// API credential is configured.
	ErrCredentialMissing = errors.New("s2s: credential missing")

	// ErrSessionOpen wraps every failure to establish a session.
	ErrSessionOpen = errors.New("s2s: session open failed")

	// ErrTransport marks a communication failure on an established session.
	ErrTransport = errors.New("s2s: transport error")

	// ErrUnexpectedClose marks a session the remote side closed without a
	// local Close.
	ErrUnexpectedClose = errors.New("s2s: session closed by remote")

	// ErrSessionClosed is returned by SendAudio after Close.
	ErrSessionClosed = errors.New("s2s: session closed")

	// ErrQueueFull is returned by SendAudio when the outbound queue cannot
	// take another chunk.
	ErrQueueFull = errors.New("s2s: outbound queue full")
)

// Modality is a kind of response the model may produce.
type Modality string

const (
	// ModalityAudio requests spoken responses.
	ModalityAudio Modality = "audio"

	// ModalityText requests text responses.
	ModalityText Modality = "text"
)

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Model identifies the remote model. Empty selects the provider default.
	Model string

	// ResponseModalities lists the response kinds to enable. Empty means
	// audio only.
	ResponseModalities []Modality

	// InputTranscription asks the provider to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the provider to transcribe the model's speech.
	OutputTranscription bool

	// SystemInstruction is the system-level prompt that defines the
	// assistant's role and behaviour for the whole session.
	SystemInstruction string

	// Voice names a provider voice. Empty selects the provider default.
	Voice string
}

// Capabilities describes static properties of an S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the model's native input rate. SendAudio converts
	// chunks at other rates.
	InputSampleRate int

	// OutputSampleRate is the rate of audio delivered in [EventAudio].
	OutputSampleRate int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the voice names available for this provider.
	Voices []string
}

// EventKind tags an [Event].
type EventKind int

const (
	// EventOpened reports that the remote side accepted the session setup.
	// No audio is delivered before it.
	EventOpened EventKind = iota + 1

	// EventAudio carries a chunk of synthesised speech in [Event.Audio].
	EventAudio

	// EventInputTranscript carries a fragment of the user's transcribed
	// speech in [Event.Text].
	EventInputTranscript

	// EventOutputTranscript carries a fragment of the model's response text
	// in [Event.Text].
	EventOutputTranscript

	// EventTurnComplete reports that the model finished its turn.
	EventTurnComplete

	// EventInterrupted reports that the user barged in and the model dropped
	// the rest of its response.
	EventInterrupted

	// EventError reports a fatal session error in [Event.Err]. It is always
	// the last event before the channel closes.
	EventError

	// EventClosed reports that the remote side ended the session; [Event.Err]
	// wraps [ErrUnexpectedClose]. It is always the last event before the
	// channel closes.
	EventClosed
)

// String returns the human-readable name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio"
	case EventInputTranscript:
		return "input_transcript"
	case EventOutputTranscript:
		return "output_transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one inbound occurrence on a session. Only the field matching Kind
// is set.
type Event struct {
	Kind  EventKind
	Audio audio.Chunk
	Text  string
	Err   error
}

// SessionHandle represents an open S2S session. It is an interface so that
// test code can supply scripted implementations without a live provider
// connection.
//
// All methods must be safe for concurrent use. Callers must call Close when
// the session is no longer needed.
type SessionHandle interface {
	// SendAudio queues one PCM16 chunk for transmission and returns without
	// waiting for the network. Chunks are transmitted in call order. It
	// returns [ErrSessionClosed] after Close and [ErrQueueFull] when the
	// outbound queue is saturated; the chunk is dropped in both cases.
	SendAudio(chunk audio.Chunk) error

	// Events returns the channel of inbound events. Events of the same kind
	// arrive in the order the remote side produced them. The channel is
	// closed when the session ends, after a terminal [EventError] or
	// [EventClosed] when the end was not caused by Close. Consumers must
	// drain it promptly; a full channel stalls the provider's receive loop.
	Events() <-chan Event

	// Close terminates the session and releases all resources. The Events
	// channel is closed shortly after. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect dials the backend and sends the session setup. It returns once
	// the setup is on the wire; [EventOpened] follows on the handle's Events
	// channel when the remote side accepts it.
	//
	// Every failure wraps [ErrSessionOpen]. A missing credential additionally
	// wraps [ErrCredentialMissing] and is reported without dialling. The
	// caller owns the SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's model.
	Capabilities() Capabilities
}

// Discard consumes h's remaining events until the transport closes the
// channel. Call it on a handle whose events are no longer wanted so the
// receive loop can exit.
func Discard(h SessionHandle) {
	for range h.Events() {
	}
}
