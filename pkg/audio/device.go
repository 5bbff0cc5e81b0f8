// Package audio defines the PCM codec, audio chunk types, and host device
// interfaces used by the live voice link.
//
// The two device abstractions mirror what a host audio stack offers:
//
//   - [Microphone] opens a capture stream that delivers fixed-size windows
//     of float samples.
//   - [Output] is a playback device with its own clock that can start a
//     decoded [Buffer] at an exact clock time and stop it early.
//
// Implementations live in sub-packages: audio/portaudio talks to real
// hardware, audio/mock provides scripted devices for tests.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrStreamClosed is returned by [InputStream.Read] after the stream has been
// closed.
var ErrStreamClosed = errors.New("audio: stream closed")

// Microphone is a host capture device.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Open requests access to the device and returns a capture stream
	// producing interleaved float samples in format f. Each Read fills
	// exactly window frames. Open fails when the host refuses access or the
	// format is unsupported.
	Open(ctx context.Context, f Format, window int) (InputStream, error)
}

// InputStream is an open capture stream.
type InputStream interface {
	// Read blocks until the next window is available and copies it into buf,
	// which must hold window*channels samples. After Close, Read returns
	// [ErrStreamClosed].
	Read(buf []float32) error

	// Close stops capture and releases the device. It unblocks a pending
	// Read. Calling Close more than once is safe.
	Close() error
}

// Output is a playback device driven by its own monotonically advancing
// clock, analogous to a hardware audio context.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now reports the current position of the output clock.
	Now() time.Duration

	// Schedule arranges for buf to begin playing exactly at clock time at.
	// A time in the past starts immediately. onEnded is invoked once, on an
	// internal goroutine, when the buffer finishes playing naturally; it is
	// never invoked synchronously from Schedule. onEnded may be nil.
	Schedule(buf *Buffer, at time.Duration, onEnded func()) Voice
}

// Voice is a handle to one scheduled buffer on an [Output].
type Voice interface {
	// Stop silences the voice immediately, whether it is playing or still
	// waiting for its start time. After Stop returns the voice produces no
	// further samples. Stop does not invoke the onEnded callback, although a
	// natural completion racing with Stop may still deliver it. Calling Stop
	// more than once is safe.
	Stop()
}
