package portaudio

import (
	"errors"
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/vlink/pkg/audio"
	"github.com/MrWong99/vlink/pkg/audio/mixer"
)

// Compile-time interface assertion.
var _ audio.Output = (*Output)(nil)

// DefaultFramesPerBuffer is the device callback block size used when
// [OpenOutput] is given a non-positive value.
const DefaultFramesPerBuffer = 512

// Output plays scheduled buffers on the default output device. Its clock is
// a [mixer.Bus] advanced from the PortAudio callback, so it reads the amount
// of audio handed to the device.
type Output struct {
	bus    *mixer.Bus
	stream *portaudio.Stream
}

// OpenOutput opens and starts a callback stream on the default output device.
func OpenOutput(sampleRate, channels, framesPerBuffer int) (*Output, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	bus := mixer.New(sampleRate, channels)
	stream, err := portaudio.OpenDefaultStream(0, bus.Channels(), float64(sampleRate), framesPerBuffer, bus.Process)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = bus.Close()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	return &Output{bus: bus, stream: stream}, nil
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration { return o.bus.Now() }

// Schedule implements [audio.Output].
func (o *Output) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) audio.Voice {
	return o.bus.Schedule(buf, at, onEnded)
}

// Close stops the device stream and silences all voices.
func (o *Output) Close() error {
	var errs []error
	if err := o.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop output stream: %w", err))
	}
	if err := o.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close output stream: %w", err))
	}
	_ = o.bus.Close()
	return errors.Join(errs...)
}
