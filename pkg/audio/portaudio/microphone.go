package portaudio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/vlink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone  = (*Microphone)(nil)
	_ audio.InputStream = (*inputStream)(nil)
)

// Microphone opens blocking capture streams on the default input device.
type Microphone struct{}

// NewMicrophone returns a Microphone bound to the default input device.
func NewMicrophone() *Microphone {
	return &Microphone{}
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context, f audio.Format, window int) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	channels := max(f.Channels, 1)
	buf := make([]float32, window*channels)

	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(f.SampleRate), window, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}
	return &inputStream{stream: stream, buf: buf}, nil
}

// inputStream wraps a started blocking PortAudio input stream.
type inputStream struct {
	// mu serialises Read against Close so the stream is never torn down
	// underneath an in-flight read.
	mu     sync.Mutex
	closed atomic.Bool
	stream *portaudio.Stream
	buf    []float32
}

// Read implements [audio.InputStream].
func (s *inputStream) Read(buf []float32) error {
	if s.closed.Load() {
		return audio.ErrStreamClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return audio.ErrStreamClosed
	}
	if err := s.stream.Read(); err != nil {
		return fmt.Errorf("portaudio: read: %w", err)
	}
	copy(buf, s.buf)
	return nil
}

// Close implements [audio.InputStream]. It waits for an in-flight Read,
// which completes within one window.
func (s *inputStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	if stopErr != nil {
		return fmt.Errorf("portaudio: stop input stream: %w", stopErr)
	}
	if closeErr != nil {
		return fmt.Errorf("portaudio: close input stream: %w", closeErr)
	}
	return nil
}
