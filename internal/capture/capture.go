// Package capture reads the microphone in fixed windows, converts each window
// to PCM16 at the session input rate, and hands the resulting chunks to the
// live session in capture order.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/vlink/internal/observe"
	"github.com/MrWong99/vlink/pkg/audio"
)

// DefaultWindowSize is the number of frames per capture window.
const DefaultWindowSize = 4096

// ErrMicrophoneAccessDenied is returned by [Pipeline.Start] when the host
// refuses to open the microphone.
var ErrMicrophoneAccessDenied = errors.New("capture: microphone access denied")

// ErrAlreadyStarted is returned by [Pipeline.Start] on a pipeline that has
// already been started.
var ErrAlreadyStarted = errors.New("capture: already started")

// SendFunc receives each captured chunk. It must not block for long; the
// session transport queues internally.
type SendFunc func(audio.Chunk) error

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithWindowSize sets the number of frames per capture window.
// Default: [DefaultWindowSize].
func WithWindowSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.window = n
		}
	}
}

// WithSampleRate sets the rate of the chunks handed to send.
// Default: [audio.InputSampleRate].
func WithSampleRate(hz int) Option {
	return func(p *Pipeline) {
		if hz > 0 {
			p.sampleRate = hz
		}
	}
}

// WithDeviceFormat opens the microphone at f instead of the send format.
// Windows are converted to mono at the send rate before sending. Use it for
// hosts that cannot capture at 16 kHz mono directly.
func WithDeviceFormat(f audio.Format) Option {
	return func(p *Pipeline) {
		p.device = f
	}
}

// WithMetrics records sent chunks and send failures.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline is a microphone capture loop. Create one per session with [New];
// a stopped pipeline cannot be restarted.
type Pipeline struct {
	mic        audio.Microphone
	send       SendFunc
	window     int
	sampleRate int
	device     audio.Format
	metrics    *observe.Metrics
	conv       audio.FormatConverter

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	stream  audio.InputStream
	done    chan struct{}
	errc    chan error
}

// New creates a capture [Pipeline] that reads from mic and delivers chunks to
// send.
func New(mic audio.Microphone, send SendFunc, opts ...Option) *Pipeline {
	p := &Pipeline{
		mic:        mic,
		send:       send,
		window:     DefaultWindowSize,
		sampleRate: audio.InputSampleRate,
		errc:       make(chan error, 1),
	}
	for _, o := range opts {
		o(p)
	}
	if p.device.SampleRate <= 0 {
		p.device.SampleRate = p.sampleRate
	}
	if p.device.Channels <= 0 {
		p.device.Channels = 1
	}
	p.conv.Target = audio.Format{SampleRate: p.sampleRate, Channels: 1}
	return p
}

// Start opens the microphone and begins capturing on a background goroutine.
// When the host refuses the device, Start returns an error wrapping
// [ErrMicrophoneAccessDenied] and no goroutine is started.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	stream, err := p.mic.Open(ctx, p.device, p.window)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMicrophoneAccessDenied, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.stream = stream
	p.done = make(chan struct{})
	go p.run(loopCtx, stream)
	return nil
}

// Stop ends capture and closes the microphone stream. When Stop returns, send
// will not be called again. Stop is idempotent and safe on a pipeline that
// was never started.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	cancel, stream, done := p.cancel, p.stream, p.done
	p.cancel, p.stream = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	err := stream.Close()
	<-done
	if err != nil {
		return fmt.Errorf("capture: close stream: %w", err)
	}
	return nil
}

// Err delivers the error that ended capture early, such as a lost device. It
// receives at most one value and never fires after a clean [Pipeline.Stop].
func (p *Pipeline) Err() <-chan error {
	return p.errc
}

// run reads windows until the context is cancelled or the stream fails.
func (p *Pipeline) run(ctx context.Context, stream audio.InputStream) {
	defer close(p.done)

	buf := make([]float32, p.window*p.device.Channels)
	for {
		if err := stream.Read(buf); err != nil {
			if ctx.Err() != nil || errors.Is(err, audio.ErrStreamClosed) {
				return
			}
			select {
			case p.errc <- fmt.Errorf("capture: read: %w", err):
			default:
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		chunk := p.encode(buf)
		if err := p.send(chunk); err != nil {
			p.metrics.RecordSendError(ctx)
			slog.Warn("capture: chunk not sent", "err", err, "bytes", len(chunk.Data))
			continue
		}
		p.metrics.RecordChunkSent(ctx)
	}
}

// encode converts one captured window to a send-format chunk.
func (p *Pipeline) encode(window []float32) audio.Chunk {
	chunk := audio.Chunk{
		Data:       audio.SamplesToPCM16(window),
		SampleRate: p.device.SampleRate,
		Channels:   p.device.Channels,
	}
	if p.device.SampleRate == p.sampleRate && p.device.Channels == 1 {
		return chunk
	}
	return p.conv.Convert(chunk)
}
