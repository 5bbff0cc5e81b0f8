// Package playback schedules decoded model audio on an [audio.Output] so that
// consecutive chunks play back to back, in arrival order, with no gap or
// overlap, and can be cut off instantly when the user barges in.
//
// A [Scheduler] keeps a cursor on the output clock marking where the next
// chunk must start. Each [Scheduler.Enqueue] places its chunk at
// max(cursor, now) and advances the cursor by the chunk's duration.
// [Scheduler.Interrupt] stops everything that is playing or waiting and
// resets the cursor, so the next chunk starts at the current clock time.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/vlink/internal/observe"
	"github.com/MrWong99/vlink/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Enqueue] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithSampleRate sets the rate at which inbound chunks are decoded.
// Default: [audio.OutputSampleRate].
func WithSampleRate(hz int) Option {
	return func(s *Scheduler) {
		if hz > 0 {
			s.sampleRate = hz
		}
	}
}

// WithChannels sets the channel count inbound chunks are decoded with.
// Default: 1.
func WithChannels(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.channels = n
		}
	}
}

// WithOnIdle registers fn to be called whenever the last active unit stops,
// either by finishing or through [Scheduler.Interrupt]. fn is called without
// the scheduler lock held.
func WithOnIdle(fn func()) Option {
	return func(s *Scheduler) {
		s.onIdle = fn
	}
}

// WithOnSpeaking registers fn to be called when a unit is scheduled while
// nothing else is active. fn is called without the scheduler lock held.
// Speaking and idle calls strictly alternate, starting with speaking.
func WithOnSpeaking(fn func()) Option {
	return func(s *Scheduler) {
		s.onSpeaking = fn
	}
}

// WithMetrics records scheduled chunks, queue delay, and interruptions.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// unit is one decoded chunk placed on the output clock.
type unit struct {
	start    time.Duration
	duration time.Duration
	voice    audio.Voice
}

// Scheduler places decoded audio chunks on an output clock for gapless,
// strictly ordered playback.
//
// All exported methods are safe for concurrent use. Enqueue and Interrupt
// are linearised by a single mutex: once Interrupt returns, no enqueue can
// place a unit using the cursor from before the interrupt.
type Scheduler struct {
	out        audio.Output
	sampleRate int
	channels   int
	onIdle     func()
	onSpeaking func()
	metrics    *observe.Metrics
	conv       audio.FormatConverter

	mu     sync.Mutex
	cursor time.Duration
	active map[uint64]*unit
	nextID uint64
	closed bool

	// sigMu serialises onSpeaking and onIdle; signalled is the last edge
	// delivered. Lock order is sigMu before mu.
	sigMu     sync.Mutex
	signalled bool
}

// New creates a [Scheduler] that plays on out.
func New(out audio.Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:        out,
		sampleRate: audio.OutputSampleRate,
		channels:   1,
		active:     make(map[uint64]*unit),
	}
	for _, o := range opts {
		o(s)
	}
	s.conv.Target = audio.Format{SampleRate: s.sampleRate, Channels: s.channels}
	return s
}

// Enqueue decodes chunk and schedules it to start at max(cursor, now) on the
// output clock, then advances the cursor past it.
//
// A chunk whose rate or channel count differs from the scheduler's is
// converted first. A chunk with a byte length that does not split into whole
// frames returns an error wrapping [audio.ErrMalformedAudio]; the scheduler
// is left untouched and later chunks play normally.
func (s *Scheduler) Enqueue(ctx context.Context, chunk audio.Chunk) error {
	// Decode outside the lock: decode time varies per chunk and must not
	// hold up a concurrent Interrupt.
	buf, err := s.decode(chunk)
	if err != nil {
		s.metrics.RecordDecodeError(ctx)
		return fmt.Errorf("playback: enqueue: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	now := s.out.Now()
	start := max(s.cursor, now)

	s.nextID++
	id := s.nextID
	u := &unit{start: start, duration: buf.Duration()}
	s.active[id] = u
	u.voice = s.out.Schedule(buf, start, func() { s.ended(id) })
	s.cursor = start + u.duration
	s.mu.Unlock()

	s.metrics.RecordChunkReceived(ctx, start-now)
	s.signal()
	return nil
}

// Interrupt immediately stops every playing or waiting unit, clears the
// active set, and resets the cursor to zero so the next Enqueue starts at the
// current output clock time. It is a no-op when nothing is active.
func (s *Scheduler) Interrupt(ctx context.Context) {
	if s.interrupt() {
		s.metrics.RecordInterruption(ctx)
		s.signal()
	}
}

// interrupt stops and forgets all units and reports whether any were active.
func (s *Scheduler) interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	had := len(s.active) > 0
	for id, u := range s.active {
		u.voice.Stop()
		delete(s.active, id)
	}
	// The cursor resets to zero rather than to now; start = max(cursor, now)
	// makes the two equivalent on the next Enqueue.
	s.cursor = 0
	return had
}

// Close interrupts playback and makes further Enqueue calls fail with
// [ErrClosed]. Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	for id, u := range s.active {
		u.voice.Stop()
		delete(s.active, id)
	}
	s.cursor = 0
	s.mu.Unlock()

	s.signal()
	return nil
}

// Active returns the number of units currently playing or waiting to play.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor returns the output clock time at which the next unit would start if
// the clock has not passed it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Speaking reports whether any unit is playing or waiting to play.
func (s *Scheduler) Speaking() bool {
	return s.Active() > 0
}

// ended removes a naturally finished unit. Units already removed by
// Interrupt are ignored, so a completion racing with Interrupt never fires a
// second idle signal.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	_, ok := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()

	if ok {
		s.signal()
	}
}

// signal delivers onSpeaking or onIdle when the active set changed between
// empty and non-empty since the last delivered edge. It reads the set at
// delivery time, so a unit that ends before its Enqueue signals produces no
// edge at all and the last callback always matches [Scheduler.Speaking].
func (s *Scheduler) signal() {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()

	speaking := s.Speaking()
	if speaking == s.signalled {
		return
	}
	s.signalled = speaking
	switch {
	case speaking && s.onSpeaking != nil:
		s.onSpeaking()
	case !speaking && s.onIdle != nil:
		s.onIdle()
	}
}

// decode turns chunk into a playback buffer at the scheduler's format.
func (s *Scheduler) decode(chunk audio.Chunk) (*audio.Buffer, error) {
	channels := chunk.Channels
	if channels <= 0 {
		channels = 1
	}
	rate := chunk.SampleRate
	if rate <= 0 {
		rate = s.sampleRate
	}
	if len(chunk.Data)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %d channel(s)", audio.ErrMalformedAudio, len(chunk.Data), channels)
	}
	if rate != s.sampleRate || channels != s.channels {
		chunk = s.conv.Convert(audio.Chunk{Data: chunk.Data, SampleRate: rate, Channels: channels})
	}
	return audio.PCM16ToBuffer(chunk.Data, s.sampleRate, s.channels)
}
