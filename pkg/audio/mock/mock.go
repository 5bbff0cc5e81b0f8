// Package mock provides in-memory mock implementations of the [audio.Microphone]
// and [audio.Output] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := mock.NewMicrophone()
//	out := mock.NewOutput()
//	// ... start the pipeline under test ...
//	mic.Push(make([]float32, 4096)) // deliver one capture window
//	out.Advance(200 * time.Millisecond) // fire onEnded for finished voices
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/vlink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone  = (*Microphone)(nil)
	_ audio.InputStream = (*InputStream)(nil)
	_ audio.Output      = (*Output)(nil)
	_ audio.Voice       = (*Voice)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Microphone.Open] invocation.
type OpenCall struct {
	Format audio.Format
	Window int
}

// Microphone is a mock implementation of [audio.Microphone]. Windows pushed
// with [Microphone.Push] are handed out by the stream's Read in order.
type Microphone struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	windows chan []float32
	streams []*InputStream
}

// NewMicrophone returns a Microphone whose window queue holds up to 64
// pending windows.
func NewMicrophone() *Microphone {
	return &Microphone{windows: make(chan []float32, 64)}
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, f audio.Format, window int) (audio.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, OpenCall{Format: f, Window: window})
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	s := &InputStream{windows: m.windows, closed: make(chan struct{})}
	m.streams = append(m.streams, s)
	return s, nil
}

// Push queues one capture window. It blocks when the queue is full.
func (m *Microphone) Push(window []float32) {
	m.windows <- window
}

// Streams returns every stream opened so far.
func (m *Microphone) Streams() []*InputStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*InputStream, len(m.streams))
	copy(out, m.streams)
	return out
}

// InputStream is the stream returned by [Microphone.Open].
type InputStream struct {
	windows <-chan []float32

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Read implements [audio.InputStream].
func (s *InputStream) Read(buf []float32) error {
	select {
	case <-s.closed:
		return audio.ErrStreamClosed
	default:
	}
	select {
	case <-s.closed:
		return audio.ErrStreamClosed
	case w := <-s.windows:
		copy(buf, w)
		return nil
	}
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Output.Schedule] invocation.
type ScheduleCall struct {
	Buffer *audio.Buffer
	At     time.Duration
	Voice  *Voice
}

// Output is a mock implementation of [audio.Output] with a manually driven
// clock. Voices end when [Output.Advance] or [Output.SetNow] moves the clock
// past their start time plus duration.
type Output struct {
	mu    sync.Mutex
	now   time.Duration
	calls []ScheduleCall
}

// NewOutput returns an Output whose clock reads zero.
func NewOutput() *Output {
	return &Output{}
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [audio.Output]. Past start times are clamped to Now.
func (o *Output) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) audio.Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	start := max(at, o.now)
	v := &Voice{start: start, end: start + buf.Duration(), onEnded: onEnded}
	o.calls = append(o.calls, ScheduleCall{Buffer: buf, At: at, Voice: v})
	return v
}

// Calls returns every Schedule invocation so far.
func (o *Output) Calls() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduleCall, len(o.calls))
	copy(out, o.calls)
	return out
}

// Advance moves the clock forward by d. See [Output.SetNow].
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	t := o.now + d
	o.mu.Unlock()
	o.SetNow(t)
}

// SetNow moves the clock to t and synchronously invokes onEnded for every
// voice that has finished by then, in scheduling order. Callbacks run
// without the Output lock held.
func (o *Output) SetNow(t time.Duration) {
	o.mu.Lock()
	if t > o.now {
		o.now = t
	}
	var ended []*Voice
	for _, c := range o.calls {
		if c.Voice.finish(o.now) {
			ended = append(ended, c.Voice)
		}
	}
	o.mu.Unlock()

	for _, v := range ended {
		if v.onEnded != nil {
			v.onEnded()
		}
	}
}

// Voice is the handle returned by [Output.Schedule].
type Voice struct {
	start, end time.Duration
	onEnded    func()

	mu      sync.Mutex
	stopped bool
	done    bool
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether Stop has been called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// Start is the clock time at which the voice begins.
func (v *Voice) Start() time.Duration { return v.start }

// End is the clock time at which the voice finishes naturally.
func (v *Voice) End() time.Duration { return v.end }

// finish marks the voice done if it has run to completion by now and was not
// stopped. It reports true exactly once.
func (v *Voice) finish(now time.Duration) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.done || v.stopped || now < v.end {
		return false
	}
	v.done = true
	return true
}
