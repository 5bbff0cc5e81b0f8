package mixer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/MrWong99/vlink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Output = (*Bus)(nil)
	_ audio.Voice  = (*voice)(nil)
)

const (
	// defaultQueueCap is the initial capacity hint for the pending voice queue.
	defaultQueueCap = 16

	// endedBacklog bounds the number of end notifications buffered between
	// the render path and the notification goroutine.
	endedBacklog = 256
)

// Option configures a [Bus] during construction.
type Option func(*Bus)

// WithQueueCapacity sets the initial capacity hint for the pending voice
// queue. The queue grows as needed.
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.pending = make(voiceHeap, 0, n)
		}
	}
}

// Bus is a software [audio.Output]. Its clock advances only when
// [Bus.Process] renders samples, so the clock reads exactly how much audio
// has been handed to the device.
//
// Buffers scheduled on the bus should carry the bus sample rate; their
// channels are mapped onto the bus channels, with mono buffers duplicated
// to every output channel.
//
// All exported methods are safe for concurrent use.
type Bus struct {
	sampleRate int
	channels   int

	mu      sync.Mutex
	frame   int64 // clock position in frames
	seq     uint64
	pending voiceHeap
	active  []*voice

	ended  chan func()   // end callbacks awaiting delivery
	done   chan struct{} // closed by Close
	closed bool
}

// New creates a [Bus] rendering interleaved float samples at sampleRate with
// the given channel count. A background goroutine delivers end-of-voice
// callbacks until [Bus.Close] is called.
func New(sampleRate, channels int, opts ...Option) *Bus {
	if channels < 1 {
		channels = 1
	}
	b := &Bus{
		sampleRate: sampleRate,
		channels:   channels,
		pending:    make(voiceHeap, 0, defaultQueueCap),
		ended:      make(chan func(), endedBacklog),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	heap.Init(&b.pending)
	go b.notify()
	return b
}

// SampleRate returns the bus sample rate in Hz.
func (b *Bus) SampleRate() int { return b.sampleRate }

// Channels returns the number of interleaved output channels.
func (b *Bus) Channels() int { return b.channels }

// Now implements [audio.Output].
func (b *Bus) Now() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.framesToDuration(b.frame)
}

// Schedule implements [audio.Output]. A start time at or before the current
// clock position starts on the next rendered frame.
func (b *Bus) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) audio.Voice {
	v := &voice{bus: b, buf: buf, onEnded: onEnded}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		v.stopped = true
		return v
	}
	if buf == nil || buf.Frames() == 0 {
		// Nothing to render; the voice ends immediately.
		v.finished = true
		b.deliverLocked(onEnded)
		return v
	}

	v.start = max(b.durationToFrames(at), b.frame)
	b.seq++
	heap.Push(&b.pending, entry{voice: v, start: v.start, seq: b.seq})
	return v
}

// Process renders len(out)/channels frames of mixed audio into out and
// advances the clock by that many frames. Voices that finish inside the block
// have their end callbacks queued for delivery. Samples are clamped to
// [-1, 1].
func (b *Bus) Process(out []float32) {
	clear(out)
	frames := int64(len(out) / b.channels)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	blockEnd := b.frame + frames
	for b.pending.Len() > 0 && b.pending[0].start < blockEnd {
		e := heap.Pop(&b.pending).(entry)
		if e.voice.stopped {
			continue
		}
		b.active = append(b.active, e.voice)
	}

	kept := b.active[:0]
	for _, v := range b.active {
		if v.stopped {
			continue
		}
		if b.mixLocked(v, out, frames) {
			v.finished = true
			b.deliverLocked(v.onEnded)
			continue
		}
		kept = append(kept, v)
	}
	clear(b.active[len(kept):])
	b.active = kept

	for i, s := range out {
		switch {
		case s > 1:
			out[i] = 1
		case s < -1:
			out[i] = -1
		}
	}
	b.frame = blockEnd
}

// Close stops all voices and the notification goroutine. Voices stopped by
// Close do not receive end callbacks. Close is idempotent; subsequent calls
// are no-ops and return nil.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, v := range b.active {
		v.stopped = true
	}
	b.active = nil
	for b.pending.Len() > 0 {
		e := heap.Pop(&b.pending).(entry)
		e.voice.stopped = true
	}
	b.mu.Unlock()

	close(b.done)
	return nil
}

// mixLocked adds the part of v that overlaps the current block into out and
// reports whether v played its last frame. Must be called with b.mu held.
func (b *Bus) mixLocked(v *voice, out []float32, frames int64) bool {
	total := int64(v.buf.Frames())
	srcChannels := v.buf.Channels()
	for i := range frames {
		pos := b.frame + i - v.start
		if pos < 0 {
			continue
		}
		if pos >= total {
			return true
		}
		for c := range b.channels {
			src := min(c, srcChannels-1)
			out[int(i)*b.channels+c] += v.buf.Data[src][pos]
		}
	}
	return b.frame+frames-v.start >= total
}

// deliverLocked queues fn for the notification goroutine. When the backlog is
// full the callback runs on its own goroutine so the render path never
// blocks. Must be called with b.mu held.
func (b *Bus) deliverLocked(fn func()) {
	if fn == nil {
		return
	}
	select {
	case b.ended <- fn:
	default:
		go fn()
	}
}

// notify runs end callbacks outside the bus lock until Close.
func (b *Bus) notify() {
	for {
		select {
		case <-b.done:
			return
		case fn := <-b.ended:
			fn()
		}
	}
}

func (b *Bus) framesToDuration(f int64) time.Duration {
	if b.sampleRate <= 0 {
		return 0
	}
	return time.Duration(f * int64(time.Second) / int64(b.sampleRate))
}

// durationToFrames rounds d up to the next whole frame so that a voice never
// starts before the requested time.
func (b *Bus) durationToFrames(d time.Duration) int64 {
	if d <= 0 || b.sampleRate <= 0 {
		return 0
	}
	n := int64(d) * int64(b.sampleRate)
	f := n / int64(time.Second)
	if n%int64(time.Second) != 0 {
		f++
	}
	return f
}

// voice is a buffer scheduled on a [Bus].
type voice struct {
	bus     *Bus
	buf     *audio.Buffer
	start   int64
	onEnded func()

	// guarded by bus.mu
	stopped  bool
	finished bool
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	v.bus.mu.Lock()
	defer v.bus.mu.Unlock()
	if !v.finished {
		v.stopped = true
	}
}
