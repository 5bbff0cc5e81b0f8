// Package mixer provides a software mixing bus implementing [audio.Output].
//
// A [Bus] keeps a frame-accurate clock and a priority queue of voices ordered
// by start frame. Each call to [Bus.Process] renders the next block of
// interleaved samples by summing every voice that overlaps the block, then
// advances the clock. Host audio backends drive Process from their device
// callback; tests drive it directly.
package mixer

// entry wraps a pending [voice] with scheduling metadata for the priority
// queue. The seq field provides FIFO ordering for voices sharing a start
// frame.
type entry struct {
	voice *voice
	start int64  // absolute start frame
	seq   uint64 // monotonic insertion order for FIFO tie-breaking
}

// voiceHeap implements [container/heap.Interface] as a min-heap ordered by
// start frame (ascending), with FIFO tie-breaking on seq (ascending).
type voiceHeap []entry

func (h voiceHeap) Len() int { return len(h) }

// Less reports whether element i should start before element j.
func (h voiceHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h voiceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *voiceHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *voiceHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}
