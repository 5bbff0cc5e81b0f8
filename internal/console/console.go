// Package console carries the operator-facing log stream and the finalized
// voice commands of a live session.
//
// Everything the session controller wants a human to see goes through a
// [Sink] as an [Entry] tagged with a source and a [Category]. Finalized user
// utterances go through a [CommandSink]. Several implementations can be
// combined with [Fanout] and [FanoutCommands].
package console

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Category classifies a console entry. The set matches the categories the
// control panel renders.
type Category string

const (
	Info    Category = "INFO"
	Success Category = "SUCCESS"
	Warning Category = "WARNING"
	Error   Category = "ERROR"
	ACP     Category = "ACP"
	A2A     Category = "A2A"
	ADK     Category = "ADK"
	A2UI    Category = "A2UI"
	OpenAI  Category = "OPENAI"
)

// Level maps the category onto a slog level. Protocol categories are
// informational.
func (c Category) Level() slog.Level {
	switch c {
	case Warning:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Entry is one line in the operator console.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Category  Category  `json:"type"`
}

// Sink receives console entries. Implementations must be safe for concurrent
// use and must not block the caller for long.
type Sink interface {
	Log(ctx context.Context, e Entry)
}

// Emit stamps an entry with the current time and hands it to s. A nil sink
// discards the entry.
func Emit(ctx context.Context, s Sink, source, message string, category Category) {
	if s == nil {
		return
	}
	s.Log(ctx, Entry{
		Timestamp: time.Now(),
		Source:    source,
		Message:   message,
		Category:  category,
	})
}

// ─── SlogSink ───────────────────────────────────────────────────────────────

// SlogSink writes entries to a structured logger.
type SlogSink struct {
	// Logger is the destination. Nil uses slog.Default at call time.
	Logger *slog.Logger
}

// Log implements [Sink].
func (s SlogSink) Log(ctx context.Context, e Entry) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.LogAttrs(ctx, e.Category.Level(), e.Message,
		slog.String("source", e.Source),
		slog.String("category", string(e.Category)),
	)
}

// ─── Ring ───────────────────────────────────────────────────────────────────

// DefaultHistory is the capacity used by NewRing for non-positive sizes.
const DefaultHistory = 200

// Ring keeps the most recent entries in memory for the status API.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewRing returns a Ring holding at most size entries.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultHistory
	}
	return &Ring{entries: make([]Entry, size)}
}

// Log implements [Sink].
func (r *Ring) Log(_ context.Context, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// Entries returns the retained entries, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}

// ─── Fanout ─────────────────────────────────────────────────────────────────

// Fanout delivers every entry to each of its sinks in order. Nil members are
// skipped.
type Fanout []Sink

// Log implements [Sink].
func (f Fanout) Log(ctx context.Context, e Entry) {
	for _, s := range f {
		if s != nil {
			s.Log(ctx, e)
		}
	}
}

var (
	_ Sink = SlogSink{}
	_ Sink = (*Ring)(nil)
	_ Sink = Fanout(nil)
)
