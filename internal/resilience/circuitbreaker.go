// Package resilience holds the breaker that guards live session opens.
//
// A [Breaker] never retries by itself. It only decides whether a
// caller-initiated attempt may go ahead, so a dead endpoint is reported
// straight away instead of every start request waiting out the dial timeout.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is matched by every [OpenError].
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned while a [Breaker] rejects calls.
type OpenError struct {
	Name string
	// RetryAt is the earliest time a probe will be admitted. It is zero when
	// the breaker is half-open and all probe slots are taken.
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s: %v (probe in flight)", e.Name, ErrCircuitOpen)
	}
	return fmt.Sprintf("%s: %v until %s", e.Name, ErrCircuitOpen, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// State is the mode a [Breaker] is in.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Transition describes one state change of a [Breaker].
type Transition struct {
	Name     string
	From, To State
	// Failures is the consecutive failure count that caused the change.
	Failures int
}

// Option configures a [Breaker].
type Option func(*Breaker)

// WithThreshold sets how many consecutive failures open the breaker.
// Default 5.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long an open breaker rejects calls before it admits
// probes. Default 30s.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithProbes sets how many successful probes close a half-open breaker.
// Default 1.
func WithProbes(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.probes = n
		}
	}
}

// WithClock replaces [time.Now].
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithOnTransition registers fn to be called after every state change. It
// runs without the breaker lock held.
func WithOnTransition(fn func(Transition)) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// Breaker is a closed / open / half-open circuit breaker. It is safe for
// concurrent use.
type Breaker struct {
	name         string
	threshold    int
	cooldown     time.Duration
	probes       int
	now          func() time.Time
	onTransition func(Transition)

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int // half-open probes currently running
	succeeded int // half-open probes that returned nil
}

// NewBreaker returns a closed [Breaker]. name labels logs and errors.
func NewBreaker(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: 5,
		cooldown:  30 * time.Second,
		probes:    1,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name returns the label given to [NewBreaker].
func (b *Breaker) Name() string { return b.name }

// State returns the effective state. An open breaker whose cooldown has
// passed reports [StateHalfOpen] even though it only moves there on the next
// [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cooledDown() {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether [Breaker.Do] would run its function right now. It
// does not reserve a probe slot.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejectLocked()
}

// Do runs fn unless the breaker rejects the call, in which case it returns an
// [*OpenError] and fn is not called. A non-nil result from fn counts as a
// failure.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if err := b.rejectLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	var fired []Transition
	if b.state == StateOpen {
		fired = append(fired, b.moveLocked(StateHalfOpen))
	}
	probe := b.state == StateHalfOpen
	if probe {
		b.inFlight++
	}
	b.mu.Unlock()
	b.notify(fired)

	err := fn()

	b.mu.Lock()
	fired = fired[:0]
	if probe {
		b.inFlight--
	}
	switch {
	case err != nil && probe:
		b.failures++
		b.openedAt = b.now()
		if b.state != StateOpen {
			fired = append(fired, b.moveLocked(StateOpen))
		}
	case err != nil:
		b.failures++
		if b.state == StateClosed && b.failures >= b.threshold {
			b.openedAt = b.now()
			fired = append(fired, b.moveLocked(StateOpen))
		}
	case probe:
		b.succeeded++
		if b.state == StateHalfOpen && b.succeeded >= b.probes {
			fired = append(fired, b.moveLocked(StateClosed))
		}
	default:
		b.failures = 0
	}
	b.mu.Unlock()
	b.notify(fired)
	return err
}

// Reset closes the breaker and forgets past failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var fired []Transition
	if b.state != StateClosed {
		fired = append(fired, b.moveLocked(StateClosed))
	}
	b.failures = 0
	b.mu.Unlock()
	b.notify(fired)
}

func (b *Breaker) cooledDown() bool {
	return !b.now().Before(b.openedAt.Add(b.cooldown))
}

// rejectLocked returns the error Do would fail with, or nil.
func (b *Breaker) rejectLocked() error {
	switch b.state {
	case StateOpen:
		if !b.cooledDown() {
			return &OpenError{Name: b.name, RetryAt: b.openedAt.Add(b.cooldown)}
		}
	case StateHalfOpen:
		if b.inFlight+b.succeeded >= b.probes {
			return &OpenError{Name: b.name}
		}
	}
	return nil
}

// moveLocked switches state, resets the per-state counters, and logs.
func (b *Breaker) moveLocked(to State) Transition {
	t := Transition{Name: b.name, From: b.state, To: to, Failures: b.failures}
	b.state = to
	b.succeeded = 0
	if to == StateClosed {
		b.failures = 0
	}

	log := slog.With("breaker", b.name, "from", t.From.String(), "to", to.String())
	if to == StateOpen {
		log.Warn("circuit breaker opened", "failures", t.Failures, "cooldown", b.cooldown)
	} else {
		log.Info("circuit breaker state changed")
	}
	return t
}

func (b *Breaker) notify(ts []Transition) {
	if b.onTransition == nil {
		return
	}
	for _, t := range ts {
		b.onTransition(t)
	}
}
