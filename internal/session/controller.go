// Package session owns the lifecycle of one live voice session at a time.
//
// A [Controller] ties the pieces together: it opens the provider session,
// starts microphone capture once the provider confirms the session, feeds
// model audio into a playback scheduler, keeps the running transcript, and
// tears everything down as one step when the session stops, fails, or is
// closed by the remote side.
//
// Each [Controller.Start] creates a fresh session instance driven by a single
// event-loop goroutine. The loop is the only place state transitions happen;
// it consumes the provider's tagged event stream together with internal
// events (connect result, capture failure, stop requests).
//
//	Idle ──Start──▶ Connecting ──Opened──▶ Connected
//	                    │                      │
//	                    ├──Error──▶ Error ◀────┤
//	                    └──Closed/Stop──▶ Idle ◀┘
//
// Error and Closed are terminal for the instance; the next Start begins a new
// one. Nothing is retried automatically.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vlink/internal/capture"
	"github.com/MrWong99/vlink/internal/console"
	"github.com/MrWong99/vlink/internal/observe"
	"github.com/MrWong99/vlink/internal/playback"
	"github.com/MrWong99/vlink/internal/resilience"
	"github.com/MrWong99/vlink/pkg/audio"
	"github.com/MrWong99/vlink/pkg/provider/s2s"
)

// Console sources used for session entries.
const (
	SourceAI     = "MASTER-AI"
	SourceSystem = "SYSTEM"
)

// subscriberBuffer is the capacity of each [Controller.Subscribe] channel.
const subscriberBuffer = 16

// Config holds all dependencies for a [Controller].
type Config struct {
	// Provider opens live sessions. Required.
	Provider s2s.Provider

	// ProviderName labels metrics and logs (e.g. "gemini-live").
	ProviderName string

	// Microphone is opened once per connected session. Required.
	Microphone audio.Microphone

	// Output plays model audio. Required.
	Output audio.Output

	// SessionConfig is sent with every Connect until replaced with
	// [Controller.SetSessionConfig].
	SessionConfig s2s.SessionConfig

	// Logs receives operator-facing console entries. May be nil.
	Logs console.Sink

	// Commands receives the user's finalized utterance at every turn
	// completion. May be nil.
	Commands console.CommandSink

	// Metrics records session, capture, and playback instruments. May be nil.
	Metrics *observe.Metrics

	// CaptureOptions and PlaybackOptions are applied to the per-session
	// pipeline and scheduler.
	CaptureOptions  []capture.Option
	PlaybackOptions []playback.Option

	// Credential reports whether the provider credential is available. Start
	// calls it before anything else and fails with [ErrCredentialMissing]
	// when it returns an error. May be nil.
	Credential func() error

	// Breaker guards Provider.Connect. When nil a breaker opening after 3
	// consecutive failures for 30s is used.
	Breaker *resilience.Breaker
}

// Status is a point-in-time view of a [Controller].
type Status struct {
	State      State  `json:"state"`
	SessionID  string `json:"session_id,omitempty"`
	Speaking   bool   `json:"speaking"`
	Transcript string `json:"transcript"`
	Error      string `json:"error,omitempty"`
}

// Controller runs live sessions one at a time.
// All exported methods are safe for concurrent use.
type Controller struct {
	cfg      Config
	breaker  *resilience.Breaker
	speaking atomic.Bool

	mu         sync.Mutex
	sessionCfg s2s.SessionConfig
	state      State
	err        error
	cur        *instance
	transcript string
	subs       []chan StateChange
}

// instance is one session from Start to its terminal transition. Fields
// below done are owned by the event loop.
type instance struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	stop      chan State
	done      chan struct{}

	handle    s2s.SessionHandle
	capture   *capture.Pipeline
	playback  *playback.Scheduler
	input     strings.Builder
	connected bool
}

type connectResult struct {
	handle s2s.SessionHandle
	err    error
}

// New creates a [Controller] in [StateIdle].
func New(cfg Config) *Controller {
	breaker := cfg.Breaker
	if breaker == nil {
		const cooldown = 30 * time.Second
		breaker = resilience.NewBreaker("session/"+cfg.ProviderName,
			resilience.WithThreshold(3),
			resilience.WithCooldown(cooldown),
			resilience.WithOnTransition(func(t resilience.Transition) {
				cfg.Metrics.RecordBreakerTransition(context.Background(), t.Name, t.To.String())
				if t.To == resilience.StateOpen {
					console.Emit(context.Background(), cfg.Logs, SourceSystem,
						fmt.Sprintf("Provider unreachable after %d attempts; new sessions paused for %s.", t.Failures, cooldown),
						console.Warning)
				}
			}),
		)
	}
	return &Controller{
		cfg:        cfg,
		breaker:    breaker,
		sessionCfg: cfg.SessionConfig,
		state:      StateIdle,
	}
}

// Start begins a fresh session instance and returns once it is Connecting.
// The outcome arrives asynchronously: watch [Controller.Subscribe] or
// [Controller.Done].
//
// Start returns [ErrAlreadyActive] while a session is connecting or
// connected, an error wrapping [ErrCredentialMissing] when no credential is
// configured, and an error wrapping [ErrSessionOpen] and
// [resilience.ErrCircuitOpen] when recent opens kept failing. In all three
// cases no session is attempted and the state is left unchanged.
//
// A restart from Error or Closed goes straight to Connecting; the fresh
// instance is visible through the new session ID on the transition. ctx
// supplies values such as trace data; the session outlives its
// cancellation.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Active() {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrAlreadyActive, state)
	}
	if err := c.checkCredential(); err != nil {
		c.mu.Unlock()
		observe.Logger(ctx).Error("session: not started", "err", err)
		console.Emit(ctx, c.cfg.Logs, SourceSystem, credentialMessage, console.Error)
		return fmt.Errorf("session: %w", err)
	}
	if err := c.breaker.Allow(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("session: %w: %w", ErrSessionOpen, err)
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(observe.WithSessionID(context.WithoutCancel(ctx), id))
	in := &instance{
		id:        id,
		ctx:       runCtx,
		cancel:    cancel,
		startedAt: time.Now(),
		stop:      make(chan State),
		done:      make(chan struct{}),
	}
	in.playback = playback.New(c.cfg.Output, c.playbackOptions()...)
	sessionCfg := c.sessionCfg

	c.cur = in
	c.err = nil
	c.transcript = ""
	c.speaking.Store(false)
	change, subs := c.transitionLocked(in, StateConnecting, nil)
	c.mu.Unlock()
	publish(subs, change)

	observe.Logger(runCtx).Info("session: connecting",
		"provider", c.cfg.ProviderName,
		"model", sessionCfg.Model,
	)
	console.Emit(runCtx, c.cfg.Logs, SourceAI, "Initializing neural voice interface...", console.ACP)

	go c.loop(in, sessionCfg)
	return nil
}

// Stop ends the running session and returns once it is back in [StateIdle]
// with capture stopped, playback cleared, and the provider session closed.
// A connect still in flight is abandoned; if it succeeds later its session
// is closed at once. Stop is a no-op when no session is active.
func (c *Controller) Stop() error {
	c.end(StateIdle)
	return nil
}

// Close stops any running session and moves the controller to
// [StateClosed]. A later Start begins a fresh session as usual.
func (c *Controller) Close() error {
	c.end(StateClosed)
	return nil
}

// end asks the current instance's loop to stop in state to and waits for it.
func (c *Controller) end(to State) {
	c.mu.Lock()
	in := c.cur
	c.mu.Unlock()

	if in != nil {
		select {
		case in.stop <- to:
		case <-in.done:
		}
		<-in.done
	}

	if to != StateClosed {
		return
	}
	c.mu.Lock()
	if c.state == StateClosed || c.state.Active() {
		c.mu.Unlock()
		return
	}
	change, subs := c.transitionLocked(in, StateClosed, nil)
	c.mu.Unlock()
	publish(subs, change)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that ended the last session instance, or nil when it
// was stopped or is still running.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done returns a channel that is closed when the current session instance
// has fully ended. With no instance it returns a closed channel.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.cur.done
}

// Transcript returns the model's transcript of the current turn.
func (c *Controller) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript
}

// Speaking reports whether model audio is playing or queued.
func (c *Controller) Speaking() bool {
	return c.speaking.Load()
}

// Status returns a snapshot of state, speaking flag, and transcript.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:      c.state,
		Speaking:   c.speaking.Load(),
		Transcript: c.transcript,
	}
	if c.cur != nil {
		st.SessionID = c.cur.id
	}
	if c.err != nil {
		st.Error = c.err.Error()
	}
	return st
}

// Subscribe returns a channel that receives every subsequent state change.
// Changes are dropped for a subscriber whose buffer is full.
func (c *Controller) Subscribe() <-chan StateChange {
	ch := make(chan StateChange, subscriberBuffer)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// SetSessionConfig replaces the setup sent on the next Start. A running
// session keeps the setup it was opened with.
func (c *Controller) SetSessionConfig(cfg s2s.SessionConfig) {
	c.mu.Lock()
	c.sessionCfg = cfg
	c.mu.Unlock()
}

// SessionConfig returns the setup the next Start will use.
func (c *Controller) SessionConfig() s2s.SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionCfg
}

// ── Event loop ───────────────────────────────────────────────────────────────

// loop drives one instance until it reaches a terminal transition.
func (c *Controller) loop(in *instance, cfg s2s.SessionConfig) {
	defer close(in.done)
	defer in.cancel()

	results := make(chan connectResult, 1)
	go func() {
		h, err := c.connect(in.ctx, cfg)
		results <- connectResult{handle: h, err: err}
	}()

	pending := true
	defer func() {
		if !pending {
			return
		}
		// The instance ended before Connect returned. A late session must not
		// outlive it.
		go func() {
			if res := <-results; res.handle != nil {
				_ = res.handle.Close()
				s2s.Discard(res.handle)
			}
		}()
	}()

	var (
		events <-chan s2s.Event
		capErr <-chan error
	)
	for {
		select {
		case res := <-results:
			pending = false
			if res.err != nil {
				c.openFailed(in, res.err)
				return
			}
			in.handle = res.handle
			events = res.handle.Events()

		case ev, ok := <-events:
			if !ok {
				c.remoteClosed(in, fmt.Errorf("session: %w: event stream ended", ErrUnexpectedClose))
				return
			}
			if c.dispatch(in, ev) {
				return
			}
			if capErr == nil && in.capture != nil {
				capErr = in.capture.Err()
			}

		case err := <-capErr:
			c.openFailed(in, fmt.Errorf("session: capture: %w", err))
			return

		case to := <-in.stop:
			c.stopped(in, to)
			return
		}
	}
}

// dispatch applies one provider event and reports whether it ended the
// instance.
func (c *Controller) dispatch(in *instance, ev s2s.Event) bool {
	ctx := in.ctx
	switch ev.Kind {
	case s2s.EventOpened:
		return c.opened(in)

	case s2s.EventAudio:
		if err := in.playback.Enqueue(ctx, ev.Audio); err != nil {
			observe.Logger(ctx).Warn("session: audio chunk dropped", "err", err, "bytes", len(ev.Audio.Data))
			console.Emit(ctx, c.cfg.Logs, SourceSystem, "Dropped audio chunk: "+err.Error(), console.Warning)
		}

	case s2s.EventInterrupted:
		in.playback.Interrupt(ctx)

	case s2s.EventInputTranscript:
		in.input.WriteString(ev.Text)

	case s2s.EventOutputTranscript:
		c.mu.Lock()
		c.transcript += ev.Text
		c.mu.Unlock()

	case s2s.EventTurnComplete:
		c.finishTurn(in)

	case s2s.EventError:
		err := ev.Err
		if err == nil {
			err = ErrTransport
		}
		c.failed(in, err)
		return true

	case s2s.EventClosed:
		err := ev.Err
		if err == nil {
			err = ErrUnexpectedClose
		}
		c.remoteClosed(in, err)
		return true

	default:
		slog.Debug("session: ignoring event", "kind", ev.Kind)
	}
	return false
}

// opened starts capture and moves the instance to Connected. A repeated
// Opened event is ignored.
func (c *Controller) opened(in *instance) bool {
	if in.connected {
		return false
	}
	opts := append(slices.Clone(c.cfg.CaptureOptions), capture.WithMetrics(c.cfg.Metrics))
	pipe := capture.New(c.cfg.Microphone, in.handle.SendAudio, opts...)
	if err := pipe.Start(in.ctx); err != nil {
		c.openFailed(in, fmt.Errorf("session: start capture: %w", err))
		return true
	}
	in.capture = pipe
	in.connected = true

	c.cfg.Metrics.RecordSessionOpen(in.ctx, c.cfg.ProviderName, "ok", time.Since(in.startedAt))
	c.cfg.Metrics.SessionConnected(in.ctx, true)
	c.setState(in, StateConnected, nil)

	observe.Logger(in.ctx).Info("session: connected", "provider", c.cfg.ProviderName)
	console.Emit(in.ctx, c.cfg.Logs, SourceAI, "Bi-directional audio stream established.", console.Success)
	return false
}

// finishTurn logs the model's transcript, forwards the user's utterance to
// the command sink, and clears both.
func (c *Controller) finishTurn(in *instance) {
	ctx := in.ctx

	c.mu.Lock()
	said := c.transcript
	c.transcript = ""
	c.mu.Unlock()

	heard := strings.TrimSpace(in.input.String())
	in.input.Reset()

	if said = strings.TrimSpace(said); said != "" {
		console.Emit(ctx, c.cfg.Logs, SourceAI, said, console.ACP)
	}
	if heard == "" || c.cfg.Commands == nil {
		return
	}
	cmd := console.Command{SessionID: in.id, Text: heard, Timestamp: time.Now()}
	if err := c.cfg.Commands.Command(ctx, cmd); err != nil {
		observe.Logger(ctx).Warn("session: command not delivered", "err", err)
		console.Emit(ctx, c.cfg.Logs, SourceSystem, "Command delivery failed: "+err.Error(), console.Warning)
	}
}

// ── Terminal transitions ─────────────────────────────────────────────────────

// openFailed ends an instance that could not be established or lost its
// microphone.
func (c *Controller) openFailed(in *instance, err error) {
	msg := "Critical Session Error: " + err.Error()
	if errors.Is(err, ErrCredentialMissing) {
		msg = credentialMessage
	}
	observe.Logger(in.ctx).Error("session: open failed", "err", err)
	console.Emit(in.ctx, c.cfg.Logs, SourceSystem, msg, console.Error)
	c.finish(in, StateError, err)
}

// failed ends an instance on a transport or provider error.
func (c *Controller) failed(in *instance, err error) {
	observe.Logger(in.ctx).Error("session: communication error", "err", err)
	console.Emit(in.ctx, c.cfg.Logs, SourceAI, "Communication Error: "+err.Error(), console.Error)
	c.finish(in, StateError, err)
}

// remoteClosed ends an instance the remote side closed. This is a normal
// termination and returns to Idle.
func (c *Controller) remoteClosed(in *instance, err error) {
	observe.Logger(in.ctx).Warn("session: closed by remote", "err", err)
	console.Emit(in.ctx, c.cfg.Logs, SourceAI, "Neural interface terminated.", console.Warning)
	c.finish(in, StateIdle, err)
}

// stopped ends an instance on request.
func (c *Controller) stopped(in *instance, to State) {
	observe.Logger(in.ctx).Info("session: stopped", "state", to)
	console.Emit(in.ctx, c.cfg.Logs, SourceSystem, "Neural interface terminated.", console.Info)
	c.finish(in, to, nil)
}

// finish tears the instance down, records metrics, and applies the terminal
// state.
func (c *Controller) finish(in *instance, to State, err error) {
	c.teardown(in)

	m := c.cfg.Metrics
	if !in.connected && err != nil {
		m.RecordSessionOpen(in.ctx, c.cfg.ProviderName, "error", time.Since(in.startedAt))
	}
	if err != nil {
		m.RecordSessionError(in.ctx, errorKind(err))
	}
	c.setState(in, to, err)
}

// teardown stops capture, clears playback, and closes the provider session
// before any terminal state becomes visible.
func (c *Controller) teardown(in *instance) {
	var g errgroup.Group
	if in.capture != nil {
		g.Go(in.capture.Stop)
	}
	g.Go(in.playback.Close)
	err := g.Wait()

	if in.handle != nil {
		err = errors.Join(err, in.handle.Close())
		go s2s.Discard(in.handle)
	}
	if in.connected {
		c.cfg.Metrics.SessionConnected(in.ctx, false)
	}
	c.speaking.Store(false)

	if err != nil {
		observe.Logger(in.ctx).Warn("session: teardown", "err", err)
	}
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// connect opens the provider session through the circuit breaker. Missing
// credentials and abandoned connects do not count as endpoint failures.
func (c *Controller) connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var (
		handle  s2s.SessionHandle
		connErr error
	)
	err := c.breaker.Do(func() error {
		handle, connErr = c.cfg.Provider.Connect(ctx, cfg)
		if connErr == nil || errors.Is(connErr, ErrCredentialMissing) || ctx.Err() != nil {
			return nil
		}
		return connErr
	})
	if connErr != nil {
		if !errors.Is(connErr, ErrSessionOpen) {
			connErr = fmt.Errorf("%w: %w", ErrSessionOpen, connErr)
		}
		return nil, fmt.Errorf("session: connect: %w", connErr)
	}
	if err != nil {
		return nil, fmt.Errorf("session: %w: %w", ErrSessionOpen, err)
	}
	return handle, nil
}

// credentialMessage is the console text for a missing provider key.
const credentialMessage = "Error: API_KEY not found in environment."

// checkCredential runs the configured credential check. Its error always
// matches [ErrCredentialMissing].
func (c *Controller) checkCredential() error {
	if c.cfg.Credential == nil {
		return nil
	}
	err := c.cfg.Credential()
	if err == nil || errors.Is(err, ErrCredentialMissing) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCredentialMissing, err)
}

func (c *Controller) playbackOptions() []playback.Option {
	return append(slices.Clone(c.cfg.PlaybackOptions),
		playback.WithMetrics(c.cfg.Metrics),
		playback.WithOnSpeaking(func() { c.speaking.Store(true) }),
		playback.WithOnIdle(func() { c.speaking.Store(false) }),
	)
}

// setState applies a transition for in, unless a newer instance has taken
// over.
func (c *Controller) setState(in *instance, to State, err error) {
	c.mu.Lock()
	if c.cur != in {
		c.mu.Unlock()
		return
	}
	change, subs := c.transitionLocked(in, to, err)
	c.mu.Unlock()
	publish(subs, change)
}

// transitionLocked sets the state and returns the change with a snapshot of
// the subscribers. c.mu must be held.
func (c *Controller) transitionLocked(in *instance, to State, err error) (StateChange, []chan StateChange) {
	change := StateChange{From: c.state, To: to, Err: err, At: time.Now()}
	if in != nil {
		change.SessionID = in.id
	}
	c.state = to
	if err != nil || to == StateConnecting {
		c.err = err
	}
	return change, slices.Clone(c.subs)
}

func publish(subs []chan StateChange, change StateChange) {
	for _, ch := range subs {
		select {
		case ch <- change:
		default:
			slog.Debug("session: state subscriber full, change dropped", "to", change.To)
		}
	}
}
