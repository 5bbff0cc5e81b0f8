package session_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/vlink/internal/console"
	"github.com/MrWong99/vlink/internal/observe"
	"github.com/MrWong99/vlink/internal/resilience"
	"github.com/MrWong99/vlink/internal/session"
	"github.com/MrWong99/vlink/pkg/audio"
	audiomock "github.com/MrWong99/vlink/pkg/audio/mock"
	"github.com/MrWong99/vlink/pkg/provider/s2s"
	s2smock "github.com/MrWong99/vlink/pkg/provider/s2s/mock"
)

const waitTimeout = 2 * time.Second

// ── Fixture ──────────────────────────────────────────────────────────────────

type fixture struct {
	prov    *s2smock.Provider
	mic     *audiomock.Microphone
	out     *audiomock.Output
	logs    *console.Ring
	cmds    chan console.Command
	ctrl    *session.Controller
	changes <-chan session.StateChange
}

func newFixture(t *testing.T, mutate ...func(*session.Config)) *fixture {
	t.Helper()
	f := &fixture{
		prov: &s2smock.Provider{},
		mic:  audiomock.NewMicrophone(),
		out:  audiomock.NewOutput(),
		logs: console.NewRing(100),
		cmds: make(chan console.Command, 8),
	}
	cfg := session.Config{
		Provider:     f.prov,
		ProviderName: "mock",
		Microphone:   f.mic,
		Output:       f.out,
		SessionConfig: s2s.SessionConfig{
			Model:               "test-model",
			ResponseModalities:  []s2s.Modality{s2s.ModalityAudio},
			InputTranscription:  true,
			OutputTranscription: true,
			SystemInstruction:   "be brief",
		},
		Logs: f.logs,
		Commands: console.CommandFunc(func(_ context.Context, c console.Command) error {
			f.cmds <- c
			return nil
		}),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	if p, ok := cfg.Provider.(*s2smock.Provider); ok {
		f.prov = p
	}
	f.ctrl = session.New(cfg)
	f.changes = f.ctrl.Subscribe()
	t.Cleanup(func() { _ = f.ctrl.Stop() })
	return f
}

// expect waits for the next state change and checks its target state.
func (f *fixture) expect(t *testing.T, want session.State) session.StateChange {
	t.Helper()
	select {
	case ch := <-f.changes:
		if ch.To != want {
			t.Fatalf("transition %s -> %s (err %v), want -> %s", ch.From, ch.To, ch.Err, want)
		}
		return ch
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for -> %s (state %s)", want, f.ctrl.State())
	}
	return session.StateChange{}
}

// expectNoChange fails if a state change arrives within a short window.
func (f *fixture) expectNoChange(t *testing.T) {
	t.Helper()
	select {
	case ch := <-f.changes:
		t.Fatalf("unexpected transition %s -> %s", ch.From, ch.To)
	case <-time.After(50 * time.Millisecond):
	}
}

// session waits for the n-th provider session (1-based).
func (f *fixture) session(t *testing.T, n int) *s2smock.Session {
	t.Helper()
	eventually(t, func() bool { return f.prov.ConnectCount() >= n && f.prov.LastSession() != nil }, "provider session")
	return f.prov.LastSession()
}

// connect starts the controller and drives it to Connected.
func (f *fixture) connect(t *testing.T) *s2smock.Session {
	t.Helper()
	n := f.prov.ConnectCount() + 1
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.expect(t, session.StateConnecting)
	sess := f.session(t, n)
	sess.Emit(s2s.Event{Kind: s2s.EventOpened})
	f.expect(t, session.StateConnected)
	return sess
}

// hasLog reports whether the console ring holds a matching entry.
func (f *fixture) hasLog(source, contains string, cat console.Category) bool {
	for _, e := range f.logs.Entries() {
		if e.Source == source && e.Category == cat && strings.Contains(e.Message, contains) {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// speech returns a 24 kHz mono chunk of silence lasting d.
func speech(d time.Duration) audio.Chunk {
	frames := int(d * audio.OutputSampleRate / time.Second)
	return audio.Chunk{Data: make([]byte, frames*2), SampleRate: audio.OutputSampleRate, Channels: 1}
}

// ── State ────────────────────────────────────────────────────────────────────

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    session.State
		want string
	}{
		{session.StateIdle, "idle"},
		{session.StateConnecting, "connecting"},
		{session.StateConnected, "connected"},
		{session.StateError, "error"},
		{session.StateClosed, "closed"},
		{session.State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func TestController_ConnectedOnlyAfterOpened(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if got := f.ctrl.State(); got != session.StateIdle {
		t.Fatalf("initial state = %s, want idle", got)
	}
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	change := f.expect(t, session.StateConnecting)
	if change.From != session.StateIdle || change.SessionID == "" {
		t.Errorf("change = %+v", change)
	}
	sess := f.session(t, 1)

	f.expectNoChange(t)
	if got := f.ctrl.State(); got != session.StateConnecting {
		t.Fatalf("state before Opened = %s, want connecting", got)
	}
	if n := len(f.mic.Streams()); n != 0 {
		t.Fatalf("microphone opened %d times before Opened", n)
	}

	sess.Emit(s2s.Event{Kind: s2s.EventOpened})
	f.expect(t, session.StateConnected)

	streams := f.mic.Streams()
	if len(streams) != 1 {
		t.Fatalf("microphone opened %d times, want 1", len(streams))
	}
	cfg := f.prov.ConnectCalls[0].Cfg
	if cfg.Model != "test-model" || cfg.SystemInstruction != "be brief" || !cfg.InputTranscription {
		t.Errorf("connect config = %+v", cfg)
	}
	if !f.hasLog(session.SourceAI, "Initializing neural voice interface", console.ACP) {
		t.Error("missing initializing log entry")
	}
	if !f.hasLog(session.SourceAI, "Bi-directional audio stream established.", console.Success) {
		t.Error("missing established log entry")
	}
}

func TestController_StartWhileActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.connect(t)

	err := f.ctrl.Start(context.Background())
	if !errors.Is(err, session.ErrAlreadyActive) {
		t.Fatalf("second Start err = %v, want ErrAlreadyActive", err)
	}
	if got := f.prov.ConnectCount(); got != 1 {
		t.Errorf("Connect called %d times, want 1", got)
	}
}

func TestController_StopWhileConnecting(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	f := newFixture(t, func(c *session.Config) {
		c.Provider = &s2smock.Provider{Gate: gate}
	})

	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.expect(t, session.StateConnecting)
	eventually(t, func() bool { return f.prov.ConnectCount() == 1 }, "Connect call")

	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := f.ctrl.State(); got != session.StateIdle {
		t.Fatalf("state after Stop = %s, want idle", got)
	}
	f.expect(t, session.StateIdle)
	f.expectNoChange(t)
	if err := f.ctrl.Err(); err != nil {
		t.Errorf("Err after Stop = %v, want nil", err)
	}
	if n := len(f.mic.Streams()); n != 0 {
		t.Errorf("microphone opened %d times", n)
	}
	close(gate)
}

// lateProvider ignores context cancellation so a connect can succeed after
// the controller abandoned it.
type lateProvider struct {
	gate chan struct{}
	sess *s2smock.Session
}

func (p *lateProvider) Connect(context.Context, s2s.SessionConfig) (s2s.SessionHandle, error) {
	<-p.gate
	return p.sess, nil
}

func (p *lateProvider) Capabilities() s2s.Capabilities { return s2s.Capabilities{} }

func TestController_LateConnectIsClosed(t *testing.T) {
	t.Parallel()
	late := &lateProvider{gate: make(chan struct{}), sess: s2smock.NewSession()}
	f := newFixture(t, func(c *session.Config) { c.Provider = late })

	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.expect(t, session.StateConnecting)
	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	f.expect(t, session.StateIdle)

	close(late.gate)
	eventually(t, late.sess.Closed, "late session close")
	late.sess.Emit(s2s.Event{Kind: s2s.EventOpened})
	f.expectNoChange(t)
	if got := f.ctrl.State(); got != session.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestController_StopWhileConnected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.connect(t)

	sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: speech(time.Second)})
	eventually(t, func() bool { return len(f.out.Calls()) == 1 }, "scheduled audio")

	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	f.expect(t, session.StateIdle)

	if !sess.Closed() {
		t.Error("provider session not closed")
	}
	if !f.mic.Streams()[0].Closed() {
		t.Error("microphone stream not closed")
	}
	if !f.out.Calls()[0].Voice.Stopped() {
		t.Error("playback not cleared")
	}
	if f.ctrl.Speaking() {
		t.Error("still speaking after Stop")
	}
	select {
	case <-f.ctrl.Done():
	default:
		t.Error("Done not closed after Stop")
	}
	if !f.hasLog(session.SourceSystem, "Neural interface terminated.", console.Info) {
		t.Error("missing terminated log entry")
	}
}

func TestController_StopWhenIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	f.expectNoChange(t)
	select {
	case <-f.ctrl.Done():
	default:
		t.Error("Done should be closed without a session")
	}
}

func TestController_CloseThenRestart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	first := f.connect(t)

	if err := f.ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	f.expect(t, session.StateClosed)
	if !first.Closed() {
		t.Error("provider session not closed")
	}

	f.connect(t)
	if got := f.prov.ConnectCount(); got != 2 {
		t.Errorf("Connect called %d times, want 2", got)
	}
}

// ── Inbound events ───────────────────────────────────────────────────────────

func TestController_AudioAndTurnCompletion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.connect(t)

	sess.Emit(s2s.Event{Kind: s2s.EventInputTranscript, Text: "deploy the "})
	sess.Emit(s2s.Event{Kind: s2s.EventInputTranscript, Text: "data scouts"})
	sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: speech(time.Second)})
	sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: speech(500 * time.Millisecond)})
	sess.Emit(s2s.Event{Kind: s2s.EventOutputTranscript, Text: "Scouts "})
	sess.Emit(s2s.Event{Kind: s2s.EventOutputTranscript, Text: "deployed."})

	eventually(t, func() bool { return f.ctrl.Transcript() == "Scouts deployed." }, "transcript")
	calls := f.out.Calls()
	if len(calls) != 2 {
		t.Fatalf("scheduled %d units, want 2", len(calls))
	}
	if calls[0].At != 0 || calls[1].At != time.Second {
		t.Errorf("starts = %v, %v; want 0, 1s", calls[0].At, calls[1].At)
	}
	if !f.ctrl.Speaking() {
		t.Error("Speaking = false while audio is queued")
	}
	st := f.ctrl.Status()
	if st.State != session.StateConnected || !st.Speaking || st.Transcript != "Scouts deployed." || st.SessionID == "" {
		t.Errorf("status = %+v", st)
	}

	sess.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
	select {
	case cmd := <-f.cmds:
		if cmd.Text != "deploy the data scouts" {
			t.Errorf("command = %q", cmd.Text)
		}
		if cmd.SessionID != st.SessionID {
			t.Errorf("command session = %q, want %q", cmd.SessionID, st.SessionID)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no command delivered")
	}
	if got := f.ctrl.Transcript(); got != "" {
		t.Errorf("transcript after turn = %q, want empty", got)
	}
	if !f.hasLog(session.SourceAI, "Scouts deployed.", console.ACP) {
		t.Error("model transcript not logged")
	}

	f.out.Advance(1500 * time.Millisecond)
	if f.ctrl.Speaking() {
		t.Error("Speaking = true after playback ended")
	}
}

func TestController_EmptyTurnSendsNoCommand(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.connect(t)

	sess.Emit(s2s.Event{Kind: s2s.EventInputTranscript, Text: "   "})
	sess.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
	sess.Emit(s2s.Event{Kind: s2s.EventOutputTranscript, Text: "next"})
	eventually(t, func() bool { return f.ctrl.Transcript() == "next" }, "transcript")

	select {
	case cmd := <-f.cmds:
		t.Errorf("unexpected command %q", cmd.Text)
	default:
	}
}

func TestController_MalformedAudioIsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.connect(t)

	sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: audio.Chunk{Data: []byte{1, 2, 3}, SampleRate: audio.OutputSampleRate}})
	sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: speech(100 * time.Millisecond)})

	eventually(t, func() bool { return len(f.out.Calls()) == 1 }, "valid chunk scheduled")
	if got := f.ctrl.State(); got != session.StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
	if !f.hasLog(session.SourceSystem, "Dropped audio chunk", console.Warning) {
		t.Error("malformed chunk not logged")
	}
	f.expectNoChange(t)
}

func TestController_InterruptedClearsPlayback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.connect(t)

	f.out.SetNow(2 * time.Second)
	sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: speech(time.Second)})
	sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: speech(time.Second)})
	eventually(t, func() bool { return len(f.out.Calls()) == 2 }, "scheduled audio")

	sess.Emit(s2s.Event{Kind: s2s.EventInterrupted})
	eventually(t, func() bool { return !f.ctrl.Speaking() }, "speaking cleared")
	for i, c := range f.out.Calls() {
		if !c.Voice.Stopped() {
			t.Errorf("unit %d not stopped", i)
		}
	}

	f.out.SetNow(2500 * time.Millisecond)
	sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: speech(time.Second)})
	eventually(t, func() bool { return len(f.out.Calls()) == 3 }, "post-interrupt audio")
	if got := f.out.Calls()[2].At; got != 2500*time.Millisecond {
		t.Errorf("post-interrupt start = %v, want now (2.5s)", got)
	}
	if got := f.ctrl.State(); got != session.StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

// ── Capture ──────────────────────────────────────────────────────────────────

func TestController_CaptureSendsSilenceWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.connect(t)

	f.mic.Push(make([]float32, 4096))
	select {
	case <-sess.SentSignal():
	case <-time.After(waitTimeout):
		t.Fatal("no chunk sent")
	}
	sent := sess.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d chunks, want 1", len(sent))
	}
	chunk := sent[0]
	if len(chunk.Data) != 8192 || chunk.SampleRate != audio.InputSampleRate {
		t.Fatalf("chunk = %d bytes at %d Hz, want 8192 at 16000", len(chunk.Data), chunk.SampleRate)
	}
	for i, b := range chunk.Data {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
	if got := chunk.MIMEType(); got != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", got)
	}
}

func TestController_MicrophoneDenied(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.mic.OpenErr = errors.New("permission refused by host")

	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.expect(t, session.StateConnecting)
	sess := f.session(t, 1)
	sess.Emit(s2s.Event{Kind: s2s.EventOpened})

	change := f.expect(t, session.StateError)
	if !errors.Is(change.Err, session.ErrMicrophoneAccessDenied) {
		t.Errorf("change err = %v, want ErrMicrophoneAccessDenied", change.Err)
	}
	if !errors.Is(f.ctrl.Err(), session.ErrMicrophoneAccessDenied) {
		t.Errorf("Err = %v", f.ctrl.Err())
	}
	if !sess.Closed() {
		t.Error("provider session not closed")
	}
	if !f.hasLog(session.SourceSystem, "Critical Session Error", console.Error) {
		t.Error("missing critical error log entry")
	}
}

// ── Failures ─────────────────────────────────────────────────────────────────

func TestController_TransportError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.connect(t)
	sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: speech(time.Second)})

	sess.Finish(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("%w: mock: read: reset by peer", s2s.ErrTransport)})
	change := f.expect(t, session.StateError)
	if !errors.Is(change.Err, session.ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", change.Err)
	}
	if !f.mic.Streams()[0].Closed() {
		t.Error("capture not stopped")
	}
	eventually(t, func() bool { return len(f.out.Calls()) == 1 }, "scheduled audio")
	if !f.out.Calls()[0].Voice.Stopped() {
		t.Error("playback not cleared")
	}
	if !sess.Closed() {
		t.Error("provider session not closed")
	}
	if !f.hasLog(session.SourceAI, "Communication Error: ", console.Error) {
		t.Error("missing communication error log entry")
	}

	// Error is terminal until a fresh Start.
	sess.Emit(s2s.Event{Kind: s2s.EventOpened})
	f.expectNoChange(t)
}

func TestController_RemoteCloseReturnsToIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.connect(t)

	sess.Finish(s2s.Event{Kind: s2s.EventClosed, Err: fmt.Errorf("%w: 1001 session expired", s2s.ErrUnexpectedClose)})
	change := f.expect(t, session.StateIdle)
	if change.From != session.StateConnected {
		t.Errorf("from = %s, want connected", change.From)
	}
	if !errors.Is(f.ctrl.Err(), session.ErrUnexpectedClose) {
		t.Errorf("Err = %v, want ErrUnexpectedClose", f.ctrl.Err())
	}
	if !f.mic.Streams()[0].Closed() {
		t.Error("capture not stopped")
	}
	if !f.hasLog(session.SourceAI, "Neural interface terminated.", console.Warning) {
		t.Error("missing terminated warning")
	}
}

func TestController_EventStreamEndIsUnexpectedClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.connect(t)

	_ = sess.Close()
	change := f.expect(t, session.StateIdle)
	if !errors.Is(change.Err, session.ErrUnexpectedClose) {
		t.Errorf("err = %v, want ErrUnexpectedClose", change.Err)
	}
}

func TestController_ConnectFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.prov.ConnectErr = errors.New("dial tcp: connection refused")

	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.expect(t, session.StateConnecting)
	change := f.expect(t, session.StateError)
	if !errors.Is(change.Err, session.ErrSessionOpen) {
		t.Errorf("err = %v, want ErrSessionOpen", change.Err)
	}
	if !strings.Contains(change.Err.Error(), "connection refused") {
		t.Errorf("err = %v, want cause", change.Err)
	}
	if !f.hasLog(session.SourceSystem, "Critical Session Error: ", console.Error) {
		t.Error("missing critical error log entry")
	}

	// A fresh Start after Error begins a new instance.
	f.prov.ConnectErr = nil
	f.connect(t)
}

func TestController_RestartFromErrorIsFreshInstance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.prov.ConnectErr = errors.New("endpoint down")

	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := f.expect(t, session.StateConnecting)
	f.expect(t, session.StateError)

	f.prov.ConnectErr = nil
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	again := f.expect(t, session.StateConnecting)
	if again.From != session.StateError {
		t.Errorf("restart from = %s, want error", again.From)
	}
	if again.Err != nil {
		t.Errorf("restart carries err %v, want nil", again.Err)
	}
	if again.SessionID == "" || again.SessionID == first.SessionID {
		t.Errorf("restart session ID = %q, want a new one (first %q)", again.SessionID, first.SessionID)
	}
	if f.ctrl.Err() != nil {
		t.Errorf("Err() = %v after restart, want nil", f.ctrl.Err())
	}
}

func TestController_CredentialMissingFailsFast(t *testing.T) {
	t.Parallel()
	var haveKey atomic.Bool
	f := newFixture(t, func(c *session.Config) {
		c.Credential = func() error {
			if haveKey.Load() {
				return nil
			}
			return errors.New("config: set provider.api_key or $GEMINI_API_KEY")
		}
	})

	err := f.ctrl.Start(context.Background())
	if !errors.Is(err, session.ErrCredentialMissing) {
		t.Fatalf("Start err = %v, want ErrCredentialMissing", err)
	}
	f.expectNoChange(t)
	if got := f.ctrl.State(); got != session.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if got := f.prov.ConnectCount(); got != 0 {
		t.Errorf("Connect called %d times, want 0", got)
	}
	if !f.hasLog(session.SourceSystem, "Error: API_KEY not found in environment.", console.Error) {
		t.Error("missing credential log entry")
	}
	if f.hasLog(session.SourceAI, "Initializing", console.ACP) {
		t.Error("session initialization logged without a credential")
	}

	haveKey.Store(true)
	f.connect(t)
}

func TestController_ProviderCredentialErrorKeepsBreakerClosed(t *testing.T) {
	t.Parallel()
	breaker := resilience.NewBreaker("test", resilience.WithThreshold(1))
	f := newFixture(t, func(c *session.Config) { c.Breaker = breaker })
	f.prov.ConnectErr = fmt.Errorf("%w: mock: %w", s2s.ErrSessionOpen, s2s.ErrCredentialMissing)

	for range 3 {
		if err := f.ctrl.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		f.expect(t, session.StateConnecting)
		change := f.expect(t, session.StateError)
		if !errors.Is(change.Err, session.ErrCredentialMissing) {
			t.Fatalf("err = %v, want ErrCredentialMissing", change.Err)
		}
	}
	if got := breaker.State(); got != resilience.StateClosed {
		t.Errorf("breaker = %s, credential errors must not trip it", got)
	}
	if !f.hasLog(session.SourceSystem, "API_KEY not found", console.Error) {
		t.Error("missing credential log entry")
	}
}

func TestController_BreakerFailsFast(t *testing.T) {
	t.Parallel()
	breaker := resilience.NewBreaker("test", resilience.WithThreshold(1), resilience.WithCooldown(time.Hour))
	f := newFixture(t, func(c *session.Config) { c.Breaker = breaker })
	f.prov.ConnectErr = errors.New("endpoint down")

	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.expect(t, session.StateConnecting)
	f.expect(t, session.StateError)

	err := f.ctrl.Start(context.Background())
	if !errors.Is(err, session.ErrSessionOpen) || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Start err = %v, want ErrSessionOpen wrapping ErrCircuitOpen", err)
	}
	var open *resilience.OpenError
	if !errors.As(err, &open) || open.RetryAt.IsZero() {
		t.Errorf("Start err = %v, want an OpenError with a retry time", err)
	}
	if got := f.ctrl.State(); got != session.StateError {
		t.Errorf("state = %s, want error", got)
	}
	if got := f.prov.ConnectCount(); got != 1 {
		t.Errorf("Connect called %d times, want 1", got)
	}
}

// ── Configuration ────────────────────────────────────────────────────────────

func TestController_SetSessionConfigAppliesOnNextStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.connect(t)

	next := f.ctrl.SessionConfig()
	next.Voice = "Kore"
	f.ctrl.SetSessionConfig(next)

	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	f.expect(t, session.StateIdle)
	f.connect(t)

	calls := connectConfigs(f.prov)
	if calls[0].Voice != "" || calls[1].Voice != "Kore" {
		t.Errorf("voices = %q, %q; want \"\", Kore", calls[0].Voice, calls[1].Voice)
	}
}

func connectConfigs(p *s2smock.Provider) []s2s.SessionConfig {
	var out []s2s.SessionConfig
	for _, c := range p.ConnectCalls {
		out = append(out, c.Cfg)
	}
	return out
}

// ── Metrics ──────────────────────────────────────────────────────────────────

func TestController_RecordsSessionMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := newFixture(t, func(c *session.Config) { c.Metrics = m })

	sess := f.connect(t)
	sess.Finish(s2s.Event{Kind: s2s.EventError, Err: s2s.ErrTransport})
	f.expect(t, session.StateError)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := map[string]int64{
		"vlink.session.opens":   1,
		"vlink.session.errors":  1,
		"vlink.active_sessions": 0,
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			w, ok := want[met.Name]
			if !ok {
				continue
			}
			sum := met.Data.(metricdata.Sum[int64])
			if got := sum.DataPoints[0].Value; got != w {
				t.Errorf("%s = %d, want %d", met.Name, got, w)
			}
			delete(want, met.Name)
		}
	}
	for name := range want {
		t.Errorf("metric %s not recorded", name)
	}
}

// ── Concurrency ──────────────────────────────────────────────────────────────

func TestController_ConcurrentStartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = f.ctrl.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			_ = f.ctrl.Stop()
		}()
	}
	wg.Wait()
	_ = f.ctrl.Stop()

	if got := f.ctrl.State(); got.Active() {
		t.Errorf("state after final Stop = %s", got)
	}
}
