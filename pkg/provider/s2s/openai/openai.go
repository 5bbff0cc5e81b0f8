// Package openai connects vlink to OpenAI's Realtime API.
//
// The Realtime API speaks PCM16 at 24 kHz in both directions, so microphone
// chunks captured at another rate are resampled before they are queued.
// Server-side voice activity detection drives barge-in, which surfaces as
// [s2s.EventInterrupted]. Wire types live in wire.go.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/vlink/pkg/audio"
	"github.com/MrWong99/vlink/pkg/provider/s2s"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*session)(nil)
)

const (
	defaultModel    = "gpt-4o-realtime-preview"
	defaultEndpoint = "wss://api.openai.com/v1/realtime"

	// sampleRate is the only PCM16 rate the Realtime API accepts and emits.
	sampleRate = 24000

	transcriptionModel = "whisper-1"

	readLimit    = 16 << 20
	eventBuffer  = 64
	outboxBuffer = 256
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the model used when a session config names none.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL points the provider at another WebSocket endpoint, such as an
// httptest server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.endpoint = u }
}

// Provider opens Realtime sessions. It is safe for concurrent use.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
}

// New returns a provider for apiKey. An empty key is accepted; Connect then
// fails with [s2s.ErrCredentialMissing].
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel, endpoint: defaultEndpoint}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:      sampleRate,
		OutputSampleRate:     sampleRate,
		MaxSessionDurationMs: 30 * 60 * 1000,
		Voices:               []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the Realtime endpoint and sends session.update. Audio may be
// sent as soon as it returns; [s2s.EventOpened] follows on the first
// session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%w: openai: %w", s2s.ErrSessionOpen, s2s.ErrCredentialMissing)
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	update, err := encodeSessionUpdate(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: openai: encode session update: %w", s2s.ErrSessionOpen, err)
	}

	conn, _, err := websocket.Dial(ctx, p.endpoint+"?model="+url.QueryEscape(model), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": {"Bearer " + p.apiKey},
			"OpenAI-Beta":   {"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai: dial: %w", s2s.ErrSessionOpen, err)
	}
	conn.SetReadLimit(readLimit)

	if err := conn.Write(ctx, websocket.MessageText, update); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("%w: openai: session update: %w", s2s.ErrSessionOpen, err)
	}

	s := newSession(conn, cfg.OutputTranscription)
	go s.receiveLoop()
	go s.writeLoop()
	return s, nil
}

// session is one live connection. The receive loop owns events and closes
// it on exit; ending the receive loop ends the session.
type session struct {
	conn   *websocket.Conn
	events chan s2s.Event
	outbox chan []byte

	// wantTranscript forwards audio transcript deltas. Text deltas always
	// pass.
	wantTranscript bool
	// opened is touched only by the receive loop.
	opened bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conv     audio.FormatConverter
	closed   bool
	writeErr error
}

func newSession(conn *websocket.Conn, wantTranscript bool) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		conn:           conn,
		events:         make(chan s2s.Event, eventBuffer),
		outbox:         make(chan []byte, outboxBuffer),
		conv:           audio.FormatConverter{Target: audio.Format{SampleRate: sampleRate, Channels: 1}},
		wantTranscript: wantTranscript,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// SendAudio resamples chunk to 24 kHz mono when needed and queues it.
func (s *session) SendAudio(chunk audio.Chunk) error {
	s.mu.Lock()
	if s.closed || s.ctx.Err() != nil {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	chunk = s.conv.Convert(chunk)
	s.mu.Unlock()

	frame, err := encodeAppend(chunk.Encoded())
	if err != nil {
		return fmt.Errorf("openai: encode audio: %w", err)
	}
	select {
	case s.outbox <- frame:
		return nil
	default:
		return s2s.ErrQueueFull
	}
}

func (s *session) Events() <-chan s2s.Event { return s.events }

// Close ends the session. Calling it again is a no-op.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (s *session) receiveLoop() {
	defer close(s.events)
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.emit(s.readFailure(err))
			}
			return
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}
		if evt.Type == evError {
			s.emit(s2s.Event{Kind: s2s.EventError, Err: serverError(&evt)})
			s.conn.Close(websocket.StatusNormalClosure, "server error")
			return
		}
		if ev, ok := s.translate(&evt); ok && !s.emit(ev) {
			return
		}
	}
}

// readFailure turns a read error into the terminal event. A close frame
// from the peer is an unexpected close unless our own write failed first.
func (s *session) readFailure(err error) s2s.Event {
	s.mu.Lock()
	werr := s.writeErr
	s.mu.Unlock()
	if werr != nil {
		return s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("%w: openai: write: %w", s2s.ErrTransport, werr)}
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return s2s.Event{
			Kind: s2s.EventClosed,
			Err:  fmt.Errorf("%w: openai: status %d: %s", s2s.ErrUnexpectedClose, ce.Code, ce.Reason),
		}
	}
	return s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("%w: openai: read: %w", s2s.ErrTransport, err)}
}

// translate maps one non-error server event onto at most one s2s event.
func (s *session) translate(evt *serverEvent) (s2s.Event, bool) {
	switch evt.Type {
	case evSessionUpdated:
		// session.updated repeats on every later update; only the first
		// one opens the session.
		if s.opened {
			return s2s.Event{}, false
		}
		s.opened = true
		return s2s.Event{Kind: s2s.EventOpened}, true

	case evAudioDelta, evAudioDeltaGA:
		data, err := audio.DecodeTransport(evt.Delta)
		if err != nil {
			slog.Warn("openai: dropping undecodable audio delta", "err", err)
			return s2s.Event{}, false
		}
		if len(data) == 0 {
			return s2s.Event{}, false
		}
		return s2s.Event{Kind: s2s.EventAudio, Audio: audio.Chunk{Data: data, SampleRate: sampleRate, Channels: 1}}, true

	case evTranscriptDelta, evTranscriptGA:
		if !s.wantTranscript || evt.Delta == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Kind: s2s.EventOutputTranscript, Text: evt.Delta}, true

	case evTextDelta:
		return s2s.Event{Kind: s2s.EventOutputTranscript, Text: evt.Delta}, evt.Delta != ""

	case evInputTranscribed:
		return s2s.Event{Kind: s2s.EventInputTranscript, Text: evt.Transcript}, evt.Transcript != ""

	case evSpeechStarted:
		return s2s.Event{Kind: s2s.EventInterrupted}, true

	case evResponseDone:
		return s2s.Event{Kind: s2s.EventTurnComplete}, true
	}
	return s2s.Event{}, false
}

func serverError(evt *serverEvent) error {
	msg, code := "unknown error", ""
	if e := evt.Error; e != nil {
		if e.Message != "" {
			msg = e.Message
		}
		code = e.Code
	}
	return fmt.Errorf("%w: openai: %s (code %q)", s2s.ErrTransport, msg, code)
}

// emit delivers ev unless the session was closed locally.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// writeLoop sends queued frames in order. A failed write closes the conn so
// the receive loop reports it.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.outbox:
			err := s.conn.Write(s.ctx, websocket.MessageText, frame)
			if err == nil {
				continue
			}
			if s.ctx.Err() == nil {
				s.mu.Lock()
				if s.writeErr == nil {
					s.writeErr = err
				}
				s.mu.Unlock()
				s.conn.Close(websocket.StatusInternalError, "write failed")
			}
			return
		}
	}
}
