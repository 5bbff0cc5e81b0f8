// Package gemini connects vlink to Google's Gemini Live API.
//
// A session is one WebSocket speaking the BidiGenerateContent protocol.
// Microphone audio goes out as base64 PCM realtime input; every server frame
// is translated into [s2s.Event] values on a channel owned by the session's
// receive loop. Wire types live in wire.go.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/vlink/pkg/audio"
	"github.com/MrWong99/vlink/pkg/provider/s2s"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*session)(nil)
)

const (
	defaultModel    = "gemini-2.5-flash-native-audio-preview-12-2025"
	defaultEndpoint = "wss://generativelanguage.googleapis.com/ws"
	bidiPath        = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	pingEvery   = 20 * time.Second
	pingTimeout = 5 * time.Second

	// readLimit covers model audio frames, which are far larger than the
	// library's 32 KiB default.
	readLimit = 16 << 20

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
	return func(p *Provider) { p.endpoint = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider opens Gemini Live sessions. It is safe for concurrent use.
type Provider struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
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
		InputSampleRate:      audio.InputSampleRate,
		OutputSampleRate:     audio.OutputSampleRate,
		MaxSessionDurationMs: 15 * 60 * 1000,
		Voices:               []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck", "Zephyr"},
	}
}

// Connect dials the Live endpoint and sends the setup frame. Audio may be
// sent as soon as it returns; [s2s.EventOpened] follows when the server
// acknowledges the setup.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%w: gemini: %w", s2s.ErrSessionOpen, s2s.ErrCredentialMissing)
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	setup, err := encodeSetup(model, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: encode setup: %w", s2s.ErrSessionOpen, err)
	}

	conn, _, err := websocket.Dial(ctx, p.endpoint+bidiPath+"?key="+url.QueryEscape(p.apiKey), &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{"Content-Type": {"application/json"}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: dial: %w", s2s.ErrSessionOpen, err)
	}
	conn.SetReadLimit(readLimit)

	// The write loop is not running yet, so setup goes straight to the conn.
	if err := conn.Write(ctx, websocket.MessageText, setup); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("%w: gemini: setup: %w", s2s.ErrSessionOpen, err)
	}

	s := newSession(conn)
	go s.receiveLoop()
	go s.writeLoop()
	go s.pingLoop()
	return s, nil
}

// session is one live connection. The receive loop owns events and closes
// it on exit; ending the receive loop ends the session.
type session struct {
	conn   *websocket.Conn
	events chan s2s.Event
	outbox chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	writeErr error
}

func newSession(conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		outbox: make(chan []byte, outboxBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SendAudio queues a PCM16 chunk. Its rate travels in the MIME type; Gemini
// expects 16 kHz mono.
func (s *session) SendAudio(chunk audio.Chunk) error {
	if s.isClosed() || s.ctx.Err() != nil {
		return s2s.ErrSessionClosed
	}
	frame, err := encodeAudio(chunk)
	if err != nil {
		return fmt.Errorf("gemini: encode audio: %w", err)
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

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
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
		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}
		if !s.dispatch(&f) {
			return
		}
	}
}

// readFailure turns a read error into the terminal event. A close frame
// from the peer is an unexpected close unless our own write failed first.
func (s *session) readFailure(err error) s2s.Event {
	if werr := s.failedWrite(); werr != nil {
		return s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("%w: gemini: write: %w", s2s.ErrTransport, werr)}
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return s2s.Event{
			Kind: s2s.EventClosed,
			Err:  fmt.Errorf("%w: gemini: status %d: %s", s2s.ErrUnexpectedClose, ce.Code, ce.Reason),
		}
	}
	return s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("%w: gemini: read: %w", s2s.ErrTransport, err)}
}

// dispatch emits the events carried by f. It returns false once the
// session is over.
func (s *session) dispatch(f *serverFrame) bool {
	if f.Error != nil {
		msg := f.Error.Message
		if msg == "" {
			msg = "unknown error"
		}
		s.emit(s2s.Event{
			Kind: s2s.EventError,
			Err:  fmt.Errorf("%w: gemini: %s (code %d)", s2s.ErrTransport, msg, f.Error.Code),
		})
		s.conn.Close(websocket.StatusNormalClosure, "server error")
		return false
	}
	if f.SetupComplete != nil && !s.emit(s2s.Event{Kind: s2s.EventOpened}) {
		return false
	}
	if f.GoAway != nil {
		slog.Warn("gemini: server will close the session soon", "time_left", f.GoAway.TimeLeft)
	}
	if f.ServerContent == nil {
		return true
	}
	for _, ev := range contentEvents(f.ServerContent) {
		if !s.emit(ev) {
			return false
		}
	}
	return true
}

// contentEvents lists the events in one serverContent in delivery order.
// An interruption comes first so stale audio is flushed before anything
// else in the same frame.
func contentEvents(sc *serverContent) []s2s.Event {
	var evs []s2s.Event
	if sc.Interrupted {
		evs = append(evs, s2s.Event{Kind: s2s.EventInterrupted})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if b := p.InlineData; b != nil && strings.HasPrefix(b.MIMEType, "audio/") {
				data, err := audio.DecodeTransport(b.Data)
				switch {
				case err != nil:
					slog.Warn("gemini: dropping undecodable audio part", "err", err)
				case len(data) > 0:
					evs = append(evs, s2s.Event{
						Kind:  s2s.EventAudio,
						Audio: audio.Chunk{Data: data, SampleRate: sampleRate(b.MIMEType), Channels: 1},
					})
				}
			}
			if p.Text != "" {
				evs = append(evs, s2s.Event{Kind: s2s.EventOutputTranscript, Text: p.Text})
			}
		}
	}
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		evs = append(evs, s2s.Event{Kind: s2s.EventInputTranscript, Text: t.Text})
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		evs = append(evs, s2s.Event{Kind: s2s.EventOutputTranscript, Text: t.Text})
	}
	if sc.TurnComplete {
		evs = append(evs, s2s.Event{Kind: s2s.EventTurnComplete})
	}
	return evs
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

func (s *session) failedWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeErr
}

func (s *session) pingLoop() {
	t := time.NewTicker(pingEvery)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.ctx, pingTimeout)
			_ = s.conn.Ping(ctx)
			cancel()
		}
	}
}
