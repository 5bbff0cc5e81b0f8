// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted sessions.
// Use Session to push events at the consumer and inspect which chunks it
// sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.LastSession()
//	sess.Emit(s2s.Event{Kind: s2s.EventOpened})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vlink/pkg/audio"
	"github.com/MrWong99/vlink/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh Session from NewSession for every call.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, holds Connect until the channel is closed or the
	// context is done. Use it to keep a consumer in its connecting phase.
	Gate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Connect records the call and returns Session, ConnectErr. With Gate set it
// waits for the gate first and returns ctx.Err() if the context ends before.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCount returns the number of Connect calls so far.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastSession returns the most recent Session created by Connect, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle.
//
// Events pushed with Emit are delivered in order on the Events channel,
// which is closed by Close or Finish. Emit blocks while the buffer is full.
type Session struct {
	mu     sync.Mutex
	events chan s2s.Event
	closed bool
	ended  bool

	// SendErr, if non-nil, is returned by SendAudio (the chunk is still
	// recorded).
	SendErr error

	sent           []audio.Chunk
	sentCh         chan struct{}
	closeCallCount int
}

// NewSession returns a Session with a 256-slot event buffer.
func NewSession() *Session {
	return &Session{
		events: make(chan s2s.Event, 256),
		sentCh: make(chan struct{}, 1024),
	}
}

// Emit delivers ev to the consumer. It returns false once the events channel
// has been closed.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- ev
	return true
}

// Finish delivers a terminal event and closes the events channel, the way a
// provider reports a remote error or close.
func (s *Session) Finish(ev s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.events <- ev
	s.ended = true
	close(s.events)
}

// SendAudio records the chunk and returns SendErr. After Close it returns
// s2s.ErrSessionClosed without recording.
func (s *Session) SendAudio(chunk audio.Chunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	s.sent = append(s.sent, chunk)
	err := s.SendErr
	s.mu.Unlock()
	select {
	case s.sentCh <- struct{}{}:
	default:
	}
	return err
}

// Sent returns a copy of every chunk passed to SendAudio.
func (s *Session) Sent() []audio.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Chunk, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentSignal receives one value per recorded SendAudio call.
func (s *Session) SentSignal() <-chan struct{} { return s.sentCh }

// Events returns the event channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close marks the session closed and closes the events channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCallCount++
	s.closed = true
	if !s.ended {
		s.ended = true
		close(s.events)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCallCount returns the number of Close calls.
func (s *Session) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCallCount
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
