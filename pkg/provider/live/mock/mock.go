// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted sessions. Use
// Session to inject endpoint events and inspect the chunks that were sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	// ... start the code under test ...
//	sess.Emit(live.Event{Kind: live.EventOpen})
//	sess.Finish(nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livesight/pkg/provider/live"
)

// eventBuffer is large enough that tests never block on Emit.
const eventBuffer = 256

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh
	// Session on every call.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Connect records the call and returns Session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := p.Session
	if s == nil {
		s = NewSession()
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Calls returns the number of Connect calls so far. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastSession returns the session handed out by the most recent successful
// Connect, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Session is a mock implementation of live.Session.
type Session struct {
	mu       sync.Mutex
	events   chan live.Event
	finished bool
	closed   bool

	// SendErr, if non-nil, is returned by every SendRealtime call.
	SendErr error

	// SendGate, when non-nil, holds every SendRealtime call until it is
	// closed or the session is closed. Set it before the session is used.
	SendGate chan struct{}

	// Sent records every chunk passed to SendRealtime while open.
	Sent []live.MediaChunk

	// CallCountClose is the number of times Close was called.
	CallCountClose int

	sentCh   chan struct{}
	closedCh chan struct{}
}

// Ensure Session implements live.Session at compile time.
var _ live.Session = (*Session)(nil)

// NewSession returns an open Session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		events:   make(chan live.Event, eventBuffer),
		sentCh:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Emit delivers ev to the consumer. Events after Finish or Close are
// dropped. It reports whether the event was delivered.
func (s *Session) Emit(ev live.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.events <- ev
	return true
}

// Finish emits the final close event with err and closes the channel.
// Later calls are no-ops.
func (s *Session) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(err)
}

func (s *Session) finishLocked(err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.events <- live.Event{Kind: live.EventClose, Err: err}
	close(s.events)
}

// SendRealtime records chunk, or returns SendErr or live.ErrSessionClosed.
func (s *Session) SendRealtime(chunk live.MediaChunk) error {
	if s.SendGate != nil {
		select {
		case <-s.SendGate:
		case <-s.closedCh:
			return live.ErrSessionClosed
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Sent = append(s.Sent, chunk)
	select {
	case s.sentCh <- struct{}{}:
	default:
	}
	return nil
}

// Events returns the event channel.
func (s *Session) Events() <-chan live.Event { return s.events }

// Close records the call and ends the event stream with an orderly close.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		close(s.closedCh)
	}
	s.closed = true
	s.finishLocked(nil)
	return nil
}

// Closes returns the number of Close calls. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// SentChunks returns a copy of the chunks sent so far. Thread-safe.
func (s *Session) SentChunks() []live.MediaChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]live.MediaChunk, len(s.Sent))
	copy(out, s.Sent)
	return out
}

// SentSignal returns a channel that receives after each successful send.
// Consecutive sends may coalesce into a single signal.
func (s *Session) SentSignal() <-chan struct{} { return s.sentCh }
