// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out a controlled Session.
// Use Session to emit scripted server events and inspect what the session
// controller sent.
//
// Example:
//
//	sess := mock.NewSession(16)
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Opened{}, s2s.PartialTranscript{Speaker: types.SpeakerUser, Text: "hi"})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/salesarchitect/voicecoach/pkg/audio"
	"github.com/salesarchitect/voicecoach/pkg/provider/s2s"
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

	// Session is returned by Connect. If nil, Connect returns a new Session
	// with a 64-event buffer.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

var _ s2s.Provider = (*Provider)(nil)

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession(64)
	}
	return p.Session, nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.ConnectCalls)
}

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by Send and the frame is not recorded.
	SendErr error

	// InjectErr, if non-nil, is returned by InjectTextContext.
	InjectErr error

	sent       []audio.EncodedFrame
	injected   [][]s2s.ContextItem
	closeCalls int
	closed     bool

	sendMu sync.Mutex // serialises Emit against closing events
	events chan s2s.Event
	done   chan struct{}
}

var _ s2s.SessionHandle = (*Session)(nil)

// NewSession returns a Session whose events channel has capacity buffer.
func NewSession(buffer int) *Session {
	return &Session{
		events: make(chan s2s.Event, buffer),
		done:   make(chan struct{}),
	}
}

// Emit pushes events to the consumer in order. It blocks while the buffer
// is full and silently drops events once the session has finished.
func (s *Session) Emit(events ...s2s.Event) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for _, ev := range events {
		select {
		case <-s.done:
			return
		default:
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// Finish emits a Closed event and closes the events channel, as the real
// transport does when the remote side goes away.
func (s *Session) Finish(reason string) {
	s.Emit(s2s.Closed{Reason: reason})
	s.closeEvents()
}

func (s *Session) closeEvents() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.sendMu.Lock()
	close(s.events)
	s.sendMu.Unlock()
}

// Send implements s2s.SessionHandle.
func (s *Session) Send(frame audio.EncodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, frame)
	return nil
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// InjectTextContext implements s2s.SessionHandle.
func (s *Session) InjectTextContext(items []s2s.ContextItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InjectErr != nil {
		return s.InjectErr
	}
	s.injected = append(s.injected, slices.Clone(items))
	return nil
}

// Close implements s2s.SessionHandle. It closes the events channel.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.closeEvents()
	return nil
}

// Sent returns the frames accepted by Send.
func (s *Session) Sent() []audio.EncodedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent)
}

// Injected returns every batch passed to InjectTextContext.
func (s *Session) Injected() [][]s2s.ContextItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.injected)
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
