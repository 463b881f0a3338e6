// Package mock provides test doubles for the stt.Provider and stt.Session
// interfaces.
//
// The mock Session lets tests inject hypothesis snapshots with Emit and
// inspect the audio chunks a caller sent. The mock Provider records every
// StartStream call and hands out sessions in creation order.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/palaver-dev/palaver/pkg/provider/stt"
)

// StartStreamCall records a single invocation of StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider. Each StartStream call
// creates a fresh controllable Session, available in Sessions afterwards.
type Provider struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned from StartStream instead of a session.
	StartErr error

	// Calls records every invocation of StartStream in order.
	Calls []StartStreamCall

	// Sessions holds every session created, in order.
	Sessions []*Session
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns a new controllable Session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// SessionCount returns how many sessions StartStream has created so far.
func (p *Provider) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Sessions)
}

// Session returns the i-th created session.
func (p *Provider) Session(i int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Sessions[i]
}

// Session is a controllable stt.Session for tests.
type Session struct {
	mu     sync.Mutex
	sent   [][]byte
	out    chan stt.Snapshot
	closed bool
}

var _ stt.Session = (*Session)(nil)

// NewSession creates an open mock session.
func NewSession() *Session {
	return &Session{out: make(chan stt.Snapshot, 64)}
}

// SendAudio records the chunk. Returns an error after Close.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: session is closed")
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.sent = append(s.sent, c)
	return nil
}

// Snapshots returns the snapshot channel fed by Emit.
func (s *Session) Snapshots() <-chan stt.Snapshot { return s.out }

// Emit injects a snapshot as if the provider produced it. Returns false if
// the session is already closed.
func (s *Session) Emit(snap stt.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.out <- snap
	return true
}

// SentAudio returns a copy of every chunk passed to SendAudio so far.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close marks the session closed and closes the snapshot channel.
// Calling Close more than once is safe.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}
