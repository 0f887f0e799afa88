// Package testutil provides in-memory transport endpoints for tests.
package testutil

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/user/cmdrelay/internal/protocol"
)

// Session is an in-memory types.Session that records every frame sent to
// it. It also implements the relay's Conn by reading frames pushed with
// Push.
type Session struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed  bool
	refuse  bool
	stalled bool
	unsent  [][]byte

	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

// NewSession creates an open session with the given diagnostic id.
func NewSession(id string) *Session {
	return &Session{
		id:      id,
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Send records data unless the session is closed or refusing sends.
func (s *Session) Send(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.refuse {
		return false
	}
	if s.stalled {
		s.unsent = append(s.unsent, append([]byte(nil), data...))
		return true
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return true
}

// Stall makes subsequent sends succeed without reaching the peer. The
// frames are returned by Unsent, like a socket that dies with a full
// buffer.
func (s *Session) Stall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = true
}

// Unsent returns frames accepted while stalled.
func (s *Session) Unsent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.unsent...)
}

// Close marks the session closed and unblocks ReadMessage.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Refuse makes subsequent sends fail, simulating a stalled peer.
func (s *Session) Refuse(refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = refuse
}

// Push queues an inbound frame for ReadMessage.
func (s *Session) Push(frame string) {
	s.inbound <- []byte(frame)
}

// ReadMessage returns the next pushed frame, or io.EOF once closed.
func (s *Session) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.inbound:
		return data, nil
	case <-s.done:
		return nil, io.EOF
	}
}

// Events decodes every recorded frame.
func (s *Session) Events(t testing.TB) []protocol.Event {
	t.Helper()
	s.mu.Lock()
	frames := append([][]byte(nil), s.frames...)
	s.mu.Unlock()

	events := make([]protocol.Event, 0, len(frames))
	for _, f := range frames {
		ev, err := protocol.DecodeEvent(f)
		if err != nil {
			t.Fatalf("session %s: undecodable frame %s: %v", s.id, f, err)
		}
		events = append(events, ev)
	}
	return events
}

// WaitFor polls until cond holds for the recorded events or fails the test
// after two seconds.
func (s *Session) WaitFor(t testing.TB, cond func([]protocol.Event) bool) []protocol.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		events := s.Events(t)
		if cond(events) {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s: condition not met, events=%+v", s.id, events)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// OfType filters events by frame type.
func OfType(events []protocol.Event, typ string) []protocol.Event {
	var out []protocol.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
