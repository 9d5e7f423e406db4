package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errSessionClosed = errors.New("session closed")

// Session is the per-connection state. Its handlers run on the
// connection's reader goroutine; sends may come from any goroutine.
type Session struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn
	connected  time.Time

	writeMu sync.Mutex

	mu      sync.Mutex
	scopes  *Scopes
	subject string
	closed  bool
	timers  []*time.Timer
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Scopes returns the scopes resolved by the last authorize handshake, or
// nil before one completed.
func (s *Session) Scopes() *Scopes {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scopes == nil {
		return nil
	}
	sc := *s.scopes
	return &sc
}

// CanRead reports whether the session receives broadcasts.
func (s *Session) CanRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scopes != nil && s.scopes.Read
}

// Subject returns the subject resolved by the last authorize handshake.
func (s *Session) Subject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

func (s *Session) authorize(sc Scopes, subject string) {
	s.mu.Lock()
	s.scopes = &sc
	s.subject = subject
	s.mu.Unlock()
}

// after runs fn once d elapsed unless the session closes first.
func (s *Session) after(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timers = append(s.timers, time.AfterFunc(d, fn))
}

func (s *Session) close() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	timers := s.timers
	s.timers = nil
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	_ = s.conn.Close()
	return true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) send(event string, data any) error {
	return s.write(outbound{Event: event, Data: data})
}

func (s *Session) ack(n *int64, data any) error {
	if n == nil {
		return nil
	}
	return s.write(outbound{Event: EventAck, Ack: n, Data: data})
}

func (s *Session) write(msg outbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.writeRaw(websocket.TextMessage, b, writeWait)
}

func (s *Session) writePrepared(pm *websocket.PreparedMessage) error {
	if s.isClosed() {
		return errSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WritePreparedMessage(pm)
}

func (s *Session) writeRaw(kind int, b []byte, wait time.Duration) error {
	if s.isClosed() {
		return errSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wait))
	return s.conn.WriteMessage(kind, b)
}
