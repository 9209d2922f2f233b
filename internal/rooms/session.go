package rooms

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 45 * time.Second

	// Frames buffered per session before the hub starts dropping.
	sendBuffer = 64
)

// wsWriter is the slice of *websocket.Conn the session needs. Tests plug in
// fakes.
type wsWriter interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one websocket connection's view of the hub. All writes to the
// underlying connection happen on the session's write pump goroutine.
type Session struct {
	ID   string
	conn wsWriter
	send chan []byte
	done chan struct{}

	// joined is guarded by the hub mutex, never touched elsewhere.
	joined map[string]struct{}

	closeOnce sync.Once
}

func NewSession(conn wsWriter) *Session {
	return &Session{
		ID:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		joined: make(map[string]struct{}),
	}
}

// enqueue hands a frame to the write pump without blocking.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// WritePump drains the send queue onto the connection and keeps it alive with
// pings. It owns the connection's write side and closes it on exit. Run as a
// goroutine per session.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}
