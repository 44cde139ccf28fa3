// Package wsserver adapts gorilla/websocket connections onto the room
// package's Socket seam and drives the per-connection read/write loops,
// the same split the reference collab service's ws.Conn uses: one
// goroutine blocked in ReadJSON, one goroutine draining a buffered send
// channel.
package wsserver

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/collabrelay/roomrelay/internal/wsproto"
)

// socket implements room.Socket over a live websocket connection. Enqueue
// never blocks: a full outbound buffer or an already-closed connection is
// reported back to the room as a send failure.
type socket struct {
	id   string
	conn *websocket.Conn
	send chan wsproto.ServerFrame

	mu     sync.Mutex
	closed bool
}

func newSocket(id string, conn *websocket.Conn, queueSize int) *socket {
	return &socket{
		id:   id,
		conn: conn,
		send: make(chan wsproto.ServerFrame, queueSize),
	}
}

func (s *socket) ID() string { return s.id }

func (s *socket) Enqueue(frame wsproto.ServerFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	s.mu.Unlock()
	_ = s.conn.Close()
}

// writeLoop drains send and writes each frame to the connection as JSON,
// until the channel is closed by Close or the connection breaks.
func (s *socket) writeLoop() {
	for frame := range s.send {
		if err := s.conn.WriteJSON(frame); err != nil {
			s.Close()
			return
		}
	}
}
