package wsserver

import (
	"testing"

	"github.com/collabrelay/roomrelay/internal/wsproto"
)

func TestEnqueueReportsFailureOnceClosed(t *testing.T) {
	s := &socket{id: "a", send: make(chan wsproto.ServerFrame, 1)}
	s.closed = true
	if s.Enqueue(wsproto.SnapshotFrame("x")) {
		t.Fatal("expected Enqueue to fail on a closed socket")
	}
}

func TestEnqueueReportsFailureWhenBufferFull(t *testing.T) {
	s := &socket{id: "a", send: make(chan wsproto.ServerFrame, 1)}
	if !s.Enqueue(wsproto.SnapshotFrame("first")) {
		t.Fatal("expected first enqueue to succeed")
	}
	if s.Enqueue(wsproto.SnapshotFrame("second")) {
		t.Fatal("expected second enqueue to fail once the buffer is full")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := &socket{id: "a", send: make(chan wsproto.ServerFrame, 1)}
	s.closed = true // avoid touching a nil *websocket.Conn
	s.Close()
	s.Close()
}
