package room

import "github.com/collabrelay/roomrelay/internal/wsproto"

// Socket is the room's view of a connected client: something it can hand
// outbound frames to without blocking. The concrete implementation (a
// gorilla/websocket connection with its own buffered send channel and
// write goroutine) lives in package wsserver; room never imports
// gorilla/websocket directly.
type Socket interface {
	// ID identifies the socket in log lines. Local fan-out excludes the
	// originating socket by comparing Socket values, not IDs.
	ID() string

	// Enqueue hands frame to the socket's outbound buffer without
	// blocking. It reports false if the buffer is full or the socket has
	// already been closed, in which case the caller treats this as a
	// SocketSendFailure and schedules the socket for close.
	Enqueue(frame wsproto.ServerFrame) bool

	// Close closes the socket. Idempotent.
	Close()
}

// ActiveRoom is the subset of a room's behavior the connection handler
// needs once it has attached a socket: applying locally-originated
// updates and reading the current snapshot for newly-joined sockets.
type ActiveRoom interface {
	ApplyLocal(blob []byte, from Socket)
	Snapshot() ([]byte, bool)
}
