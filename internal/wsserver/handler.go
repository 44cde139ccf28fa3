package wsserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/collabrelay/roomrelay/internal/crdtdoc"
	"github.com/collabrelay/roomrelay/internal/metrics"
	"github.com/collabrelay/roomrelay/internal/room"
	"github.com/collabrelay/roomrelay/internal/wsproto"
)

// Handler upgrades incoming connections, attaches them to a room, and
// drives their read loop until they disconnect.
type Handler struct {
	manager   *room.Manager
	metrics   *metrics.Registry
	logger    *slog.Logger
	queueSize int
	upgrader  websocket.Upgrader
	draining  atomic.Bool
}

// New builds a Handler bound to manager. queueSize sizes each socket's
// outbound buffer (OUTBOUND_QUEUE_SIZE).
func New(manager *room.Manager, m *metrics.Registry, logger *slog.Logger, queueSize int) *Handler {
	return &Handler{
		manager:   manager,
		metrics:   m,
		logger:    logger,
		queueSize: queueSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Drain marks the handler as shutting down: subsequent upgrade attempts are
// refused with 503 without ever touching the room manager, so new sockets
// can no longer register with a room that's about to be persisted and torn
// down.
func (h *Handler) Drain() {
	h.draining.Store(true)
}

// ServeHTTP implements the /ws route: GET upgrade, room/clientId query
// params, snapshot-on-attach, then blocks in the connection's read loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("upgrade failed", "err", err)
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room parameter is required"), deadlineNow())
		_ = conn.Close()
		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "err", err, "room", roomID)
		return
	}

	sock := newSocket(clientID, conn, h.queueSize)
	go sock.writeLoop()

	ctx := r.Context()
	activeRoom, err := h.manager.Attach(ctx, roomID, sock)
	if err != nil {
		h.logger.Error("failed to attach socket to room", "room", roomID, "clientId", clientID, "err", err)
		closeInternalError(conn)
		sock.Close()
		return
	}

	if state, ok := activeRoom.Snapshot(); ok {
		sock.Enqueue(wsproto.SnapshotFrame(base64.StdEncoding.EncodeToString(state)))
		h.metrics.IncMessagesSent()
	}

	h.readLoop(sock, activeRoom, roomID)
}

func (h *Handler) readLoop(sock *socket, activeRoom room.ActiveRoom, roomID string) {
	defer func() {
		h.manager.Detach(roomID, sock)
		sock.Close()
	}()

	for {
		var msg wsproto.ClientMessage
		if err := sock.conn.ReadJSON(&msg); err != nil {
			if isMalformedFrame(err) {
				h.logger.Warn("dropping malformed frame", "room", roomID, "clientId", sock.id, "err", err)
				continue
			}
			return
		}
		if msg.Type != "update" || msg.Update == "" {
			continue
		}
		blob, err := base64.StdEncoding.DecodeString(msg.Update)
		if err != nil {
			h.logger.Warn("dropping non-base64 update", "room", roomID, "clientId", sock.id, "err", err)
			continue
		}
		if _, loadErr := crdtdocProbe(blob); loadErr != nil {
			h.logger.Warn("dropping malformed update before dispatch", "room", roomID, "clientId", sock.id, "err", loadErr)
			continue
		}
		activeRoom.ApplyLocal(blob, sock)
	}
}

// isMalformedFrame reports whether err came from decoding the frame body as
// JSON, rather than from the underlying connection (closed socket, network
// failure, oversized message). Only the former is a MalformedFrame: the
// socket stays open and the next frame is read normally.
func isMalformedFrame(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

// crdtdocProbe is a cheap pre-check so an obviously malformed payload never
// reaches the room's command loop at all; the room still re-validates
// inside ApplyUpdate since this probe cannot use the room's live document.
func crdtdocProbe(blob []byte) (bool, error) {
	if len(blob) == 0 {
		return false, nil
	}
	doc := crdtdoc.New()
	err := crdtdoc.ApplyUpdate(doc, blob)
	return err == nil, err
}

func closeInternalError(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"), deadlineNow())
	_ = conn.Close()
}

func deadlineNow() time.Time {
	return time.Now().Add(time.Second)
}
