package room

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/collabrelay/roomrelay/internal/bus"
	"github.com/collabrelay/roomrelay/internal/crdtdoc"
	"github.com/collabrelay/roomrelay/internal/kvstore"
	"github.com/collabrelay/roomrelay/internal/metrics"
	"github.com/collabrelay/roomrelay/internal/wsproto"
	"github.com/collabrelay/roomrelay/pkg/viz"
)

// command is the tagged-variant message a room's single-consumer loop
// processes serially, per the teacher's channel-over-mutex idiom (§9 of
// SPEC_FULL.md). Every mutation of a room's document, socket set, or
// eviction timer funnels through this channel.
type command interface{}

type cmdAttach struct {
	sock Socket
	done chan struct{}
}

type cmdDetach struct {
	sock Socket
	done chan struct{}
}

type cmdApplyLocal struct {
	blob []byte
	from Socket
}

type cmdApplyRemote struct {
	blob           []byte
	originInstance string
}

type cmdSnapshot struct {
	result chan []byte
}

type cmdRenderGraph struct {
	result chan graphResult
}

// graphResult carries the outcome of rendering a room's causal graph back
// across the command channel, since the render itself must run on the
// room's own goroutine (it forks and walks the live document) but its
// caller lives on an HTTP handler goroutine.
type graphResult struct {
	svg []byte
	err error
}

type cmdPersistNow struct {
	ctx  context.Context
	done chan struct{}
}

type cmdEvict struct {
	generation uint64
}

// roomDeps are the collaborators injected by the manager. bus and kv may be
// nil in tests that only exercise local fan-out.
type roomDeps struct {
	bus           bus.Bus
	kv            kvstore.Store
	metrics       *metrics.Registry
	logger        *slog.Logger
	instanceID    string
	evictionGrace time.Duration
	onEvicted     func(roomID string)
}

// room is one active room: its CRDT document, the sockets attached to it,
// and the eviction timer, all mutated only from run's goroutine.
type room struct {
	id     string
	doc    *crdtdoc.Doc
	deps   roomDeps
	cmds   chan command
	stopCh chan struct{}

	sockets       map[Socket]struct{}
	evictionTimer *time.Timer
	generation    uint64
}

func newRoom(id string, doc *crdtdoc.Doc, deps roomDeps) *room {
	return &room{
		id:      id,
		doc:     doc,
		deps:    deps,
		cmds:    make(chan command),
		stopCh:  make(chan struct{}),
		sockets: make(map[Socket]struct{}),
	}
}

func (r *room) start() {
	go r.run()
}

// send hands cmd to the room's loop, reporting false if the room has
// already stopped (evicted) — the caller should re-ensure the room and
// retry rather than block forever on a dead goroutine.
func (r *room) send(cmd command) bool {
	select {
	case r.cmds <- cmd:
		return true
	case <-r.stopCh:
		return false
	}
}

func (r *room) Attach(sock Socket) bool {
	done := make(chan struct{})
	if !r.send(cmdAttach{sock: sock, done: done}) {
		return false
	}
	<-done
	return true
}

func (r *room) Detach(sock Socket) {
	done := make(chan struct{})
	if r.send(cmdDetach{sock: sock, done: done}) {
		<-done
	}
}

func (r *room) ApplyLocal(blob []byte, from Socket) {
	r.send(cmdApplyLocal{blob: blob, from: from})
}

func (r *room) ApplyRemote(blob []byte, originInstance string) {
	r.send(cmdApplyRemote{blob: blob, originInstance: originInstance})
}

// Snapshot returns the room's current encoded state, or ok==false if the
// room has already been evicted.
func (r *room) Snapshot() (state []byte, ok bool) {
	result := make(chan []byte, 1)
	if !r.send(cmdSnapshot{result: result}) {
		return nil, false
	}
	return <-result, true
}

// RenderGraph renders the room's current causal change graph as an SVG, or
// ok==false if the room has already been evicted. The render runs inside
// the room's own command loop so it never races the loop's concurrent
// ApplyUpdate/EncodeState calls against the same document.
func (r *room) RenderGraph() (svg []byte, ok bool, err error) {
	result := make(chan graphResult, 1)
	if !r.send(cmdRenderGraph{result: result}) {
		return nil, false, nil
	}
	res := <-result
	return res.svg, true, res.err
}

// PersistNow blocks until the room's current state has been written to the
// snapshot store, or the room has already been evicted (in which case its
// final state was already persisted by the eviction path).
func (r *room) PersistNow(ctx context.Context) {
	done := make(chan struct{})
	if r.send(cmdPersistNow{ctx: ctx, done: done}) {
		<-done
	}
}

// Barrier blocks until every command enqueued before it has been fully
// processed. It has no effect other than synchronization; it exists so
// tests can wait for asynchronous local/remote applies to settle.
func (r *room) Barrier() {
	r.Snapshot()
}

func (r *room) run() {
	defer close(r.stopCh)
	for cmd := range r.cmds {
		switch c := cmd.(type) {
		case cmdAttach:
			r.handleAttach(c)
		case cmdDetach:
			r.handleDetach(c)
		case cmdApplyLocal:
			r.handleApplyLocal(c)
		case cmdApplyRemote:
			r.handleApplyRemote(c)
		case cmdSnapshot:
			c.result <- crdtdoc.EncodeState(r.doc)
		case cmdRenderGraph:
			svg, err := viz.RenderChangeGraph(r.doc)
			c.result <- graphResult{svg: svg, err: err}
		case cmdPersistNow:
			r.persistSync(c.ctx)
			close(c.done)
		case cmdEvict:
			if r.handleEvict(c) {
				return
			}
		}
	}
}

func (r *room) handleAttach(c cmdAttach) {
	if r.evictionTimer != nil {
		r.evictionTimer.Stop()
		r.evictionTimer = nil
	}
	r.generation++
	r.sockets[c.sock] = struct{}{}
	r.deps.metrics.AddConnectedClients(1)
	close(c.done)
}

func (r *room) handleDetach(c cmdDetach) {
	if _, ok := r.sockets[c.sock]; ok {
		delete(r.sockets, c.sock)
		r.deps.metrics.AddConnectedClients(-1)
	}
	if len(r.sockets) == 0 {
		r.armEviction()
	}
	close(c.done)
}

func (r *room) armEviction() {
	r.generation++
	gen := r.generation
	r.evictionTimer = time.AfterFunc(r.deps.evictionGrace, func() {
		select {
		case r.cmds <- cmdEvict{generation: gen}:
		case <-r.stopCh:
		}
	})
}

func (r *room) handleEvict(c cmdEvict) (stopped bool) {
	if c.generation != r.generation || len(r.sockets) != 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.persistSync(ctx)
	if r.deps.onEvicted != nil {
		r.deps.onEvicted(r.id)
	}
	return true
}

func (r *room) handleApplyLocal(c cmdApplyLocal) {
	if err := crdtdoc.ApplyUpdate(r.doc, c.blob); err != nil {
		r.deps.logger.Warn("dropping malformed local update", "room", r.id, "err", err)
		return
	}
	r.deps.metrics.IncUpdatesTotal()
	r.broadcast(c.blob, r.deps.instanceID, c.from)
	r.publishAsync(c.blob)
	r.persistAsync()
}

func (r *room) handleApplyRemote(c cmdApplyRemote) {
	if err := crdtdoc.ApplyUpdate(r.doc, c.blob); err != nil {
		r.deps.logger.Warn("dropping malformed remote update", "room", r.id, "originInstance", c.originInstance, "err", err)
		return
	}
	r.deps.metrics.IncUpdatesTotal()
	r.broadcast(c.blob, c.originInstance, nil)
	r.persistAsync()
}

// broadcast fans blob out to every attached socket except exclude (nil
// excludes nothing — the bus-ingress path has no originating socket).
func (r *room) broadcast(blob []byte, originInstance string, exclude Socket) {
	frame := wsproto.UpdateFrame(base64.StdEncoding.EncodeToString(blob), originInstance)
	for sock := range r.sockets {
		if exclude != nil && sock == exclude {
			continue
		}
		if sock.Enqueue(frame) {
			r.deps.metrics.IncMessagesSent()
			continue
		}
		r.deps.logger.Warn("dropping unresponsive socket", "room", r.id, "socket", sock.ID())
		delete(r.sockets, sock)
		r.deps.metrics.AddConnectedClients(-1)
		sock.Close()
	}
}

// publishAsync tags blob with this instance's id and sends it on the bus,
// off the room's command loop so a slow or failing bus never delays
// subsequent commands for this room.
func (r *room) publishAsync(blob []byte) {
	if r.deps.bus == nil {
		return
	}
	envelope := wsproto.BusEnvelope{
		InstanceID: r.deps.instanceID,
		Room:       r.id,
		Update:     base64.StdEncoding.EncodeToString(blob),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		r.deps.logger.Error("failed to encode bus envelope", "room", r.id, "err", err)
		return
	}
	roomID, b, logger := r.id, r.deps.bus, r.deps.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.Publish(ctx, "room:"+roomID, payload); err != nil {
			logger.Warn("bus publish failed", "room", roomID, "err", err)
		}
	}()
}

// persistAsync snapshots the document synchronously (cheap, in-memory) but
// writes it to the store off the command loop, so the KV round trip never
// blocks this room's subsequent commands.
func (r *room) persistAsync() {
	if r.deps.kv == nil {
		return
	}
	state := crdtdoc.EncodeState(r.doc)
	roomID, kv, logger := r.id, r.deps.kv, r.deps.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := kv.SaveSnapshot(ctx, roomID, state); err != nil {
			logger.Warn("persist failed", "room", roomID, "err", err)
		}
	}()
}

// persistSync blocks until state has been written, used by eviction and
// graceful shutdown, both of which must not proceed until it completes.
func (r *room) persistSync(ctx context.Context) {
	if r.deps.kv == nil {
		return
	}
	state := crdtdoc.EncodeState(r.doc)
	if err := r.deps.kv.SaveSnapshot(ctx, r.id, state); err != nil {
		r.deps.logger.Warn("persist failed", "room", r.id, "err", err)
	}
}
