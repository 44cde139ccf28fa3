// Package room implements the per-room replicated document, the local
// socket fan-out, the cross-instance bus bridge, and the empty-room
// eviction timer — the core convergence engine described in SPEC_FULL.md
// §4.2–§4.4.
package room

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/collabrelay/roomrelay/internal/bus"
	"github.com/collabrelay/roomrelay/internal/crdtdoc"
	"github.com/collabrelay/roomrelay/internal/kvstore"
	"github.com/collabrelay/roomrelay/internal/metrics"
	"github.com/collabrelay/roomrelay/internal/wsproto"
)

// Manager is the single source of truth for which rooms exist on this
// instance. It owns the room-id -> room map and is the sink for both
// locally-dispatched updates and bus-ingress updates.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*room

	bus           bus.Bus
	kv            kvstore.Store
	metrics       *metrics.Registry
	logger        *slog.Logger
	instanceID    string
	evictionGrace time.Duration
}

// Config bundles the Manager's collaborators.
type Config struct {
	Bus           bus.Bus
	KV            kvstore.Store
	Metrics       *metrics.Registry
	Logger        *slog.Logger
	InstanceID    string
	EvictionGrace time.Duration
}

// NewManager constructs an empty Manager. Call SubscribeBus to start
// ingesting cross-instance updates.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EvictionGrace <= 0 {
		cfg.EvictionGrace = 60 * time.Second
	}
	return &Manager{
		rooms:         make(map[string]*room),
		bus:           cfg.Bus,
		kv:            cfg.KV,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		instanceID:    cfg.InstanceID,
		evictionGrace: cfg.EvictionGrace,
	}
}

// EnsureRoom returns the room for id, creating it (and loading any
// persisted snapshot) if it does not yet exist locally.
func (m *Manager) EnsureRoom(ctx context.Context, id string) (*room, error) {
	m.mu.RLock()
	if r, ok := m.rooms[id]; ok {
		m.mu.RUnlock()
		return r, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[id]; ok {
		return r, nil
	}

	doc := crdtdoc.New()
	if m.kv != nil {
		if state, found, err := m.kv.LoadSnapshot(ctx, id); err != nil {
			m.logger.Warn("failed to load snapshot, starting room empty", "room", id, "err", err)
		} else if found {
			if err := crdtdoc.ApplyUpdate(doc, state); err != nil {
				m.logger.Warn("failed to apply persisted snapshot, starting room empty", "room", id, "err", err)
				doc = crdtdoc.New()
			}
		}
	}

	r := newRoom(id, doc, roomDeps{
		bus:           m.bus,
		kv:            m.kv,
		metrics:       m.metrics,
		logger:        m.logger,
		instanceID:    m.instanceID,
		evictionGrace: m.evictionGrace,
		onEvicted:     m.removeRoom,
	})
	r.start()
	m.rooms[id] = r
	m.metrics.SetActiveRooms(len(m.rooms))
	return r, nil
}

// Attach ensures the room exists and attaches sock to it, retrying once if
// the room's eviction won the race against the attach in the interim.
func (m *Manager) Attach(ctx context.Context, id string, sock Socket) (ActiveRoom, error) {
	for attempt := 0; attempt < 2; attempt++ {
		r, err := m.EnsureRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.Attach(sock) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("room: %s could not be attached to (repeatedly evicted before attach completed)", id)
}

// Detach removes sock from room id, if that room is still active.
func (m *Manager) Detach(id string, sock Socket) {
	m.mu.RLock()
	r, ok := m.rooms[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	r.Detach(sock)
}

// ApplyLocal routes a client-originated update to room id: apply, local
// fan-out (excluding from), bus publish, persist.
func (m *Manager) ApplyLocal(ctx context.Context, id string, blob []byte, from Socket) error {
	r, err := m.EnsureRoom(ctx, id)
	if err != nil {
		return err
	}
	r.ApplyLocal(blob, from)
	return nil
}

func (m *Manager) removeRoom(id string) {
	m.mu.Lock()
	delete(m.rooms, id)
	count := len(m.rooms)
	m.mu.Unlock()
	m.metrics.SetActiveRooms(count)
}

// SubscribeBus starts ingesting the cross-instance bus. Envelopes tagged
// with this instance's own id are dropped (echo suppression, I2); malformed
// envelopes are logged and dropped.
func (m *Manager) SubscribeBus(ctx context.Context) error {
	if m.bus == nil {
		return nil
	}
	return m.bus.SubscribePattern(ctx, "room:*", func(channel string, payload []byte) {
		var envelope wsproto.BusEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			m.logger.Warn("dropping malformed bus envelope", "channel", channel, "err", err)
			return
		}
		if envelope.InstanceID == m.instanceID {
			return // echo suppression: we published this ourselves
		}
		blob, err := base64.StdEncoding.DecodeString(envelope.Update)
		if err != nil {
			m.logger.Warn("dropping malformed bus envelope", "channel", channel, "room", envelope.Room, "err", err)
			return
		}
		r, err := m.EnsureRoom(ctx, envelope.Room)
		if err != nil {
			m.logger.Warn("failed to ensure room for bus envelope", "room", envelope.Room, "err", err)
			return
		}
		r.ApplyRemote(blob, envelope.InstanceID)
	})
}

// Snapshot returns room id's current encoded state and whether it is
// active locally.
func (m *Manager) Snapshot(id string) ([]byte, bool) {
	m.mu.RLock()
	r, ok := m.rooms[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	state, ok := r.Snapshot()
	return state, ok
}

// RoomIDs lists the rooms currently active on this instance.
func (m *Manager) RoomIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

// RenderGraph renders room id's current causal change graph as an SVG for
// the debug endpoint. found is false if the room is not active on this
// instance; err is non-nil if the room was found but rendering failed.
// The render is dispatched through the room's own command channel so the
// HTTP goroutine never touches the live document directly.
func (m *Manager) RenderGraph(id string) (svg []byte, found bool, err error) {
	m.mu.RLock()
	r, ok := m.rooms[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return r.RenderGraph()
}

// PersistAll blocks until every active room's current state has been
// written to the snapshot store. Called once, from the shutdown path,
// before the listener is closed.
func (m *Manager) PersistAll(ctx context.Context) {
	m.mu.RLock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		go func(r *room) {
			defer wg.Done()
			r.PersistNow(ctx)
		}(r)
	}
	wg.Wait()
}
