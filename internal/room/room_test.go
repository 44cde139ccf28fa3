package room

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/collabrelay/roomrelay/internal/metrics"
	"github.com/collabrelay/roomrelay/internal/wsproto"
)

// fakeSocket records every frame it is given, for assertion by tests.
type fakeSocket struct {
	id string

	mu     sync.Mutex
	frames []wsproto.ServerFrame
	closed bool
	reject bool // when true, Enqueue always reports failure
}

func newFakeSocket(id string) *fakeSocket {
	return &fakeSocket{id: id}
}

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) Enqueue(frame wsproto.ServerFrame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject || f.closed {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeSocket) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSocket) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeSocket) lastFrame() wsproto.ServerFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[len(f.frames)-1]
}

// fakeBus records publishes and lets tests assert nothing was published.
type fakeBus struct {
	mu        sync.Mutex
	published [][]byte
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
	return nil
}

func (b *fakeBus) SubscribePattern(ctx context.Context, pattern string, handler func(string, []byte)) error {
	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) publishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

// fakeStore is an in-memory kvstore.Store.
type fakeStore struct {
	mu    sync.Mutex
	state map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: make(map[string][]byte)}
}

func (s *fakeStore) LoadSnapshot(ctx context.Context, roomID string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.state[roomID]
	return state, ok, nil
}

func (s *fakeStore) SaveSnapshot(ctx context.Context, roomID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[roomID] = state
	return nil
}

func (s *fakeStore) Close() error { return nil }

func testDeps(onEvicted func(string)) roomDeps {
	return roomDeps{
		metrics:       metrics.New(),
		logger:        slog.Default(),
		instanceID:    "instance-a",
		evictionGrace: 30 * time.Millisecond,
		onEvicted:     onEvicted,
	}
}

// blobSettingPath builds a self-contained automerge encoding that sets
// key to value at the document root, the same construction style the
// reference automerge examples use to seed a document.
func blobSettingPath(t *testing.T, key, value string) []byte {
	t.Helper()
	doc := automerge.New()
	if err := doc.Path(key).Set(value); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
	if _, err := doc.Commit("test", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return doc.Save()
}

func TestAttachDetachUpdatesConnectedClients(t *testing.T) {
	reg := metrics.New()
	deps := testDeps(nil)
	deps.metrics = reg
	r := newRoom("room-1", automerge.New(), deps)
	r.start()

	sockA := newFakeSocket("a")
	sockB := newFakeSocket("b")
	if !r.Attach(sockA) {
		t.Fatal("attach a failed")
	}
	if !r.Attach(sockB) {
		t.Fatal("attach b failed")
	}
	if got := reg.Snapshot().ConnectedClients; got != 2 {
		t.Fatalf("connected clients = %d, want 2", got)
	}

	r.Detach(sockA)
	if got := reg.Snapshot().ConnectedClients; got != 1 {
		t.Fatalf("connected clients after detach = %d, want 1", got)
	}
}

func TestApplyLocalExcludesOriginatingSocket(t *testing.T) {
	r := newRoom("room-1", automerge.New(), testDeps(nil))
	r.start()

	sockA := newFakeSocket("a")
	sockB := newFakeSocket("b")
	r.Attach(sockA)
	r.Attach(sockB)

	blob := blobSettingPath(t, "title", "hello")
	r.ApplyLocal(blob, sockA)
	r.Barrier()

	if sockA.frameCount() != 0 {
		t.Fatalf("originating socket received %d frames, want 0", sockA.frameCount())
	}
	if sockB.frameCount() != 1 {
		t.Fatalf("other socket received %d frames, want 1", sockB.frameCount())
	}
	frame := sockB.lastFrame()
	if frame.Type != "sync" || frame.Action != "update" {
		t.Fatalf("unexpected frame %+v", frame)
	}
	if frame.OriginInstance != "instance-a" {
		t.Fatalf("origin instance = %q, want instance-a", frame.OriginInstance)
	}
}

func TestApplyLocalPublishesToBus(t *testing.T) {
	deps := testDeps(nil)
	b := &fakeBus{}
	deps.bus = b
	r := newRoom("room-1", automerge.New(), deps)
	r.start()

	sock := newFakeSocket("a")
	r.Attach(sock)
	r.ApplyLocal(blobSettingPath(t, "k", "v"), sock)
	r.Barrier()

	deadline := time.After(time.Second)
	for b.publishCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("bus publish never observed")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestApplyRemoteDoesNotRepublish(t *testing.T) {
	deps := testDeps(nil)
	b := &fakeBus{}
	deps.bus = b
	r := newRoom("room-1", automerge.New(), deps)
	r.start()

	sock := newFakeSocket("a")
	r.Attach(sock)
	r.ApplyRemote(blobSettingPath(t, "k", "v"), "instance-b")
	r.Barrier()

	if sock.frameCount() != 1 {
		t.Fatalf("local socket received %d frames, want 1", sock.frameCount())
	}
	if b.publishCount() != 0 {
		t.Fatalf("bus republish count = %d, want 0 (echo suppression)", b.publishCount())
	}
}

func TestApplyRemoteDoesNotExcludeAnySocket(t *testing.T) {
	r := newRoom("room-1", automerge.New(), testDeps(nil))
	r.start()

	sockA := newFakeSocket("a")
	r.Attach(sockA)
	r.ApplyRemote(blobSettingPath(t, "k", "v"), "instance-b")
	r.Barrier()

	if sockA.frameCount() != 1 {
		t.Fatalf("socket received %d frames, want 1", sockA.frameCount())
	}
	frame := sockA.lastFrame()
	if frame.OriginInstance != "instance-b" {
		t.Fatalf("origin instance = %q, want instance-b", frame.OriginInstance)
	}
}

func TestMalformedUpdateIsDroppedWithoutClosingSocket(t *testing.T) {
	r := newRoom("room-1", automerge.New(), testDeps(nil))
	r.start()

	sock := newFakeSocket("a")
	r.Attach(sock)
	r.ApplyLocal([]byte("not a valid automerge document"), sock)
	r.Barrier()

	if sock.frameCount() != 0 {
		t.Fatalf("expected no frames after malformed update, got %d", sock.frameCount())
	}
	if sock.closed {
		t.Fatal("socket should not be closed for a malformed update")
	}
}

func TestUnresponsiveSocketIsDroppedAndClosed(t *testing.T) {
	reg := metrics.New()
	deps := testDeps(nil)
	deps.metrics = reg
	r := newRoom("room-1", automerge.New(), deps)
	r.start()

	good := newFakeSocket("good")
	bad := newFakeSocket("bad")
	bad.reject = true
	r.Attach(good)
	r.Attach(bad)

	r.ApplyLocal(blobSettingPath(t, "k", "v"), good)
	r.Barrier()

	if !bad.closed {
		t.Fatal("unresponsive socket should have been closed")
	}
	if got := reg.Snapshot().ConnectedClients; got != 1 {
		t.Fatalf("connected clients = %d, want 1 after dropping bad socket", got)
	}
}

func TestConvergenceRegardlessOfApplyOrder(t *testing.T) {
	blobA := blobSettingPath(t, "a", "1")
	blobB := blobSettingPath(t, "b", "2")

	r1 := newRoom("room-1", automerge.New(), testDeps(nil))
	r1.start()
	r1.ApplyRemote(blobA, "x")
	r1.ApplyRemote(blobB, "y")

	r2 := newRoom("room-2", automerge.New(), testDeps(nil))
	r2.start()
	r2.ApplyRemote(blobB, "y")
	r2.ApplyRemote(blobA, "x")

	r1.Barrier()
	r2.Barrier()

	state1, ok1 := r1.Snapshot()
	state2, ok2 := r2.Snapshot()
	if !ok1 || !ok2 {
		t.Fatal("snapshot unavailable")
	}
	if base64.StdEncoding.EncodeToString(state1) != base64.StdEncoding.EncodeToString(state2) {
		t.Fatal("rooms applying the same updates in different orders diverged")
	}
}

func TestEvictionFiresAfterLastDetachAndPersists(t *testing.T) {
	var evicted string
	var mu sync.Mutex
	done := make(chan struct{})
	deps := testDeps(func(id string) {
		mu.Lock()
		evicted = id
		mu.Unlock()
		close(done)
	})
	deps.evictionGrace = 10 * time.Millisecond
	store := newFakeStore()
	deps.kv = store
	r := newRoom("room-1", automerge.New(), deps)
	r.start()

	sock := newFakeSocket("a")
	r.Attach(sock)
	r.ApplyLocal(blobSettingPath(t, "k", "v"), sock)
	r.Barrier()
	r.Detach(sock)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("eviction callback never fired")
	}

	mu.Lock()
	got := evicted
	mu.Unlock()
	if got != "room-1" {
		t.Fatalf("evicted room id = %q, want room-1", got)
	}
	if _, ok, _ := store.LoadSnapshot(context.Background(), "room-1"); !ok {
		t.Fatal("expected room state to be persisted before eviction")
	}
}

func TestReattachDuringGraceCancelsEviction(t *testing.T) {
	deps := testDeps(func(string) {
		t.Error("room should not be evicted after reattachment")
	})
	deps.evictionGrace = 20 * time.Millisecond
	r := newRoom("room-1", automerge.New(), deps)
	r.start()

	sockA := newFakeSocket("a")
	r.Attach(sockA)
	r.Detach(sockA)

	sockB := newFakeSocket("b")
	if !r.Attach(sockB) {
		t.Fatal("reattach failed")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := r.Snapshot(); !ok {
		t.Fatal("room should still be alive after reattachment")
	}
}
