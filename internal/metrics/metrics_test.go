package metrics

import (
	"bytes"
	"strings"
	"testing"
)

func TestWritePromContainsAllSeries(t *testing.T) {
	r := New()
	r.SetActiveRooms(3)
	r.AddConnectedClients(5)
	r.IncUpdatesTotal()
	r.IncMessagesSent()
	r.IncMessagesSent()

	var buf bytes.Buffer
	if err := r.WriteProm(&buf); err != nil {
		t.Fatalf("WriteProm: %v", err)
	}
	out := buf.String()

	for _, token := range []string{
		"collab_active_rooms",
		"collab_connected_clients",
		"collab_updates_total",
		"collab_messages_sent_total",
	} {
		if !strings.Contains(out, token) {
			t.Errorf("expected exposition text to contain %q, got:\n%s", token, out)
		}
	}

	snap := r.Snapshot()
	if snap.ActiveRooms != 3 {
		t.Errorf("ActiveRooms = %d, want 3", snap.ActiveRooms)
	}
	if snap.ConnectedClients != 5 {
		t.Errorf("ConnectedClients = %d, want 5", snap.ConnectedClients)
	}
	if snap.UpdatesTotal != 1 {
		t.Errorf("UpdatesTotal = %d, want 1", snap.UpdatesTotal)
	}
	if snap.MessagesSentTotal != 2 {
		t.Errorf("MessagesSentTotal = %d, want 2", snap.MessagesSentTotal)
	}
}

func TestAddConnectedClientsDecrements(t *testing.T) {
	r := New()
	r.AddConnectedClients(2)
	r.AddConnectedClients(-1)
	if got := r.Snapshot().ConnectedClients; got != 1 {
		t.Fatalf("ConnectedClients = %d, want 1", got)
	}
}
