package registry

import (
	"testing"

	"github.com/egressd/server/internal/domain"
)

func TestPeerRegistry_RegisterGetRemove(t *testing.T) {
	reg := NewPeerRegistry()
	id := domain.PeerID("p1")

	conn := &fakeSignalConn{}
	reg.Register(id, conn)

	entry, ok := reg.Get(id)
	if !ok {
		t.Fatalf("Get() after Register should find the peer")
	}
	if entry.Snapshot().ID != id {
		t.Fatalf("Snapshot().ID = %v, want %v", entry.Snapshot().ID, id)
	}

	removed, ok := reg.Remove(id)
	if !ok || removed != entry {
		t.Fatalf("Remove() should return the same entry that was registered")
	}
	if _, ok := reg.Get(id); ok {
		t.Fatalf("Get() should fail after Remove")
	}
}

func TestPeerRegistry_RemoveIsIdempotent(t *testing.T) {
	reg := NewPeerRegistry()
	id := domain.PeerID("p1")
	reg.Register(id, &fakeSignalConn{})

	if _, ok := reg.Remove(id); !ok {
		t.Fatalf("first Remove should succeed")
	}
	if _, ok := reg.Remove(id); ok {
		t.Fatalf("second Remove should report not-found, not panic or re-delete")
	}
}

func TestEntry_SetRole(t *testing.T) {
	reg := NewPeerRegistry()
	id := domain.PeerID("p1")
	entry := reg.Register(id, &fakeSignalConn{})

	if entry.Snapshot().Role != domain.RoleListener {
		t.Fatalf("default role = %v, want listener", entry.Snapshot().Role)
	}
	entry.SetRole(domain.RolePublisher)
	if entry.Snapshot().Role != domain.RolePublisher {
		t.Fatalf("role after SetRole = %v, want publisher", entry.Snapshot().Role)
	}
}
