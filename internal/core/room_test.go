package core

import "testing"

func TestRoomLifecycle(t *testing.T) {
	m := NewRoomManager("host-1")

	if _, ok := m.Get(); ok {
		t.Fatal("room exists before creation")
	}

	room := m.CreateOrUpdate("Club", false)
	if room.RoomID == "" || room.Name != "Club" || room.Locked {
		t.Fatalf("unexpected room: %+v", room)
	}

	renamed := m.CreateOrUpdate("Basement", false)
	if renamed.RoomID != room.RoomID {
		t.Fatal("roomId must be stable across updates")
	}
	if renamed.Name != "Basement" {
		t.Fatalf("name: got %q", renamed.Name)
	}

	locked, changed := m.SetLock(true)
	if !changed || !locked.Locked {
		t.Fatalf("lock: changed=%v room=%+v", changed, locked)
	}
	if _, changed := m.SetLock(true); changed {
		t.Fatal("idempotent lock reported a change")
	}

	m.Close()
	if _, ok := m.Get(); ok {
		t.Fatal("room survives Close")
	}
}

func TestRoomUpdatesCoalesce(t *testing.T) {
	m := NewRoomManager("")
	m.CreateOrUpdate("A", false)
	m.CreateOrUpdate("B", false)
	m.CreateOrUpdate("C", true)

	select {
	case got := <-m.Updates():
		if got.Name != "C" || !got.Locked {
			t.Fatalf("expected latest update, got %+v", got)
		}
	default:
		t.Fatal("no pending update")
	}

	select {
	case got := <-m.Updates():
		t.Fatalf("unexpected second update: %+v", got)
	default:
	}
}

func TestIsAdmin(t *testing.T) {
	m := NewRoomManager("host-1")
	if !m.IsAdmin("host-1") {
		t.Fatal("host identity not admin")
	}
	if m.IsAdmin("p1") {
		t.Fatal("arbitrary peer is admin")
	}
	if NewRoomManager("").IsAdmin("") {
		t.Fatal("empty host identity must never match")
	}
}
