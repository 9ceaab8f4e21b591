package core

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Room is the single active room record. Zero or one room exists at a time.
type Room struct {
	RoomID    string
	Name      string
	Locked    bool
	CreatedAt int64 // unix ms
	UpdatedAt int64
}

// RoomManager owns the room record. Mutations are published on Updates so the
// hub can re-announce and notify joined peers without any subsystem calling
// back into another.
type RoomManager struct {
	mu         sync.RWMutex
	room       *Room
	hostPeerID string
	updates    chan Room
}

// NewRoomManager creates a manager with no active room. hostPeerID is the
// out-of-band admin identity for the phone-hosted variant; empty disables it.
func NewRoomManager(hostPeerID string) *RoomManager {
	return &RoomManager{
		hostPeerID: hostPeerID,
		updates:    make(chan Room, 1),
	}
}

// CreateOrUpdate creates the room on first call and renames it afterwards.
// RoomID is stable for the life of the room.
func (m *RoomManager) CreateOrUpdate(name string, locked bool) Room {
	now := time.Now().UnixMilli()
	m.mu.Lock()
	if m.room == nil {
		m.room = &Room{
			RoomID:    uuid.NewString(),
			Name:      name,
			Locked:    locked,
			CreatedAt: now,
			UpdatedAt: now,
		}
		slog.Info("room created", "room_id", m.room.RoomID, "name", name, "locked", locked)
	} else {
		m.room.Name = name
		m.room.Locked = locked
		m.room.UpdatedAt = now
		slog.Info("room updated", "room_id", m.room.RoomID, "name", name, "locked", locked)
	}
	out := *m.room
	m.notifyLocked(out)
	m.mu.Unlock()
	return out
}

// Restore installs a previously persisted room record, keeping its RoomID.
func (m *RoomManager) Restore(room Room) {
	m.mu.Lock()
	r := room
	r.UpdatedAt = time.Now().UnixMilli()
	m.room = &r
	out := *m.room
	m.notifyLocked(out)
	m.mu.Unlock()
	slog.Info("room restored", "room_id", room.RoomID, "name", room.Name, "locked", room.Locked)
}

// SetLock flips the lock flag. Returns the room and whether the flag changed.
func (m *RoomManager) SetLock(locked bool) (Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil {
		return Room{}, false
	}
	if m.room.Locked == locked {
		return *m.room, false
	}
	m.room.Locked = locked
	m.room.UpdatedAt = time.Now().UnixMilli()
	out := *m.room
	m.notifyLocked(out)
	slog.Info("room lock changed", "room_id", out.RoomID, "locked", locked)
	return out, true
}

// Close destroys the room record.
func (m *RoomManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room != nil {
		slog.Info("room closed", "room_id", m.room.RoomID)
		m.room = nil
	}
}

// Get returns the active room, if any.
func (m *RoomManager) Get() (Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.room == nil {
		return Room{}, false
	}
	return *m.room, true
}

// IsAdmin reports whether peerID is the configured host identity. Token-based
// admin status lives on PeerMeta; callers combine the two.
func (m *RoomManager) IsAdmin(peerID string) bool {
	return m.hostPeerID != "" && peerID == m.hostPeerID
}

// HostPeerID returns the configured host identity, "" if unset.
func (m *RoomManager) HostPeerID() string { return m.hostPeerID }

// Updates carries the room record after each mutation. The channel holds one
// pending update; rapid mutations coalesce to the latest.
func (m *RoomManager) Updates() <-chan Room { return m.updates }

// notifyLocked publishes an update while m.mu is held, replacing any pending
// one so the consumer always sees the newest state.
func (m *RoomManager) notifyLocked(room Room) {
	select {
	case m.updates <- room:
	default:
		select {
		case <-m.updates:
		default:
		}
		select {
		case m.updates <- room:
		default:
		}
	}
}
