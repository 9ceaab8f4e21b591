package core

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"audiowallet/host/internal/protocol"
)

// PeerMeta is the authoritative metadata for one registered peer.
type PeerMeta struct {
	PeerID     string
	DeviceName string
	Platform   string
	AppVersion string
	Admin      bool
	JoinedAt   int64 // unix ms at HELLO
}

type peerState struct {
	meta     PeerMeta
	session  *Session
	lastSeen time.Time
	joined   bool // completed JOIN_ROOM
}

// Registry holds the live set of authenticated peers keyed by peerId.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*peerState
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*peerState)}
}

// Register binds a peer to a session. A second HELLO with the same peerId
// supersedes the previous session, which is returned so the caller can close
// it with REPLACED.
func (r *Registry) Register(meta PeerMeta, sess *Session) (superseded *Session) {
	r.mu.Lock()
	if prev, ok := r.peers[meta.PeerID]; ok {
		superseded = prev.session
	}
	r.peers[meta.PeerID] = &peerState{
		meta:     meta,
		session:  sess,
		lastSeen: time.Now(),
	}
	total := len(r.peers)
	r.mu.Unlock()

	slog.Info("peer registered", "peer_id", meta.PeerID, "device", meta.DeviceName,
		"platform", meta.Platform, "superseded", superseded != nil, "total_peers", total)
	return superseded
}

// Touch refreshes a peer's liveness clock.
func (r *Registry) Touch(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return false
	}
	p.lastSeen = time.Now()
	return true
}

// MarkJoined records that the peer completed JOIN_ROOM.
func (r *Registry) MarkJoined(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return false
	}
	p.joined = true
	return true
}

// Joined reports whether the peer has joined the room.
func (r *Registry) Joined(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	return ok && p.joined
}

// Remove unregisters a peer. When sess is non-nil the entry is removed only
// if it still belongs to that session, so a stale socket closing after it was
// superseded cannot evict the replacement.
func (r *Registry) Remove(peerID string, sess *Session) (PeerMeta, bool) {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok || (sess != nil && p.session != sess) {
		r.mu.Unlock()
		return PeerMeta{}, false
	}
	delete(r.peers, peerID)
	remaining := len(r.peers)
	r.mu.Unlock()

	slog.Info("peer removed", "peer_id", peerID, "remaining_peers", remaining)
	return p.meta, true
}

// Get returns a peer's metadata.
func (r *Registry) Get(peerID string) (PeerMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	if !ok {
		return PeerMeta{}, false
	}
	return p.meta, true
}

// Session returns the live session for a peer.
func (r *Registry) Session(peerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	if !ok {
		return nil, false
	}
	return p.session, true
}

// Snapshot returns all registered peers in stable peerId order.
func (r *Registry) Snapshot() []PeerMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerMeta, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Count returns the number of registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// JoinedCount returns the number of peers that completed JOIN_ROOM.
func (r *Registry) JoinedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.peers {
		if p.joined {
			n++
		}
	}
	return n
}

// Expired returns peers whose lastSeen is older than timeout.
func (r *Registry) Expired(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, p := range r.peers {
		if p.lastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Broadcast queues a message to every joined peer except exceptPeerID.
// Returns the number of peers the message was queued for.
func (r *Registry) Broadcast(msg protocol.Message, exceptPeerID string, timeout time.Duration) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.peers))
	for id, p := range r.peers {
		if !p.joined || (exceptPeerID != "" && id == exceptPeerID) {
			continue
		}
		targets = append(targets, p.session)
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if s.SendMsg(msg, timeout) {
			sent++
		}
	}
	slog.Debug("broadcast", "type", msg.Type, "recipients", sent, "targets", len(targets))
	return sent
}

// CloseAll closes every session with the given code. Used at shutdown.
func (r *Registry) CloseAll(code int) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.peers))
	for _, p := range r.peers {
		sessions = append(sessions, p.session)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		s.Close(code)
	}
}
