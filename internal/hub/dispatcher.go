package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"audiowallet/host/internal/config"
	"audiowallet/host/internal/core"
	"audiowallet/host/internal/metrics"
	"audiowallet/host/internal/protocol"
	"audiowallet/host/internal/relay"
	"audiowallet/host/internal/store"
)

// Announcer receives the room record after every mutation so the discovery
// record stays current. The hub never blocks on it.
type Announcer interface {
	Republish(room core.Room)
}

// Hub routes every inbound frame. Text messages are dispatched under one
// coarse mutex, which gives the index its total mutation order and makes the
// ROOM_INFO + INDEX_FULL pair a new joiner receives atomic with respect to
// later deltas. Binary chunks bypass the mutex and go straight to the broker.
type Hub struct {
	mu sync.Mutex

	cfg      *config.Config
	registry *core.Registry
	rooms    *core.RoomManager
	index    *core.Index
	broker   *relay.Broker
	metrics  *metrics.Metrics
	store    *store.Store
	announce Announcer
	hostID   string
}

// New wires a hub. metrics, store and announce may be nil.
func New(cfg *config.Config, reg *core.Registry, rooms *core.RoomManager, idx *core.Index,
	broker *relay.Broker, m *metrics.Metrics, st *store.Store, hostID string, ann Announcer) *Hub {
	return &Hub{
		cfg:      cfg,
		registry: reg,
		rooms:    rooms,
		index:    idx,
		broker:   broker,
		metrics:  m,
		store:    st,
		announce: ann,
		hostID:   hostID,
	}
}

// Run drives the liveness sweep and the room-update fanout until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, peerID := range h.registry.Expired(h.cfg.HeartbeatTimeout()) {
				slog.Warn("peer heartbeat timed out", "peer_id", peerID)
				h.mu.Lock()
				h.removePeerLocked(peerID, nil, protocol.CloseHeartbeatTimeout)
				h.mu.Unlock()
			}
		case room := <-h.rooms.Updates():
			if h.announce != nil {
				h.announce.Republish(room)
			}
			h.mu.Lock()
			h.broadcastRoomInfoLocked(room)
			h.mu.Unlock()
			h.persistRoom(ctx, room)
		}
	}
}

// HandleText dispatches one inbound text frame. A frame that does not parse
// closes the session; a parseable but invalid message only earns an ERROR.
func (h *Hub) HandleText(sess *core.Session, data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("malformed frame", "remote", sess.Remote(), "err", err)
		sess.Close(protocol.CloseProtocolError)
		return
	}
	if h.metrics != nil {
		h.metrics.MessagesTotal.WithLabelValues(m.Type).Inc()
	}
	if err := m.Validate(); err != nil {
		h.sendError(sess, protocol.CodeInvalidMessage, err.Error())
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if m.Type == protocol.TypeHello {
		h.helloLocked(sess, m)
		return
	}

	peerID := sess.PeerID()
	if peerID == "" || !h.ownsSession(peerID, sess) {
		h.sendError(sess, protocol.CodeNotRegistered, "say HELLO first")
		return
	}

	// Any authenticated traffic counts as liveness, not just heartbeats.
	h.registry.Touch(peerID)

	switch m.Type {
	case protocol.TypeJoinRoom:
		h.joinLocked(sess, peerID)
	case protocol.TypeLeaveRoom:
		h.removePeerLocked(peerID, sess, protocol.CloseNormal)
	case protocol.TypeShareFiles:
		h.shareLocked(sess, peerID, m)
	case protocol.TypeUnshareFiles:
		h.unshareLocked(sess, peerID, m)
	case protocol.TypeRequestFile:
		h.requestLocked(sess, m)
	case protocol.TypeRelayPull:
		h.relayPullLocked(sess, peerID, m)
	case protocol.TypeRelayPushMeta:
		h.broker.PushMeta(sess, peerID, m)
	case protocol.TypeRelayComplete:
		h.broker.Complete(sess, peerID, m.TransferID)
	case protocol.TypeRelayError:
		h.broker.Fail(sess, peerID, m.TransferID, m.Error)
	case protocol.TypeHeartbeat:
		// Liveness already refreshed above.
	default:
		h.sendError(sess, protocol.CodeInvalidMessage, fmt.Sprintf("unexpected message type %q", m.Type))
	}
}

// HandleBinary routes a chunk frame to the broker. Chunks from an unbound
// session are dropped.
func (h *Hub) HandleBinary(sess *core.Session, data []byte) {
	peerID := sess.PeerID()
	if peerID == "" {
		slog.Debug("chunk before hello dropped", "remote", sess.Remote())
		return
	}
	h.broker.Chunk(peerID, data)
}

// HandleDisconnect runs the removal path when a transport reader exits.
func (h *Hub) HandleDisconnect(sess *core.Session) {
	peerID := sess.PeerID()
	if peerID == "" {
		return
	}
	h.mu.Lock()
	h.removePeerLocked(peerID, sess, protocol.CloseNormal)
	h.mu.Unlock()
}

// Shutdown closes every connected session with a normal closure.
func (h *Hub) Shutdown() {
	h.registry.CloseAll(protocol.CloseNormal)
}

func (h *Hub) helloLocked(sess *core.Session, m protocol.Message) {
	admin := h.rooms.IsAdmin(m.PeerID) ||
		(h.cfg.AdminToken != "" && m.AdminToken == h.cfg.AdminToken)
	meta := core.PeerMeta{
		PeerID:     m.PeerID,
		DeviceName: m.DeviceName,
		Platform:   protocol.NormalizePlatform(m.Platform),
		AppVersion: m.AppVersion,
		Admin:      admin,
		JoinedAt:   time.Now().UnixMilli(),
	}
	superseded := h.registry.Register(meta, sess)
	sess.BindPeer(m.PeerID)
	if superseded != nil && superseded != sess {
		superseded.Close(protocol.CloseReplaced)
	}
	h.syncGauges()

	h.send(sess, protocol.Message{
		Type:   protocol.TypeWelcome,
		HostID: h.hostID,
		Capabilities: &protocol.Capabilities{
			Relay:     true,
			MaxFileMB: h.cfg.MaxFileMB,
		},
	})
}

func (h *Hub) joinLocked(sess *core.Session, peerID string) {
	room, ok := h.rooms.Get()
	if !ok {
		h.sendError(sess, protocol.CodeNoRoom, "no active room")
		return
	}
	h.registry.MarkJoined(peerID)

	h.send(sess, h.roomInfo(room))
	h.send(sess, protocol.Message{
		Type:  protocol.TypeIndexFull,
		Files: h.index.Snapshot(),
	})

	if peerID != h.rooms.HostPeerID() {
		meta, _ := h.registry.Get(peerID)
		h.broadcast(protocol.Message{
			Type: protocol.TypePeerJoined,
			Peer: &protocol.PeerInfo{
				PeerID:          peerID,
				DeviceName:      meta.DeviceName,
				Platform:        meta.Platform,
				SharedFileCount: h.index.OwnerCount(peerID),
			},
		}, peerID)
	}
	slog.Info("peer joined room", "peer_id", peerID, "room_id", room.RoomID)
}

func (h *Hub) shareLocked(sess *core.Session, peerID string, m protocol.Message) {
	room, ok := h.rooms.Get()
	if !ok {
		h.sendError(sess, protocol.CodeNoRoom, "no active room")
		return
	}
	meta, _ := h.registry.Get(peerID)
	if room.Locked && !meta.Admin {
		h.sendError(sess, protocol.CodeRoomLocked, "room is locked")
		return
	}

	res := h.index.UpsertMany(meta, m.Files)
	for _, rej := range res.Rejected {
		h.send(sess, protocol.Message{
			Type:    protocol.TypeError,
			Code:    rej.Code,
			Message: "file rejected",
			FileID:  rej.FileID,
		})
	}
	if len(res.Accepted) > 0 {
		h.broadcast(protocol.Message{
			Type:  protocol.TypeIndexUpsert,
			Files: res.Accepted,
		}, "")
	}
	h.syncGauges()
}

func (h *Hub) unshareLocked(sess *core.Session, peerID string, m protocol.Message) {
	if _, ok := h.rooms.Get(); !ok {
		h.sendError(sess, protocol.CodeNoRoom, "no active room")
		return
	}
	meta, _ := h.registry.Get(peerID)
	removed := h.index.RemoveMany(peerID, meta.Admin, m.FileIDs)
	if len(removed) > 0 {
		h.broadcast(protocol.Message{
			Type:    protocol.TypeIndexRemove,
			FileIDs: removed,
		}, "")
	}
	h.syncGauges()
}

func (h *Hub) requestLocked(sess *core.Session, m protocol.Message) {
	fd, ok := h.index.Get(m.FileID)
	if !ok {
		h.sendError(sess, protocol.CodeFileNotFound, "file not in index")
		return
	}
	h.send(sess, protocol.Message{
		Type:        protocol.TypeFileOffer,
		FileID:      fd.FileID,
		OwnerPeerID: fd.OwnerPeerID,
		Relay:       true,
	})
}

func (h *Hub) relayPullLocked(sess *core.Session, peerID string, m protocol.Message) {
	fd, ok := h.index.Get(m.FileID)
	if !ok {
		h.sendError(sess, protocol.CodeFileNotFound, "file not in index")
		return
	}
	ownerSess, live := h.registry.Session(fd.OwnerPeerID)
	if !live {
		h.sendError(sess, protocol.CodeOwnerOffline, "file owner is not connected")
		return
	}
	if err := h.broker.Pull(peerID, sess, ownerSess, fd, m.TransferID); err != nil {
		if errors.Is(err, relay.ErrTransferExists) {
			h.sendError(sess, protocol.CodeTransferExists, "transferId already in use")
			return
		}
		h.sendError(sess, protocol.CodeInvalidMessage, err.Error())
	}
}

// removePeerLocked is the single removal path shared by LEAVE_ROOM, socket
// close and heartbeat expiry. When sess is non-nil only that session's
// registration is removed, so a superseded socket cannot evict its
// replacement.
func (h *Hub) removePeerLocked(peerID string, sess *core.Session, closeCode int) {
	if sess == nil {
		sess, _ = h.registry.Session(peerID)
	}
	if _, ok := h.registry.Remove(peerID, sess); !ok {
		return
	}

	purged := h.index.PurgeOwner(peerID)
	h.broker.PeerGone(peerID)

	h.broadcast(protocol.Message{
		Type:   protocol.TypePeerLeft,
		PeerID: peerID,
	}, peerID)
	if len(purged) > 0 {
		h.broadcast(protocol.Message{
			Type:    protocol.TypeIndexRemove,
			FileIDs: purged,
		}, peerID)
	}
	h.syncGauges()

	if sess != nil {
		sess.Close(closeCode)
	}
}

func (h *Hub) broadcastRoomInfoLocked(room core.Room) {
	h.broadcast(h.roomInfo(room), "")
}

func (h *Hub) roomInfo(room core.Room) protocol.Message {
	locked := room.Locked
	return protocol.Message{
		Type:      protocol.TypeRoomInfo,
		RoomID:    room.RoomID,
		RoomName:  room.Name,
		HostID:    h.hostID,
		PeerCount: h.registry.JoinedCount(),
		Locked:    &locked,
	}
}

// ownsSession reports whether sess is still the registered session for
// peerID. A superseded socket fails this check.
func (h *Hub) ownsSession(peerID string, sess *core.Session) bool {
	cur, ok := h.registry.Session(peerID)
	return ok && cur == sess
}

func (h *Hub) send(sess *core.Session, m protocol.Message) {
	m.TS = time.Now().UnixMilli()
	sess.SendMsg(m, h.cfg.SendTimeout())
}

func (h *Hub) sendError(sess *core.Session, code, text string) {
	h.send(sess, protocol.Message{
		Type:    protocol.TypeError,
		Code:    code,
		Message: text,
	})
}

func (h *Hub) broadcast(m protocol.Message, exceptPeerID string) {
	m.TS = time.Now().UnixMilli()
	h.registry.Broadcast(m, exceptPeerID, h.cfg.SendTimeout())
}

func (h *Hub) syncGauges() {
	if h.metrics == nil {
		return
	}
	h.metrics.PeersConnected.Set(float64(h.registry.Count()))
	h.metrics.IndexFiles.Set(float64(h.index.Len()))
}

func (h *Hub) persistRoom(ctx context.Context, room core.Room) {
	if h.store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := h.store.SaveRoom(saveCtx, store.RoomRow{
		RoomID:    room.RoomID,
		Name:      room.Name,
		Locked:    room.Locked,
		CreatedAt: room.CreatedAt,
		UpdatedAt: room.UpdatedAt,
	})
	if err != nil {
		slog.Warn("persist room failed", "room_id", room.RoomID, "err", err)
	}
}
