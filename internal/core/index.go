package core

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"audiowallet/host/internal/protocol"
)

// RejectedFile names one entry refused by UpsertMany and why.
type RejectedFile struct {
	FileID string
	Code   string
}

// UpsertResult splits an upsert batch into the accepted and rejected subsets.
type UpsertResult struct {
	Accepted []protocol.FileDescriptor
	Rejected []RejectedFile
}

// Index is the authoritative fileId → descriptor mapping. Every entry has a
// live owner; purging on peer departure is the registry removal path's job and
// runs atomically with it under the hub's dispatch order.
type Index struct {
	mu           sync.RWMutex
	files        map[string]protocol.FileDescriptor
	maxFileBytes int64
}

func NewIndex(maxFileBytes int64) *Index {
	return &Index{
		files:        make(map[string]protocol.FileDescriptor),
		maxFileBytes: maxFileBytes,
	}
}

// UpsertMany validates and stores a batch for one owner. Entries are rejected
// individually: oversize or non-positive size, malformed sha256, blank fileId,
// or a fileId already owned by a different peer. Owner fields are stamped by
// the host; whatever the client sent there is discarded.
func (x *Index) UpsertMany(owner PeerMeta, in []protocol.FileDescriptor) UpsertResult {
	now := time.Now().UnixMilli()
	var res UpsertResult

	x.mu.Lock()
	for _, fd := range in {
		fd.FileID = strings.TrimSpace(fd.FileID)
		switch {
		case fd.FileID == "":
			res.Rejected = append(res.Rejected, RejectedFile{FileID: fd.FileID, Code: protocol.CodeInvalidMessage})
			continue
		case fd.SizeBytes <= 0:
			res.Rejected = append(res.Rejected, RejectedFile{FileID: fd.FileID, Code: protocol.CodeInvalidMessage})
			continue
		case fd.SizeBytes > x.maxFileBytes:
			res.Rejected = append(res.Rejected, RejectedFile{FileID: fd.FileID, Code: protocol.CodeFileTooLarge})
			continue
		case !protocol.ValidSHA256(fd.SHA256):
			res.Rejected = append(res.Rejected, RejectedFile{FileID: fd.FileID, Code: protocol.CodeInvalidMessage})
			continue
		}
		if prev, ok := x.files[fd.FileID]; ok && prev.OwnerPeerID != owner.PeerID {
			res.Rejected = append(res.Rejected, RejectedFile{FileID: fd.FileID, Code: protocol.CodeIDCollision})
			continue
		}
		fd.SHA256 = strings.ToLower(fd.SHA256)
		fd.OwnerPeerID = owner.PeerID
		fd.OwnerName = owner.DeviceName
		fd.AddedAt = now
		x.files[fd.FileID] = fd
		res.Accepted = append(res.Accepted, fd)
	}
	total := len(x.files)
	x.mu.Unlock()

	slog.Info("index upsert", "owner", owner.PeerID, "accepted", len(res.Accepted),
		"rejected", len(res.Rejected), "total_files", total)
	return res
}

// RemoveMany deletes entries owned by callerID; admins may remove anything.
// Returns the fileIds actually removed.
func (x *Index) RemoveMany(callerID string, admin bool, fileIDs []string) []string {
	x.mu.Lock()
	var removed []string
	for _, id := range fileIDs {
		fd, ok := x.files[id]
		if !ok {
			continue
		}
		if !admin && fd.OwnerPeerID != callerID {
			continue
		}
		delete(x.files, id)
		removed = append(removed, id)
	}
	total := len(x.files)
	x.mu.Unlock()

	if len(removed) > 0 {
		slog.Info("index remove", "caller", callerID, "removed", len(removed), "total_files", total)
	}
	return removed
}

// PurgeOwner removes every entry owned by peerID and returns their fileIds.
func (x *Index) PurgeOwner(peerID string) []string {
	x.mu.Lock()
	var purged []string
	for id, fd := range x.files {
		if fd.OwnerPeerID == peerID {
			delete(x.files, id)
			purged = append(purged, id)
		}
	}
	total := len(x.files)
	x.mu.Unlock()

	sort.Strings(purged)
	if len(purged) > 0 {
		slog.Info("index purge", "owner", peerID, "purged", len(purged), "total_files", total)
	}
	return purged
}

// Snapshot returns every descriptor in stable fileId order.
func (x *Index) Snapshot() []protocol.FileDescriptor {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]protocol.FileDescriptor, 0, len(x.files))
	for _, fd := range x.files {
		out = append(out, fd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out
}

// Get returns one descriptor.
func (x *Index) Get(fileID string) (protocol.FileDescriptor, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	fd, ok := x.files[fileID]
	return fd, ok
}

// OwnerCount returns how many files peerID currently shares.
func (x *Index) OwnerCount(peerID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, fd := range x.files {
		if fd.OwnerPeerID == peerID {
			n++
		}
	}
	return n
}

// Len returns the index size.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.files)
}
