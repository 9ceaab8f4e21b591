package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"audiowallet/host/internal/core"
	"audiowallet/host/internal/metrics"
	"audiowallet/host/internal/protocol"
	"audiowallet/host/internal/store"
)

// Transfer states.
const (
	StatePending   = "PENDING"
	StateUploading = "UPLOADING"
	StateComplete  = "COMPLETE"
	StateError     = "ERROR"
	StateCancelled = "CANCELLED"
)

const (
	// progressInterval / progressBytes throttle TRANSFER_PROGRESS emission.
	progressInterval = 500 * time.Millisecond
	progressBytes    = 512 * 1024

	// terminalLinger keeps finished transfers around so a late cancel or
	// duplicate chunk is rejected instead of resurrecting the id.
	terminalLinger = 5 * time.Second

	janitorInterval = time.Second
)

// ErrTransferExists is returned by Pull for a duplicate transferId.
var ErrTransferExists = errors.New("transfer already exists")

type transfer struct {
	id     string
	fileID string

	requesterID string
	ownerID     string
	requester   *core.Session
	owner       *core.Session

	// Values from the index entry at pull time; PUSH_META must agree.
	indexSize int64
	indexSHA  string

	// Values declared by the owner at PUSH_META.
	size     int64
	mimeType string
	sha256   string

	state     string
	errorCode string
	bytes     int64

	startedAt         time.Time
	lastChunk         time.Time
	terminalAt        time.Time
	lastProgressAt    time.Time
	lastProgressBytes int64

	// In-flight byte window toward the requester. Acquired before a chunk
	// is queued, released by the requester's writer pump after the write;
	// a slow requester therefore stalls the owner's read loop.
	flight *semaphore.Weighted
}

// Options configures a Broker. Store and Metrics are optional.
type Options struct {
	SendTimeout      time.Duration
	IdleTimeout      time.Duration
	MaxInFlightBytes int64
	MaxFileBytes     int64
	Store            *store.Store
	Metrics          *metrics.Metrics
}

// Broker matches a requester's pull to an owner's push and relays chunks
// between them, tracking per-transfer progress and terminal state.
type Broker struct {
	mu        sync.Mutex
	transfers map[string]*transfer
	opts      Options
}

func New(opts Options) *Broker {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if opts.MaxInFlightBytes <= 0 {
		opts.MaxInFlightBytes = 1 << 20
	}
	return &Broker{
		transfers: make(map[string]*transfer),
		opts:      opts,
	}
}

// Run drives the idle and linger janitors until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// Pull records a new PENDING transfer and forwards the pull to the owner.
// The caller has already validated that fd exists in the index and that the
// owner session is live.
func (b *Broker) Pull(requesterID string, requester *core.Session, ownerSess *core.Session, fd protocol.FileDescriptor, transferID string) error {
	b.mu.Lock()
	if _, exists := b.transfers[transferID]; exists {
		b.mu.Unlock()
		return ErrTransferExists
	}
	now := time.Now()
	b.transfers[transferID] = &transfer{
		id:          transferID,
		fileID:      fd.FileID,
		requesterID: requesterID,
		ownerID:     fd.OwnerPeerID,
		requester:   requester,
		owner:       ownerSess,
		indexSize:   fd.SizeBytes,
		indexSHA:    fd.SHA256,
		state:       StatePending,
		startedAt:   now,
		lastChunk:   now,
		flight:      semaphore.NewWeighted(b.opts.MaxInFlightBytes),
	}
	b.mu.Unlock()

	slog.Info("transfer pending", "transfer_id", transferID, "file_id", fd.FileID,
		"requester", requesterID, "owner", fd.OwnerPeerID)
	ownerSess.SendMsg(protocol.Message{
		Type:            protocol.TypeRelayPull,
		TS:              now.UnixMilli(),
		FileID:          fd.FileID,
		TransferID:      transferID,
		RequesterPeerID: requesterID,
	}, b.opts.SendTimeout)
	return nil
}

// PushMeta handles RELAY_PUSH_META from the owner: cross-checks the declared
// metadata against the index entry, transitions to UPLOADING, and tells the
// requester the transfer is starting.
func (b *Broker) PushMeta(sender *core.Session, senderID string, m protocol.Message) {
	b.mu.Lock()
	t, ok := b.transfers[m.TransferID]
	if !ok || t.ownerID != senderID || t.state != StatePending {
		b.mu.Unlock()
		sender.SendMsg(errorMsg(m.TransferID, protocol.CodeTransferNotFound, "no pending transfer for meta"), b.opts.SendTimeout)
		return
	}

	if m.Size > b.opts.MaxFileBytes {
		b.finishLocked(t, StateError, protocol.CodeFileTooLarge)
		owner, requester := t.owner, t.requester
		b.mu.Unlock()
		owner.SendMsg(errorMsg(t.id, protocol.CodeFileTooLarge, "declared size exceeds limit"), b.opts.SendTimeout)
		requester.SendMsg(errorMsg(t.id, protocol.CodeFileTooLarge, "owner declared a size over the limit"), b.opts.SendTimeout)
		return
	}
	if m.Size != t.indexSize || protocol.ValidSHA256(m.SHA256) && !equalDigest(m.SHA256, t.indexSHA) {
		b.finishLocked(t, StateError, protocol.CodeSizeMismatch)
		owner, requester := t.owner, t.requester
		b.mu.Unlock()
		owner.SendMsg(errorMsg(t.id, protocol.CodeSizeMismatch, "declared metadata disagrees with index"), b.opts.SendTimeout)
		requester.SendMsg(errorMsg(t.id, protocol.CodeSizeMismatch, "owner metadata disagrees with index"), b.opts.SendTimeout)
		return
	}

	t.size = m.Size
	t.mimeType = m.MimeType
	t.sha256 = m.SHA256
	t.state = StateUploading
	t.lastChunk = time.Now()
	requester := t.requester
	b.mu.Unlock()

	slog.Info("transfer uploading", "transfer_id", t.id, "file_id", t.fileID,
		"size", humanize.Bytes(uint64(m.Size)))
	requester.SendMsg(protocol.Message{
		Type:       protocol.TypeTransferStart,
		TS:         time.Now().UnixMilli(),
		TransferID: t.id,
		FileID:     t.fileID,
		Size:       t.size,
		MimeType:   t.mimeType,
	}, b.opts.SendTimeout)
}

// Chunk forwards one binary frame from the owner to the requester, verbatim.
// Chunks for unknown transfers are dropped, not a session error.
func (b *Broker) Chunk(senderID string, frame []byte) {
	transferID, payload, err := protocol.DecodeChunk(frame)
	if err != nil {
		slog.Debug("chunk dropped", "reason", "malformed frame", "err", err)
		return
	}

	b.mu.Lock()
	t, ok := b.transfers[transferID]
	if !ok || t.state != StateUploading || t.ownerID != senderID {
		b.mu.Unlock()
		slog.Debug("chunk dropped", "transfer_id", transferID, "known", ok, "sender", senderID)
		return
	}

	if t.bytes+int64(len(payload)) > t.size {
		b.finishLocked(t, StateError, protocol.CodeSizeMismatch)
		owner, requester := t.owner, t.requester
		b.mu.Unlock()
		owner.SendMsg(errorMsg(t.id, protocol.CodeSizeMismatch, "chunk bytes exceed declared size"), b.opts.SendTimeout)
		requester.SendMsg(errorMsg(t.id, protocol.CodeSizeMismatch, "chunk bytes exceed declared size"), b.opts.SendTimeout)
		return
	}

	t.bytes += int64(len(payload))
	t.lastChunk = time.Now()
	progress := int64(-1)
	if t.lastProgressAt.IsZero() ||
		time.Since(t.lastProgressAt) >= progressInterval ||
		t.bytes-t.lastProgressBytes >= progressBytes {
		t.lastProgressAt = time.Now()
		t.lastProgressBytes = t.bytes
		progress = t.bytes
	}
	requester := t.requester
	flight := t.flight
	b.mu.Unlock()

	if b.opts.Metrics != nil {
		b.opts.Metrics.RelayBytesTotal.Add(float64(len(payload)))
	}

	// Backpressure: wait for window space; a requester that cannot drain
	// within the send timeout is closed, which cancels the transfer.
	acquireCtx, cancel := context.WithTimeout(context.Background(), b.opts.SendTimeout)
	err = flight.Acquire(acquireCtx, int64(len(frame)))
	cancel()
	if err != nil || !requester.SendBinary(frame, flight, int64(len(frame)), b.opts.SendTimeout) {
		slog.Warn("requester not draining, closing session", "transfer_id", transferID, "requester", t.requesterID)
		requester.Close(protocol.CloseProtocolError)
		b.PeerGone(t.requesterID)
		return
	}

	if progress >= 0 {
		requester.SendMsg(protocol.Message{
			Type:             protocol.TypeTransferProgress,
			TS:               time.Now().UnixMilli(),
			TransferID:       transferID,
			BytesTransferred: progress,
		}, b.opts.SendTimeout)
	}
}

// Complete handles RELAY_COMPLETE from the owner.
func (b *Broker) Complete(sender *core.Session, senderID, transferID string) {
	b.mu.Lock()
	t, ok := b.transfers[transferID]
	if !ok || t.ownerID != senderID || t.state != StateUploading {
		b.mu.Unlock()
		sender.SendMsg(errorMsg(transferID, protocol.CodeTransferNotFound, "no uploading transfer to complete"), b.opts.SendTimeout)
		return
	}

	if t.bytes != t.size {
		b.finishLocked(t, StateError, protocol.CodeSizeMismatch)
		owner, requester := t.owner, t.requester
		b.mu.Unlock()
		owner.SendMsg(errorMsg(t.id, protocol.CodeSizeMismatch, "completed short of declared size"), b.opts.SendTimeout)
		requester.SendMsg(errorMsg(t.id, protocol.CodeSizeMismatch, "owner completed short of declared size"), b.opts.SendTimeout)
		return
	}

	b.finishLocked(t, StateComplete, "")
	requester := t.requester
	sha := t.sha256
	b.mu.Unlock()

	slog.Info("transfer complete", "transfer_id", t.id, "file_id", t.fileID,
		"size", humanize.Bytes(uint64(t.size)))
	requester.SendMsg(protocol.Message{
		Type:       protocol.TypeTransferComplete,
		TS:         time.Now().UnixMilli(),
		TransferID: t.id,
		FileID:     t.fileID,
		SHA256:     sha,
	}, b.opts.SendTimeout)
}

// Fail handles RELAY_ERROR from either party. A requester-originated error is
// a cancellation; an owner-originated one is a failure.
func (b *Broker) Fail(sender *core.Session, senderID, transferID, code string) {
	if code == "" {
		code = protocol.CodeCancelled
	}

	b.mu.Lock()
	t, ok := b.transfers[transferID]
	if !ok || terminal(t.state) {
		b.mu.Unlock()
		sender.SendMsg(errorMsg(transferID, protocol.CodeTransferNotFound, "no active transfer"), b.opts.SendTimeout)
		return
	}

	switch senderID {
	case t.requesterID:
		b.finishLocked(t, StateCancelled, code)
		owner := t.owner
		b.mu.Unlock()
		owner.SendMsg(relayErrorMsg(t.id, code), b.opts.SendTimeout)
	case t.ownerID:
		b.finishLocked(t, StateError, code)
		requester := t.requester
		b.mu.Unlock()
		requester.SendMsg(errorMsg(t.id, code, "owner reported an error"), b.opts.SendTimeout)
	default:
		b.mu.Unlock()
		sender.SendMsg(errorMsg(transferID, protocol.CodeTransferNotFound, "not a party to this transfer"), b.opts.SendTimeout)
	}
}

// PeerGone aborts every active transfer the departed peer is party to.
func (b *Broker) PeerGone(peerID string) {
	type notice struct {
		sess *core.Session
		msg  protocol.Message
	}
	var notices []notice

	b.mu.Lock()
	for _, t := range b.transfers {
		if terminal(t.state) {
			continue
		}
		switch peerID {
		case t.ownerID:
			b.finishLocked(t, StateError, protocol.CodeOwnerGone)
			notices = append(notices, notice{t.requester, errorMsg(t.id, protocol.CodeOwnerGone, "file owner disconnected")})
		case t.requesterID:
			b.finishLocked(t, StateCancelled, protocol.CodeRequesterGone)
			notices = append(notices, notice{t.owner, relayErrorMsg(t.id, protocol.CodeRequesterGone)})
		}
	}
	b.mu.Unlock()

	for _, n := range notices {
		n.sess.SendMsg(n.msg, b.opts.SendTimeout)
	}
}

// Has reports whether transferID is still tracked (including linger).
func (b *Broker) Has(transferID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.transfers[transferID]
	return ok
}

// ActiveCount returns the number of non-terminal transfers.
func (b *Broker) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.transfers {
		if !terminal(t.state) {
			n++
		}
	}
	return n
}

// State returns the current state of a tracked transfer.
func (b *Broker) State(transferID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.transfers[transferID]
	if !ok {
		return "", false
	}
	return t.state, true
}

// sweep stalls idle transfers and drops lingered terminal ones.
func (b *Broker) sweep() {
	type notice struct {
		sess *core.Session
		msg  protocol.Message
	}
	var notices []notice
	now := time.Now()

	b.mu.Lock()
	for id, t := range b.transfers {
		if terminal(t.state) {
			if now.Sub(t.terminalAt) > terminalLinger {
				delete(b.transfers, id)
			}
			continue
		}
		if now.Sub(t.lastChunk) > b.opts.IdleTimeout {
			b.finishLocked(t, StateError, protocol.CodeStalled)
			notices = append(notices,
				notice{t.requester, errorMsg(t.id, protocol.CodeStalled, "no chunk received in time")},
				notice{t.owner, relayErrorMsg(t.id, protocol.CodeStalled)},
			)
		}
	}
	b.mu.Unlock()

	for _, n := range notices {
		n.sess.SendMsg(n.msg, b.opts.SendTimeout)
	}
}

// finishLocked moves a transfer to a terminal state and records the outcome.
// Caller holds b.mu.
func (b *Broker) finishLocked(t *transfer, state, code string) {
	t.state = state
	t.errorCode = code
	t.terminalAt = time.Now()

	if b.opts.Metrics != nil {
		b.opts.Metrics.TransfersTotal.WithLabelValues(state).Inc()
	}
	if b.opts.Store != nil {
		row := store.TransferRow{
			TransferID:  t.id,
			FileID:      t.fileID,
			RequesterID: t.requesterID,
			OwnerID:     t.ownerID,
			SizeBytes:   t.indexSize,
			BytesMoved:  t.bytes,
			State:       state,
			ErrorCode:   code,
			StartedAt:   t.startedAt.UnixMilli(),
			FinishedAt:  t.terminalAt.UnixMilli(),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.opts.Store.RecordTransfer(ctx, row); err != nil {
				slog.Warn("record transfer failed", "transfer_id", row.TransferID, "err", err)
			}
		}()
	}
	if state != StateComplete {
		slog.Info("transfer terminated", "transfer_id", t.id, "state", state, "code", code,
			"bytes", t.bytes)
	}
}

func equalDigest(a, b string) bool {
	return strings.EqualFold(a, b)
}

func terminal(state string) bool {
	return state == StateComplete || state == StateError || state == StateCancelled
}

func errorMsg(transferID, code, text string) protocol.Message {
	return protocol.Message{
		Type:       protocol.TypeError,
		TS:         time.Now().UnixMilli(),
		TransferID: transferID,
		Code:       code,
		Message:    text,
	}
}

func relayErrorMsg(transferID, code string) protocol.Message {
	return protocol.Message{
		Type:       protocol.TypeRelayError,
		TS:         time.Now().UnixMilli(),
		TransferID: transferID,
		Error:      code,
	}
}
