package relay

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"audiowallet/host/internal/core"
	"audiowallet/host/internal/protocol"
)

func newTestBroker() *Broker {
	return New(Options{
		SendTimeout:      time.Second,
		IdleTimeout:      time.Second,
		MaxInFlightBytes: 1 << 20,
		MaxFileBytes:     50 << 20,
	})
}

func testDescriptor() protocol.FileDescriptor {
	return protocol.FileDescriptor{
		FileID:      "f1",
		Title:       "Song",
		SizeBytes:   10,
		MimeType:    "audio/mpeg",
		SHA256:      "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		OwnerPeerID: "owner",
	}
}

// nextFrame pulls one outbound frame, releasing binary credit the way a
// transport writer would.
func nextFrame(t *testing.T, sess *core.Session) core.Frame {
	t.Helper()
	select {
	case f := <-sess.Outbound():
		f.Release()
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("no outbound frame")
		return core.Frame{}
	}
}

func nextMsg(t *testing.T, sess *core.Session) protocol.Message {
	t.Helper()
	f := nextFrame(t, sess)
	if !f.IsText() {
		t.Fatalf("expected text frame, got %d binary bytes", len(f.Data))
	}
	return *f.Msg
}

func startTransfer(t *testing.T, b *Broker) (requester, owner *core.Session) {
	t.Helper()
	requester = core.NewSession("req", 16)
	owner = core.NewSession("own", 16)
	if err := b.Pull("requester", requester, owner, testDescriptor(), "t1"); err != nil {
		t.Fatalf("pull: %v", err)
	}
	pull := nextMsg(t, owner)
	if pull.Type != protocol.TypeRelayPull || pull.TransferID != "t1" || pull.RequesterPeerID != "requester" {
		t.Fatalf("unexpected pull: %+v", pull)
	}
	return requester, owner
}

func TestHappyPathRelay(t *testing.T) {
	b := newTestBroker()
	requester, owner := startTransfer(t, b)

	fd := testDescriptor()
	b.PushMeta(owner, "owner", protocol.Message{
		Type:       protocol.TypeRelayPushMeta,
		TransferID: "t1",
		Size:       fd.SizeBytes,
		MimeType:   fd.MimeType,
		SHA256:     fd.SHA256,
	})
	start := nextMsg(t, requester)
	if start.Type != protocol.TypeTransferStart || start.Size != 10 || start.FileID != "f1" {
		t.Fatalf("unexpected start: %+v", start)
	}

	payload := []byte("0123456789")
	frame, err := protocol.EncodeChunk("t1", payload)
	if err != nil {
		t.Fatalf("encode chunk: %v", err)
	}
	b.Chunk("owner", frame)

	got := nextFrame(t, requester)
	if got.IsText() || !bytes.Equal(got.Data, frame) {
		t.Fatalf("chunk not relayed verbatim")
	}
	progress := nextMsg(t, requester)
	if progress.Type != protocol.TypeTransferProgress || progress.BytesTransferred != 10 {
		t.Fatalf("unexpected progress: %+v", progress)
	}

	b.Complete(owner, "owner", "t1")
	done := nextMsg(t, requester)
	if done.Type != protocol.TypeTransferComplete || done.SHA256 != fd.SHA256 {
		t.Fatalf("unexpected complete: %+v", done)
	}
	if state, ok := b.State("t1"); !ok || state != StateComplete {
		t.Fatalf("state = %q, %v", state, ok)
	}
	if n := b.ActiveCount(); n != 0 {
		t.Fatalf("active count = %d", n)
	}
}

func TestDuplicateTransferID(t *testing.T) {
	b := newTestBroker()
	requester, owner := startTransfer(t, b)

	if err := b.Pull("requester", requester, owner, testDescriptor(), "t1"); err != ErrTransferExists {
		t.Fatalf("expected ErrTransferExists, got %v", err)
	}
}

func TestPushMetaDisagreesWithIndex(t *testing.T) {
	b := newTestBroker()
	requester, owner := startTransfer(t, b)

	b.PushMeta(owner, "owner", protocol.Message{
		Type:       protocol.TypeRelayPushMeta,
		TransferID: "t1",
		Size:       999,
		MimeType:   "audio/mpeg",
	})
	for _, sess := range []*core.Session{owner, requester} {
		m := nextMsg(t, sess)
		if m.Type != protocol.TypeError || m.Code != protocol.CodeSizeMismatch {
			t.Fatalf("unexpected message: %+v", m)
		}
	}
	if state, _ := b.State("t1"); state != StateError {
		t.Fatalf("state = %q", state)
	}
}

func TestPushMetaOverLimitNotifiesBothParties(t *testing.T) {
	b := New(Options{
		SendTimeout:      time.Second,
		IdleTimeout:      time.Second,
		MaxInFlightBytes: 1 << 20,
		MaxFileBytes:     100,
	})
	requester, owner := startTransfer(t, b)

	b.PushMeta(owner, "owner", protocol.Message{
		Type: protocol.TypeRelayPushMeta, TransferID: "t1", Size: 1000, MimeType: "audio/mpeg",
	})
	if m := nextMsg(t, owner); m.Code != protocol.CodeFileTooLarge {
		t.Fatalf("owner got %+v", m)
	}
	if m := nextMsg(t, requester); m.Code != protocol.CodeFileTooLarge || m.TransferID != "t1" {
		t.Fatalf("requester got %+v", m)
	}
	if state, _ := b.State("t1"); state != StateError {
		t.Fatalf("state = %q", state)
	}
}

func TestChunkBeyondDeclaredSize(t *testing.T) {
	b := newTestBroker()
	requester, owner := startTransfer(t, b)
	b.PushMeta(owner, "owner", protocol.Message{
		Type: protocol.TypeRelayPushMeta, TransferID: "t1", Size: 10, MimeType: "audio/mpeg",
	})
	nextMsg(t, requester) // TRANSFER_START

	frame, _ := protocol.EncodeChunk("t1", make([]byte, 11))
	b.Chunk("owner", frame)

	if m := nextMsg(t, owner); m.Code != protocol.CodeSizeMismatch {
		t.Fatalf("owner got %+v", m)
	}
	if m := nextMsg(t, requester); m.Code != protocol.CodeSizeMismatch {
		t.Fatalf("requester got %+v", m)
	}
}

func TestCompleteShortOfSize(t *testing.T) {
	b := newTestBroker()
	requester, owner := startTransfer(t, b)
	b.PushMeta(owner, "owner", protocol.Message{
		Type: protocol.TypeRelayPushMeta, TransferID: "t1", Size: 10, MimeType: "audio/mpeg",
	})
	nextMsg(t, requester)

	frame, _ := protocol.EncodeChunk("t1", make([]byte, 4))
	b.Chunk("owner", frame)
	nextFrame(t, requester) // chunk
	nextMsg(t, requester)   // progress

	b.Complete(owner, "owner", "t1")
	if m := nextMsg(t, requester); m.Code != protocol.CodeSizeMismatch {
		t.Fatalf("requester got %+v", m)
	}
	if state, _ := b.State("t1"); state != StateError {
		t.Fatalf("state = %q", state)
	}
}

func TestSlowRequesterBoundsInFlightBytes(t *testing.T) {
	b := New(Options{
		SendTimeout:      50 * time.Millisecond,
		IdleTimeout:      time.Second,
		MaxInFlightBytes: 16,
		MaxFileBytes:     50 << 20,
	})
	requester := core.NewSession("req", 16)
	owner := core.NewSession("own", 16)
	fd := testDescriptor()
	fd.SizeBytes = 20
	if err := b.Pull("requester", requester, owner, fd, "t1"); err != nil {
		t.Fatalf("pull: %v", err)
	}
	nextMsg(t, owner) // RELAY_PULL
	b.PushMeta(owner, "owner", protocol.Message{
		Type: protocol.TypeRelayPushMeta, TransferID: "t1", Size: 20, MimeType: "audio/mpeg",
	})
	nextMsg(t, requester) // TRANSFER_START

	// A 16-byte frame (4-byte header + "t1" + 10 payload bytes) fills the
	// whole window. Nothing drains the requester, so its credit is never
	// released and the second chunk must wait out the send timeout.
	frame, _ := protocol.EncodeChunk("t1", make([]byte, 10))
	b.Chunk("owner", frame)

	start := time.Now()
	b.Chunk("owner", frame)
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("second chunk did not block on the in-flight window")
	}

	select {
	case <-requester.Done():
	case <-time.After(time.Second):
		t.Fatalf("stuck requester not closed")
	}
	if requester.CloseCode() != protocol.CloseProtocolError {
		t.Fatalf("close code = %d", requester.CloseCode())
	}
	if m := nextMsg(t, owner); m.Type != protocol.TypeRelayError || m.Error != protocol.CodeRequesterGone {
		t.Fatalf("owner got %+v", m)
	}
	if state, _ := b.State("t1"); state != StateCancelled {
		t.Fatalf("state = %q", state)
	}
}

func TestChunkForUnknownTransferDropped(t *testing.T) {
	b := newTestBroker()
	frame, _ := protocol.EncodeChunk("nope", []byte("x"))
	b.Chunk("owner", frame) // must not panic or track anything
	if b.Has("nope") {
		t.Fatalf("unknown transfer was tracked")
	}
}

func TestOwnerGoneNotifiesRequester(t *testing.T) {
	b := newTestBroker()
	requester, _ := startTransfer(t, b)

	b.PeerGone("owner")
	m := nextMsg(t, requester)
	if m.Type != protocol.TypeError || m.Code != protocol.CodeOwnerGone || m.TransferID != "t1" {
		t.Fatalf("unexpected message: %+v", m)
	}
	if state, _ := b.State("t1"); state != StateError {
		t.Fatalf("state = %q", state)
	}
}

func TestRequesterGoneNotifiesOwner(t *testing.T) {
	b := newTestBroker()
	_, owner := startTransfer(t, b)

	b.PeerGone("requester")
	m := nextMsg(t, owner)
	if m.Type != protocol.TypeRelayError || m.Error != protocol.CodeRequesterGone {
		t.Fatalf("unexpected message: %+v", m)
	}
	if state, _ := b.State("t1"); state != StateCancelled {
		t.Fatalf("state = %q", state)
	}
}

func TestRequesterCancel(t *testing.T) {
	b := newTestBroker()
	requester, owner := startTransfer(t, b)

	b.Fail(requester, "requester", "t1", protocol.CodeCancelled)
	m := nextMsg(t, owner)
	if m.Type != protocol.TypeRelayError || m.Error != protocol.CodeCancelled {
		t.Fatalf("unexpected message: %+v", m)
	}
	if state, _ := b.State("t1"); state != StateCancelled {
		t.Fatalf("state = %q", state)
	}
}

func TestIdleTransferStalls(t *testing.T) {
	b := New(Options{
		SendTimeout:      time.Second,
		IdleTimeout:      10 * time.Millisecond,
		MaxInFlightBytes: 1 << 20,
		MaxFileBytes:     50 << 20,
	})
	requester, owner := startTransfer(t, b)

	time.Sleep(30 * time.Millisecond)
	b.sweep()

	if m := nextMsg(t, requester); m.Code != protocol.CodeStalled {
		t.Fatalf("requester got %+v", m)
	}
	if m := nextMsg(t, owner); m.Type != protocol.TypeRelayError || m.Error != protocol.CodeStalled {
		t.Fatalf("owner got %+v", m)
	}
}

func TestTerminalTransfersAreSwept(t *testing.T) {
	b := newTestBroker()
	requester, owner := startTransfer(t, b)

	b.Fail(requester, "requester", "t1", protocol.CodeCancelled)
	nextMsg(t, owner)

	b.mu.Lock()
	b.transfers["t1"].terminalAt = time.Now().Add(-2 * terminalLinger)
	b.mu.Unlock()
	b.sweep()

	if b.Has("t1") {
		t.Fatalf("terminal transfer survived linger")
	}
}

func TestRunStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBroker()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
