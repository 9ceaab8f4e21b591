package core

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"audiowallet/host/internal/protocol"
)

// Frame is one outbound unit queued for a session's writer pump. Exactly one
// of Msg (text) or Data (binary) is set.
type Frame struct {
	Msg  *protocol.Message
	Data []byte

	flight  *semaphore.Weighted
	flightN int64
}

// IsText reports whether the frame carries a JSON message.
func (f Frame) IsText() bool { return f.Msg != nil }

// Release returns the in-flight credit held by a binary frame. The transport
// writer must call it exactly once per frame, after the write completes or
// when the frame is dropped.
func (f Frame) Release() {
	if f.flight != nil {
		f.flight.Release(f.flightN)
	}
}

// Session is the host-side handle for one connected client. The transport
// layer owns the socket; everything else talks to the peer through the
// outbound frame queue.
type Session struct {
	mu        sync.Mutex
	peerID    string
	remote    string
	closeCode int

	send      chan Frame
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session with the given outbound queue depth.
func NewSession(remote string, sendBuf int) *Session {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	return &Session{
		remote:    remote,
		closeCode: protocol.CloseNormal,
		send:      make(chan Frame, sendBuf),
		closed:    make(chan struct{}),
	}
}

// Remote returns the transport-reported remote address, for logging.
func (s *Session) Remote() string { return s.remote }

// PeerID returns the peer identity bound at HELLO, or "" before that.
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// BindPeer records the peer identity after a validated HELLO.
func (s *Session) BindPeer(peerID string) {
	s.mu.Lock()
	s.peerID = peerID
	s.mu.Unlock()
}

// SendMsg queues a text frame, waiting at most timeout for queue space.
// Returns false if the session is closed or the queue stayed full.
func (s *Session) SendMsg(msg protocol.Message, timeout time.Duration) bool {
	return s.push(Frame{Msg: &msg}, timeout)
}

// SendBinary queues a binary frame carrying in-flight credit that the writer
// releases once the frame leaves the host.
func (s *Session) SendBinary(data []byte, flight *semaphore.Weighted, n int64, timeout time.Duration) bool {
	return s.push(Frame{Data: data, flight: flight, flightN: n}, timeout)
}

func (s *Session) push(f Frame, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.send <- f:
		return true
	case <-s.closed:
		f.Release()
		return false
	case <-timer.C:
		f.Release()
		return false
	}
}

// Outbound is drained by the transport writer pump.
func (s *Session) Outbound() <-chan Frame { return s.send }

// Close marks the session closed with the given close code. Idempotent; the
// first code wins.
func (s *Session) Close(code int) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeCode = code
		s.mu.Unlock()
		close(s.closed)
	})
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// CloseCode returns the code recorded by Close.
func (s *Session) CloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

// DrainOutbound releases any frames still queued. Transport writers call it
// on exit so in-flight credit is never stranded.
func (s *Session) DrainOutbound() {
	for {
		select {
		case f := <-s.send:
			f.Release()
		default:
			return
		}
	}
}
