package wt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"audiowallet/host/internal/config"
	"audiowallet/host/internal/core"
	"audiowallet/host/internal/hub"
	"audiowallet/host/internal/protocol"
)

// Stream frame kinds. WebTransport streams have no native text/binary
// distinction, so each frame is prefixed with a kind byte and a 4-byte
// big-endian payload length.
const (
	frameText   byte = 0x01
	frameBinary byte = 0x02
)

const frameHeaderLen = 5

const certValidity = 14 * 24 * time.Hour

// Endpoint is the optional WebTransport session endpoint for browser peers
// that cannot open a plain websocket to a LAN address. It speaks the same
// message protocol over a single bidirectional stream per session.
type Endpoint struct {
	hub         *hub.Hub
	cfg         *config.Config
	server      *webtransport.Server
	fingerprint string
}

// NewEndpoint creates an endpoint with a fresh self-signed certificate. The
// fingerprint is handed to clients out-of-band (QR code) for serverCertificateHashes.
func NewEndpoint(h *hub.Hub, cfg *config.Config) (*Endpoint, error) {
	tlsConfig, fingerprint, err := generateTLSConfig(certValidity, "")
	if err != nil {
		return nil, err
	}

	ep := &Endpoint{hub: h, cfg: cfg, fingerprint: fingerprint}
	mux := http.NewServeMux()
	ep.server = &webtransport.Server{
		H3: http3.Server{
			Addr:      fmt.Sprintf(":%d", cfg.WebTransportPort),
			TLSConfig: tlsConfig,
			Handler:   mux,
		},
		CheckOrigin: func(_ *http.Request) bool { return true },
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		sess, err := ep.server.Upgrade(w, r)
		if err != nil {
			slog.Warn("webtransport upgrade failed", "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		go ep.serveSession(r.Context(), sess)
	})
	return ep, nil
}

// Fingerprint returns the hex SHA-256 of the endpoint certificate.
func (ep *Endpoint) Fingerprint() string { return ep.fingerprint }

// Run listens until ctx is cancelled.
func (ep *Endpoint) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = ep.server.Close()
	}()
	slog.Info("webtransport endpoint listening", "port", ep.cfg.WebTransportPort,
		"fingerprint", ep.fingerprint)
	err := ep.server.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (ep *Endpoint) serveSession(ctx context.Context, wtSess *webtransport.Session) {
	stream, err := wtSess.AcceptStream(ctx)
	if err != nil {
		_ = wtSess.CloseWithError(webtransport.SessionErrorCode(protocol.CloseProtocolError), "no stream")
		return
	}

	sess := core.NewSession(wtSess.RemoteAddr().String(), 64)
	slog.Debug("webtransport session opened", "remote", sess.Remote())

	go ep.writer(wtSess, stream, sess)

	defer func() {
		ep.hub.HandleDisconnect(sess)
		sess.Close(protocol.CloseNormal)
		slog.Debug("webtransport session closed", "remote", sess.Remote(), "code", sess.CloseCode())
	}()

	for {
		kind, size, err := readFrameHeader(stream)
		if err != nil {
			return
		}
		var limit int64
		switch kind {
		case frameText:
			limit = protocol.MaxTextFrame
		case frameBinary:
			limit = ep.cfg.MaxBinaryFrame()
		default:
			sess.Close(protocol.CloseProtocolError)
			return
		}
		if int64(size) > limit {
			sess.Close(protocol.CloseFrameTooLarge)
			return
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(stream, payload); err != nil {
			return
		}
		if kind == frameText {
			ep.hub.HandleText(sess, payload)
		} else {
			ep.hub.HandleBinary(sess, payload)
		}

		select {
		case <-sess.Done():
			return
		default:
		}
	}
}

// writer owns the stream's write half, mirroring the websocket writer pump.
func (ep *Endpoint) writer(wtSess *webtransport.Session, stream webtransport.Stream, sess *core.Session) {
	defer sess.DrainOutbound()
	for {
		select {
		case f := <-sess.Outbound():
			_ = stream.SetWriteDeadline(time.Now().Add(ep.cfg.SendTimeout()))
			var err error
			if f.IsText() {
				err = writeTextFrame(stream, f.Msg)
			} else {
				err = writeFrame(stream, frameBinary, f.Data)
			}
			f.Release()
			if err != nil {
				sess.Close(protocol.CloseNormal)
				return
			}
		case <-sess.Done():
			code := sess.CloseCode()
			_ = stream.Close()
			_ = wtSess.CloseWithError(webtransport.SessionErrorCode(code), protocol.CloseReason(code))
			return
		}
	}
}

func writeTextFrame(w io.Writer, m *protocol.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return writeFrame(w, frameText, data)
}

func writeFrame(w io.Writer, kind byte, payload []byte) error {
	var hdr [frameHeaderLen]byte
	hdr[0] = kind
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrameHeader(r io.Reader) (kind byte, size uint32, err error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, 0, io.EOF
		}
		return 0, 0, err
	}
	return hdr[0], binary.BigEndian.Uint32(hdr[1:]), nil
}
