package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"audiowallet/host/internal/config"
	"audiowallet/host/internal/core"
	"audiowallet/host/internal/hub"
	"audiowallet/host/internal/metrics"
	"audiowallet/host/internal/protocol"
	"audiowallet/host/internal/ws"
)

// Server is the Echo application: the websocket session endpoint plus the
// LAN debugging surface (health, state snapshot, metrics scrape).
type Server struct {
	echo     *echo.Echo
	registry *core.Registry
	rooms    *core.RoomManager
	index    *core.Index
}

// New constructs the app and registers all routes. m may be nil, which
// disables the scrape endpoint.
func New(cfg *config.Config, h *hub.Hub, reg *core.Registry, rooms *core.RoomManager,
	idx *core.Index, m *metrics.Metrics) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, registry: reg, rooms: rooms, index: idx}
	e.GET("/health", s.handleHealth)
	e.GET("/api/state", s.handleState)
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}
	ws.NewHandler(h, cfg).Register(e)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Peers  int    `json:"peers"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Peers:  s.registry.Count(),
	})
}

type roomView struct {
	RoomID string `json:"roomId"`
	Name   string `json:"roomName"`
	Locked bool   `json:"locked"`
}

type peerView struct {
	PeerID     string `json:"peerId"`
	DeviceName string `json:"deviceName"`
	Platform   string `json:"platform"`
	Joined     int64  `json:"joinedAt"`
}

type stateResponse struct {
	Room  *roomView                 `json:"room"`
	Peers []peerView                `json:"peers"`
	Files []protocol.FileDescriptor `json:"files"`
}

func (s *Server) handleState(c echo.Context) error {
	resp := stateResponse{
		Peers: []peerView{},
		Files: s.index.Snapshot(),
	}
	if resp.Files == nil {
		resp.Files = []protocol.FileDescriptor{}
	}
	if room, ok := s.rooms.Get(); ok {
		resp.Room = &roomView{RoomID: room.RoomID, Name: room.Name, Locked: room.Locked}
	}
	for _, p := range s.registry.Snapshot() {
		resp.Peers = append(resp.Peers, peerView{
			PeerID:     p.PeerID,
			DeviceName: p.DeviceName,
			Platform:   p.Platform,
			Joined:     p.JoinedAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}
