package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"audiowallet/host/internal/announce"
	"audiowallet/host/internal/config"
	"audiowallet/host/internal/core"
	"audiowallet/host/internal/httpapi"
	"audiowallet/host/internal/hub"
	"audiowallet/host/internal/metrics"
	"audiowallet/host/internal/relay"
	"audiowallet/host/internal/store"
	"audiowallet/host/internal/wt"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	configPath := flag.String("config", "", "YAML config file path")
	port := flag.Int("port", config.DefaultPort, "session endpoint port")
	roomName := flag.String("room", config.DefaultRoomName, "room name to advertise")
	locked := flag.Bool("locked", false, "start with the room locked")
	dbPath := flag.String("db", "", "SQLite history database path (empty disables persistence)")
	adminToken := flag.String("admin-token", "", "token that grants admin at HELLO")
	hostPeer := flag.String("host-peer", "", "peerId treated as the host's own identity")
	webTransport := flag.Bool("webtransport", false, "also serve a WebTransport endpoint")
	webTransportPort := flag.Int("webtransport-port", config.DefaultWebTransportPort, "WebTransport endpoint port")
	debug := flag.Bool("debug", false, "enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	// Explicit flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "room":
			cfg.RoomName = *roomName
		case "locked":
			cfg.Locked = *locked
		case "db":
			cfg.DBPath = *dbPath
		case "admin-token":
			cfg.AdminToken = *adminToken
		case "host-peer":
			cfg.HostPeerID = *hostPeer
		case "webtransport":
			cfg.WebTransport = *webTransport
		case "webtransport-port":
			cfg.WebTransportPort = *webTransportPort
		}
	})
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if RunCLI(flag.Args(), cfg.DBPath) {
		return
	}

	if err := run(cfg); err != nil {
		slog.Error("host error", "err", err)
		os.Exit(1)
	}
	slog.Info("host stopped")
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(cfg config.Config) error {
	hostID := uuid.NewString()
	slog.Info("starting host", "version", Version, "host_id", hostID,
		"port", cfg.Port, "room", cfg.RoomName)

	var st *store.Store
	if cfg.DBPath != "" {
		var err error
		st, err = store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				slog.Error("close history store", "err", err)
			}
		}()
	}

	m := metrics.New(Version)
	registry := core.NewRegistry()
	rooms := core.NewRoomManager(cfg.HostPeerID)
	index := core.NewIndex(cfg.MaxFileBytes())

	// Keep a persisted roomId stable across restarts; name and lock always
	// come from the current configuration.
	restoreRoom(rooms, st, cfg)

	broker := relay.New(relay.Options{
		SendTimeout:      cfg.SendTimeout(),
		IdleTimeout:      cfg.IdleTransferTimeout(),
		MaxInFlightBytes: int64(cfg.MaxInFlightBytesPerTransfer),
		MaxFileBytes:     cfg.MaxFileBytes(),
		Store:            st,
		Metrics:          m,
	})
	announcer := announce.New(cfg.Port)
	h := hub.New(&cfg, registry, rooms, index, broker, m, st, hostID, announcer)
	api := httpapi.New(&cfg, h, registry, rooms, index, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Run(ctx, fmt.Sprintf(":%d", cfg.Port))
	})
	g.Go(func() error {
		h.Run(ctx)
		return nil
	})
	g.Go(func() error {
		broker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		announcer.Run(ctx)
		return nil
	})
	if cfg.WebTransport {
		ep, err := wt.NewEndpoint(h, &cfg)
		if err != nil {
			return fmt.Errorf("webtransport endpoint: %w", err)
		}
		g.Go(func() error {
			return ep.Run(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down, closing sessions")
		h.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func restoreRoom(rooms *core.RoomManager, st *store.Store, cfg config.Config) {
	if st != nil {
		loadCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		row, err := st.LoadRoom(loadCtx)
		cancel()
		switch {
		case err == nil:
			rooms.Restore(core.Room{
				RoomID:    row.RoomID,
				Name:      cfg.RoomName,
				Locked:    cfg.Locked,
				CreatedAt: row.CreatedAt,
			})
			return
		case !errors.Is(err, store.ErrNoRoom):
			slog.Warn("load persisted room failed", "err", err)
		}
	}
	rooms.CreateOrUpdate(cfg.RoomName, cfg.Locked)
}
