package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"audiowallet/host/internal/protocol"
)

// Defaults for every recognised key.
const (
	DefaultPort                  = 8787
	DefaultWebTransportPort      = 8788
	DefaultMaxFileMB             = 50
	DefaultHeartbeatIntervalMs   = 15000
	DefaultHeartbeatTimeoutMs    = 45000
	DefaultIdleTransferTimeoutMs = 30000
	DefaultSendTimeoutMs         = 30000
	DefaultMaxInFlightBytes      = 1 << 20
	DefaultChunkSizeBytes        = 64 * 1024
	DefaultRoomName              = "PandemicRoom"
)

// Config holds every knob the host recognises. Zero values are not meaningful;
// construct via Default or Load.
type Config struct {
	Port                        int    `yaml:"port"`
	MaxFileMB                   int    `yaml:"maxFileMB"`
	HeartbeatIntervalMs         int    `yaml:"heartbeatIntervalMs"`
	HeartbeatTimeoutMs          int    `yaml:"heartbeatTimeoutMs"`
	IdleTransferTimeoutMs       int    `yaml:"idleTransferTimeoutMs"`
	SendTimeoutMs               int    `yaml:"sendTimeoutMs"`
	MaxInFlightBytesPerTransfer int    `yaml:"maxInFlightBytesPerTransfer"`
	ChunkSizeBytes              int    `yaml:"chunkSizeBytes"`
	RoomName                    string `yaml:"roomName"`
	Locked                      bool   `yaml:"locked"`
	AdminToken                  string `yaml:"adminToken"`
	HostPeerID                  string `yaml:"hostPeerId"`
	DBPath                      string `yaml:"db"`
	WebTransport                bool   `yaml:"webtransport"`
	WebTransportPort            int    `yaml:"webtransportPort"`
}

// Default returns the configuration the host runs with when no file or flags
// are given.
func Default() Config {
	return Config{
		Port:                        DefaultPort,
		MaxFileMB:                   DefaultMaxFileMB,
		HeartbeatIntervalMs:         DefaultHeartbeatIntervalMs,
		HeartbeatTimeoutMs:          DefaultHeartbeatTimeoutMs,
		IdleTransferTimeoutMs:       DefaultIdleTransferTimeoutMs,
		SendTimeoutMs:               DefaultSendTimeoutMs,
		MaxInFlightBytesPerTransfer: DefaultMaxInFlightBytes,
		ChunkSizeBytes:              DefaultChunkSizeBytes,
		RoomName:                    DefaultRoomName,
		WebTransportPort:            DefaultWebTransportPort,
	}
}

// Load reads a YAML config file and overlays it on the defaults. Keys absent
// from the file keep their default values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	// Pointer fields distinguish "absent" from zero.
	var raw struct {
		Port                        *int    `yaml:"port"`
		MaxFileMB                   *int    `yaml:"maxFileMB"`
		HeartbeatIntervalMs         *int    `yaml:"heartbeatIntervalMs"`
		HeartbeatTimeoutMs          *int    `yaml:"heartbeatTimeoutMs"`
		IdleTransferTimeoutMs       *int    `yaml:"idleTransferTimeoutMs"`
		SendTimeoutMs               *int    `yaml:"sendTimeoutMs"`
		MaxInFlightBytesPerTransfer *int    `yaml:"maxInFlightBytesPerTransfer"`
		ChunkSizeBytes              *int    `yaml:"chunkSizeBytes"`
		RoomName                    *string `yaml:"roomName"`
		Locked                      *bool   `yaml:"locked"`
		AdminToken                  *string `yaml:"adminToken"`
		HostPeerID                  *string `yaml:"hostPeerId"`
		DBPath                      *string `yaml:"db"`
		WebTransport                *bool   `yaml:"webtransport"`
		WebTransportPort            *int    `yaml:"webtransportPort"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg := Default()
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setInt(&cfg.Port, raw.Port)
	setInt(&cfg.MaxFileMB, raw.MaxFileMB)
	setInt(&cfg.HeartbeatIntervalMs, raw.HeartbeatIntervalMs)
	setInt(&cfg.HeartbeatTimeoutMs, raw.HeartbeatTimeoutMs)
	setInt(&cfg.IdleTransferTimeoutMs, raw.IdleTransferTimeoutMs)
	setInt(&cfg.SendTimeoutMs, raw.SendTimeoutMs)
	setInt(&cfg.MaxInFlightBytesPerTransfer, raw.MaxInFlightBytesPerTransfer)
	setInt(&cfg.ChunkSizeBytes, raw.ChunkSizeBytes)
	setInt(&cfg.WebTransportPort, raw.WebTransportPort)
	if raw.RoomName != nil {
		cfg.RoomName = *raw.RoomName
	}
	if raw.Locked != nil {
		cfg.Locked = *raw.Locked
	}
	if raw.AdminToken != nil {
		cfg.AdminToken = *raw.AdminToken
	}
	if raw.HostPeerID != nil {
		cfg.HostPeerID = *raw.HostPeerID
	}
	if raw.DBPath != nil {
		cfg.DBPath = *raw.DBPath
	}
	if raw.WebTransport != nil {
		cfg.WebTransport = *raw.WebTransport
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the host cannot serve with.
func (c Config) Validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.MaxFileMB < 1:
		return fmt.Errorf("maxFileMB must be at least 1, got %d", c.MaxFileMB)
	case c.HeartbeatIntervalMs < 100:
		return fmt.Errorf("heartbeatIntervalMs %d too small", c.HeartbeatIntervalMs)
	case c.HeartbeatTimeoutMs <= c.HeartbeatIntervalMs:
		return fmt.Errorf("heartbeatTimeoutMs %d must exceed heartbeatIntervalMs %d", c.HeartbeatTimeoutMs, c.HeartbeatIntervalMs)
	case c.IdleTransferTimeoutMs < 100:
		return fmt.Errorf("idleTransferTimeoutMs %d too small", c.IdleTransferTimeoutMs)
	case c.SendTimeoutMs < 1:
		return fmt.Errorf("sendTimeoutMs %d too small", c.SendTimeoutMs)
	case c.ChunkSizeBytes < 1024:
		return fmt.Errorf("chunkSizeBytes %d too small", c.ChunkSizeBytes)
	case c.MaxInFlightBytesPerTransfer < c.ChunkSizeBytes:
		return fmt.Errorf("maxInFlightBytesPerTransfer %d must hold at least one chunk (%d)", c.MaxInFlightBytesPerTransfer, c.ChunkSizeBytes)
	case c.WebTransport && (c.WebTransportPort < 1 || c.WebTransportPort > 65535):
		return fmt.Errorf("webtransportPort %d out of range", c.WebTransportPort)
	}
	return nil
}

// MaxFileBytes is the per-file size limit in bytes.
func (c Config) MaxFileBytes() int64 {
	return int64(c.MaxFileMB) * 1024 * 1024
}

// MaxBinaryFrame is the largest accepted binary frame: one chunk plus framing.
func (c Config) MaxBinaryFrame() int64 {
	return int64(c.ChunkSizeBytes) + protocol.ChunkOverhead
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

func (c Config) IdleTransferTimeout() time.Duration {
	return time.Duration(c.IdleTransferTimeoutMs) * time.Millisecond
}

func (c Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}
