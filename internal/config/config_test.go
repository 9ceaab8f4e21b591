package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Port != 8787 || cfg.MaxFileMB != 50 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MaxFileBytes() != 50*1024*1024 {
		t.Fatalf("MaxFileBytes: got %d", cfg.MaxFileBytes())
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	body := `
port: 9001
roomName: "Club"
locked: true
adminToken: "sekrit"
maxFileMB: 10
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9001 || cfg.RoomName != "Club" || !cfg.Locked || cfg.AdminToken != "sekrit" {
		t.Fatalf("overlay failed: %+v", cfg)
	}
	if cfg.MaxFileMB != 10 {
		t.Fatalf("maxFileMB: got %d", cfg.MaxFileMB)
	}
	// Untouched keys keep defaults.
	if cfg.HeartbeatIntervalMs != DefaultHeartbeatIntervalMs {
		t.Fatalf("heartbeatIntervalMs changed: %d", cfg.HeartbeatIntervalMs)
	}
	if cfg.ChunkSizeBytes != DefaultChunkSizeBytes {
		t.Fatalf("chunkSizeBytes changed: %d", cfg.ChunkSizeBytes)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	if err := os.WriteFile(path, []byte("port: -1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for negative port")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	if err := os.WriteFile(path, []byte("port: [not an int\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateWebTransportPort(t *testing.T) {
	cfg := Default()
	if cfg.WebTransportPort != DefaultWebTransportPort {
		t.Fatalf("webtransportPort default: got %d", cfg.WebTransportPort)
	}
	cfg.WebTransport = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default webtransport config invalid: %v", err)
	}
	cfg.WebTransportPort = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for webtransport port 0")
	}
}

func TestValidateTimeoutOrdering(t *testing.T) {
	cfg := Default()
	cfg.HeartbeatTimeoutMs = cfg.HeartbeatIntervalMs
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when timeout does not exceed interval")
	}

	cfg = Default()
	cfg.MaxInFlightBytesPerTransfer = cfg.ChunkSizeBytes - 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when in-flight window cannot hold one chunk")
	}
}
