package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadClientConfigDefaultsAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DiscoveryPort != DefaultDatagramPort {
		t.Fatalf("discovery_port = %d, want %d", cfg.DiscoveryPort, DefaultDatagramPort)
	}
	if cfg.FileSize != 1<<20 || cfg.StreamSessions != 1 || cfg.DatagramSessions != 1 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.IdleTimeout() != 5*time.Second {
		t.Fatalf("idle timeout = %v", cfg.IdleTimeout())
	}
	if cfg.StreamReadTimeout() != 0 {
		t.Fatalf("stream read timeout should be disabled, got %v", cfg.StreamReadTimeout())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults were not written: %v", err)
	}

	again, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.ClientId != cfg.ClientId {
		t.Fatalf("client id not persisted: %q vs %q", again.ClientId, cfg.ClientId)
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "server.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatagramPort != 15000 || cfg.StreamPort != 54321 {
		t.Fatalf("unexpected ports %d/%d", cfg.DatagramPort, cfg.StreamPort)
	}
	if cfg.BroadcastAddr != DefaultBroadcastAddr {
		t.Fatalf("unexpected broadcast addr %q", cfg.BroadcastAddr)
	}
	if cfg.OfferInterval() != time.Second {
		t.Fatalf("offer interval = %v", cfg.OfferInterval())
	}
	if cfg.StreamChunkSize != 1024 {
		t.Fatalf("chunk size = %d", cfg.StreamChunkSize)
	}
}

func TestEnvOverridesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	if _, err := LoadServerConfig(path); err != nil {
		t.Fatalf("seed: %v", err)
	}
	t.Setenv("BITRATE_SERVER_STREAM_PORT", "60000")

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StreamPort != 60000 {
		t.Fatalf("stream_port = %d, want env override 60000", cfg.StreamPort)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("BITRATE_CLIENT_ROUNDS=7\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("BITRATE_CLIENT_ROUNDS") })

	if err := LoadEnvFile(envPath); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	cfg, err := LoadClientConfig(filepath.Join(dir, "client.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Rounds != 7 {
		t.Fatalf("rounds = %d, want 7 from env file", cfg.Rounds)
	}

	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored, got %v", err)
	}
	if err := LoadEnvFile(""); err != nil {
		t.Fatalf("empty path should be ignored, got %v", err)
	}
}

func TestClientConfigValidate(t *testing.T) {
	base := ClientConfig{DiscoveryPort: 15000, FileSize: 10, StreamSessions: 1, IdleTimeoutMs: 100}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := []func(c *ClientConfig){
		func(c *ClientConfig) { c.FileSize = 0 },
		func(c *ClientConfig) { c.StreamSessions = 0 },
		func(c *ClientConfig) { c.DatagramSessions = -1 },
		func(c *ClientConfig) { c.IdleTimeoutMs = 0 },
		func(c *ClientConfig) { c.DiscoveryPort = 70000 },
	}
	for i, mutate := range bad {
		c := base
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, c)
		}
	}
}

func TestServerConfigValidate(t *testing.T) {
	cfg := ServerConfig{DatagramPort: 1, StreamPort: 2, OfferIntervalMs: 1, StreamChunkSize: 1, BroadcastAddr: "x"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cfg.BroadcastAddr = " "
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for blank broadcast address")
	}
}
