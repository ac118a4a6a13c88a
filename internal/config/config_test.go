package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Worker.Count != 4 || cfg.Worker.QueueCap != 256 {
		t.Fatalf("worker defaults = %+v", cfg.Worker)
	}
	if cfg.Timeouts.Fetch != 10*time.Second {
		t.Fatalf("fetch timeout = %v", cfg.Timeouts.Fetch)
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "titan.json")
	body := `{"server": {"http_addr": ":9999"}, "worker": {"count": 8}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Server.HTTPAddr != ":9999" {
		t.Fatalf("HTTPAddr = %q, want override", cfg.Server.HTTPAddr)
	}
	if cfg.Worker.Count != 8 {
		t.Fatalf("Worker.Count = %d, want override", cfg.Worker.Count)
	}
	// Fields the file didn't mention keep their defaults.
	if cfg.Worker.QueueCap != 256 {
		t.Fatalf("Worker.QueueCap = %d, want untouched default", cfg.Worker.QueueCap)
	}
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("TITAN_HTTP_ADDR", ":7000")
	t.Setenv("TITAN_WORKER_COUNT", "12")
	t.Setenv("TITAN_AUTH_JWT_SECRET", "s3cr3t")

	LoadFromEnv(cfg)

	if cfg.Server.HTTPAddr != ":7000" {
		t.Fatalf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Worker.Count != 12 {
		t.Fatalf("Worker.Count = %d", cfg.Worker.Count)
	}
	if cfg.Auth.JWT.Secret != "s3cr3t" || !cfg.Auth.JWT.Enabled {
		t.Fatalf("JWT config = %+v, want secret set and enabled implied", cfg.Auth.JWT)
	}
}

func TestLoadFromFileMissingReturnsError(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
