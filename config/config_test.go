package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != ":9636" {
		t.Errorf("ListenAddr = %s", cfg.ListenAddr)
	}
	if cfg.Redis.PoolSize != 32 {
		t.Errorf("Redis.PoolSize = %d", cfg.Redis.PoolSize)
	}
	if cfg.LockWait != 5*time.Second {
		t.Errorf("LockWait = %v", cfg.LockWait)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.yaml")
	body := `
listen_addr: ":8080"
data_dir: /srv/depot
redis:
  addr: redis.internal:6379
  pool_size: 64
lock_wait: 10s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %s", cfg.ListenAddr)
	}
	if cfg.DataDir != "/srv/depot" {
		t.Errorf("DataDir = %s", cfg.DataDir)
	}
	if cfg.Redis.Addr != "redis.internal:6379" || cfg.Redis.PoolSize != 64 {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
	if cfg.LockWait != 10*time.Second {
		t.Errorf("LockWait = %v", cfg.LockWait)
	}
	// Untouched fields keep their defaults.
	if cfg.Redis.PoolTimeout != 3*time.Second {
		t.Errorf("Redis.PoolTimeout = %v", cfg.Redis.PoolTimeout)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":8080\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DEPOT_LISTEN_ADDR", ":9999")
	t.Setenv("DEPOT_REDIS_POOL_SIZE", "7")
	t.Setenv("DEPOT_LOCK_WAIT", "250ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %s", cfg.ListenAddr)
	}
	if cfg.Redis.PoolSize != 7 {
		t.Errorf("Redis.PoolSize = %d", cfg.Redis.PoolSize)
	}
	if cfg.LockWait != 250*time.Millisecond {
		t.Errorf("LockWait = %v", cfg.LockWait)
	}
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	t.Setenv("DEPOT_REDIS_POOL_SIZE", "not-a-number")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "DEPOT_REDIS_POOL_SIZE") {
		t.Errorf("Load error = %v, want pool size parse failure", err)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.ListenAddr = "" },
		func(c *Config) { c.DataDir = ""; c.S3.Bucket = "" },
		func(c *Config) { c.Redis.Addr = "" },
		func(c *Config) { c.Redis.PoolSize = 0 },
		func(c *Config) { c.LockWait = 0 },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: Validate accepted invalid config", i)
		}
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depot.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load accepted malformed YAML")
	}
}
