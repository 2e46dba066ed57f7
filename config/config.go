// Package config loads depot process configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full depot process configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`
	// DataDir is the blob store root for the local backend.
	DataDir string `yaml:"data_dir"`

	Redis RedisConfig `yaml:"redis"`
	NATS  NATSConfig  `yaml:"nats"`
	S3    S3Config    `yaml:"s3"`

	// LockWait bounds how long an upload waits on a contended identifier
	// before rejecting.
	LockWait time.Duration `yaml:"lock_wait"`
	// SpoolThreshold is the upload size above which buffering spills to disk.
	SpoolThreshold int64 `yaml:"spool_threshold"`
}

// RedisConfig configures the metadata index backend.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	PoolTimeout time.Duration `yaml:"pool_timeout"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

// NATSConfig configures commit-event publication. An empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// S3Config selects the S3 blob backend when Bucket is set; otherwise the
// local filesystem backend under DataDir is used.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// Default returns the configuration used when no file or overrides are given.
func Default() Config {
	return Config{
		ListenAddr: ":9636",
		DataDir:    "/var/lib/depot",
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    32,
			PoolTimeout: 3 * time.Second,
			KeyPrefix:   "depot:",
		},
		NATS:           NATSConfig{Subject: "depot.package.published"},
		LockWait:       5 * time.Second,
		SpoolThreshold: 8 << 20,
	}
}

// Load reads path (optional), applies DEPOT_* environment overrides, and
// validates the result. An empty path loads defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays DEPOT_* environment variables onto the configuration.
func (c *Config) applyEnv() error {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setStr("DEPOT_LISTEN_ADDR", &c.ListenAddr)
	setStr("DEPOT_DATA_DIR", &c.DataDir)
	setStr("DEPOT_REDIS_ADDR", &c.Redis.Addr)
	setStr("DEPOT_REDIS_PASSWORD", &c.Redis.Password)
	setStr("DEPOT_NATS_URL", &c.NATS.URL)
	setStr("DEPOT_NATS_SUBJECT", &c.NATS.Subject)
	setStr("DEPOT_S3_BUCKET", &c.S3.Bucket)
	setStr("DEPOT_S3_PREFIX", &c.S3.Prefix)
	setStr("DEPOT_S3_REGION", &c.S3.Region)

	if v, ok := os.LookupEnv("DEPOT_REDIS_POOL_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: DEPOT_REDIS_POOL_SIZE %q: %w", v, err)
		}
		c.Redis.PoolSize = n
	}
	if v, ok := os.LookupEnv("DEPOT_LOCK_WAIT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: DEPOT_LOCK_WAIT %q: %w", v, err)
		}
		c.LockWait = d
	}
	if v, ok := os.LookupEnv("DEPOT_SPOOL_THRESHOLD"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: DEPOT_SPOOL_THRESHOLD %q: %w", v, err)
		}
		c.SpoolThreshold = n
	}
	return nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if c.S3.Bucket == "" && c.DataDir == "" {
		return fmt.Errorf("config: either data_dir or s3.bucket is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if c.Redis.PoolSize <= 0 {
		return fmt.Errorf("config: redis.pool_size must be positive")
	}
	if c.LockWait <= 0 {
		return fmt.Errorf("config: lock_wait must be positive")
	}
	return nil
}
