// Package config loads the entsync YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

// Realtime transports.
const (
	TransportNone      = "none"
	TransportRedis     = "redis"
	TransportWebSocket = "websocket"
)

// Config is the file-level configuration. Command-line flags override
// individual fields after loading.
type Config struct {
	Source    Source   `yaml:"source"`
	SchemaDir string   `yaml:"schema-dir,omitempty"`
	Cache     Cache    `yaml:"cache"`
	Realtime  Realtime `yaml:"realtime"`
	Log       Log      `yaml:"log"`
}

// Source configures the REST backend.
type Source struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

// Cache configures the entity store and its persistence.
type Cache struct {
	Storage     string        `yaml:"storage"`
	Path        string        `yaml:"path,omitempty"`
	Snapshot    string        `yaml:"snapshot,omitempty"`
	RedisAddr   string        `yaml:"redis-addr,omitempty"`
	RedisKey    string        `yaml:"redis-key,omitempty"`
	TTL         time.Duration `yaml:"ttl,omitempty"`
	Interval    time.Duration `yaml:"interval,omitempty"`
	Concurrency int           `yaml:"concurrency,omitempty"`
	PageSize    int           `yaml:"page-size,omitempty"`
}

// Realtime configures the change feed.
type Realtime struct {
	Transport string        `yaml:"transport"`
	URL       string        `yaml:"url,omitempty"`
	RedisAddr string        `yaml:"redis-addr,omitempty"`
	Stream    string        `yaml:"stream,omitempty"`
	Group     string        `yaml:"group,omitempty"`
	Consumer  string        `yaml:"consumer,omitempty"`
	Publish   bool          `yaml:"publish,omitempty"`
	Presence  bool          `yaml:"presence,omitempty"`
	Heartbeat time.Duration `yaml:"heartbeat,omitempty"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Source: Source{Timeout: 10 * time.Second},
		Cache: Cache{
			Storage:     StorageFile,
			Path:        defaultCachePath(),
			Snapshot:    "default",
			RedisKey:    "entsync:snapshot",
			Interval:    time.Second,
			Concurrency: 8,
			PageSize:    20,
		},
		Realtime: Realtime{
			Transport: TransportNone,
			Stream:    "entsync.changes",
			Group:     "entsync",
			Heartbeat: time.Minute,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "entsync-cache.json.gz"
	}
	return filepath.Join(dir, "entsync", "cache.json.gz")
}

// Load reads a YAML file over the defaults. Fields absent from the file
// keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Cache.Storage {
	case StorageMemory:
	case StorageFile, StorageSQLite:
		if c.Cache.Path == "" {
			errs = append(errs, fmt.Errorf("cache.path is required for %s storage", c.Cache.Storage))
		}
	case StorageRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis-addr is required for redis storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.storage: unknown backend %q", c.Cache.Storage))
	}
	if c.Cache.Interval <= 0 {
		errs = append(errs, errors.New("cache.interval must be positive"))
	}
	if c.Cache.Concurrency <= 0 {
		errs = append(errs, errors.New("cache.concurrency must be positive"))
	}
	if c.Cache.PageSize <= 0 {
		errs = append(errs, errors.New("cache.page-size must be positive"))
	}

	switch c.Realtime.Transport {
	case TransportNone, "":
	case TransportRedis:
		if c.Realtime.RedisAddr == "" && c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("realtime.redis-addr is required for the redis transport"))
		}
	case TransportWebSocket:
		if c.Realtime.URL == "" {
			errs = append(errs, errors.New("realtime.url is required for the websocket transport"))
		}
		if c.Realtime.Publish {
			errs = append(errs, errors.New("realtime.publish needs the redis transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("realtime.transport: unknown transport %q", c.Realtime.Transport))
	}
	if c.Realtime.Presence && c.Realtime.Heartbeat <= 0 {
		errs = append(errs, errors.New("realtime.heartbeat must be positive"))
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// HTTPHeaders returns the source headers as an http.Header.
func (s Source) HTTPHeaders() http.Header {
	h := make(http.Header, len(s.Headers))
	for k, v := range s.Headers {
		h.Set(k, os.ExpandEnv(v))
	}
	return h
}

// Addr returns the realtime Redis address, falling back to the cache's.
func (r Realtime) Addr(cache Cache) string {
	if r.RedisAddr != "" {
		return r.RedisAddr
	}
	return cache.RedisAddr
}
