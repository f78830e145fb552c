// Package config holds all configuration types and loading logic for the
// CacheQ gateway.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/cacheq/internal/connection"
	"github.com/snehjoshi/cacheq/internal/lease"
	"github.com/snehjoshi/cacheq/internal/logger"
	"github.com/snehjoshi/cacheq/internal/queue"
	"github.com/snehjoshi/cacheq/internal/storage/backend"
)

// Config is the root configuration of a gateway process.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Store   StoreConfig   `yaml:"store"`
	Lock    LockConfig    `yaml:"lock"`
	Queue   QueueConfig   `yaml:"queue"`
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Monitor MonitorConfig `yaml:"monitor"`
	Log     LogConfig     `yaml:"log"`
}

// NodeConfig holds the identity of this process.
type NodeConfig struct {
	// ID is the lease owner name. "auto" generates and persists a ULID.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// StoreConfig selects and tunes the cache backend.
type StoreConfig struct {
	Backend        backend.Kind `yaml:"backend"`
	Servers        []string     `yaml:"servers"`
	TimeoutSeconds int          `yaml:"timeout_seconds"`
	ConnectRetries int          `yaml:"connect_retries"`
	IOTimeoutMs    int          `yaml:"io_timeout_ms"`
	// Path is the database file of the local backend.
	Path     string `yaml:"path"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LockConfig tunes the lease lock.
type LockConfig struct {
	TTLSeconds     int `yaml:"ttl_seconds"`
	PollIntervalUs int `yaml:"poll_interval_us"`
	MaxAttempts    int `yaml:"max_attempts"`
}

// QueueConfig applies to every queue handle.
type QueueConfig struct {
	MessageTTLSeconds int `yaml:"message_ttl_seconds"`
	MaxPayloadKB      int `yaml:"max_payload_kb"`

	// MaxSkips caps expired positions stepped over per lease.
	MaxSkips int `yaml:"max_skips"`
}

// ServerConfig controls the HTTP gateway.
type ServerConfig struct {
	Host        string          `yaml:"host"`
	Port        int             `yaml:"port"`
	MaxBodyKB   int             `yaml:"max_body_kb"`
	Auth        AuthConfig      `yaml:"auth"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	WSPollMs    int             `yaml:"ws_poll_ms"`
	ShutdownSec int             `yaml:"shutdown_seconds"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// RateLimitConfig is the per-client-IP token bucket. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// MonitorConfig controls periodic depth sampling.
type MonitorConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Schedule string   `yaml:"schedule"`
	Queues   []string `yaml:"queues"`
}

// LogConfig mirrors logger.Config.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a Config populated with the defaults used when no file is
// given.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			DataDir: "./data",
		},
		Store: StoreConfig{
			Backend:        backend.Memcache,
			Servers:        []string{"localhost:11211"},
			TimeoutSeconds: 1,
			ConnectRetries: 3,
			IOTimeoutMs:    500,
		},
		Lock: LockConfig{
			TTLSeconds:     10,
			PollIntervalUs: 30_000,
			MaxAttempts:    50,
		},
		Queue: QueueConfig{
			MaxPayloadKB: 1024,
			MaxSkips:     256,
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			MaxBodyKB:   1024,
			WSPollMs:    200,
			ShutdownSec: 10,
			RateLimit: RateLimitConfig{
				RPS:   1000,
				Burst: 2000,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			Schedule: "@every 30s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the defaults are used.
//
// Environment variables are applied last:
//
//	CACHEQ_BACKEND        store.backend
//	CACHEQ_SERVERS        store.servers, comma separated
//	CACHEQ_PORT           server.port
//	CACHEQ_AUTH_API_KEY   server.auth.api_key, also enables auth
//	CACHEQ_LOG_LEVEL      log.level
//	CACHEQ_DATA_DIR       node.data_dir
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "config: read %s", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CACHEQ_BACKEND"); v != "" {
		cfg.Store.Backend = backend.Kind(v)
	}
	if v := os.Getenv("CACHEQ_SERVERS"); v != "" {
		var servers []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		cfg.Store.Servers = servers
	}
	if v := os.Getenv("CACHEQ_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("CACHEQ_AUTH_API_KEY"); v != "" {
		cfg.Server.Auth.APIKey = v
		cfg.Server.Auth.Enabled = true
	}
	if v := os.Getenv("CACHEQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CACHEQ_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if !backend.Valid(c.Store.Backend) {
		return errors.Errorf("store.backend %q must be one of memcache, redis, local, memory", c.Store.Backend)
	}
	if len(c.ServerList()) == 0 {
		return errors.New("store.servers must not be empty")
	}
	if c.Store.TimeoutSeconds < 0 {
		return errors.New("store.timeout_seconds must be >= 0")
	}
	if c.Store.ConnectRetries < 0 {
		return errors.New("store.connect_retries must be >= 0")
	}
	if c.Lock.TTLSeconds < 1 {
		return errors.New("lock.ttl_seconds must be at least 1")
	}
	if c.Lock.PollIntervalUs < 1 {
		return errors.New("lock.poll_interval_us must be at least 1")
	}
	if c.Lock.MaxAttempts < 1 {
		return errors.New("lock.max_attempts must be at least 1")
	}
	if c.Queue.MessageTTLSeconds < 0 {
		return errors.New("queue.message_ttl_seconds must be >= 0")
	}
	if c.Queue.MaxSkips < 0 {
		return errors.New("queue.max_skips must be >= 0")
	}
	if c.Queue.MaxPayloadKB < 0 {
		return errors.New("queue.max_payload_kb must be >= 0")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.APIKey == "" {
		return errors.New("server.auth.api_key must be set when auth is enabled")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.Monitor.Enabled {
		if _, err := cron.ParseStandard(c.Monitor.Schedule); err != nil {
			return errors.Wrapf(err, "monitor.schedule %q", c.Monitor.Schedule)
		}
	}
	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
			return errors.Errorf("log.level %q is not a level", c.Log.Level)
		}
	}
	return nil
}

// ─── Conversions ──────────────────────────────────────────────────────────────

// ServerList returns the servers handed to Store.Connect. The local backend
// takes store.path when it is set.
func (c *Config) ServerList() []string {
	if c.Store.Backend == backend.Local && c.Store.Path != "" {
		return []string{c.Store.Path}
	}
	return c.Store.Servers
}

// BackendOptions returns the options for backend.New.
func (c *Config) BackendOptions() backend.Options {
	return backend.Options{
		Kind:      c.Store.Backend,
		IOTimeout: time.Duration(c.Store.IOTimeoutMs) * time.Millisecond,
		Password:  c.Store.Password,
		DB:        c.Store.DB,
	}
}

// QueueConfig returns the handle configuration for owner.
func (c *Config) QueueConfig(owner string) queue.Config {
	conn := connection.DefaultConfig(c.ServerList()...)
	conn.Timeout = time.Duration(c.Store.TimeoutSeconds) * time.Second
	conn.ConnectRetries = c.Store.ConnectRetries

	return queue.Config{
		Owner:      owner,
		Connection: conn,
		Lease: lease.Config{
			TTL:          time.Duration(c.Lock.TTLSeconds) * time.Second,
			PollInterval: time.Duration(c.Lock.PollIntervalUs) * time.Microsecond,
			MaxAttempts:  c.Lock.MaxAttempts,
		},
		MessageTTL:      time.Duration(c.Queue.MessageTTLSeconds) * time.Second,
		MaxPayloadBytes: c.Queue.MaxPayloadKB * 1024,
		MaxSkips:        c.Queue.MaxSkips,
	}
}

// LoggerConfig returns the logger settings.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Output: c.Log.Output,
	}
}
