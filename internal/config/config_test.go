package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/cacheq/internal/config"
	"github.com/snehjoshi/cacheq/internal/storage/backend"
)

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CACHEQ_BACKEND", "CACHEQ_SERVERS", "CACHEQ_PORT",
		"CACHEQ_AUTH_API_KEY", "CACHEQ_LOG_LEVEL", "CACHEQ_DATA_DIR",
	} {
		t.Setenv(k, "")
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, backend.Memcache, cfg.Store.Backend)
	assert.Equal(t, []string{"localhost:11211"}, cfg.Store.Servers)
	assert.Equal(t, 10, cfg.Lock.TTLSeconds)
	assert.Equal(t, 30_000, cfg.Lock.PollIntervalUs)
	assert.Equal(t, 50, cfg.Lock.MaxAttempts)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "@every 30s", cfg.Monitor.Schedule)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeTempYAML(t, `
store:
  backend: redis
  servers: ["cache-1:6379"]
  connect_retries: 5
lock:
  max_attempts: 7
queue:
  message_ttl_seconds: 60
monitor:
  queues: [orders, invoices]
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, backend.Redis, cfg.Store.Backend)
	assert.Equal(t, []string{"cache-1:6379"}, cfg.Store.Servers)
	assert.Equal(t, 5, cfg.Store.ConnectRetries)
	assert.Equal(t, 7, cfg.Lock.MaxAttempts)
	assert.Equal(t, []string{"orders", "invoices"}, cfg.Monitor.Queues)
	// Unset fields keep their defaults.
	assert.Equal(t, 10, cfg.Lock.TTLSeconds)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	clearEnv(t)
	_, err := config.Load(writeTempYAML(t, "store: [invalid: yaml: {{{}}"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CACHEQ_BACKEND", "local")
	t.Setenv("CACHEQ_SERVERS", " a:1, b:2 ,")
	t.Setenv("CACHEQ_PORT", "9999")
	t.Setenv("CACHEQ_AUTH_API_KEY", "s3cret")
	t.Setenv("CACHEQ_LOG_LEVEL", "debug")
	t.Setenv("CACHEQ_DATA_DIR", "/var/lib/cacheq")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, backend.Local, cfg.Store.Backend)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Store.Servers)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.True(t, cfg.Server.Auth.Enabled)
	assert.Equal(t, "s3cret", cfg.Server.Auth.APIKey)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/lib/cacheq", cfg.Node.DataDir)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*config.Config){
		"empty data dir":   func(c *config.Config) { c.Node.DataDir = "" },
		"unknown backend":  func(c *config.Config) { c.Store.Backend = "etcd" },
		"no servers":       func(c *config.Config) { c.Store.Servers = nil },
		"negative retries": func(c *config.Config) { c.Store.ConnectRetries = -1 },
		"zero ttl":         func(c *config.Config) { c.Lock.TTLSeconds = 0 },
		"zero poll":        func(c *config.Config) { c.Lock.PollIntervalUs = 0 },
		"zero attempts":    func(c *config.Config) { c.Lock.MaxAttempts = 0 },
		"port 0":           func(c *config.Config) { c.Server.Port = 0 },
		"port 99999":       func(c *config.Config) { c.Server.Port = 99999 },
		"auth without key": func(c *config.Config) { c.Server.Auth.Enabled = true },
		"bad schedule":     func(c *config.Config) { c.Monitor.Schedule = "every now and then" },
		"bad level":        func(c *config.Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestServerList_LocalUsesPath(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = backend.Local
	cfg.Store.Path = "/tmp/q.db"
	assert.Equal(t, []string{"/tmp/q.db"}, cfg.ServerList())

	cfg.Store.Servers = nil
	assert.NoError(t, cfg.Validate())
}

func TestQueueConfig_Conversion(t *testing.T) {
	cfg := config.Default()
	cfg.Store.TimeoutSeconds = 3
	cfg.Queue.MessageTTLSeconds = 60
	cfg.Queue.MaxPayloadKB = 2

	qc := cfg.QueueConfig("node-a")
	assert.Equal(t, "node-a", qc.Owner)
	assert.Equal(t, []string{"localhost:11211"}, qc.Connection.Servers)
	assert.Equal(t, 3*time.Second, qc.Connection.Timeout)
	assert.Equal(t, 3, qc.Connection.ConnectRetries)
	assert.Equal(t, 10*time.Second, qc.Lease.TTL)
	assert.Equal(t, 30*time.Millisecond, qc.Lease.PollInterval)
	assert.Equal(t, 50, qc.Lease.MaxAttempts)
	assert.Equal(t, time.Minute, qc.MessageTTL)
	assert.Equal(t, 2048, qc.MaxPayloadBytes)
	assert.Equal(t, 256, qc.MaxSkips)

	bo := cfg.BackendOptions()
	assert.Equal(t, backend.Memcache, bo.Kind)
	assert.Equal(t, 500*time.Millisecond, bo.IOTimeout)
}
