package netward

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapEnv(env map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
}

// testConfig loads a config from env alone, without the process environment.
func testConfig(t *testing.T, env map[string]string) Config {
	t.Helper()
	if env == nil {
		env = map[string]string{}
	}
	if _, ok := env["NETWARD_DIRECTORY"]; !ok {
		env["NETWARD_DIRECTORY"] = "leveldb"
		env["NETWARD_DIRECTORY_PATH"] = filepath.Join(t.TempDir(), "zones")
	}
	cfg, err := loadConfig("", mapEnv(env))
	require.NoError(t, err)
	return cfg
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("", mapEnv(nil))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout())
	assert.Equal(t, 20, cfg.Upstream.PoolSize)
	assert.Equal(t, 120*time.Second, cfg.Upstream.idleTimeoutDur)
	assert.Equal(t, 10*time.Second, cfg.Upstream.connectTimeoutDur)
	assert.Equal(t, int64(512<<20), cfg.Cache.maxBytes)
	assert.Equal(t, 4*time.Hour, cfg.Cache.maxAgeDur)
	assert.Equal(t, int64(10<<20), cfg.Cache.maxItemBytes)
	assert.Equal(t, 10*time.Minute, cfg.Hosts.ttlDur)
	assert.Equal(t, "mysql", cfg.Directory.Driver)
	assert.Contains(t, cfg.Directory.dsn, "netward:password@tcp(localhost:3306)/netward")
	assert.Equal(t, "127.0.0.1:9090", cfg.Admin.Addr)
	assert.Equal(t, time.Minute, cfg.Logging.logStatsEveryDur)
	assert.Empty(t, cfg.Server.PublicIP)
	assert.Empty(t, cfg.Server.Site)
}

func TestConfigEnvOverrides(t *testing.T) {
	cfg, err := loadConfig("", mapEnv(map[string]string{
		"NETWARD_PORT":           "9000",
		"NETWARD_HTTP1_POOL":     "5",
		"NETWARD_CACHE_MAX":      "64mb",
		"NETWARD_CACHE_MAX_ITEM": "1mb",
		"NETWARD_PREFIX":         "fra1",
		"NETWARD_PUBLIC_IP":      "203.0.113.7",
		"NETWARD_ADMIN_ADDR":     "off",
		"MYSQL_HOST":             "db",
		"MYSQL_PASSWORD":         "hunter2",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Upstream.PoolSize)
	assert.Equal(t, int64(64<<20), cfg.Cache.maxBytes)
	assert.Equal(t, int64(1<<20), cfg.Cache.maxItemBytes)
	assert.Equal(t, "fra1", cfg.Server.Site)
	assert.Equal(t, "203.0.113.7", cfg.Server.PublicIP)
	assert.Empty(t, cfg.Admin.Addr)
	assert.Contains(t, cfg.Directory.dsn, "netward:hunter2@tcp(db:3306)/netward")
}

func TestConfigYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netward.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8181
  site: ams
cache:
  max: 128mb
  maxAge: 1h
directory:
  driver: sqlite
  path: /tmp/zones.db
  zones:
    - record: example.com
      target: 127.0.0.1:3000
logging:
  format: json
  logStatsEvery: 0s
`), 0o644))

	cfg, err := loadConfig(path, mapEnv(map[string]string{"NETWARD_PORT": "8282"}))
	require.NoError(t, err)

	assert.Equal(t, 8282, cfg.Server.Port)
	assert.Equal(t, "ams", cfg.Server.Site)
	assert.Equal(t, int64(128<<20), cfg.Cache.maxBytes)
	assert.Equal(t, time.Hour, cfg.Cache.maxAgeDur)
	assert.Equal(t, "/tmp/zones.db", cfg.Directory.dsn)
	require.Len(t, cfg.Directory.Zones, 1)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Zero(t, cfg.Logging.logStatsEveryDur)
}

func TestConfigErrors(t *testing.T) {
	tests := map[string]map[string]string{
		"bad port":          {"NETWARD_PORT": "eighty"},
		"port out of range": {"NETWARD_PORT": "70000"},
		"bad size":          {"NETWARD_CACHE_MAX": "lots"},
		"item over max":     {"NETWARD_CACHE_MAX": "1mb", "NETWARD_CACHE_MAX_ITEM": "2mb"},
		"bad duration":      {"NETWARD_HOST_TTL": "soon"},
		"zero host ttl":     {"NETWARD_HOST_TTL": "0s"},
		"unknown driver":    {"NETWARD_DIRECTORY": "postgres"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig("", mapEnv(env))
			assert.Error(t, err)
		})
	}
}

func TestParseBytes(t *testing.T) {
	tests := map[string]int64{
		"4096":  4096,
		"512mb": 512 << 20,
		"10MB":  10 << 20,
		"64k":   64 << 10,
		"1.5g":  3 << 29,
		"2 kb":  2 << 10,
		"100b":  100,
	}
	for in, want := range tests {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "b", "mb", "-1mb", "ten"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "1.5kb", formatBytes(1536))
	assert.Equal(t, "10mb", formatBytes(10<<20))
	assert.Equal(t, "2gb", formatBytes(2<<30))
}
