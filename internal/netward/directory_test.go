package netward

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testZones = []Zone{
	{Record: "Shop.Example.com", Target: "10.0.0.5:8081"},
	{Record: "blog.example.com", Target: "blog-origin"},
}

func assertDirectory(t *testing.T, dir Directory) {
	t.Helper()
	ctx := context.Background()

	rec, err := dir.LookupOrigin(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", rec.HostRecord)
	assert.Equal(t, "10.0.0.5:8081", rec.Addr())
	assert.NotZero(t, rec.ID)

	rec, err = dir.LookupOrigin(ctx, "blog.example.com")
	require.NoError(t, err)
	assert.Equal(t, "blog-origin:80", rec.Addr())

	_, err = dir.LookupOrigin(ctx, "missing.example.com")
	assert.ErrorIs(t, err, ErrZoneNotFound)
}

func TestSQLiteDirectory(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"NETWARD_DIRECTORY":      "sqlite",
		"NETWARD_DIRECTORY_PATH": filepath.Join(t.TempDir(), "zones.db"),
	})
	cfg.Directory.Zones = testZones

	dir, err := OpenDirectory(cfg)
	require.NoError(t, err)
	defer dir.Close()
	assertDirectory(t, dir)
}

func TestSQLiteDirectoryReseedUpdatesTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zones.db")
	d1, err := openSQLDirectory("sqlite", path, testZones)
	require.NoError(t, err)
	require.NoError(t, d1.Close())

	d2, err := openSQLDirectory("sqlite", path, []Zone{{Record: "shop.example.com", Target: "10.0.0.9"}})
	require.NoError(t, err)
	defer d2.Close()

	rec, err := d2.LookupOrigin(context.Background(), "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9:80", rec.Addr())
}

func TestLevelDirectory(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"NETWARD_DIRECTORY":      "leveldb",
		"NETWARD_DIRECTORY_PATH": filepath.Join(t.TempDir(), "zones"),
	})
	cfg.Directory.Zones = testZones

	dir, err := OpenDirectory(cfg)
	require.NoError(t, err)
	defer dir.Close()
	assertDirectory(t, dir)
}

func TestMySQLDSN(t *testing.T) {
	dsn := mysqlDSN("db.internal", 3307, "netward", "proxy", "s3cret")
	assert.Contains(t, dsn, "proxy:s3cret@tcp(db.internal:3307)/netward")
	assert.Contains(t, dsn, "timeout=10s")
}

func TestParseTarget(t *testing.T) {
	host, port := parseTarget("origin.internal:9000")
	assert.Equal(t, "origin.internal", host)
	assert.Equal(t, 9000, port)

	host, port = parseTarget("origin.internal")
	assert.Equal(t, "origin.internal", host)
	assert.Equal(t, 80, port)
}
