package netward

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/syndtr/goleveldb/leveldb"
)

// ErrZoneNotFound is returned by a Directory when no zone is registered for
// the hostname.
var ErrZoneNotFound = errors.New("zone not found")

// Directory is the durable hostname -> origin store owned by the control
// plane.
type Directory interface {
	LookupOrigin(ctx context.Context, hostname string) (OriginRecord, error)
	Close() error
}

const lookupTimeout = 10 * time.Second

// OpenDirectory opens the directory backend selected by cfg and seeds the
// configured zones into embedded backends.
func OpenDirectory(cfg Config) (Directory, error) {
	switch cfg.Directory.Driver {
	case "mysql":
		return openSQLDirectory("mysql", cfg.Directory.dsn, nil)
	case "sqlite":
		return openSQLDirectory("sqlite", cfg.Directory.dsn, cfg.Directory.Zones)
	case "leveldb":
		return openLevelDirectory(cfg.Directory.Path, cfg.Directory.Zones)
	}
	return nil, fmt.Errorf("unsupported directory driver %q", cfg.Directory.Driver)
}

// mysqlDSN assembles a DSN from MYSQL_* style settings.
func mysqlDSN(host string, port int, database, user, password string) string {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	mc.DBName = database
	mc.User = user
	mc.Passwd = password
	mc.Timeout = lookupTimeout
	return mc.FormatDSN()
}

// ---- sql ----

type sqlDirectory struct {
	db     *sql.DB
	lookup *sql.Stmt
}

const (
	sqlLookupZone = "SELECT id, record, target FROM proxy_zones WHERE record = ? LIMIT 1"

	sqliteSchema = `CREATE TABLE IF NOT EXISTS proxy_zones (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record TEXT NOT NULL UNIQUE,
		target TEXT NOT NULL
	)`
	sqliteUpsertZone = `INSERT INTO proxy_zones (record, target) VALUES (?, ?)
		ON CONFLICT(record) DO UPDATE SET target = excluded.target`
)

func openSQLDirectory(driver, dsn string, seed []Zone) (*sqlDirectory, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s directory: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s directory: %w", driver, err)
	}
	if driver == "sqlite" {
		if err := seedSQLite(ctx, db, seed); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	stmt, err := db.PrepareContext(ctx, sqlLookupZone)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare zone lookup: %w", err)
	}
	return &sqlDirectory{db: db, lookup: stmt}, nil
}

func seedSQLite(ctx context.Context, db *sql.DB, seed []Zone) error {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create proxy_zones: %w", err)
	}
	for _, z := range seed {
		if _, err := db.ExecContext(ctx, sqliteUpsertZone, normalizeHost(z.Record), z.Target); err != nil {
			return fmt.Errorf("seed zone %q: %w", z.Record, err)
		}
	}
	return nil
}

func (d *sqlDirectory) LookupOrigin(ctx context.Context, hostname string) (OriginRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	var (
		rec    OriginRecord
		target string
	)
	err := d.lookup.QueryRowContext(ctx, hostname).Scan(&rec.ID, &rec.HostRecord, &target)
	if errors.Is(err, sql.ErrNoRows) {
		return OriginRecord{}, ErrZoneNotFound
	}
	if err != nil {
		return OriginRecord{}, fmt.Errorf("lookup zone %q: %w", hostname, err)
	}
	rec.TargetHost, rec.TargetPort = parseTarget(target)
	return rec, nil
}

func (d *sqlDirectory) Close() error {
	_ = d.lookup.Close()
	return d.db.Close()
}

// ---- leveldb ----

const zoneKeyPrefix = "z:"

type levelDirectory struct {
	db *leveldb.DB
}

func openLevelDirectory(path string, seed []Zone) (*levelDirectory, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb directory %s: %w", path, err)
	}
	d := &levelDirectory{db: db}

	batch := new(leveldb.Batch)
	for i, z := range seed {
		host, port := parseTarget(z.Target)
		rec := OriginRecord{
			ID:         int64(i + 1),
			HostRecord: normalizeHost(z.Record),
			TargetHost: host,
			TargetPort: port,
		}
		b, err := encodeGob(rec)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("encode zone %q: %w", z.Record, err)
		}
		batch.Put([]byte(zoneKeyPrefix+rec.HostRecord), b)
	}
	if batch.Len() > 0 {
		if err := db.Write(batch, nil); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("seed leveldb directory: %w", err)
		}
	}
	return d, nil
}

func (d *levelDirectory) LookupOrigin(_ context.Context, hostname string) (OriginRecord, error) {
	b, err := d.db.Get([]byte(zoneKeyPrefix+hostname), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return OriginRecord{}, ErrZoneNotFound
	}
	if err != nil {
		return OriginRecord{}, fmt.Errorf("lookup zone %q: %w", hostname, err)
	}
	var rec OriginRecord
	if err := decodeGob(b, &rec); err != nil {
		return OriginRecord{}, fmt.Errorf("decode zone %q: %w", hostname, err)
	}
	return rec, nil
}

func (d *levelDirectory) Close() error {
	return d.db.Close()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
