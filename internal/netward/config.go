package netward

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port        int    `yaml:"port"`
		IdleTimeout string `yaml:"idleTimeout"`
		PublicIP    string `yaml:"publicIP"`
		Site        string `yaml:"site"`

		idleTimeoutDur time.Duration
	} `yaml:"server"`

	Upstream struct {
		PoolSize       int    `yaml:"poolSize"`
		IdleTimeout    string `yaml:"idleTimeout"`
		ConnectTimeout string `yaml:"connectTimeout"`

		idleTimeoutDur    time.Duration
		connectTimeoutDur time.Duration
	} `yaml:"upstream"`

	Cache struct {
		Max     string `yaml:"max"`
		MaxAge  string `yaml:"maxAge"`
		MaxItem string `yaml:"maxItem"`

		maxBytes     int64
		maxAgeDur    time.Duration
		maxItemBytes int64
	} `yaml:"cache"`

	Hosts struct {
		TTL string `yaml:"ttl"`
		Max int64  `yaml:"max"`

		ttlDur time.Duration
	} `yaml:"hosts"`

	Directory struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
		Path   string `yaml:"path"`
		Zones  []Zone `yaml:"zones"`

		MySQL struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			Database string `yaml:"database"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
		} `yaml:"mysql"`

		dsn string
	} `yaml:"directory"`

	Admin struct {
		Addr string `yaml:"addr"`
	} `yaml:"admin"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// Zone is a statically configured routing record, seeded into embedded
// directories.
type Zone struct {
	Record string `yaml:"record"`
	Target string `yaml:"target"`
}

// LoadConfig reads the optional YAML file at path, applies environment
// overrides and defaults, and validates the result. An empty path skips the
// file.
func LoadConfig(path string) (Config, error) {
	return loadConfig(path, os.LookupEnv)
}

func loadConfig(path string, lookupEnv func(string) (string, bool)) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookupEnv); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookupEnv func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookupEnv(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}

	num("NETWARD_PORT", &cfg.Server.Port)
	str("NETWARD_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	str("NETWARD_PUBLIC_IP", &cfg.Server.PublicIP)
	str("NETWARD_PREFIX", &cfg.Server.Site)

	num("NETWARD_HTTP1_POOL", &cfg.Upstream.PoolSize)
	str("NETWARD_UPSTREAM_IDLE_TIMEOUT", &cfg.Upstream.IdleTimeout)
	str("NETWARD_CONNECT_TIMEOUT", &cfg.Upstream.ConnectTimeout)

	str("NETWARD_CACHE_MAX", &cfg.Cache.Max)
	str("NETWARD_CACHE_MAX_AGE", &cfg.Cache.MaxAge)
	str("NETWARD_CACHE_MAX_ITEM", &cfg.Cache.MaxItem)

	str("NETWARD_HOST_TTL", &cfg.Hosts.TTL)
	var hostMax int
	num("NETWARD_HOST_CACHE_MAX", &hostMax)
	if hostMax > 0 {
		cfg.Hosts.Max = int64(hostMax)
	}

	str("NETWARD_DIRECTORY", &cfg.Directory.Driver)
	str("NETWARD_DIRECTORY_DSN", &cfg.Directory.DSN)
	str("NETWARD_DIRECTORY_PATH", &cfg.Directory.Path)
	str("MYSQL_HOST", &cfg.Directory.MySQL.Host)
	num("MYSQL_PORT", &cfg.Directory.MySQL.Port)
	str("MYSQL_DATABASE", &cfg.Directory.MySQL.Database)
	str("MYSQL_USER", &cfg.Directory.MySQL.User)
	str("MYSQL_PASSWORD", &cfg.Directory.MySQL.Password)

	str("NETWARD_ADMIN_ADDR", &cfg.Admin.Addr)

	str("NETWARD_LOG_LEVEL", &cfg.Logging.Level)
	str("NETWARD_LOG_FORMAT", &cfg.Logging.Format)
	str("NETWARD_LOG_STATS_EVERY", &cfg.Logging.LogStatsEvery)

	return errors.Join(errs...)
}

func applyDefaults(cfg *Config) {
	def := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	def(&cfg.Server.IdleTimeout, "60s")

	if cfg.Upstream.PoolSize == 0 {
		cfg.Upstream.PoolSize = 20
	}
	def(&cfg.Upstream.IdleTimeout, "120s")
	def(&cfg.Upstream.ConnectTimeout, "10s")

	def(&cfg.Cache.Max, "512mb")
	def(&cfg.Cache.MaxAge, "4h")
	def(&cfg.Cache.MaxItem, "10mb")

	def(&cfg.Hosts.TTL, "10m")
	if cfg.Hosts.Max == 0 {
		cfg.Hosts.Max = 100_000
	}

	def(&cfg.Directory.Driver, "mysql")
	def(&cfg.Directory.MySQL.Host, "localhost")
	if cfg.Directory.MySQL.Port == 0 {
		cfg.Directory.MySQL.Port = 3306
	}
	def(&cfg.Directory.MySQL.Database, "netward")
	def(&cfg.Directory.MySQL.User, "netward")
	def(&cfg.Directory.MySQL.Password, "password")
	switch cfg.Directory.Driver {
	case "sqlite":
		def(&cfg.Directory.Path, "./data/netward.db")
	case "leveldb":
		def(&cfg.Directory.Path, "./data/zones")
	}

	def(&cfg.Admin.Addr, "127.0.0.1:9090")
	if cfg.Admin.Addr == "off" {
		// disables the admin listener
		cfg.Admin.Addr = ""
	}

	def(&cfg.Logging.Level, "info")
	def(&cfg.Logging.Format, "console")
	def(&cfg.Logging.LogStatsEvery, "1m")
}

func (cfg *Config) compile() error {
	var err error
	dur := func(field, v string, dst *time.Duration) {
		if err != nil {
			return
		}
		d, perr := time.ParseDuration(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", field, perr)
			return
		}
		if d < 0 {
			err = fmt.Errorf("%s: negative duration %q", field, v)
			return
		}
		*dst = d
	}
	size := func(field, v string, dst *int64) {
		if err != nil {
			return
		}
		n, perr := parseBytes(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", field, perr)
			return
		}
		*dst = n
	}

	dur("server.idleTimeout", cfg.Server.IdleTimeout, &cfg.Server.idleTimeoutDur)
	dur("upstream.idleTimeout", cfg.Upstream.IdleTimeout, &cfg.Upstream.idleTimeoutDur)
	dur("upstream.connectTimeout", cfg.Upstream.ConnectTimeout, &cfg.Upstream.connectTimeoutDur)
	size("cache.max", cfg.Cache.Max, &cfg.Cache.maxBytes)
	dur("cache.maxAge", cfg.Cache.MaxAge, &cfg.Cache.maxAgeDur)
	size("cache.maxItem", cfg.Cache.MaxItem, &cfg.Cache.maxItemBytes)
	dur("hosts.ttl", cfg.Hosts.TTL, &cfg.Hosts.ttlDur)
	dur("logging.logStatsEvery", cfg.Logging.LogStatsEvery, &cfg.Logging.logStatsEveryDur)
	if err != nil {
		return err
	}

	switch {
	case cfg.Server.Port <= 0 || cfg.Server.Port > 65535:
		return fmt.Errorf("server.port: out of range: %d", cfg.Server.Port)
	case cfg.Upstream.PoolSize <= 0:
		return fmt.Errorf("upstream.poolSize must be positive")
	case cfg.Cache.maxBytes <= 0:
		return fmt.Errorf("cache.max must be positive")
	case cfg.Cache.maxItemBytes <= 0:
		return fmt.Errorf("cache.maxItem must be positive")
	case cfg.Cache.maxItemBytes > cfg.Cache.maxBytes:
		return fmt.Errorf("cache.maxItem (%s) exceeds cache.max (%s)", cfg.Cache.MaxItem, cfg.Cache.Max)
	case cfg.Hosts.ttlDur == 0:
		return fmt.Errorf("hosts.ttl must be positive")
	case cfg.Hosts.Max <= 0:
		return fmt.Errorf("hosts.max must be positive")
	}

	cfg.Directory.dsn = cfg.Directory.DSN
	switch cfg.Directory.Driver {
	case "mysql":
		if cfg.Directory.dsn == "" {
			my := cfg.Directory.MySQL
			cfg.Directory.dsn = mysqlDSN(my.Host, my.Port, my.Database, my.User, my.Password)
		}
	case "sqlite":
		if cfg.Directory.dsn == "" {
			cfg.Directory.dsn = cfg.Directory.Path
		}
	case "leveldb":
	default:
		return fmt.Errorf("directory.driver: unsupported %q", cfg.Directory.Driver)
	}

	for i, z := range cfg.Directory.Zones {
		if strings.TrimSpace(z.Record) == "" || strings.TrimSpace(z.Target) == "" {
			return fmt.Errorf("directory.zones[%d]: record and target are required", i)
		}
	}
	return nil
}

// IdleTimeout is the keep-alive idle timeout for inbound connections.
func (cfg Config) IdleTimeout() time.Duration { return cfg.Server.idleTimeoutDur }
