// Package config loads and validates frontier configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// AppName names the default state and config directories.
const AppName = "crawl-frontier"

// Filter backends.
const (
	FilterMemory   = "memory"
	FilterFile     = "file"
	FilterSQLite   = "sqlite"
	FilterBloom    = "bloom"
	FilterLayered  = "layered"
	FilterRedis    = "redis"
	FilterPostgres = "postgres"
)

// Queue backends.
const (
	QueueMemory   = "memory"
	QueueSQLite   = "sqlite"
	QueuePostgres = "postgres"
)

// Config captures all frontier configuration knobs loaded via Viper.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Crawler CrawlerConfig `mapstructure:"crawler" yaml:"crawler"`
	Filter  FilterConfig  `mapstructure:"filter" yaml:"filter"`
	Queue   QueueConfig   `mapstructure:"queue" yaml:"queue"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
}

// EngineConfig controls the dispatch engine.
type EngineConfig struct {
	Threads        int           `mapstructure:"threads" yaml:"threads"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	ForceStopAfter int           `mapstructure:"force_stop_after" yaml:"force_stop_after"`
	// ForceGrace bounds how long a forced stop waits for workers to exit.
	ForceGrace     time.Duration `mapstructure:"force_grace" yaml:"force_grace"`
	StateDir       string        `mapstructure:"state_dir" yaml:"state_dir"`
	Resume         bool          `mapstructure:"resume" yaml:"resume"`
}

// CrawlerConfig governs seeds and the default fetch/parse pipeline.
type CrawlerConfig struct {
	Seeds             []string      `mapstructure:"seeds" yaml:"seeds"`
	AllowedHosts      []string      `mapstructure:"allowed_hosts" yaml:"allowed_hosts"`
	SeedPriority      int           `mapstructure:"seed_priority" yaml:"seed_priority"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	ResubmitTimeout   time.Duration `mapstructure:"resubmit_timeout" yaml:"resubmit_timeout"`
	LinkPriorityStep  int           `mapstructure:"link_priority_step" yaml:"link_priority_step"`
}

// FilterConfig selects the seen-store backend and the admission policy.
type FilterConfig struct {
	Backend     string         `mapstructure:"backend" yaml:"backend"`
	HostOnly    bool           `mapstructure:"hostonly" yaml:"hostonly"`
	MaxDepth    int            `mapstructure:"maxdeep" yaml:"maxdeep"`
	MaxRedirect int            `mapstructure:"maxredirect" yaml:"maxredirect"`
	Schemes     []string       `mapstructure:"schemes" yaml:"schemes"`
	Dir         string         `mapstructure:"dir" yaml:"dir"`
	Bloom       BloomConfig    `mapstructure:"bloom" yaml:"bloom"`
	Redis       RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Postgres    PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// BloomConfig sizes the probabilistic seen store.
type BloomConfig struct {
	Capacity uint    `mapstructure:"capacity" yaml:"capacity"`
	FPRate   float64 `mapstructure:"fp_rate" yaml:"fp_rate"`
}

// RedisConfig locates the Redis seen set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Key      string `mapstructure:"key" yaml:"key"`
}

// PostgresConfig locates the Postgres seen table.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	Table    string `mapstructure:"table" yaml:"table"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// QueueConfig selects the queue backend.
type QueueConfig struct {
	Backend   string              `mapstructure:"backend" yaml:"backend"`
	BatchSize int                 `mapstructure:"batch_size" yaml:"batch_size"`
	SQLite    SQLiteQueueConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres  PostgresQueueConfig `mapstructure:"postgres" yaml:"postgres"`
}

// SQLiteQueueConfig places one database file per priority in Dir.
type SQLiteQueueConfig struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	BaseName string `mapstructure:"basename" yaml:"basename"`
}

// PostgresQueueConfig places one table per priority.
type PostgresQueueConfig struct {
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	BaseName string `mapstructure:"basename" yaml:"basename"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development" yaml:"development"`
	Level       string `mapstructure:"level" yaml:"level"`
}

// ServerConfig controls the status server; an empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// New returns a Viper instance with defaults, environment binding and,
// when path is empty, the default search paths.
func New(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("FRONTIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("frontier")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, AppName))
	}
	return v
}

// Load reads configuration from path (or the search paths), the
// environment and v's bound flags.
func Load(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.threads", 4)
	v.SetDefault("engine.poll_timeout", "1s")
	v.SetDefault("engine.force_stop_after", 5)
	v.SetDefault("engine.force_grace", "1s")
	v.SetDefault("engine.state_dir", filepath.Join(xdg.DataHome, AppName))
	v.SetDefault("engine.resume", true)
	v.SetDefault("crawler.seeds", []string{})
	v.SetDefault("crawler.allowed_hosts", []string{})
	v.SetDefault("crawler.seed_priority", 1)
	v.SetDefault("crawler.user_agent", "crawl-frontier/0.1")
	v.SetDefault("crawler.request_timeout", "15s")
	v.SetDefault("crawler.requests_per_second", 0)
	v.SetDefault("crawler.max_retries", 2)
	v.SetDefault("crawler.retry_base_delay", "250ms")
	v.SetDefault("crawler.retry_max_delay", "5s")
	v.SetDefault("crawler.resubmit_timeout", "5s")
	v.SetDefault("crawler.link_priority_step", 1)
	v.SetDefault("filter.backend", FilterSQLite)
	v.SetDefault("filter.hostonly", false)
	v.SetDefault("filter.maxdeep", 0)
	v.SetDefault("filter.maxredirect", 5)
	v.SetDefault("filter.schemes", []string{"http", "https"})
	v.SetDefault("filter.dir", "")
	v.SetDefault("filter.bloom.capacity", 1_000_000)
	v.SetDefault("filter.bloom.fp_rate", 0.001)
	v.SetDefault("filter.redis.addr", "localhost:6379")
	v.SetDefault("filter.redis.password", "")
	v.SetDefault("filter.redis.db", 0)
	v.SetDefault("filter.redis.key", "frontier:seen")
	v.SetDefault("filter.postgres.dsn", "")
	v.SetDefault("filter.postgres.table", "seen_urls")
	v.SetDefault("filter.postgres.max_conns", 4)
	v.SetDefault("queue.backend", QueueSQLite)
	v.SetDefault("queue.batch_size", 16)
	v.SetDefault("queue.sqlite.dir", "")
	v.SetDefault("queue.sqlite.basename", "task_priority")
	v.SetDefault("queue.postgres.dsn", "")
	v.SetDefault("queue.postgres.basename", "task_priority")
	v.SetDefault("queue.postgres.max_conns", 4)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.addr", "")
}

// resolvePaths places unset file locations under the state directory.
func (c *Config) resolvePaths() {
	if c.Filter.Dir == "" {
		c.Filter.Dir = filepath.Join(c.Engine.StateDir, "filter")
	}
	if c.Queue.SQLite.Dir == "" {
		c.Queue.SQLite.Dir = filepath.Join(c.Engine.StateDir, "queue")
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Engine.Threads <= 0 {
		return fmt.Errorf("engine.threads must be > 0")
	}
	if c.Engine.PollTimeout <= 0 {
		return fmt.Errorf("engine.poll_timeout must be > 0")
	}
	if c.Engine.ForceStopAfter <= 0 {
		return fmt.Errorf("engine.force_stop_after must be > 0")
	}
	if c.Engine.ForceGrace <= 0 {
		return fmt.Errorf("engine.force_grace must be > 0")
	}
	if c.Engine.StateDir == "" {
		return fmt.Errorf("engine.state_dir must be set")
	}
	if c.Crawler.SeedPriority < 0 {
		return fmt.Errorf("crawler.seed_priority must be >= 0")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.Crawler.RequestsPerSecond < 0 {
		return fmt.Errorf("crawler.requests_per_second must be >= 0")
	}
	if c.Filter.MaxDepth < 0 || c.Filter.MaxRedirect < 0 {
		return fmt.Errorf("filter.maxdeep and filter.maxredirect must be >= 0")
	}
	switch c.Filter.Backend {
	case FilterMemory, FilterFile, FilterSQLite:
	case FilterBloom, FilterLayered:
		if c.Filter.Bloom.FPRate <= 0 || c.Filter.Bloom.FPRate >= 1 {
			return fmt.Errorf("filter.bloom.fp_rate must be in (0, 1)")
		}
	case FilterRedis:
		if c.Filter.Redis.Addr == "" {
			return fmt.Errorf("filter.redis.addr must be set for the redis backend")
		}
	case FilterPostgres:
		if c.Filter.Postgres.DSN == "" {
			return fmt.Errorf("filter.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown filter.backend %q", c.Filter.Backend)
	}
	switch c.Queue.Backend {
	case QueueMemory, QueueSQLite:
	case QueuePostgres:
		if c.Queue.Postgres.DSN == "" {
			return fmt.Errorf("queue.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be > 0")
	}
	return nil
}

// Default returns the configuration produced by defaults alone.
func Default() (Config, error) {
	v := New("")
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal defaults: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes the default configuration as YAML to path. It refuses
// to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	cfg, err := Default()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
