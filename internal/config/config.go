// Package config loads featsync settings.
//
// Values come from, in increasing precedence: built-in defaults, the
// featsync.toml file in the data directory, and FEATSYNC_* environment
// variables. Nested keys map to env names with dots replaced by
// underscores, so remote.url is FEATSYNC_REMOTE_URL.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/natefinch/atomic"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the data directory.
const FileName = "featsync.toml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FEATSYNC"

// Config is the full featsync configuration.
type Config struct {
	// DataDir holds the local database and the config file.
	DataDir string `mapstructure:"data_dir" toml:"data_dir"`
	// User is the default user id for CLI commands.
	User string `mapstructure:"user" toml:"user"`

	DB        DB        `mapstructure:"db" toml:"db"`
	Remote    Remote    `mapstructure:"remote" toml:"remote"`
	Queue     Queue     `mapstructure:"queue" toml:"queue"`
	Sync      Sync      `mapstructure:"sync" toml:"sync"`
	LiveFeed  LiveFeed  `mapstructure:"livefeed" toml:"livefeed"`
	Log       Log       `mapstructure:"log" toml:"log"`
	Telemetry Telemetry `mapstructure:"telemetry" toml:"telemetry"`
}

type DB struct {
	// Path of the local database. Empty means <data_dir>/featsync.db.
	Path string `mapstructure:"path" toml:"path"`
	// WatchExternal turns on live query refresh for writes made by other
	// processes.
	WatchExternal bool `mapstructure:"watch_external" toml:"watch_external"`
}

type Remote struct {
	URL        string        `mapstructure:"url" toml:"url"`
	Collection string        `mapstructure:"collection" toml:"collection"`
	APIKey     string        `mapstructure:"api_key" toml:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout" toml:"timeout"`
}

type Queue struct {
	MaxAttempts    int           `mapstructure:"max_attempts" toml:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" toml:"initial_backoff"`
	Multiplier     float64       `mapstructure:"multiplier" toml:"multiplier"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" toml:"max_backoff"`
	Jitter         float64       `mapstructure:"jitter" toml:"jitter"`
	ClaimLease     time.Duration `mapstructure:"claim_lease" toml:"claim_lease"`
}

type Sync struct {
	Workers       int           `mapstructure:"workers" toml:"workers"`
	Buffer        int           `mapstructure:"buffer" toml:"buffer"`
	BatchSize     int           `mapstructure:"batch_size" toml:"batch_size"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout" toml:"task_timeout"`
	DrainInterval time.Duration `mapstructure:"drain_interval" toml:"drain_interval"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout" toml:"stop_timeout"`
}

type LiveFeed struct {
	Enabled       bool          `mapstructure:"enabled" toml:"enabled"`
	Addr          string        `mapstructure:"addr" toml:"addr"`
	StatsInterval time.Duration `mapstructure:"stats_interval" toml:"stats_interval"`
}

type Log struct {
	Level  string `mapstructure:"level" toml:"level"`
	Format string `mapstructure:"format" toml:"format"`
	// File enables rotating file output when set.
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
}

type Telemetry struct {
	// Endpoint is the OTLP/HTTP traces URL. Empty disables tracing.
	Endpoint    string `mapstructure:"endpoint" toml:"endpoint"`
	ServiceName string `mapstructure:"service_name" toml:"service_name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: ".featsync",
		Remote: Remote{
			URL:        "http://127.0.0.1:8787",
			Collection: "features",
			Timeout:    15 * time.Second,
		},
		Queue: Queue{
			MaxAttempts:    5,
			InitialBackoff: 2 * time.Second,
			Multiplier:     2,
			MaxBackoff:     5 * time.Minute,
			Jitter:         0.2,
			ClaimLease:     2 * time.Minute,
		},
		Sync: Sync{
			Workers:       4,
			Buffer:        64,
			BatchSize:     16,
			TaskTimeout:   2 * time.Minute,
			DrainInterval: 30 * time.Second,
			StopTimeout:   10 * time.Second,
		},
		LiveFeed: LiveFeed{
			Addr:          "127.0.0.1:8790",
			StatsInterval: 2 * time.Second,
		},
		Log: Log{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Telemetry: Telemetry{
			ServiceName: "featsync",
		},
	}
}

// setDefaults registers every key with viper. AutomaticEnv only resolves
// keys viper already knows, so each leaf needs a default.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("user", d.User)

	v.SetDefault("db.path", d.DB.Path)
	v.SetDefault("db.watch_external", d.DB.WatchExternal)

	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.collection", d.Remote.Collection)
	v.SetDefault("remote.api_key", d.Remote.APIKey)
	v.SetDefault("remote.timeout", d.Remote.Timeout)

	v.SetDefault("queue.max_attempts", d.Queue.MaxAttempts)
	v.SetDefault("queue.initial_backoff", d.Queue.InitialBackoff)
	v.SetDefault("queue.multiplier", d.Queue.Multiplier)
	v.SetDefault("queue.max_backoff", d.Queue.MaxBackoff)
	v.SetDefault("queue.jitter", d.Queue.Jitter)
	v.SetDefault("queue.claim_lease", d.Queue.ClaimLease)

	v.SetDefault("sync.workers", d.Sync.Workers)
	v.SetDefault("sync.buffer", d.Sync.Buffer)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.task_timeout", d.Sync.TaskTimeout)
	v.SetDefault("sync.drain_interval", d.Sync.DrainInterval)
	v.SetDefault("sync.stop_timeout", d.Sync.StopTimeout)

	v.SetDefault("livefeed.enabled", d.LiveFeed.Enabled)
	v.SetDefault("livefeed.addr", d.LiveFeed.Addr)
	v.SetDefault("livefeed.stats_interval", d.LiveFeed.StatsInterval)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
}

// Options select where Load looks.
type Options struct {
	// File is an explicit config file. When empty, FileName is looked up
	// in the data directory and a missing file is not an error.
	File string
	// DataDir overrides the data directory before the file lookup.
	DataDir string
}

// Load resolves the configuration.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.DataDir != "" {
		v.Set("data_dir", opts.DataDir)
	}

	v.SetConfigType("toml")
	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", opts.File, err)
		}
	} else {
		path := filepath.Join(v.GetString("data_dir"), FileName)
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the rest of featsync cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Remote.Collection == "" {
		errs = append(errs, errors.New("remote.collection is required"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	if c.Queue.Jitter < 0 || c.Queue.Jitter > 1 {
		errs = append(errs, errors.New("queue.jitter must be between 0 and 1"))
	}
	if c.Sync.Workers < 1 {
		errs = append(errs, errors.New("sync.workers must be at least 1"))
	}
	if c.Sync.Buffer < 1 {
		errs = append(errs, errors.New("sync.buffer must be at least 1"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// DBPath returns the local database path.
func (c *Config) DBPath() string {
	if c.DB.Path != "" {
		return c.DB.Path
	}
	return filepath.Join(c.DataDir, "featsync.db")
}

// FilePath returns where the config file lives for this data directory.
func (c *Config) FilePath() string {
	return filepath.Join(c.DataDir, FileName)
}

// Encode renders c as TOML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile atomically writes c to path. An existing file is only replaced
// when overwrite is set.
func (c *Config) WriteFile(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists", path)
		}
	}
	data, err := c.Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
