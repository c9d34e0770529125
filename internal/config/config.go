// Package config loads service configuration from an optional YAML file and
// FUNNEL_* environment variables, with defaults set in code.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: FUNNEL_DATABASE_DSN.
const EnvPrefix = "FUNNEL"

// Hidden replaces secret values in /envs output and logs.
const Hidden = "<hidden>"

// Config holds the entire configuration of the service.
type Config struct {
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Bus       BusConfig       `yaml:"bus" mapstructure:"bus"`
	Runner    RunnerConfig    `yaml:"runner" mapstructure:"runner"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Funnels   FunnelsConfig   `yaml:"funnels" mapstructure:"funnels"`
	Templates TemplatesConfig `yaml:"templates" mapstructure:"templates"`
	HTTP      HTTPConfig      `yaml:"http" mapstructure:"http"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts" mapstructure:"timeouts"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// DatabaseConfig selects the store. A postgres:// DSN uses Postgres,
// anything else is a SQLite path.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

// BusConfig configures the event bus client.
type BusConfig struct {
	Backend         string        `yaml:"backend" mapstructure:"backend"` // "log" or "kafka"
	Brokers         []string      `yaml:"brokers" mapstructure:"brokers"`
	Topic           string        `yaml:"topic" mapstructure:"topic"`
	Group           string        `yaml:"group" mapstructure:"group"`
	Partitions      int           `yaml:"partitions" mapstructure:"partitions"`
	AutoCommit      bool          `yaml:"auto_commit" mapstructure:"auto_commit"`
	BatchMaxRecords int           `yaml:"batch_max_records" mapstructure:"batch_max_records"`
	BatchTimeout    time.Duration `yaml:"batch_timeout" mapstructure:"batch_timeout"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	RetryAttempts   uint64        `yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

// RunnerConfig tunes the supervised cycle.
type RunnerConfig struct {
	ServiceName       string        `yaml:"service_name" mapstructure:"service_name"`
	StagePollInterval time.Duration `yaml:"stage_poll_interval" mapstructure:"stage_poll_interval"`
	StageBatch        int           `yaml:"stage_batch" mapstructure:"stage_batch"`
	StageRetryAfter   time.Duration `yaml:"stage_retry_after" mapstructure:"stage_retry_after"`
	StageTimeout      time.Duration `yaml:"stage_timeout" mapstructure:"stage_timeout"`
	Cooldown          time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	CronTick          time.Duration `yaml:"cron_tick" mapstructure:"cron_tick"`
	// Location interprets stage times of day and cron schedules.
	Location string `yaml:"location" mapstructure:"location"`
}

// SyncConfig configures CDC pulls from the source API.
type SyncConfig struct {
	SourceURL     string            `yaml:"source_url" mapstructure:"source_url"`
	Token         string            `yaml:"token" mapstructure:"token"`
	PageSize      int               `yaml:"page_size" mapstructure:"page_size"`
	IDField       string            `yaml:"id_field" mapstructure:"id_field"`
	Rate          float64           `yaml:"rate" mapstructure:"rate"` // pages per second, 0 = unlimited
	Burst         int               `yaml:"burst" mapstructure:"burst"`
	Prune         []string          `yaml:"prune" mapstructure:"prune"`
	RetryAttempts uint64            `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	Schedules     map[string]string `yaml:"schedules" mapstructure:"schedules"` // kind -> cron
}

// FunnelsConfig locates funnel definitions.
type FunnelsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// TemplatesConfig locates message and query templates.
type TemplatesConfig struct {
	Dir     string `yaml:"dir" mapstructure:"dir"`
	Queries string `yaml:"queries" mapstructure:"queries"`
}

// HTTPConfig configures the health/envs/stats front door.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" mapstructure:"address"`
}

// TimeoutsConfig bounds external calls.
type TimeoutsConfig struct {
	DB   time.Duration `yaml:"db" mapstructure:"db"`
	Bus  time.Duration `yaml:"bus" mapstructure:"bus"`
	HTTP time.Duration `yaml:"http" mapstructure:"http"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // "text" or "json"
}

var defaults = map[string]any{
	"database.dsn": "funnel.db",

	"bus.backend":           "log",
	"bus.brokers":           []string{},
	"bus.topic":             "events",
	"bus.group":             "funnel",
	"bus.partitions":        4,
	"bus.auto_commit":       false,
	"bus.batch_max_records": 100,
	"bus.batch_timeout":     time.Second,
	"bus.retry_backoff":     10 * time.Second,
	"bus.retry_attempts":    5,

	"runner.service_name":        "funnel",
	"runner.stage_poll_interval": 10 * time.Second,
	"runner.stage_batch":         50,
	"runner.stage_retry_after":   5 * time.Minute,
	"runner.stage_timeout":       2 * time.Minute,
	"runner.cooldown":            10 * time.Second,
	"runner.cron_tick":           time.Second,
	"runner.location":            "UTC",

	"sync.source_url":     "",
	"sync.token":          "",
	"sync.page_size":      100,
	"sync.id_field":       "id",
	"sync.rate":           0.0,
	"sync.burst":          1,
	"sync.prune":          []string{},
	"sync.retry_attempts": 3,
	"sync.retry_backoff":  time.Second,
	"sync.schedules":      map[string]string{},

	"funnels.dir":       "funnels",
	"templates.dir":     "templates",
	"templates.queries": "queries",

	"http.enabled": true,
	"http.address": ":8080",

	"timeouts.db":   5 * time.Second,
	"timeouts.bus":  5 * time.Second,
	"timeouts.http": 10 * time.Second,

	"log.level":  "info",
	"log.format": "text",
}

// Default returns the configuration with nothing but defaults applied.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (when non-empty), then environment overrides. Without a
// path, ./funnel.yaml and ./config/funnel.yaml are tried and a missing file
// is not an error.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("funnel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	switch c.Bus.Backend {
	case "log":
	case "kafka":
		if len(c.Bus.Brokers) == 0 {
			errs = append(errs, errors.New("bus.brokers is required for the kafka backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.backend %q: want log or kafka", c.Bus.Backend))
	}
	if c.Bus.Topic == "" {
		errs = append(errs, errors.New("bus.topic is required"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Sync.Schedules) > 0 && c.Sync.SourceURL == "" {
		errs = append(errs, errors.New("sync.source_url is required when sync.schedules is set"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Location returns the runner time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Runner.Location == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Runner.Location)
	if err != nil {
		return nil, fmt.Errorf("runner.location %q: %w", c.Runner.Location, err)
	}
	return loc, nil
}

// SyncKinds returns the scheduled entity kinds in sorted order.
func (c *Config) SyncKinds() []string {
	kinds := make([]string, 0, len(c.Sync.Schedules))
	for k := range c.Sync.Schedules {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Masked returns a copy safe to log: the DSN password and the sync token
// are hidden.
func (c Config) Masked() Config {
	c.Database.DSN = maskDSN(c.Database.DSN)
	if c.Sync.Token != "" {
		c.Sync.Token = Hidden
	}
	return c
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); !ok {
		return dsn
	}
	return u.Redacted()
}

// secretMarkers flag environment variables whose values are never shown.
var secretMarkers = []string{"PASS", "TOKEN", "ACCESS_KEY", "PWD", "SECRET"}

// IsSecret reports whether an environment variable name looks sensitive.
func IsSecret(name string) bool {
	upper := strings.ToUpper(name)
	for _, m := range secretMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

// HidePasswords returns env with secret values replaced by Hidden.
func HidePasswords(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if IsSecret(k) {
			v = Hidden
		}
		out[k] = v
	}
	return out
}

// Environ returns the process environment as a map.
func Environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}
