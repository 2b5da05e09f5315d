package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrMalformedConfig is returned for settings that cannot be used at all
var ErrMalformedConfig = errors.New("malformed configuration")

// Grid modes
const (
	ModeEmbedded = "embedded"
	ModeNATS     = "nats"
	ModeRedis    = "redis"
)

// Database drivers
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Grid      GridConfig      `yaml:"grid"`
	Database  DatabaseConfig  `yaml:"database"`
	Bus       BusConfig       `yaml:"bus"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Processor ProcessorConfig `yaml:"processor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type GridConfig struct {
	Mode          string        `yaml:"mode"`    // embedded, nats, redis
	Address       string        `yaml:"address"` // remote modes only
	ClusterName   string        `yaml:"cluster_name"`
	MemberName    string        `yaml:"member_name"`
	Password      string        `yaml:"password"`        // redis only
	Listen        string        `yaml:"listen"`          // serve only
	StoreDir      string        `yaml:"store_dir"`       // serve only, temporary when empty
	AllowEntryTTL bool          `yaml:"allow_entry_ttl"` // nats only, needs server 2.11+
	ConnectWait   time.Duration `yaml:"connect_timeout"`
	Maps          []MapConfig   `yaml:"maps"`
}

type MapConfig struct {
	Name    string        `yaml:"name"`
	TTL     time.Duration `yaml:"ttl"`
	MaxIdle time.Duration `yaml:"max_idle"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // mysql, postgres, sqlite
	DSN             string        `yaml:"dsn"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type BusConfig struct {
	URL           string        `yaml:"url"`
	QueueName     string        `yaml:"queue_name"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	PublishWait   time.Duration `yaml:"publish_timeout"`
}

type BridgeConfig struct {
	Maps      []string      `yaml:"maps"`
	Table     string        `yaml:"table"`
	Component string        `yaml:"component"`
	Timeout   time.Duration `yaml:"timeout"`
}

type ProcessorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Script  string `yaml:"script"` // JavaScript file exporting a transform function
	Rules   []Rule `yaml:"rules"`
}

// Rule selects records by map and key prefix and changes how they are forwarded
type Rule struct {
	Map         string            `yaml:"map"`
	KeyPrefix   string            `yaml:"key_prefix"`
	Drop        bool              `yaml:"drop"`
	MaskValues  bool              `yaml:"mask_values"`
	AddMetadata map[string]string `yaml:"add_metadata"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// Enabled reports whether a relational sink should be attempted
func (c DatabaseConfig) Enabled() bool {
	return c.DSN != ""
}

// Enabled reports whether an event bus should be attempted
func (c BusConfig) Enabled() bool {
	return c.URL != ""
}

// IsRemote reports whether the grid connects to an external cluster.
func (c GridConfig) IsRemote() bool {
	return c.Mode == ModeNATS || c.Mode == ModeRedis
}

// MapConfig returns the settings for a named map, or a zero config.
func (c GridConfig) MapConfig(name string) MapConfig {
	for _, m := range c.Maps {
		if m.Name == name {
			return m
		}
	}
	return MapConfig{Name: name}
}

// LoadConfig reads the YAML file at path (if any), applies environment
// overrides and defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("%w: failed to parse config file: %v", ErrMalformedConfig, err)
		}
	}

	if err := config.applyEnv(newEnv()); err != nil {
		return nil, err
	}
	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// a variable set to "" still overrides, which is how a sink is switched off
	v.AllowEmptyEnv(true)

	v.BindEnv("logging.level", "LOG_LEVEL")
	v.BindEnv("logging.format", "LOG_FORMAT")
	return v
}

// applyEnv overrides settings from the environment. A key is read from its
// upper-cased form with dots replaced by underscores, so grid.cluster_name
// comes from GRID_CLUSTER_NAME.
func (c *Config) applyEnv(v *viper.Viper) error {
	overrides := map[string]*string{
		"grid.mode":         &c.Grid.Mode,
		"grid.address":      &c.Grid.Address,
		"grid.cluster_name": &c.Grid.ClusterName,
		"grid.member_name":  &c.Grid.MemberName,
		"grid.password":     &c.Grid.Password,
		"grid.listen":       &c.Grid.Listen,
		"grid.store_dir":    &c.Grid.StoreDir,
		"database.driver":   &c.Database.Driver,
		"database.dsn":      &c.Database.DSN,
		"database.username": &c.Database.Username,
		"database.password": &c.Database.Password,
		"bus.url":           &c.Bus.URL,
		"bus.queue_name":    &c.Bus.QueueName,
		"metrics.addr":      &c.Metrics.Addr,
		"logging.level":     &c.Logging.Level,
		"logging.format":    &c.Logging.Format,
	}
	for key, dst := range overrides {
		if v.IsSet(key) {
			*dst = strings.TrimSpace(v.GetString(key))
		}
	}

	if v.IsSet("bridge.timeout") {
		d, err := time.ParseDuration(v.GetString("bridge.timeout"))
		if err != nil {
			return fmt.Errorf("%w: BRIDGE_TIMEOUT: %v", ErrMalformedConfig, err)
		}
		c.Bridge.Timeout = d
	}
	return nil
}

func (c *Config) setDefaults() {
	c.Grid.Mode = strings.ToLower(c.Grid.Mode)
	if c.Grid.Mode == "" {
		c.Grid.Mode = ModeEmbedded
	}
	if c.Grid.ClusterName == "" {
		c.Grid.ClusterName = "dev"
	}
	if c.Grid.MemberName == "" {
		c.Grid.MemberName = "gridsync-member-1"
	}
	if c.Grid.Listen == "" {
		c.Grid.Listen = "127.0.0.1:4222"
	}
	if c.Grid.ConnectWait == 0 {
		c.Grid.ConnectWait = 30 * time.Second
	}
	if c.Grid.Maps == nil {
		c.Grid.Maps = []MapConfig{
			{Name: "user-sessions", TTL: time.Hour},
			{Name: "cache-data", MaxIdle: 30 * time.Minute},
		}
	}

	c.Database.Driver = strings.ToLower(c.Database.Driver)
	if c.Database.Driver == "" {
		c.Database.Driver = DriverMySQL
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Database.ConnMaxIdleTime == 0 {
		c.Database.ConnMaxIdleTime = 10 * time.Minute
	}
	if c.Database.ConnectTimeout == 0 {
		c.Database.ConnectTimeout = 30 * time.Second
	}

	if c.Bus.QueueName == "" {
		c.Bus.QueueName = "grid-events"
	}
	if c.Bus.MaxReconnect == 0 {
		c.Bus.MaxReconnect = 10
	}
	if c.Bus.ReconnectWait == 0 {
		c.Bus.ReconnectWait = 2 * time.Second
	}
	if c.Bus.PublishWait == 0 {
		c.Bus.PublishWait = 5 * time.Second
	}

	if c.Bridge.Maps == nil {
		c.Bridge.Maps = []string{"sync-data"}
	}
	if c.Bridge.Table == "" {
		c.Bridge.Table = "user_events"
	}
	if c.Bridge.Component == "" {
		c.Bridge.Component = "GridMap"
	}
	if c.Bridge.Timeout == 0 {
		c.Bridge.Timeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate reports settings that make startup impossible. Problems with the
// optional database and bus are left to bootstrap, which disables them.
func (c *Config) Validate() error {
	switch c.Grid.Mode {
	case ModeEmbedded, ModeNATS, ModeRedis:
	default:
		return fmt.Errorf("%w: unknown grid mode %q", ErrMalformedConfig, c.Grid.Mode)
	}
	if c.Grid.ClusterName == "" {
		return fmt.Errorf("%w: grid cluster name is required", ErrMalformedConfig)
	}
	for i, m := range c.Grid.Maps {
		if m.Name == "" {
			return fmt.Errorf("%w: grid map %d has no name", ErrMalformedConfig, i)
		}
		if m.TTL < 0 || m.MaxIdle < 0 {
			return fmt.Errorf("%w: grid map %s has a negative expiry", ErrMalformedConfig, m.Name)
		}
	}
	if c.Bridge.Timeout < 0 {
		return fmt.Errorf("%w: bridge timeout must not be negative", ErrMalformedConfig)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrMalformedConfig, c.Logging.Format)
	}
	return nil
}
