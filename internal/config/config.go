package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/frpvisor/internal/alert"
	"github.com/loykin/frpvisor/internal/detector"
	"github.com/loykin/frpvisor/internal/logger"
	"github.com/loykin/frpvisor/internal/logrotate"
	"github.com/loykin/frpvisor/internal/process"
	"github.com/loykin/frpvisor/internal/ratelimit"
	"github.com/loykin/frpvisor/internal/supervisor"
)

// EnvPrefix prefixes environment overrides, e.g. FRPVISOR_STORE_DSN.
const EnvPrefix = "FRPVISOR"

// Config represents the top-level TOML structure.
type Config struct {
	Paths      PathsConfig      `toml:"paths" mapstructure:"paths"`
	Store      StoreConfig      `toml:"store" mapstructure:"store"`
	Restart    RestartConfig    `toml:"restart" mapstructure:"restart"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Rotation   RotationConfig   `toml:"rotation" mapstructure:"rotation"`
	Log        logger.Config    `toml:"log" mapstructure:"log"`
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Alert      AlertConfig      `toml:"alert" mapstructure:"alert"`
}

type PathsConfig struct {
	// Binary is the managed executable.
	Binary string `toml:"binary" mapstructure:"binary"`
	// ConfigsDir holds client configuration files; it is always allow-listed.
	ConfigsDir string `toml:"configs_dir" mapstructure:"configs_dir"`
	// AllowedDirs are extra directories client configs may live in.
	AllowedDirs []string `toml:"allowed_dirs" mapstructure:"allowed_dirs"`
	LogsDir     string   `toml:"logs_dir" mapstructure:"logs_dir"`
}

// Allowed returns the directories client configuration paths are confined to.
func (p PathsConfig) Allowed() []string {
	out := make([]string, 0, len(p.AllowedDirs)+1)
	if p.ConfigsDir != "" {
		out = append(out, p.ConfigsDir)
	}
	return append(out, p.AllowedDirs...)
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type RestartConfig struct {
	MaxRestarts int           `toml:"max_restarts" mapstructure:"max_restarts"`
	Window      time.Duration `toml:"window" mapstructure:"window"`
	Cooldown    time.Duration `toml:"cooldown" mapstructure:"cooldown"`
}

func (r RestartConfig) Policy() ratelimit.Policy {
	return ratelimit.Policy{MaxRestarts: r.MaxRestarts, Window: r.Window, Cooldown: r.Cooldown}
}

type SupervisorConfig struct {
	Enabled         bool          `toml:"enabled" mapstructure:"enabled"`
	Interval        time.Duration `toml:"interval" mapstructure:"interval"`
	Debounce        time.Duration `toml:"debounce" mapstructure:"debounce"`
	PortTimeout     time.Duration `toml:"port_timeout" mapstructure:"port_timeout"`
	StopGrace       time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	SettleDelay     time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
	SampleResources bool          `toml:"sample_resources" mapstructure:"sample_resources"`
}

type RotationConfig struct {
	ThresholdMB int    `toml:"threshold_mb" mapstructure:"threshold_mb"`
	MaxBackups  int    `toml:"max_backups" mapstructure:"max_backups"`
	Schedule    string `toml:"schedule" mapstructure:"schedule"`
}

func (r RotationConfig) Threshold() int64 {
	return int64(r.ThresholdMB) * 1024 * 1024
}

type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

type HistoryConfig struct {
	// Sinks are history DSNs: sqlite path, postgres://, clickhouse://, influxdb://.
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

type AlertConfig struct {
	Log   bool            `toml:"log" mapstructure:"log"`
	Store bool            `toml:"store" mapstructure:"store"`
	MQTT  MQTTAlertConfig `toml:"mqtt" mapstructure:"mqtt"`
}

type MQTTAlertConfig struct {
	Enabled          bool `toml:"enabled" mapstructure:"enabled"`
	alert.MQTTConfig `mapstructure:",squash"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Paths: PathsConfig{
			Binary:     filepath.Join("bin", detector.DefaultBinaryName),
			ConfigsDir: "configs",
			LogsDir:    "logs",
		},
		Store: StoreConfig{DSN: "frpvisor.db"},
		Restart: RestartConfig{
			MaxRestarts: ratelimit.DefaultMaxRestarts,
			Window:      ratelimit.DefaultWindow,
			Cooldown:    ratelimit.DefaultCooldown,
		},
		Supervisor: SupervisorConfig{
			Enabled:     true,
			Interval:    supervisor.DefaultInterval,
			Debounce:    supervisor.DefaultDebounce,
			PortTimeout: detector.DefaultPortTimeout,
			StopGrace:   process.DefaultStopGrace,
			SettleDelay: process.DefaultSettleDelay,
		},
		Rotation: RotationConfig{
			ThresholdMB: int(logrotate.DefaultThreshold / (1024 * 1024)),
			MaxBackups:  logrotate.DefaultMaxBackups,
			Schedule:    supervisor.DefaultRotationSchedule,
		},
		Log:     logger.Config{Level: logger.LevelInfo, Format: logger.FormatText, TimeStamps: true},
		Server:  ServerConfig{Enabled: true, Listen: "127.0.0.1:7400", BasePath: "/api"},
		Metrics: MetricsConfig{Enabled: true},
		Alert: AlertConfig{
			Log:   true,
			Store: true,
			MQTT:  MQTTAlertConfig{MQTTConfig: alert.MQTTConfig{ClientID: "frpvisor", TopicPrefix: "frpvisor", QoS: 1}},
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("paths.binary", d.Paths.Binary)
	v.SetDefault("paths.configs_dir", d.Paths.ConfigsDir)
	v.SetDefault("paths.allowed_dirs", []string{})
	v.SetDefault("paths.logs_dir", d.Paths.LogsDir)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("restart.max_restarts", d.Restart.MaxRestarts)
	v.SetDefault("restart.window", d.Restart.Window)
	v.SetDefault("restart.cooldown", d.Restart.Cooldown)
	v.SetDefault("supervisor.enabled", d.Supervisor.Enabled)
	v.SetDefault("supervisor.interval", d.Supervisor.Interval)
	v.SetDefault("supervisor.debounce", d.Supervisor.Debounce)
	v.SetDefault("supervisor.port_timeout", d.Supervisor.PortTimeout)
	v.SetDefault("supervisor.stop_grace", d.Supervisor.StopGrace)
	v.SetDefault("supervisor.settle_delay", d.Supervisor.SettleDelay)
	v.SetDefault("supervisor.sample_resources", d.Supervisor.SampleResources)
	v.SetDefault("rotation.threshold_mb", d.Rotation.ThresholdMB)
	v.SetDefault("rotation.max_backups", d.Rotation.MaxBackups)
	v.SetDefault("rotation.schedule", d.Rotation.Schedule)
	v.SetDefault("log.level", string(d.Log.Level))
	v.SetDefault("log.format", string(d.Log.Format))
	v.SetDefault("log.color", d.Log.Color)
	v.SetDefault("log.timestamps", d.Log.TimeStamps)
	v.SetDefault("log.source", d.Log.Source)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("alert.log", d.Alert.Log)
	v.SetDefault("alert.store", d.Alert.Store)
	v.SetDefault("alert.mqtt.enabled", d.Alert.MQTT.Enabled)
	v.SetDefault("alert.mqtt.broker", d.Alert.MQTT.Broker)
	v.SetDefault("alert.mqtt.client_id", d.Alert.MQTT.ClientID)
	v.SetDefault("alert.mqtt.username", d.Alert.MQTT.Username)
	v.SetDefault("alert.mqtt.password", d.Alert.MQTT.Password)
	v.SetDefault("alert.mqtt.topic_prefix", d.Alert.MQTT.TopicPrefix)
	v.SetDefault("alert.mqtt.qos", d.Alert.MQTT.QoS)
	v.SetDefault("alert.mqtt.retain", d.Alert.MQTT.Retain)
}

// Load reads the TOML file at path (optional) and applies FRPVISOR_*
// environment overrides on top of the defaults. Relative paths in [paths]
// and [log] are resolved against the config file's directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	base := ""
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		base = filepath.Dir(abs)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if base != "" {
		cfg.resolve(base)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Paths.Binary = abs(c.Paths.Binary)
	c.Paths.ConfigsDir = abs(c.Paths.ConfigsDir)
	c.Paths.LogsDir = abs(c.Paths.LogsDir)
	for i, d := range c.Paths.AllowedDirs {
		c.Paths.AllowedDirs[i] = abs(d)
	}
	c.Log.File = abs(c.Log.File)
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}
	if strings.TrimSpace(c.Paths.Binary) == "" {
		add("paths.binary is required")
	}
	if len(c.Paths.Allowed()) == 0 {
		add("paths.configs_dir or paths.allowed_dirs is required")
	}
	if strings.TrimSpace(c.Paths.LogsDir) == "" {
		add("paths.logs_dir is required")
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		add("store.dsn is required")
	}
	if c.Restart.MaxRestarts <= 0 {
		add("restart.max_restarts must be positive, got %d", c.Restart.MaxRestarts)
	}
	if c.Restart.Window <= 0 {
		add("restart.window must be positive, got %s", c.Restart.Window)
	}
	if c.Restart.Cooldown < 0 {
		add("restart.cooldown must not be negative, got %s", c.Restart.Cooldown)
	}
	if c.Supervisor.Interval <= 0 {
		add("supervisor.interval must be positive, got %s", c.Supervisor.Interval)
	}
	if c.Supervisor.Debounce < 0 {
		add("supervisor.debounce must not be negative, got %s", c.Supervisor.Debounce)
	}
	if c.Rotation.ThresholdMB <= 0 {
		add("rotation.threshold_mb must be positive, got %d", c.Rotation.ThresholdMB)
	}
	if c.Rotation.MaxBackups <= 0 {
		add("rotation.max_backups must be positive, got %d", c.Rotation.MaxBackups)
	}
	if c.Rotation.Schedule != "" {
		if err := supervisor.ValidateSchedule(c.Rotation.Schedule); err != nil {
			add("rotation.schedule: %w", err)
		}
	}
	switch c.Log.Format {
	case "", logger.FormatText, logger.FormatJSON:
	default:
		add("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Server.Enabled && strings.TrimSpace(c.Server.Listen) == "" {
		add("server.listen is required when the server is enabled")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		add("server.base_path must start with /, got %q", c.Server.BasePath)
	}
	if c.Alert.MQTT.Enabled {
		if c.Alert.MQTT.Broker == "" {
			add("alert.mqtt.broker is required when mqtt alerts are enabled")
		}
		if c.Alert.MQTT.QoS < 0 || c.Alert.MQTT.QoS > 2 {
			add("alert.mqtt.qos must be 0, 1 or 2, got %d", c.Alert.MQTT.QoS)
		}
	}
	return errors.Join(problems...)
}

// EnsureDirs creates the configs and logs directories.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.Paths.ConfigsDir, c.Paths.LogsDir} {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}
