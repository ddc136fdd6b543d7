package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"anomaly-monitor/internal/detector"

	"github.com/spf13/viper"
)

const envPrefix = "MONITOR"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Detection DetectionConfig `mapstructure:"detection"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type RedisConfig struct {
	Addr             string `mapstructure:"addr"`
	Password         string `mapstructure:"password"`
	DB               int    `mapstructure:"db"`
	PoolSize         int    `mapstructure:"pool_size"`
	MinIdleConns     int    `mapstructure:"min_idle_conns"`
	MaxRetries       int    `mapstructure:"max_retries"`
	TelemetryHistory int    `mapstructure:"telemetry_history"`
}

type StoreConfig struct {
	// Backend is "redis" or "memory".
	Backend string `mapstructure:"backend"`
}

type TelemetryConfig struct {
	// Source is "http" (ingest endpoint) or "nats" (JetStream consumer).
	Source    string     `mapstructure:"source"`
	QueueSize int        `mapstructure:"queue_size"`
	NATS      NATSConfig `mapstructure:"nats"`
}

type NATSConfig struct {
	URL          string `mapstructure:"url"`
	Stream       string `mapstructure:"stream"`
	Consumer     string `mapstructure:"consumer"`
	Subject      string `mapstructure:"subject"`
	CreateStream bool   `mapstructure:"create_stream"`
}

type DetectionConfig struct {
	Thresholds  detector.Thresholds            `mapstructure:"thresholds"`
	DeviceTypes map[string]detector.Thresholds `mapstructure:"device_types"`
}

// Policy builds the detector policy. Per-type entries start from the
// default thresholds, so an override only needs the fields it changes.
func (d DetectionConfig) Policy() detector.Policy {
	return detector.NewPolicy(d.Thresholds, d.DeviceTypes)
}

type AlertingConfig struct {
	Console        bool          `mapstructure:"console"`
	WebSocket      bool          `mapstructure:"websocket"`
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.IdleTimeout = 30 * time.Second

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 100
	cfg.Redis.MinIdleConns = 10
	cfg.Redis.MaxRetries = 3
	cfg.Redis.TelemetryHistory = 1000

	cfg.Store.Backend = "redis"

	cfg.Telemetry.Source = "http"
	cfg.Telemetry.QueueSize = 10000
	cfg.Telemetry.NATS.URL = "nats://localhost:4222"
	cfg.Telemetry.NATS.Stream = "DEVICE_DATA"
	cfg.Telemetry.NATS.Consumer = "anomaly-monitor"
	cfg.Telemetry.NATS.Subject = "devices.data"

	cfg.Detection.Thresholds = detector.DefaultThresholds()

	cfg.Alerting.Console = true
	cfg.Alerting.WebSocket = true
	cfg.Alerting.WebhookTimeout = 5 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	return cfg
}

// Load reads configuration from path (optional; empty or missing means
// defaults) and MONITOR_* environment variables. REDIS_ADDR and PORT are
// honoured as well.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	_ = v.BindEnv("redis.addr", envPrefix+"_REDIS_ADDR", "REDIS_ADDR")
	_ = v.BindEnv("server.port", envPrefix+"_SERVER_PORT", "PORT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.fillDeviceTypeOverrides(v)

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", d.Redis.MinIdleConns)
	v.SetDefault("redis.max_retries", d.Redis.MaxRetries)
	v.SetDefault("redis.telemetry_history", d.Redis.TelemetryHistory)

	v.SetDefault("store.backend", d.Store.Backend)

	v.SetDefault("telemetry.source", d.Telemetry.Source)
	v.SetDefault("telemetry.queue_size", d.Telemetry.QueueSize)
	v.SetDefault("telemetry.nats.url", d.Telemetry.NATS.URL)
	v.SetDefault("telemetry.nats.stream", d.Telemetry.NATS.Stream)
	v.SetDefault("telemetry.nats.consumer", d.Telemetry.NATS.Consumer)
	v.SetDefault("telemetry.nats.subject", d.Telemetry.NATS.Subject)
	v.SetDefault("telemetry.nats.create_stream", d.Telemetry.NATS.CreateStream)

	v.SetDefault("detection.thresholds.temperature_max", d.Detection.Thresholds.TemperatureMax)
	v.SetDefault("detection.thresholds.battery_min", d.Detection.Thresholds.BatteryMin)
	v.SetDefault("detection.thresholds.network_traffic_max", d.Detection.Thresholds.NetworkTrafficMax)
	v.SetDefault("detection.thresholds.restricted_device_type", d.Detection.Thresholds.RestrictedDeviceType)

	v.SetDefault("alerting.console", d.Alerting.Console)
	v.SetDefault("alerting.websocket", d.Alerting.WebSocket)
	v.SetDefault("alerting.webhook_url", d.Alerting.WebhookURL)
	v.SetDefault("alerting.webhook_timeout", d.Alerting.WebhookTimeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)
}

// fillDeviceTypeOverrides re-decodes each device type override on top of the
// default thresholds so unspecified fields inherit instead of becoming zero.
func (c *Config) fillDeviceTypeOverrides(v *viper.Viper) {
	for name := range c.Detection.DeviceTypes {
		t := c.Detection.Thresholds
		if sub := v.Sub("detection.device_types." + name); sub != nil {
			_ = sub.Unmarshal(&t)
		}
		c.Detection.DeviceTypes[name] = t
	}
}

// Validate returns every problem found rather than stopping at the first.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch c.Store.Backend {
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be redis or memory", c.Store.Backend))
	}

	switch c.Telemetry.Source {
	case "http":
		if c.Telemetry.QueueSize <= 0 {
			errs = append(errs, errors.New("telemetry.queue_size must be positive"))
		}
	case "nats":
		if c.Telemetry.NATS.URL == "" || c.Telemetry.NATS.Stream == "" || c.Telemetry.NATS.Consumer == "" {
			errs = append(errs, errors.New("telemetry.nats url, stream and consumer are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("telemetry.source %q must be http or nats", c.Telemetry.Source))
	}

	if c.Detection.Thresholds.RestrictedDeviceType == "" {
		errs = append(errs, errors.New("detection.thresholds.restricted_device_type is required"))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}

	return errs
}
