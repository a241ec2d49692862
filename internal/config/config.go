package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TELEMETRY_NATS_URLS
const EnvPrefix = "TELEMETRY"

// Config holds all server settings
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Log      LogConfig      `mapstructure:"log"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Database DatabaseConfig `mapstructure:"database"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Fanout   FanoutConfig   `mapstructure:"fanout"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

type NATSConfig struct {
	URLs            []string      `mapstructure:"urls"`
	MaxReconnects   int           `mapstructure:"max_reconnects"`
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries  int           `mapstructure:"connect_retries"`
	MemoryStorage   bool          `mapstructure:"memory_storage"`
	TelemetryMaxAge time.Duration `mapstructure:"telemetry_max_age"`
	FanoutMaxAge    time.Duration `mapstructure:"fanout_max_age"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RangeConfig is the permitted interval of one metric
type RangeConfig struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

type IngestConfig struct {
	MaxSkew        time.Duration          `mapstructure:"max_skew"`
	RetentionFloor time.Duration          `mapstructure:"retention_floor"`
	Ranges         map[string]RangeConfig `mapstructure:"ranges"`
}

type PipelineConfig struct {
	Durable         string        `mapstructure:"durable"`
	Workers         int           `mapstructure:"workers"`
	ShardQueue      int           `mapstructure:"shard_queue"`
	AckWait         time.Duration `mapstructure:"ack_wait"`
	MaxDeliver      int           `mapstructure:"max_deliver"`
	StageTimeout    time.Duration `mapstructure:"stage_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryInitial    time.Duration `mapstructure:"retry_initial"`
	RetryMax        time.Duration `mapstructure:"retry_max"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier"`
}

type RulesConfig struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	CacheCleanup time.Duration `mapstructure:"cache_cleanup"`
	SeedFile     string        `mapstructure:"seed_file"`
}

type FanoutConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type NotifyConfig struct {
	Workers         int                 `mapstructure:"workers"`
	QueueSize       int                 `mapstructure:"queue_size"`
	DeliveryTimeout time.Duration       `mapstructure:"delivery_timeout"`
	Cooldown        time.Duration       `mapstructure:"cooldown"`
	Template        string              `mapstructure:"template"`
	Channels        map[string][]string `mapstructure:"channels"`
}

type MonitorConfig struct {
	SweepSchedule      string        `mapstructure:"sweep_schedule"`
	IdleAfter          time.Duration `mapstructure:"idle_after"`
	OfflineAfter       time.Duration `mapstructure:"offline_after"`
	RetentionSchedule  string        `mapstructure:"retention_schedule"`
	Retention          time.Duration `mapstructure:"retention"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	AlertWindow        time.Duration `mapstructure:"alert_window"`
	AlertCriticalAfter int           `mapstructure:"alert_critical_after"`
}

type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	QoS      int    `mapstructure:"qos"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	TokenSecret     string        `mapstructure:"token_secret"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "telemetry-hub")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 7)

	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.telemetry_max_age", 24*time.Hour)
	v.SetDefault("nats.fanout_max_age", time.Hour)
	v.SetDefault("nats.memory_storage", false)

	v.SetDefault("database.path", "telemetry.db")

	v.SetDefault("ingest.max_skew", 5*time.Minute)
	v.SetDefault("ingest.retention_floor", 7*24*time.Hour)

	v.SetDefault("pipeline.durable", "telemetry-pipeline")
	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.shard_queue", 64)
	v.SetDefault("pipeline.ack_wait", 30*time.Second)
	v.SetDefault("pipeline.max_deliver", 5)
	v.SetDefault("pipeline.stage_timeout", 5*time.Second)
	v.SetDefault("pipeline.retry_attempts", 5)
	v.SetDefault("pipeline.retry_initial", 100*time.Millisecond)
	v.SetDefault("pipeline.retry_max", 2*time.Second)
	v.SetDefault("pipeline.retry_multiplier", 2.0)

	v.SetDefault("rules.cache_ttl", 5*time.Minute)
	v.SetDefault("rules.cache_cleanup", 10*time.Minute)
	v.SetDefault("rules.seed_file", "")

	v.SetDefault("fanout.queue_size", 64)
	v.SetDefault("fanout.publish_timeout", 2*time.Second)

	v.SetDefault("notify.workers", 2)
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.delivery_timeout", 5*time.Second)
	v.SetDefault("notify.cooldown", 15*time.Minute)
	v.SetDefault("notify.template", "")

	v.SetDefault("monitor.sweep_schedule", "@every 30s")
	v.SetDefault("monitor.idle_after", 5*time.Minute)
	v.SetDefault("monitor.offline_after", 30*time.Minute)
	v.SetDefault("monitor.retention_schedule", "0 0 * * * *")
	v.SetDefault("monitor.retention", 7*24*time.Hour)
	v.SetDefault("monitor.health_interval", 15*time.Second)
	v.SetDefault("monitor.alert_window", time.Minute)
	v.SetDefault("monitor.alert_critical_after", 10)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "telemetry-hub-bridge")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", "+/devices/+/telemetry")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})
	// Registered so the environment override is seen
	v.SetDefault("http.token_secret", "")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
}

// Load reads the config file at path, or config/config.yaml when path is empty,
// then applies TELEMETRY_ environment overrides. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable default
func (c *Config) Validate() error {
	if len(c.NATS.URLs) == 0 {
		return errors.New("config: nats.urls is empty")
	}
	if c.HTTP.TokenSecret == "" {
		return errors.New("config: http.token_secret is required")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("config: pipeline.workers must be positive, got %d", c.Pipeline.Workers)
	}
	if c.Monitor.OfflineAfter <= c.Monitor.IdleAfter {
		return fmt.Errorf("config: monitor.offline_after (%s) must exceed monitor.idle_after (%s)",
			c.Monitor.OfflineAfter, c.Monitor.IdleAfter)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("config: mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("config: mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	for name, r := range c.Ingest.Ranges {
		if r.Min > r.Max {
			return fmt.Errorf("config: ingest range %s has min above max", name)
		}
	}
	return nil
}
