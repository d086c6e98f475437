package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names accepted in transport.type.
const (
	TransportMQTT  = "mqtt"
	TransportKafka = "kafka"
)

// Directory backends accepted in directory.type.
const (
	DirectoryHTTP   = "http"
	DirectoryStatic = "static"
)

// Config is the root configuration structure for dispatchd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Directory DirectoryConfig `yaml:"directory"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServiceConfig identifies this dispatchd instance.
type ServiceConfig struct {
	ID          string `yaml:"id"`
	Environment string `yaml:"environment"`
}

// DatabaseConfig contains SQLite archive settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// TransportConfig selects the dispatch channel used to reach devices.
type TransportConfig struct {
	// Type is "mqtt" or "kafka".
	Type string `yaml:"type"`

	// Retry controls how often a failed send is retried before the
	// publish call reports a dispatch error.
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig describes a bounded exponential backoff.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
	Topics    MQTTTopicsConfig    `yaml:"topics"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// MQTTTopicsConfig controls the topic layout devices listen and reply on.
type MQTTTopicsConfig struct {
	// Prefix is the root of every dispatchd topic. Default: "dispatchd".
	Prefix string `yaml:"prefix"`
}

// KafkaConfig contains Kafka transport settings.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	CommandTopic  string   `yaml:"command_topic"`
	ReplyTopic    string   `yaml:"reply_topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// RedisConfig contains settings for the directory membership cache.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DirectoryConfig configures the org→device directory.
type DirectoryConfig struct {
	// Type is "http" (remote directory service) or "static" (YAML file).
	Type string `yaml:"type"`

	// URL is the base URL of the remote directory, e.g. https://directory.example.com.
	URL string `yaml:"url"`

	// StaticFile is the YAML membership file used when Type is "static".
	StaticFile string `yaml:"static_file"`

	// RequestTimeout bounds a single directory HTTP call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// CacheTTL is how long org membership is cached in Redis. Zero disables caching.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	Retry RetryConfig `yaml:"retry"`
}

// DispatchConfig contains engine limits and lifecycle settings.
type DispatchConfig struct {
	// DefaultTimeout applies when a caller does not supply one.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxTimeout is the largest timeout a caller may request.
	MaxTimeout time.Duration `yaml:"max_timeout"`

	// RetentionTTL is how long a request stays queryable after issue.
	// Must exceed MaxTimeout.
	RetentionTTL time.Duration `yaml:"retention_ttl"`

	// SweepInterval is how often expired requests are evicted.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxDevices caps the resolved target set of one publish.
	MaxDevices int `yaml:"max_devices"`

	// PublishWait makes publish wait for results like the results call.
	PublishWait bool `yaml:"publish_wait"`

	// ReplyBuffer is the capacity of the transport reply queue.
	ReplyBuffer int `yaml:"reply_buffer"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
//
// Write must exceed dispatch.max_timeout or long results calls are cut off;
// Validate enforces this. Zero disables the write timeout.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains live result stream settings.
type WebSocketConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DISPATCHD_SECTION_KEY
// For example: DISPATCHD_MQTT_HOST, DISPATCHD_REDIS_ADDR
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:          "dispatchd-001",
			Environment: "dev",
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/dispatchd.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Transport: TransportConfig{
			Type: TransportMQTT,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     2 * time.Second,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "dispatchd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			Topics: MQTTTopicsConfig{
				Prefix: "dispatchd",
			},
		},
		Kafka: KafkaConfig{
			CommandTopic:  "dispatchd.commands",
			ReplyTopic:    "dispatchd.replies",
			ConsumerGroup: "dispatchd",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Directory: DirectoryConfig{
			Type:           DirectoryHTTP,
			RequestTimeout: 10 * time.Second,
			CacheTTL:       5 * time.Minute,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 250 * time.Millisecond,
				MaxInterval:     2 * time.Second,
			},
		},
		Dispatch: DispatchConfig{
			DefaultTimeout: 60 * time.Second,
			MaxTimeout:     15 * time.Minute,
			RetentionTTL:   24 * time.Hour,
			SweepInterval:  time.Minute,
			MaxDevices:     500,
			ReplyBuffer:    1024,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 960,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Enabled:        true,
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DISPATCHD_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DISPATCHD_ENVIRONMENT"); v != "" {
		cfg.Service.Environment = v
	}

	// Database
	if v := os.Getenv("DISPATCHD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Transport
	if v := os.Getenv("DISPATCHD_TRANSPORT"); v != "" {
		cfg.Transport.Type = v
	}

	// MQTT
	if v := os.Getenv("DISPATCHD_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DISPATCHD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DISPATCHD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Kafka
	if v := os.Getenv("DISPATCHD_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}

	// Redis
	if v := os.Getenv("DISPATCHD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DISPATCHD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// Directory
	if v := os.Getenv("DISPATCHD_DIRECTORY_URL"); v != "" {
		cfg.Directory.URL = v
	}

	// Dispatch
	if v := os.Getenv("DISPATCHD_MAX_DEVICES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.MaxDevices = n
		}
	}

	// API
	if v := os.Getenv("DISPATCHD_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("DISPATCHD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the archive is enabled")
	}

	switch c.Transport.Type {
	case TransportMQTT:
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.Topics.Prefix == "" {
			errs = append(errs, "mqtt.topics.prefix is required")
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka.brokers is required for the kafka transport")
		}
		if c.Kafka.CommandTopic == "" || c.Kafka.ReplyTopic == "" {
			errs = append(errs, "kafka.command_topic and kafka.reply_topic are required")
		}
	default:
		errs = append(errs, fmt.Sprintf("transport.type %q must be %q or %q", c.Transport.Type, TransportMQTT, TransportKafka))
	}

	switch c.Directory.Type {
	case DirectoryHTTP:
		if c.Directory.URL == "" {
			errs = append(errs, "directory.url is required for the http directory")
		}
	case DirectoryStatic:
		if c.Directory.StaticFile == "" {
			errs = append(errs, "directory.static_file is required for the static directory")
		}
	default:
		errs = append(errs, fmt.Sprintf("directory.type %q must be %q or %q", c.Directory.Type, DirectoryHTTP, DirectoryStatic))
	}

	if c.Dispatch.DefaultTimeout <= 0 {
		errs = append(errs, "dispatch.default_timeout must be positive")
	}
	if c.Dispatch.MaxTimeout < c.Dispatch.DefaultTimeout {
		errs = append(errs, "dispatch.max_timeout must not be below dispatch.default_timeout")
	}
	if c.Dispatch.RetentionTTL <= c.Dispatch.MaxTimeout {
		errs = append(errs, "dispatch.retention_ttl must exceed dispatch.max_timeout")
	}
	if c.Dispatch.SweepInterval <= 0 {
		errs = append(errs, "dispatch.sweep_interval must be positive")
	}
	if c.Dispatch.MaxDevices < 1 {
		errs = append(errs, "dispatch.max_devices must be at least 1")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	// Zero leaves writes unbounded.
	if c.API.Timeouts.Write > 0 && c.GetWriteTimeout() <= c.Dispatch.MaxTimeout {
		errs = append(errs, fmt.Sprintf("api.timeouts.write (%ds) must exceed dispatch.max_timeout (%s)",
			c.API.Timeouts.Write, c.Dispatch.MaxTimeout))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
