package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the receiver daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Receiver  ReceiverConfig  `yaml:"receiver"`
	Database  DatabaseConfig  `yaml:"database"`
	History   HistoryConfig   `yaml:"history"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SiteConfig contains installation identity.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ReceiverConfig contains AV receiver connection settings.
type ReceiverConfig struct {
	// ID names the receiver in MQTT topics, history rows and metrics.
	ID string `yaml:"id"`

	// Address is "host" or "host:port" (port defaults to 23).
	Address string `yaml:"address"`

	// ConnectTimeout bounds the TCP dial (seconds).
	ConnectTimeout int `yaml:"connect_timeout"`

	// ReadTimeout arms a read deadline (seconds). 0 disables it.
	ReadTimeout int `yaml:"read_timeout"`

	// PollInterval is the pause between cache checks after a query (milliseconds).
	PollInterval int `yaml:"poll_interval_ms"`

	// PollAttempts bounds how often a query waits for its answer.
	PollAttempts int `yaml:"poll_attempts"`

	// RetryDelay is the pause after an empty read (milliseconds).
	RetryDelay int `yaml:"retry_delay_ms"`

	// MaxVolume caps main volume commands. 0 disables the cap.
	MaxVolume uint32 `yaml:"max_volume"`

	// HealthInterval is how often bridge health is published (seconds).
	HealthInterval int `yaml:"health_interval"`

	Reconnect ReceiverReconnectConfig `yaml:"reconnect"`
}

// ReceiverReconnectConfig contains the reconnect policy.
type ReceiverReconnectConfig struct {
	InitialDelay     int    `yaml:"initial_delay"`     // seconds
	MaxDelay         int    `yaml:"max_delay"`         // seconds
	FailureThreshold uint32 `yaml:"failure_threshold"` // consecutive dial failures before the breaker opens
	BreakerTimeout   int    `yaml:"breaker_timeout"`   // seconds
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HistoryConfig contains state history retention settings.
type HistoryConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
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
// Environment variables follow the pattern: DENON_SECTION_KEY
// For example: DENON_RECEIVER_ADDRESS, DENON_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

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

// Default returns a Config with sensible defaults.
// Environment overrides are not applied.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "home",
			Name: "Home",
		},
		Receiver: ReceiverConfig{
			ID:             "receiver",
			ConnectTimeout: 10,
			PollInterval:   10,
			PollAttempts:   50,
			RetryDelay:     100,
			MaxVolume:      50,
			HealthInterval: 30,
			Reconnect: ReceiverReconnectConfig{
				InitialDelay:     5,
				MaxDelay:         120,
				FailureThreshold: 5,
				BreakerTimeout:   60,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/denon.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "denon-control",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// FromEnv returns Default with environment overrides applied, for tools
// that run without a config file.
func FromEnv() *Config {
	cfg := Default()
	applyEnvOverrides(cfg)
	return cfg
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DENON_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Receiver
	if v := os.Getenv("DENON_RECEIVER_ADDRESS"); v != "" {
		cfg.Receiver.Address = v
	}
	if v := os.Getenv("DENON_RECEIVER_ID"); v != "" {
		cfg.Receiver.ID = v
	}
	if v := os.Getenv("DENON_RECEIVER_MAX_VOLUME"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Receiver.MaxVolume = uint32(n)
		}
	}

	// Database
	if v := os.Getenv("DENON_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("DENON_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DENON_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DENON_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("DENON_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("DENON_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = n
		}
	}

	// InfluxDB
	if v := os.Getenv("DENON_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("DENON_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Receiver validation
	if c.Receiver.Address == "" {
		errs = append(errs, "receiver.address is required (set DENON_RECEIVER_ADDRESS environment variable)")
	}
	if c.Receiver.ID == "" || strings.ContainsAny(c.Receiver.ID, "/+#") {
		errs = append(errs, "receiver.id is required and must not contain MQTT wildcards or slashes")
	}
	if c.Receiver.PollAttempts < 0 || c.Receiver.PollInterval < 0 {
		errs = append(errs, "receiver.poll_interval_ms and receiver.poll_attempts must not be negative")
	}

	// Database validation
	if c.History.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when history is enabled")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
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

// GetConnectTimeout returns the receiver dial timeout.
func (r ReceiverConfig) GetConnectTimeout() time.Duration {
	return time.Duration(r.ConnectTimeout) * time.Second
}

// GetReadTimeout returns the receiver read deadline, zero when disabled.
func (r ReceiverConfig) GetReadTimeout() time.Duration {
	return time.Duration(r.ReadTimeout) * time.Second
}

// GetPollInterval returns the pause between cache checks.
func (r ReceiverConfig) GetPollInterval() time.Duration {
	return time.Duration(r.PollInterval) * time.Millisecond
}

// GetRetryDelay returns the pause after an empty read.
func (r ReceiverConfig) GetRetryDelay() time.Duration {
	return time.Duration(r.RetryDelay) * time.Millisecond
}

// GetHealthInterval returns the health publish interval.
func (r ReceiverConfig) GetHealthInterval() time.Duration {
	return time.Duration(r.HealthInterval) * time.Second
}

// GetRetention returns the history retention period.
func (h HistoryConfig) GetRetention() time.Duration {
	return time.Duration(h.RetentionDays) * 24 * time.Hour
}
