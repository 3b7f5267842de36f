package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: "test-site"
receiver:
  id: "living-room"
  address: "192.168.1.20"
  poll_interval_ms: 20
  poll_attempts: 25
  max_volume: 60
database:
  path: "/tmp/test.db"
mqtt:
  enabled: true
  broker:
    host: "mqtt.local"
    port: 1883
  qos: 1
api:
  port: 9090
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Receiver.Address != "192.168.1.20" {
		t.Errorf("Receiver.Address = %q, want %q", cfg.Receiver.Address, "192.168.1.20")
	}
	if cfg.Receiver.GetPollInterval() != 20*time.Millisecond {
		t.Errorf("GetPollInterval() = %v, want 20ms", cfg.Receiver.GetPollInterval())
	}
	if cfg.Receiver.PollAttempts != 25 {
		t.Errorf("Receiver.PollAttempts = %d, want 25", cfg.Receiver.PollAttempts)
	}
	if cfg.Receiver.MaxVolume != 60 {
		t.Errorf("Receiver.MaxVolume = %d, want 60", cfg.Receiver.MaxVolume)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
	// Unset values keep their defaults.
	if cfg.Receiver.Reconnect.FailureThreshold != 5 {
		t.Errorf("Reconnect.FailureThreshold = %d, want default 5", cfg.Receiver.Reconnect.FailureThreshold)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	_, err := Load(writeConfig(t, `
site:
  id: "home"
receiver:
  address: ""
`))
	if err == nil {
		t.Error("Load() expected validation error for empty receiver.address, got nil")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("DENON_RECEIVER_ADDRESS", "10.0.0.5:2323")

	cfg, err := Load(writeConfig(t, `
receiver:
  address: "192.168.1.20"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Receiver.Address != "10.0.0.5:2323" {
		t.Errorf("Receiver.Address = %q, want env override", cfg.Receiver.Address)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Receiver.Address = "192.168.1.20"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: true},
		{name: "missing receiver address", mutate: func(c *Config) { c.Receiver.Address = "" }, wantErr: true},
		{name: "receiver id with slash", mutate: func(c *Config) { c.Receiver.ID = "a/b" }, wantErr: true},
		{name: "receiver id with wildcard", mutate: func(c *Config) { c.Receiver.ID = "a#" }, wantErr: true},
		{name: "negative poll attempts", mutate: func(c *Config) { c.Receiver.PollAttempts = -1 }, wantErr: true},
		{name: "history without database", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "no database when history disabled", mutate: func(c *Config) {
			c.Database.Path = ""
			c.History.Enabled = false
		}},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: true},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: true},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: true},
		{name: "port ignored when API disabled", mutate: func(c *Config) {
			c.API.Port = 0
			c.API.Enabled = false
		}},
		{name: "influx without url", mutate: func(c *Config) {
			c.InfluxDB.Enabled = true
			c.InfluxDB.Bucket = "b"
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{Read: 30, Write: 45, Idle: 60},
		},
		Receiver: ReceiverConfig{ConnectTimeout: 3, ReadTimeout: 0, RetryDelay: 250, HealthInterval: 15},
		History:  HistoryConfig{RetentionDays: 2},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
	if got := cfg.Receiver.GetConnectTimeout(); got != 3*time.Second {
		t.Errorf("GetConnectTimeout() = %v, want 3s", got)
	}
	if got := cfg.Receiver.GetReadTimeout(); got != 0 {
		t.Errorf("Receiver.GetReadTimeout() = %v, want 0", got)
	}
	if got := cfg.Receiver.GetRetryDelay(); got != 250*time.Millisecond {
		t.Errorf("GetRetryDelay() = %v, want 250ms", got)
	}
	if got := cfg.Receiver.GetHealthInterval(); got != 15*time.Second {
		t.Errorf("GetHealthInterval() = %v, want 15s", got)
	}
	if got := cfg.History.GetRetention(); got != 48*time.Hour {
		t.Errorf("GetRetention() = %v, want 48h", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()

	t.Setenv("DENON_RECEIVER_ADDRESS", "receiver.local")
	t.Setenv("DENON_RECEIVER_ID", "den")
	t.Setenv("DENON_RECEIVER_MAX_VOLUME", "70")
	t.Setenv("DENON_DATABASE_PATH", "/custom/path.db")
	t.Setenv("DENON_MQTT_HOST", "mqtt.example.com")
	t.Setenv("DENON_MQTT_USERNAME", "testuser")
	t.Setenv("DENON_MQTT_PASSWORD", "testpass")
	t.Setenv("DENON_API_HOST", "192.168.1.1")
	t.Setenv("DENON_API_PORT", "9999")
	t.Setenv("DENON_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("DENON_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	if cfg.Receiver.Address != "receiver.local" {
		t.Errorf("Receiver.Address = %q, want %q", cfg.Receiver.Address, "receiver.local")
	}
	if cfg.Receiver.ID != "den" {
		t.Errorf("Receiver.ID = %q, want %q", cfg.Receiver.ID, "den")
	}
	if cfg.Receiver.MaxVolume != 70 {
		t.Errorf("Receiver.MaxVolume = %d, want 70", cfg.Receiver.MaxVolume)
	}
	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Auth.Username != "testuser" || cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth = %+v", cfg.MQTT.Auth)
	}
	if cfg.API.Host != "192.168.1.1" || cfg.API.Port != 9999 {
		t.Errorf("API = %s:%d", cfg.API.Host, cfg.API.Port)
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestApplyEnvOverrides_IgnoresMalformedNumbers(t *testing.T) {
	cfg := Default()
	t.Setenv("DENON_API_PORT", "not-a-port")
	t.Setenv("DENON_RECEIVER_MAX_VOLUME", "-3")

	applyEnvOverrides(cfg)

	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want default 8080", cfg.API.Port)
	}
	if cfg.Receiver.MaxVolume != 50 {
		t.Errorf("Receiver.MaxVolume = %d, want default 50", cfg.Receiver.MaxVolume)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Receiver.PollInterval != 10 || cfg.Receiver.PollAttempts != 50 {
		t.Errorf("poll budget = %dms x %d, want 10ms x 50", cfg.Receiver.PollInterval, cfg.Receiver.PollAttempts)
	}
	if cfg.Receiver.MaxVolume != 50 {
		t.Errorf("Receiver.MaxVolume = %d, want 50", cfg.Receiver.MaxVolume)
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want 8080", cfg.API.Port)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("DENON_RECEIVER_ADDRESS", "avr.lan:2323")
	t.Setenv("DENON_RECEIVER_MAX_VOLUME", "70")

	cfg := FromEnv()
	if cfg.Receiver.Address != "avr.lan:2323" {
		t.Errorf("Receiver.Address = %q, want avr.lan:2323", cfg.Receiver.Address)
	}
	if cfg.Receiver.MaxVolume != 70 {
		t.Errorf("Receiver.MaxVolume = %d, want 70", cfg.Receiver.MaxVolume)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want default 8080", cfg.API.Port)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("DENON_TEST_FROM_FILE=yes\n"), 0600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("DENON_TEST_FROM_FILE") })

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile() error = %v", err)
	}
	if got := os.Getenv("DENON_TEST_FROM_FILE"); got != "yes" {
		t.Errorf("DENON_TEST_FROM_FILE = %q, want yes", got)
	}
}

func TestLoadEnvFile_Missing(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("LoadEnvFile() error = %v, want nil for missing file", err)
	}
	if err := LoadEnvFile(""); err != nil {
		t.Errorf("LoadEnvFile(\"\") error = %v", err)
	}
}
