package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the root configuration structure for the device sync service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Sync     SyncConfig     `yaml:"sync"`
	Commands CommandsConfig `yaml:"commands"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig selects and configures the meter store.
type DatabaseConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"` // sqlite file
	DSN         string `yaml:"dsn"`  // postgres connection string
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
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

// MQTTReconnectConfig contains the connect backoff bounds in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// SyncConfig controls device synchronisation and power enforcement.
type SyncConfig struct {
	// BaseTopics are the zigbee2mqtt namespaces to monitor.
	BaseTopics []string `yaml:"base_topics"`

	// IgnoreNames are friendly names never enforced or written (case-insensitive).
	IgnoreNames []string `yaml:"ignore_names"`

	// PowerSecurity enables the unauthorized power-on shutoff.
	PowerSecurity bool `yaml:"power_security"`

	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	HealthInterval  time.Duration `yaml:"health_interval"`

	// RefreshRequestRate is the minimum spacing of event-driven device list
	// requests per namespace; RefreshRequestBurst allows short bursts.
	RefreshRequestRate  time.Duration `yaml:"refresh_request_rate"`
	RefreshRequestBurst int           `yaml:"refresh_request_burst"`
}

// CommandsConfig controls the pending command dispatcher.
type CommandsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`

	// JWTSecret signs operator bearer tokens (HS256). Without it every
	// /api/v1 route answers 401. Supply it through DEVICESYNC_API_JWT_SECRET.
	JWTSecret string `yaml:"jwt_secret"`
}

// minJWTSecretLen is the shortest accepted HS256 secret in bytes.
const minJWTSecretLen = 32

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
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
// Environment variables follow the pattern: DEVICESYNC_SECTION_KEY
// For example: DEVICESYNC_DATABASE_DSN, DEVICESYNC_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:      DriverSQLite,
			Path:        "./data/devicesync.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "mosquitto",
				Port:     1883,
				ClientID: "device-sync",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 5,
				MaxDelay:     60,
			},
		},
		Sync: SyncConfig{
			BaseTopics:          []string{"zigbee2mqtt"},
			IgnoreNames:         []string{"coordinator"},
			PowerSecurity:       true,
			CacheTTL:            5 * time.Second,
			RefreshInterval:     300 * time.Second,
			HealthInterval:      300 * time.Second,
			RefreshRequestRate:  2 * time.Second,
			RefreshRequestBurst: 3,
		},
		Commands: CommandsConfig{
			Enabled:      false,
			PollInterval: time.Second,
			BatchSize:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9100,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DEVICESYNC_SECTION_KEY
// A value that does not parse is an error, never silently skipped.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	envInt := func(key string, set func(int)) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q is not an integer", key, v))
			return
		}
		set(n)
	}

	// Database
	if v := os.Getenv("DEVICESYNC_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DEVICESYNC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("DEVICESYNC_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// MQTT
	if v := os.Getenv("DEVICESYNC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	envInt("DEVICESYNC_MQTT_PORT", func(port int) { cfg.MQTT.Broker.Port = port })
	if v := os.Getenv("DEVICESYNC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DEVICESYNC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Sync
	if v := os.Getenv("DEVICESYNC_BASE_TOPICS"); v != "" {
		cfg.Sync.BaseTopics = splitList(v)
	}
	if v := os.Getenv("DEVICESYNC_IGNORE_NAMES"); v != "" {
		cfg.Sync.IgnoreNames = splitList(v)
	}
	if v := os.Getenv("DEVICESYNC_ENABLE_POWER_SECURITY"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DEVICESYNC_ENABLE_POWER_SECURITY=%q is not a boolean (use true or false)", v))
		} else {
			cfg.Sync.PowerSecurity = enabled
		}
	}
	envInt("DEVICESYNC_CACHE_TTL_SECONDS", func(secs int) {
		cfg.Sync.CacheTTL = time.Duration(secs) * time.Second
	})
	envInt("DEVICESYNC_POLL_REDISCOVER_SEC", func(secs int) {
		cfg.Sync.RefreshInterval = time.Duration(secs) * time.Second
	})

	// InfluxDB
	if v := os.Getenv("DEVICESYNC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// API
	if v := os.Getenv("DEVICESYNC_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("DEVICESYNC_API_JWT_SECRET"); v != "" {
		cfg.API.JWTSecret = v
	}

	// Logging
	if v := os.Getenv("DEVICESYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return errors.Join(errs...)
}

// splitList parses a comma separated list, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the configuration for errors.
// A misconfigured credential is fatal: the service refuses to start.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver (set DEVICESYNC_DATABASE_DSN)")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be %q or %q", c.Database.Driver, DriverSQLite, DriverPostgres))
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Auth.Username != "" && c.MQTT.Auth.Password == "" {
		errs = append(errs, "mqtt.auth.password is required when a username is set (set DEVICESYNC_MQTT_PASSWORD)")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Reconnect.InitialDelay < 1 {
		errs = append(errs, "mqtt.reconnect.initial_delay must be at least 1 second")
	}
	if c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect.max_delay must not be less than initial_delay")
	}

	// Sync validation
	if len(c.Sync.BaseTopics) == 0 {
		errs = append(errs, "sync.base_topics must list at least one namespace")
	}
	for _, base := range c.Sync.BaseTopics {
		if base == "" || strings.ContainsAny(base, "+#") || strings.HasSuffix(base, "/") {
			errs = append(errs, fmt.Sprintf("sync.base_topics entry %q is not a valid topic prefix", base))
		}
	}
	if c.Sync.CacheTTL <= 0 {
		errs = append(errs, "sync.cache_ttl must be positive")
	}
	if c.Sync.RefreshInterval <= 0 {
		errs = append(errs, "sync.refresh_interval must be positive")
	}
	if c.Sync.HealthInterval <= 0 {
		errs = append(errs, "sync.health_interval must be positive")
	}

	// Commands validation
	if c.Commands.Enabled && c.Commands.PollInterval <= 0 {
		errs = append(errs, "commands.poll_interval must be positive")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.JWTSecret != "" && len(c.API.JWTSecret) < minJWTSecretLen {
		errs = append(errs, fmt.Sprintf("api.jwt_secret must be at least %d bytes", minJWTSecretLen))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ReconnectInitialDelay returns the first connect backoff step.
func (c *Config) ReconnectInitialDelay() time.Duration {
	return time.Duration(c.MQTT.Reconnect.InitialDelay) * time.Second
}

// ReconnectMaxDelay returns the connect backoff ceiling.
func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.MQTT.Reconnect.MaxDelay) * time.Second
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
