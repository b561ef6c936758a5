package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the device manager daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	Manager    ManagerConfig    `yaml:"manager"`
	VirtualBus VirtualBusConfig `yaml:"virtual_bus"`
	Database   DatabaseConfig   `yaml:"database"`
	Journal    JournalConfig    `yaml:"journal"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
}

// SiteConfig identifies the installation the daemon runs on.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ManagerConfig tunes the device manager's lifecycle controller.
type ManagerConfig struct {
	// ReclaimWorkers is the number of goroutines destroying released nodes.
	ReclaimWorkers int `yaml:"reclaim_workers"`

	// ProbeConcurrency bounds concurrent driver probes. 0 means GOMAXPROCS.
	ProbeConcurrency int `yaml:"probe_concurrency"`

	// EvictUnused enables periodic eviction of drivers with no open references.
	EvictUnused bool `yaml:"evict_unused"`

	// EvictInterval is how often eviction runs when enabled.
	// Default: 5m
	EvictInterval time.Duration `yaml:"evict_interval"`

	// RescanInterval triggers a periodic rescan of every root. 0 disables it.
	RescanInterval time.Duration `yaml:"rescan_interval"`

	// EventBuffer is the number of lifecycle events buffered per slow consumer.
	EventBuffer int `yaml:"event_buffer"`
}

// VirtualBusConfig describes the software bus registered at startup.
type VirtualBusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`

	// Compatible lists the compatible strings the widget driver accepts.
	Compatible []string `yaml:"compatible"`

	Devices []VirtualDeviceConfig `yaml:"devices"`
}

// VirtualDeviceConfig is one device present on the virtual bus.
type VirtualDeviceConfig struct {
	ID         string                  `yaml:"id"`
	Name       string                  `yaml:"name"`
	Compatible string                  `yaml:"compatible"`
	Resources  []VirtualResourceConfig `yaml:"resources"`
}

// VirtualResourceConfig is a resource range a virtual device decodes.
type VirtualResourceConfig struct {
	// Kind is "memory", "io" or "irq".
	Kind   string `yaml:"kind"`
	Space  uint32 `yaml:"space"`
	Base   uint64 `yaml:"base"`
	Length uint64 `yaml:"length"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// JournalConfig controls the lifecycle event journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	// File is an optional CBOR event log written alongside the database journal.
	File string `yaml:"file"`

	// RetentionDays prunes database journal entries older than this. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
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

// APITimeoutConfig contains HTTP timeout settings.
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

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
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

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	Issuer         string `yaml:"issuer"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DEVMGR_SECTION_KEY
// For example: DEVMGR_DATABASE_PATH, DEVMGR_MQTT_HOST
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
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Manager: ManagerConfig{
			ReclaimWorkers: 2,
			EvictInterval:  5 * time.Minute,
			EventBuffer:    256,
		},
		VirtualBus: VirtualBusConfig{
			Enabled:    true,
			Name:       "Virtual Bus",
			Compatible: []string{"widget-a", "widget-b"},
		},
		Database: DatabaseConfig{
			Path:        "./data/devmgr.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Journal: JournalConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "devmgr",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
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
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer:         "devmgr",
				AccessTokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DEVMGR_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Manager
	if v, ok := envInt("DEVMGR_MANAGER_RECLAIM_WORKERS"); ok {
		cfg.Manager.ReclaimWorkers = v
	}
	if v, ok := envInt("DEVMGR_MANAGER_PROBE_CONCURRENCY"); ok {
		cfg.Manager.ProbeConcurrency = v
	}

	// Database
	if v := os.Getenv("DEVMGR_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Journal
	if v := os.Getenv("DEVMGR_JOURNAL_FILE"); v != "" {
		cfg.Journal.File = v
	}

	// MQTT
	if v := os.Getenv("DEVMGR_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DEVMGR_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DEVMGR_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DEVMGR_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("DEVMGR_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v, ok := envInt("DEVMGR_API_PORT"); ok {
		cfg.API.Port = v
	}

	// InfluxDB
	if v := os.Getenv("DEVMGR_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("DEVMGR_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// resourceKinds are the kind names accepted in virtual_bus resources.
var resourceKinds = map[string]struct{}{
	"memory": {}, "mmio": {}, "io": {}, "ioport": {}, "irq": {},
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Manager validation
	if c.Manager.ReclaimWorkers < 0 {
		errs = append(errs, "manager.reclaim_workers must not be negative")
	}
	if c.Manager.ProbeConcurrency < 0 {
		errs = append(errs, "manager.probe_concurrency must not be negative")
	}
	if c.Manager.EvictUnused && c.Manager.EvictInterval <= 0 {
		errs = append(errs, "manager.evict_interval must be positive when evict_unused is set")
	}

	errs = append(errs, c.VirtualBus.validate()...)

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// The admin API can unbind and remove devices; a weak secret lets
	// anyone forge tokens for it.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set DEVMGR_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (v VirtualBusConfig) validate() []string {
	if !v.Enabled {
		return nil
	}
	var errs []string
	seen := make(map[string]struct{}, len(v.Devices))
	for i, d := range v.Devices {
		prefix := fmt.Sprintf("virtual_bus.devices[%d]", i)
		if d.ID == "" {
			errs = append(errs, prefix+".id is required")
		} else if _, dup := seen[d.ID]; dup {
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, d.ID))
		}
		seen[d.ID] = struct{}{}
		if d.Compatible == "" {
			errs = append(errs, prefix+".compatible is required")
		}
		for j, r := range d.Resources {
			if _, ok := resourceKinds[strings.ToLower(r.Kind)]; !ok {
				errs = append(errs, fmt.Sprintf("%s.resources[%d].kind %q is not memory, io or irq", prefix, j, r.Kind))
			}
			if r.Length == 0 && strings.ToLower(r.Kind) != "irq" {
				errs = append(errs, fmt.Sprintf("%s.resources[%d].length must be positive", prefix, j))
			}
		}
	}
	return errs
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

// GetAccessTokenTTL returns the JWT access token lifetime as a Duration.
func (c *Config) GetAccessTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.AccessTokenTTL) * time.Minute
}
