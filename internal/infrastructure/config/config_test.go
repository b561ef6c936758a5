package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validJWTSecret meets the 32-character minimum requirement.
const validJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
site:
  id: "test-site"
manager:
  reclaim_workers: 4
  probe_concurrency: 8
  evict_unused: true
  evict_interval: 30s
  rescan_interval: 1m
virtual_bus:
  enabled: true
  compatible: ["widget-a"]
  devices:
    - id: "w1"
      compatible: "widget-a"
      resources:
        - {kind: memory, base: 0x1000, length: 0x1000}
        - {kind: irq, base: 5, length: 1}
database:
  path: "/tmp/test.db"
journal:
  enabled: true
  file: "/tmp/events.cbor"
mqtt:
  enabled: true
  broker:
    host: "localhost"
    port: 1883
  qos: 1
api:
  port: 8090
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Manager.ReclaimWorkers != 4 || cfg.Manager.ProbeConcurrency != 8 {
		t.Errorf("Manager = %+v", cfg.Manager)
	}
	if cfg.Manager.EvictInterval != 30*time.Second || cfg.Manager.RescanInterval != time.Minute {
		t.Errorf("Manager intervals = %v, %v", cfg.Manager.EvictInterval, cfg.Manager.RescanInterval)
	}
	if len(cfg.VirtualBus.Devices) != 1 {
		t.Fatalf("VirtualBus.Devices = %d, want 1", len(cfg.VirtualBus.Devices))
	}
	res := cfg.VirtualBus.Devices[0].Resources
	if len(res) != 2 || res[0].Base != 0x1000 || res[1].Kind != "irq" {
		t.Errorf("Resources = %+v", res)
	}
	if cfg.Journal.File != "/tmp/events.cbor" {
		t.Errorf("Journal.File = %q", cfg.Journal.File)
	}
	if !cfg.MQTT.Enabled {
		t.Error("MQTT.Enabled = false, want true")
	}
	// Defaults survive for keys not in the file.
	if cfg.Manager.EventBuffer != 256 {
		t.Errorf("Manager.EventBuffer = %d, want default 256", cfg.Manager.EventBuffer)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
site:
  id: ""
database:
  path: "/tmp/test.db"
`)
	if _, err := Load(path); err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Security.JWT.Secret = validJWTSecret
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: "site.id"},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database.path"},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: "api.port"},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: "api.port"},
		{name: "missing JWT secret", mutate: func(c *Config) { c.Security.JWT.Secret = "" }, wantErr: "DEVMGR_JWT_SECRET"},
		{name: "JWT secret too short", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, wantErr: "32 characters"},
		{name: "negative workers", mutate: func(c *Config) { c.Manager.ReclaimWorkers = -1 }, wantErr: "reclaim_workers"},
		{
			name: "eviction without interval",
			mutate: func(c *Config) {
				c.Manager.EvictUnused = true
				c.Manager.EvictInterval = 0
			},
			wantErr: "evict_interval",
		},
		{
			name: "duplicate virtual device",
			mutate: func(c *Config) {
				c.VirtualBus.Devices = []VirtualDeviceConfig{
					{ID: "w1", Compatible: "widget-a"},
					{ID: "w1", Compatible: "widget-a"},
				}
			},
			wantErr: "duplicated",
		},
		{
			name: "unknown resource kind",
			mutate: func(c *Config) {
				c.VirtualBus.Devices = []VirtualDeviceConfig{{
					ID: "w1", Compatible: "widget-a",
					Resources: []VirtualResourceConfig{{Kind: "dma", Base: 1, Length: 1}},
				}}
			},
			wantErr: "kind",
		},
		{
			name: "zero length memory",
			mutate: func(c *Config) {
				c.VirtualBus.Devices = []VirtualDeviceConfig{{
					ID: "w1", Compatible: "widget-a",
					Resources: []VirtualResourceConfig{{Kind: "memory", Base: 0x1000}},
				}}
			},
			wantErr: "length",
		},
		{
			name: "disabled bus is not validated",
			mutate: func(c *Config) {
				c.VirtualBus.Enabled = false
				c.VirtualBus.Devices = []VirtualDeviceConfig{{}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
		Security: SecurityConfig{JWT: JWTConfig{AccessTokenTTL: 15}},
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
	if got := cfg.GetAccessTokenTTL(); got != 15*time.Minute {
		t.Errorf("GetAccessTokenTTL() = %v, want 15m", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("DEVMGR_DATABASE_PATH", "/custom/path.db")
	t.Setenv("DEVMGR_JOURNAL_FILE", "/custom/events.cbor")
	t.Setenv("DEVMGR_MANAGER_RECLAIM_WORKERS", "6")
	t.Setenv("DEVMGR_MANAGER_PROBE_CONCURRENCY", "not-a-number")
	t.Setenv("DEVMGR_MQTT_ENABLED", "true")
	t.Setenv("DEVMGR_MQTT_HOST", "mqtt.example.com")
	t.Setenv("DEVMGR_MQTT_USERNAME", "testuser")
	t.Setenv("DEVMGR_MQTT_PASSWORD", "testpass")
	t.Setenv("DEVMGR_API_HOST", "192.168.1.1")
	t.Setenv("DEVMGR_API_PORT", "9000")
	t.Setenv("DEVMGR_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("DEVMGR_JWT_SECRET", "jwt-secret")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.Journal.File != "/custom/events.cbor" {
		t.Errorf("Journal.File = %q", cfg.Journal.File)
	}
	if cfg.Manager.ReclaimWorkers != 6 {
		t.Errorf("Manager.ReclaimWorkers = %d, want 6", cfg.Manager.ReclaimWorkers)
	}
	if cfg.Manager.ProbeConcurrency != 0 {
		t.Errorf("Manager.ProbeConcurrency = %d, want unchanged 0", cfg.Manager.ProbeConcurrency)
	}
	if !cfg.MQTT.Enabled {
		t.Error("MQTT.Enabled = false, want true")
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Auth.Username != "testuser" || cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth = %+v", cfg.MQTT.Auth)
	}
	if cfg.API.Host != "192.168.1.1" || cfg.API.Port != 9000 {
		t.Errorf("API = %s:%d", cfg.API.Host, cfg.API.Port)
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
	if cfg.Security.JWT.Secret != "jwt-secret" {
		t.Errorf("Security.JWT.Secret = %q, want %q", cfg.Security.JWT.Secret, "jwt-secret")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.Enabled {
		t.Error("defaultConfig should not enable MQTT")
	}
	if cfg.API.Port != 8090 {
		t.Errorf("defaultConfig API.Port = %d, want 8090", cfg.API.Port)
	}
	if cfg.Manager.ReclaimWorkers < 1 {
		t.Errorf("defaultConfig Manager.ReclaimWorkers = %d, want >= 1", cfg.Manager.ReclaimWorkers)
	}
}
