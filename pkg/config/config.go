// Package config handles configuration loading and validation for both
// the coordinator and agent processes.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default config file locations, checked in order when no explicit path
// is given.
var configPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./blearbiter.yaml",
	"~/.config/blearbiter/config.yaml",
	"/etc/blearbiter/config.yaml",
}

// CoordinatorConfig is the coordinator process's full configuration
// surface, plus the ambient sections a production deployment needs.
type CoordinatorConfig struct {
	Auth        AuthConfig        `yaml:"auth" json:"auth"`
	AgentServer AgentServerConfig `yaml:"agentServer" json:"agentServer"`
	BLE         BLEConfig         `yaml:"ble" json:"ble"`
	Pool        PoolConfig        `yaml:"pool" json:"pool"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Audit       AuditConfig       `yaml:"audit" json:"audit"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
	Election    ElectionConfig    `yaml:"election" json:"election"`
	Admin       AdminConfig       `yaml:"admin" json:"admin"`
}

// AgentConfig is the forwarder agent process's configuration surface.
type AgentConfig struct {
	ServerURL string        `yaml:"serverUrl" json:"serverUrl" validate:"required"`
	Token     string        `yaml:"token" json:"token"`
	NodeID    string        `yaml:"nodeId" json:"nodeId"`
	BLE       BLEConfig     `yaml:"ble" json:"ble"`
	Logging   LoggingConfig `yaml:"logging" json:"logging"`
}

// AuthConfig controls agent-channel bearer authentication.
type AuthConfig struct {
	Token     string `yaml:"token" json:"token"`
	JWTSecret string `yaml:"jwtSecret" json:"jwtSecret"`
}

// AgentServerConfig controls the agent-facing WebSocket server.
type AgentServerConfig struct {
	BindAddr         string        `yaml:"bindAddr" json:"bindAddr" validate:"required"`
	Path             string        `yaml:"path" json:"path"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout" json:"handshakeTimeout"`
}

// BLEConfig holds device-selection and connection parameters.
type BLEConfig struct {
	DeviceAddress        string        `yaml:"deviceAddress" json:"deviceAddress"`
	AddressType          string        `yaml:"addressType" json:"addressType" validate:"omitempty,oneof=public random"`
	HCIInterfaceIndex    int           `yaml:"hciInterfaceIndex" json:"hciInterfaceIndex" validate:"gte=0"`
	DeviceNamePatterns   []string      `yaml:"deviceNamePatterns" json:"deviceNamePatterns"`
	ScanDuration         time.Duration `yaml:"scanDuration" json:"scanDuration"`
	ReconnectDelay       time.Duration `yaml:"reconnectDelay" json:"reconnectDelay"`
	BatteryCheckInterval time.Duration `yaml:"batteryCheckInterval" json:"batteryCheckInterval"`
	ScanOnStart          bool          `yaml:"scanOnStart" json:"scanOnStart"`
}

// PoolConfig controls node pool timing.
type PoolConfig struct {
	PingInterval   time.Duration `yaml:"pingInterval" json:"pingInterval"`
	StaleTimeout   time.Duration `yaml:"staleTimeout" json:"staleTimeout"`
	HandoffTimeout time.Duration `yaml:"handoffTimeout" json:"handoffTimeout"`
}

// LoggingConfig mirrors the logger package's Config surface.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=text json"`
	Output string `yaml:"output" json:"output" validate:"omitempty,oneof=stdout file"`
	File   string `yaml:"file" json:"file"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// AuditConfig controls the write-only command audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// TelemetryConfig controls optional MQTT pool-snapshot egress.
type TelemetryConfig struct {
	MQTT MQTTConfig `yaml:"mqtt" json:"mqtt"`
}

// MQTTConfig holds MQTT publisher settings.
type MQTTConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Broker   string        `yaml:"broker" json:"broker"`
	Topic    string        `yaml:"topic" json:"topic"`
	QoS      byte          `yaml:"qos" json:"qos" validate:"lte=2"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// ElectionConfig controls the optional scripted election scorer.
type ElectionConfig struct {
	ScriptPath string `yaml:"scriptPath" json:"scriptPath"`
}

// AdminConfig controls the read-only status/health HTTP surface.
type AdminConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	HTTPAddr string `yaml:"httpAddr" json:"httpAddr"`
}

// DefaultCoordinatorConfig returns the coordinator's default settings.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		AgentServer: AgentServerConfig{
			BindAddr:         ":8090",
			Path:             "/agent",
			HandshakeTimeout: 5 * time.Second,
		},
		BLE: BLEConfig{
			AddressType:          "public",
			ScanDuration:         10 * time.Second,
			ReconnectDelay:       5 * time.Second,
			BatteryCheckInterval: 30 * time.Minute,
			ScanOnStart:          true,
		},
		Pool: PoolConfig{
			PingInterval:   30 * time.Second,
			StaleTimeout:   60 * time.Second,
			HandoffTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9090"},
		Admin:   AdminConfig{Enabled: false, HTTPAddr: ":8091"},
	}
}

// DefaultAgentConfig returns the agent's default settings.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		BLE: BLEConfig{
			AddressType:          "public",
			ScanDuration:         10 * time.Second,
			ReconnectDelay:       5 * time.Second,
			BatteryCheckInterval: 30 * time.Minute,
			ScanOnStart:          true,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

// LoadCoordinator loads and validates coordinator configuration. An
// empty path searches the default locations, falling back to defaults
// if none exist.
func LoadCoordinator(path string) (*CoordinatorConfig, error) {
	cfg := DefaultCoordinatorConfig()
	found, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if found == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(found)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAgent loads and validates agent configuration from an explicit
// path; unlike the coordinator, an agent's server URL is always
// mandatory, so no path search happens here.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolvePath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	}

	for _, p := range configPaths {
		if len(p) > 0 && p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[1:])
			}
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}
