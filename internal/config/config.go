// Package config manages the satlink configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultDevicePort = 5000
	DefaultAPIPort    = 8080
)

// Pipeline modes.
const (
	PipelineEcho    = "echo"
	PipelineCommand = "command"
)

// Config is the root configuration. Sections are read and replaced through
// the accessor methods, which hold the lock.
type Config struct {
	mu   sync.RWMutex
	path string

	Network  NetworkConfig  `json:"network"`
	Pipeline PipelineConfig `json:"pipeline"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Database DatabaseConfig `json:"database"`
	Timers   TimerConfig    `json:"timers"`
	Logging  LoggingConfig  `json:"logging"`
}

// NetworkConfig configures the device listener and transfer timings.
type NetworkConfig struct {
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	SocketTimeoutSec     int    `json:"socket_timeout_sec"`
	AckTimeoutMs         int    `json:"ack_timeout_ms"`
	HandshakeSettleMs    int    `json:"handshake_settle_ms"`
	SendSettleMs         int    `json:"send_settle_ms"`
	MaxSendAttempts      int    `json:"max_send_attempts"`
	ProcessingTimeoutSec int    `json:"processing_timeout_sec"`
	EchoOnFailure        bool   `json:"echo_on_failure"`
	// DiscoveryPort is the UDP port answering device discovery probes; 0
	// disables discovery.
	DiscoveryPort int `json:"discovery_port"`
}

// ListenAddr returns host:port for the device listener.
func (n NetworkConfig) ListenAddr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// SocketTimeout returns the per-operation socket timeout.
func (n NetworkConfig) SocketTimeout() time.Duration {
	return time.Duration(n.SocketTimeoutSec) * time.Second
}

// AckTimeout returns how long a sent chunk waits for its reply.
func (n NetworkConfig) AckTimeout() time.Duration {
	return time.Duration(n.AckTimeoutMs) * time.Millisecond
}

// HandshakeSettle returns the delay around the handshake ACK.
func (n NetworkConfig) HandshakeSettle() time.Duration {
	return time.Duration(n.HandshakeSettleMs) * time.Millisecond
}

// SendSettle returns the delay before the first response chunk.
func (n NetworkConfig) SendSettle() time.Duration {
	return time.Duration(n.SendSettleMs) * time.Millisecond
}

// ProcessingTimeout returns the pipeline deadline; zero means none.
func (n NetworkConfig) ProcessingTimeout() time.Duration {
	return time.Duration(n.ProcessingTimeoutSec) * time.Second
}

// PipelineConfig selects what produces the response audio.
type PipelineConfig struct {
	Mode               string   `json:"mode"`
	Command            []string `json:"command"`
	ResponseLimitBytes int      `json:"response_limit_bytes"`
	InspectInput       bool     `json:"inspect_input"`
}

// APIConfig configures the HTTP status API.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	// TLS serves HTTPS. Missing cert/key files are replaced with a
	// generated self-signed pair.
	TLS         bool   `json:"tls"`
	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`
}

// ListenAddr returns host:port for the API server.
func (a APIConfig) ListenAddr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// MQTTConfig configures telemetry publishing.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
}

// DatabaseConfig configures the session history store.
type DatabaseConfig struct {
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// TimerConfig holds the periodic task intervals.
type TimerConfig struct {
	HeartbeatIntervalSec    int `json:"heartbeat_interval_sec"`
	HealthCheckIntervalSec  int `json:"health_check_interval_sec"`
	HistoryPruneIntervalSec int `json:"history_prune_interval_sec"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns the configuration used for a fresh install.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			Host:                 "0.0.0.0",
			Port:                 DefaultDevicePort,
			SocketTimeoutSec:     30,
			AckTimeoutMs:         2000,
			HandshakeSettleMs:    50,
			SendSettleMs:         100,
			MaxSendAttempts:      5,
			ProcessingTimeoutSec: 30,
			DiscoveryPort:        DefaultDevicePort + 1,
		},
		Pipeline: PipelineConfig{
			Mode:               PipelineEcho,
			ResponseLimitBytes: 960000,
			InspectInput:       true,
		},
		API: APIConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"http://localhost:3000"},
			RateLimitRPS:   20,
			TLSCertFile:    "config/api.crt",
			TLSKeyFile:     "config/api.key",
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        1883,
			TopicPrefix: "satlink",
		},
		Database: DatabaseConfig{
			Path:          "data/satlink.db",
			RetentionDays: 30,
		},
		Timers: TimerConfig{
			HeartbeatIntervalSec:    60,
			HealthCheckIntervalSec:  30,
			HistoryPruneIntervalSec: 3600,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 7,
			Console:    true,
		},
	}
}

// Load reads config.json from configDir, overlaying it on the defaults. A
// missing file is created with defaults. The merged result is written back so
// new keys appear in existing files.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the configuration to its file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNetwork returns a copy of the network section.
func (c *Config) GetNetwork() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// GetPipeline returns a copy of the pipeline section.
func (c *Config) GetPipeline() PipelineConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.Pipeline
	p.Command = append([]string(nil), c.Pipeline.Command...)
	return p
}

// GetAPI returns a copy of the API section.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a := c.API
	a.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	return a
}

// GetMQTT returns a copy of the MQTT section.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetDatabase returns a copy of the database section.
func (c *Config) GetDatabase() DatabaseConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database
}

// GetTimers returns a copy of the timer section.
func (c *Config) GetTimers() TimerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timers
}

// GetLogging returns a copy of the logging section.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// UpdateField sets one key inside a section, e.g. ("network",
// "echo_on_failure", true), going through the JSON tags so the value is
// type-checked by the decoder.
func (c *Config) UpdateField(section, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var target interface{}
	switch section {
	case "network":
		target = &c.Network
	case "pipeline":
		target = &c.Pipeline
	case "api":
		target = &c.API
	case "mqtt":
		target = &c.MQTT
	case "database":
		target = &c.Database
	case "timers":
		target = &c.Timers
	case "logging":
		target = &c.Logging
	default:
		return fmt.Errorf("unknown config section %q", section)
	}

	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to encode section %s: %w", section, err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode section %s: %w", section, err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown key %s.%s", section, key)
	}
	m[key] = value

	updated, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}
	if err := json.Unmarshal(updated, target); err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}
	return nil
}

// Clone returns a deep copy of c with the same file path.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	data, err := json.Marshal(c)
	path := c.path
	c.mu.RUnlock()

	clone := DefaultConfig()
	if err == nil {
		_ = json.Unmarshal(data, clone)
	}
	clone.path = path
	return clone
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
