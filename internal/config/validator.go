package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks every section of cfg.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateNetwork(&cfg.Network, result)
	validatePipeline(&cfg.Pipeline, result)
	validateAPI(&cfg.API, &cfg.Network, result)
	validateMQTT(&cfg.MQTT, result)
	validateDatabase(&cfg.Database, result)
	validateTimers(&cfg.Timers, result)

	return result
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	if n.Host != "" && net.ParseIP(n.Host) == nil && n.Host != "localhost" {
		result.AddWarning("network.host", fmt.Sprintf("%q is not an IP address; it will be resolved at bind time", n.Host))
	}
	validatePort(n.Port, "network.port", result)

	if n.SocketTimeoutSec < 1 {
		result.AddError("network.socket_timeout_sec", "socket timeout must be at least 1 second")
	}
	if n.AckTimeoutMs < 100 {
		result.AddError("network.ack_timeout_ms", "ack timeout must be at least 100 ms")
	}
	if n.HandshakeSettleMs < 0 || n.SendSettleMs < 0 {
		result.AddError("network.settle", "settle delays cannot be negative")
	}
	if n.HandshakeSettleMs > 1000 {
		result.AddWarning("network.handshake_settle_ms", "settle delay above 1s slows every connection")
	}
	if n.DiscoveryPort != 0 {
		validatePort(n.DiscoveryPort, "network.discovery_port", result)
	}
	if n.MaxSendAttempts < 1 {
		result.AddError("network.max_send_attempts", "at least one send attempt is required")
	}

	switch {
	case n.ProcessingTimeoutSec < 0:
		result.AddError("network.processing_timeout_sec", "processing timeout cannot be negative")
	case n.ProcessingTimeoutSec == 0:
		result.AddWarning("network.processing_timeout_sec",
			"processing timeout disabled, a stuck pipeline will hold the device connection forever")
	case n.ProcessingTimeoutSec > n.SocketTimeoutSec*4:
		result.AddWarning("network.processing_timeout_sec",
			"processing timeout far exceeds the socket timeout; devices usually give up first")
	}
}

func validatePipeline(p *PipelineConfig, result *ValidationResult) {
	switch p.Mode {
	case PipelineEcho:
	case PipelineCommand:
		if len(p.Command) == 0 || strings.TrimSpace(p.Command[0]) == "" {
			result.AddError("pipeline.command", "command is required in command mode")
		}
	default:
		result.AddError("pipeline.mode", fmt.Sprintf("unknown mode %q (echo or command)", p.Mode))
	}

	if p.ResponseLimitBytes < 44 {
		result.AddError("pipeline.response_limit_bytes", "response limit must hold at least a WAV header")
	}
	if p.ResponseLimitBytes > 10<<20 {
		result.AddError("pipeline.response_limit_bytes", "response limit exceeds the 10 MiB transfer maximum")
	}
}

func validateAPI(a *APIConfig, n *NetworkConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.Port == n.Port {
		result.AddError("api.port", "API port conflicts with the device port")
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps", "rate limit is disabled (0 RPS)")
	}
	if a.TLS && (a.TLSCertFile == "" || a.TLSKeyFile == "") {
		result.AddError("api.tls", "TLS requires tls_cert_file and tls_key_file")
	}
	if !a.TLS && a.Host != "127.0.0.1" && a.Host != "localhost" && a.Host != "::1" {
		result.AddWarning("api.host", "API is reachable off-host without TLS or authentication")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if strings.TrimSpace(m.TopicPrefix) == "" {
		result.AddError("mqtt.topic_prefix", "topic prefix is required")
	}
	if m.UseTLS && (m.CertFile == "") != (m.KeyFile == "") {
		result.AddError("mqtt.cert_file", "client certificate and key must be set together")
	}
	for field, path := range map[string]string{"mqtt.ca_file": m.CAFile, "mqtt.cert_file": m.CertFile, "mqtt.key_file": m.KeyFile} {
		if path != "" {
			if _, err := os.Stat(path); err != nil {
				result.AddWarning(field, fmt.Sprintf("file not readable: %s", path))
			}
		}
	}
}

func validateDatabase(d *DatabaseConfig, result *ValidationResult) {
	if strings.TrimSpace(d.Path) == "" {
		result.AddError("database.path", "database path is required")
	} else if dir := filepath.Dir(d.Path); dir != "." {
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			result.AddError("database.path", fmt.Sprintf("%s is not a directory", dir))
		}
	}
	if d.RetentionDays < 1 {
		result.AddWarning("database.retention_days", "session history will never be pruned")
	}
}

func validateTimers(t *TimerConfig, result *ValidationResult) {
	if t.HeartbeatIntervalSec < 10 {
		result.AddWarning("timers.heartbeat_interval_sec",
			"heartbeat interval less than 10s may cause excessive traffic")
	}
	if t.HealthCheckIntervalSec < 5 {
		result.AddWarning("timers.health_check_interval_sec",
			"health check interval less than 5s may cause excessive load")
	}
	if t.HistoryPruneIntervalSec < 60 {
		result.AddWarning("timers.history_prune_interval_sec",
			"pruning more than once a minute is wasteful")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a TCP port on host can be bound.
func IsPortAvailable(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
