package config

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "config")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, DefaultConfigFile), cfg.Path())
	assert.FileExists(t, cfg.Path())

	n := cfg.GetNetwork()
	assert.Equal(t, DefaultDevicePort, n.Port)
	assert.Equal(t, 30*time.Second, n.SocketTimeout())
	assert.Equal(t, 2*time.Second, n.AckTimeout())
	assert.Equal(t, 50*time.Millisecond, n.HandshakeSettle())
	assert.Equal(t, 100*time.Millisecond, n.SendSettle())
	assert.Equal(t, 30*time.Second, n.ProcessingTimeout())
	assert.Equal(t, "0.0.0.0:5000", n.ListenAddr())
	assert.Equal(t, 960000, cfg.GetPipeline().ResponseLimitBytes)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	partial := `{"network": {"port": 6000, "echo_on_failure": true}, "mqtt": {"enabled": true}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(partial), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	n := cfg.GetNetwork()
	assert.Equal(t, 6000, n.Port)
	assert.True(t, n.EchoOnFailure)
	assert.Equal(t, 30, n.SocketTimeoutSec, "unset keys keep defaults")
	assert.True(t, cfg.GetMQTT().Enabled)
	assert.Equal(t, "satlink", cfg.GetMQTT().TopicPrefix)

	// merged file written back
	raw, err := os.ReadFile(filepath.Join(dir, DefaultConfigFile))
	require.NoError(t, err)
	var m map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Contains(t, m["network"], "ack_timeout_ms")
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644))
	_, err := Load(dir)
	assert.ErrorContains(t, err, "failed to parse")
}

func TestUpdateField(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.UpdateField("network", "echo_on_failure", true))
	assert.True(t, cfg.GetNetwork().EchoOnFailure)

	require.NoError(t, cfg.UpdateField("network", "port", 7000))
	assert.Equal(t, 7000, cfg.GetNetwork().Port)

	assert.Error(t, cfg.UpdateField("network", "port", "not a number"))
	assert.ErrorContains(t, cfg.UpdateField("network", "nope", 1), "unknown key")
	assert.ErrorContains(t, cfg.UpdateField("gizmo", "port", 1), "unknown config section")
}

func TestGettersReturnCopies(t *testing.T) {
	cfg := DefaultConfig()
	api := cfg.GetAPI()
	api.AllowedOrigins[0] = "http://evil"
	assert.Equal(t, "http://localhost:3000", cfg.GetAPI().AllowedOrigins[0])
}

func TestValidateDefaults(t *testing.T) {
	res := Validate(DefaultConfig())
	assert.True(t, res.IsValid(), "%v", res.Errors)
}

func TestValidateCatchesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network.Port = 0
	cfg.Network.AckTimeoutMs = 10
	cfg.Network.MaxSendAttempts = 0
	cfg.Pipeline.Mode = PipelineCommand
	cfg.API.Port = 70000
	cfg.MQTT.Enabled = true
	cfg.MQTT.BrokerURL = ""
	cfg.Database.Path = ""

	res := Validate(cfg)
	assert.False(t, res.IsValid())

	fields := map[string]bool{}
	for _, e := range res.Errors {
		fields[e.Field] = true
	}
	for _, f := range []string{
		"network.port", "network.ack_timeout_ms", "network.max_send_attempts",
		"pipeline.command", "api.port", "mqtt.broker_url", "database.path",
	} {
		assert.True(t, fields[f], "expected error for %s", f)
	}
}

func TestValidatePortConflictAndWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Port = cfg.Network.Port
	cfg.Network.ProcessingTimeoutSec = 0

	res := Validate(cfg)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "api.port", res.Errors[0].Field)

	var warned bool
	for _, w := range res.Warnings {
		if w.Field == "network.processing_timeout_sec" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestIsPortAvailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	assert.False(t, IsPortAvailable("127.0.0.1", port))
	ln.Close()
	assert.True(t, IsPortAvailable("127.0.0.1", port))
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	require.NoError(t, clone.UpdateField("network", "port", 6001))
	assert.Equal(t, DefaultDevicePort, cfg.GetNetwork().Port)
	assert.Equal(t, 6001, clone.GetNetwork().Port)
}

func TestValidateAPIExposure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Host = "0.0.0.0"
	res := Validate(cfg)
	require.True(t, res.IsValid())
	require.NotEmpty(t, res.Warnings)

	cfg.API.TLS = true
	cfg.API.TLSKeyFile = ""
	res = Validate(cfg)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "api.tls", res.Errors[0].Field)
}

func TestValidateDiscoveryPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network.DiscoveryPort = 0
	assert.True(t, Validate(cfg).IsValid())

	cfg.Network.DiscoveryPort = 70000
	res := Validate(cfg)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "network.discovery_port", res.Errors[0].Field)
}
