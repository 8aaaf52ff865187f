// Package telemetry publishes transport events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/satlink-project/satlink/internal/config"
	"github.com/satlink-project/satlink/internal/events"
	"github.com/satlink-project/satlink/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicStatus  = "status"
	TopicSession = "session"
	TopicAlert   = "alert"
	TopicAdmin   = "admin"
)

const subscriberName = "mqtt"

// publisher is the subset of mqtt.Client used by Handler.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Handler publishes bus events as JSON messages.
type Handler struct {
	mu sync.Mutex

	prefix   string
	bus      *events.Bus
	client   mqtt.Client
	pub      publisher
	metadata map[string]interface{}
	now      func() time.Time
}

// NewHandler builds an MQTT handler from cfg. It does not connect.
func NewHandler(cfg config.MQTTConfig, bus *events.Bus, version string) (*Handler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	h := &Handler{
		prefix:   strings.TrimSuffix(cfg.TopicPrefix, "/"),
		bus:      bus,
		metadata: buildMetadata(sysInfo, version),
		now:      time.Now,
	}

	opts, err := clientOptions(cfg, sysInfo.Hostname)
	if err != nil {
		return nil, err
	}
	h.client = mqtt.NewClient(opts)
	h.pub = h.client
	return h, nil
}

func buildMetadata(sysInfo util.SystemInfo, version string) map[string]interface{} {
	return map[string]interface{}{
		"hostname":    sysInfo.Hostname,
		"os":          sysInfo.OS,
		"cpu_model":   sysInfo.CPUModel,
		"cpu_cores":   sysInfo.CPUCores,
		"memory_mb":   sysInfo.TotalMemory,
		"app_version": version,
	}
}

func clientOptions(cfg config.MQTTConfig, hostname string) (*mqtt.ClientOptions, error) {
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("satlink-%s", hostname))
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

		if cfg.CAFile != "" {
			pem, err := os.ReadFile(cfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
			}
			tlsConfig.RootCAs = pool
		}

		// mTLS
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("component", "mqtt").Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Str("component", "mqtt").Err(err).Msg("MQTT connection lost")
	})

	return opts, nil
}

// Start connects to the broker, subscribes to the bus and blocks until ctx
// is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.Attach()
	defer h.Detach()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Str("component", "mqtt").Msg("MQTT disconnected")
	return nil
}

// Attach registers the handler's bus subscriptions.
func (h *Handler) Attach() {
	h.bus.Subscribe(events.EventServerStarted, subscriberName, h.onStatus)
	h.bus.Subscribe(events.EventServerStopped, subscriberName, h.onStatus)
	h.bus.Subscribe(events.EventHeartbeat, subscriberName, h.onStatus)
	h.bus.Subscribe(events.EventConnectionClosed, subscriberName, h.onSession)
	h.bus.Subscribe(events.EventProcessingFailed, subscriberName, h.onAlert)
}

// Detach removes the handler's bus subscriptions.
func (h *Handler) Detach() {
	for _, t := range []events.EventType{
		events.EventServerStarted, events.EventServerStopped, events.EventHeartbeat,
		events.EventConnectionClosed, events.EventProcessingFailed,
	} {
		h.bus.Unsubscribe(t, subscriberName)
	}
}

// Topic returns the full topic for suffix.
func (h *Handler) Topic(suffix string) string {
	if h.prefix == "" {
		return suffix
	}
	return h.prefix + "/" + suffix
}

func (h *Handler) publish(suffix string, payload interface{}) {
	if h.pub == nil || !h.pub.IsConnected() {
		return
	}

	topic := h.Topic(suffix)
	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.pub.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *Handler) buildMessage(payload interface{}) map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = h.now().UTC().Format(time.RFC3339)
	return msg
}

func (h *Handler) onStatus(_ context.Context, ev events.Event) error {
	h.publish(TopicStatus, map[string]interface{}{
		"event":   string(ev.Type),
		"payload": ev.Payload,
	})
	return nil
}

func (h *Handler) onSession(_ context.Context, ev events.Event) error {
	sum, ok := ev.Payload.(events.SessionSummary)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	h.publish(TopicSession, map[string]interface{}{
		"session_id":     sum.SessionID,
		"peer":           sum.Peer,
		"outcome":        sum.Outcome,
		"error_kind":     sum.ErrorKind,
		"bytes_received": sum.BytesReceived,
		"bytes_sent":     sum.BytesSent,
		"duration_ms":    sum.Duration().Milliseconds(),
	})
	return nil
}

func (h *Handler) onAlert(_ context.Context, ev events.Event) error {
	h.publish(TopicAlert, ev.Payload)
	return nil
}

// PublishShutdown announces that the service is going away.
func (h *Handler) PublishShutdown() {
	h.publish(TopicAdmin, map[string]interface{}{"event": "shutdown"})
}
