package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsdeck/opsdeck/internal/logging"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 10 * time.Second
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	// BrokerURL is the broker address, e.g. tcp://localhost:1883.
	BrokerURL string

	// ClientID identifies this process to the broker.
	ClientID string

	// TopicPrefix is prepended to every published topic.
	// Default: "exercise".
	TopicPrefix string
}

// MQTTSink publishes broadcasts to an MQTT broker, one topic per action kind.
type MQTTSink struct {
	client paho.Client
	prefix string
	logger zerolog.Logger
	mu     sync.Mutex
}

// envelope is the wire format published for every broadcast.
type envelope struct {
	BroadcastID  string          `json:"broadcast_id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Sender       string          `json:"sender,omitempty"`
	Recipients   []string        `json:"recipients,omitempty"`
	RequiresAck  bool            `json:"requires_ack,omitempty"`
	AckTimeoutMs int64           `json:"ack_timeout_ms,omitempty"`
	SentAt       time.Time       `json:"sent_at"`
}

// NewMQTTSink creates a sink but does not connect.
func NewMQTTSink(cfg MQTTConfig) *MQTTSink {
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "opsdeck-sequencer"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "exercise"
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	return &MQTTSink{
		client: paho.NewClient(opts),
		prefix: cfg.TopicPrefix,
		logger: logging.Component("broadcast"),
	}
}

// Connect attempts to connect to the broker.
func (s *MQTTSink) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Publish sends one broadcast at QoS 1 and returns its assigned id.
func (s *MQTTSink) Publish(ctx context.Context, msg Message) (string, error) {
	broadcastID := uuid.New().String()

	data, err := json.Marshal(envelope{
		BroadcastID:  broadcastID,
		Kind:         string(msg.Kind),
		Payload:      msg.Payload,
		Sender:       msg.Sender,
		Recipients:   msg.Recipients,
		RequiresAck:  msg.RequiresAck,
		AckTimeoutMs: msg.AckTimeout.Milliseconds(),
		SentAt:       time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal broadcast envelope: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", s.prefix, msg.Kind)
	token := s.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return "", fmt.Errorf("mqtt publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		return "", fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}

	s.logger.Debug().
		Str("topic", topic).
		Str("broadcast_id", broadcastID).
		Bool("requires_ack", msg.RequiresAck).
		Msg("broadcast published")

	return broadcastID, nil
}

// Disconnect cleanly disconnects from the broker.
func (s *MQTTSink) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.client.Disconnect(1000)
}

// IsConnected returns true if the client is connected.
func (s *MQTTSink) IsConnected() bool {
	return s.client.IsConnected()
}

// Client exposes the underlying paho client for components that share
// the connection, such as the acknowledgment tracker.
func (s *MQTTSink) Client() paho.Client {
	return s.client
}

// TopicPrefix returns the configured topic prefix.
func (s *MQTTSink) TopicPrefix() string {
	return s.prefix
}
