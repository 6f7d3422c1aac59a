// Package notify publishes anomaly events to downstream collaborators.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/flexion-data/motionstream/internal/telemetry"
)

// AnomalyEvent is the payload sent for each flagged sample.
type AnomalyEvent struct {
	DeviceID    string               `json:"device_id"`
	SessionID   string               `json:"session_id"`
	SensorType  telemetry.SensorType `json:"sensor_type"`
	TimestampMs int64                `json:"timestamp_ms"`
	Values      []float64            `json:"values"`
	Confidence  float64              `json:"confidence"`
}

// Notifier delivers anomaly events. Implementations may drop events when
// the transport is down; callers wrap delivery in the circuit breaker.
type Notifier interface {
	NotifyAnomaly(ctx context.Context, ev AnomalyEvent) error
	Close()
}

// Config holds MQTT connection settings.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// MQTTNotifier publishes anomaly events to an MQTT broker, one topic per
// device under the configured prefix.
type MQTTNotifier struct {
	client mqtt.Client
	config Config
}

// NewMQTTNotifier connects to the broker and returns a ready notifier.
func NewMQTTNotifier(cfg Config) (*MQTTNotifier, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "motionstream/anomalies"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker: %w", token.Error())
	}

	return &MQTTNotifier{client: client, config: cfg}, nil
}

// NotifyAnomaly publishes one event to <prefix>/<deviceID>.
func (n *MQTTNotifier) NotifyAnomaly(ctx context.Context, ev AnomalyEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal anomaly event: %w", err)
	}

	topic := n.config.TopicPrefix + "/" + ev.DeviceID
	token := n.client.Publish(topic, n.config.QoS, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}

// NopNotifier discards all events, used when no broker is configured.
type NopNotifier struct{}

func (NopNotifier) NotifyAnomaly(context.Context, AnomalyEvent) error { return nil }
func (NopNotifier) Close()                                            {}
