package jobcoord

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// publishTimeout bounds how long any publish may block the caller. The
// claim/update path must never stall behind a slow broker.
const publishTimeout = 2 * time.Second

// connectTimeout bounds the lazy connection attempt.
const connectTimeout = 5 * time.Second

// MQTTBroadcaster publishes lifecycle events and retained presence state to
// an MQTT broker. The connection is created lazily on first publish and
// shared for the life of the process; one instance is constructed at
// process start and threaded through constructors to every component that
// publishes.
type MQTTBroadcaster struct {
	broker     string
	port       int
	eventTopic string
	logger     *slog.Logger

	mu       sync.Mutex
	client   mqtt.Client
	will     *willMessage
	shutdown bool
}

type willMessage struct {
	topic   string
	payload []byte
}

// NewMQTTBroadcaster creates an MQTT broadcaster. No connection is opened
// until the first publish, so SetWill can still register the last-will
// message beforehand.
func NewMQTTBroadcaster(broker string, port int, eventTopic string, logger *slog.Logger) *MQTTBroadcaster {
	return &MQTTBroadcaster{
		broker:     broker,
		port:       port,
		eventTopic: eventTopic,
		logger:     logger,
	}
}

// SetWill registers the last-will payload the broker delivers if this
// process disconnects without a graceful shutdown. Ignored with a warning
// once the connection exists; MQTT wills are fixed at connect time.
func (b *MQTTBroadcaster) SetWill(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.logger.Warn("SetWill called after connection established, will unchanged", "topic", topic)
		return
	}
	b.will = &willMessage{topic: topic, payload: payload}
}

// ensureConnected lazily opens the shared broker connection.
// Caller must hold b.mu.
func (b *MQTTBroadcaster) ensureConnectedLocked() (mqtt.Client, error) {
	if b.shutdown {
		return nil, fmt.Errorf("broadcaster is shut down")
	}
	if b.client != nil && b.client.IsConnected() {
		return b.client, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", b.broker, b.port)).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetKeepAlive(60 * time.Second)
	if b.will != nil {
		opts.SetBinaryWill(b.will.topic, b.will.payload, 1, true)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect timed out after %v", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, err
	}

	b.client = client
	return client, nil
}

// publish sends a payload with a bounded wait. Errors are logged, never
// returned; event delivery is best-effort.
func (b *MQTTBroadcaster) publish(topic string, payload []byte, retained bool) {
	b.mu.Lock()
	client, err := b.ensureConnectedLocked()
	b.mu.Unlock()
	if err != nil {
		b.logger.Warn("broadcast skipped, broker unreachable", "topic", topic, "error", err)
		return
	}

	token := client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		b.logger.Warn("broadcast publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		b.logger.Warn("broadcast publish failed", "topic", topic, "error", err)
	}
}

// PublishEvent publishes a lifecycle event to the events topic.
func (b *MQTTBroadcaster) PublishEvent(eventType EventType, jobID string, data map[string]interface{}) {
	payload, err := eventPayload(eventType, jobID, data)
	if err != nil {
		b.logger.Warn("failed to marshal event payload", "jobID", jobID, "eventType", eventType, "error", err)
		return
	}
	b.publish(b.eventTopic, payload, false)
}

// PublishRetained publishes a retained message the broker redelivers to
// late subscribers until cleared.
func (b *MQTTBroadcaster) PublishRetained(topic string, payload []byte) {
	b.publish(topic, payload, true)
}

// ClearRetained erases a retained topic by publishing an empty retained
// payload.
func (b *MQTTBroadcaster) ClearRetained(topic string) {
	b.publish(topic, nil, true)
}

// Shutdown disconnects from the broker. The connection is released on all
// exit paths; callers defer this at process start.
func (b *MQTTBroadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return
	}
	b.shutdown = true
	if b.client != nil {
		b.client.Disconnect(uint(publishTimeout.Milliseconds()))
		b.client = nil
	}
}
