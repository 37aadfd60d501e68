package jobcoord

import (
	"encoding/json"
	"log/slog"
	"time"
)

// EventType identifies a job lifecycle transition.
type EventType string

const (
	EventCreated   EventType = "created"
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Broadcaster publishes lifecycle notifications to external subscribers.
// All operations are best-effort: failures are logged and never propagated
// to the job-state caller, and no call blocks beyond a bounded interval.
// The durable store remains the source of truth regardless of delivery.
type Broadcaster interface {
	// PublishEvent publishes a lifecycle event. The payload is
	// {job_id, event_type, timestamp, ...data} serialized as JSON.
	PublishEvent(eventType EventType, jobID string, data map[string]interface{})

	// PublishRetained publishes a message the sink stores and redelivers
	// to late subscribers until explicitly cleared. Used for
	// slowly-changing presence state, not job events.
	PublishRetained(topic string, payload []byte)

	// ClearRetained erases the sticky state on a topic by publishing an
	// empty retained payload.
	ClearRetained(topic string)

	// SetWill registers a payload the sink delivers automatically if this
	// process disconnects abnormally. Must be called before the first
	// publish establishes the connection.
	SetWill(topic string, payload []byte)

	// Shutdown releases the sink connection. Safe to call more than once.
	Shutdown()
}

// eventPayload builds the wire payload for a lifecycle event.
func eventPayload(eventType EventType, jobID string, data map[string]interface{}) ([]byte, error) {
	payload := make(map[string]interface{}, len(data)+3)
	for k, v := range data {
		payload[k] = v
	}
	payload["job_id"] = jobID
	payload["event_type"] = string(eventType)
	payload["timestamp"] = time.Now().UnixMilli()
	return json.Marshal(payload)
}

// NoopBroadcaster discards every event. Used when broadcasting is disabled
// and in tests. Never blocks, never fails.
type NoopBroadcaster struct{}

// NewNoopBroadcaster creates a broadcaster that discards all events.
func NewNoopBroadcaster() *NoopBroadcaster {
	return &NoopBroadcaster{}
}

func (n *NoopBroadcaster) PublishEvent(EventType, string, map[string]interface{}) {}
func (n *NoopBroadcaster) PublishRetained(string, []byte)                        {}
func (n *NoopBroadcaster) ClearRetained(string)                                  {}
func (n *NoopBroadcaster) SetWill(string, []byte)                                {}
func (n *NoopBroadcaster) Shutdown()                                             {}

// NewBroadcaster selects a broadcaster implementation from the configured
// kind: "mqtt" for the active sink, anything else for the no-op variant.
func NewBroadcaster(cfg *Config, logger *slog.Logger) Broadcaster {
	if cfg.BroadcasterKind == BroadcasterMQTT {
		return NewMQTTBroadcaster(cfg.BrokerHost, cfg.BrokerPort, cfg.EventsTopic(), logger)
	}
	return NewNoopBroadcaster()
}
