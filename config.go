package jobcoord

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Broadcaster kinds selectable via configuration.
const (
	BroadcasterMQTT = "mqtt"
	BroadcasterNoop = "noop"
)

// Config represents the process configuration shared by producers and
// workers. All values are read-only once loaded; the core never mutates
// configuration.
type Config struct {
	// BaseDir is the required base directory for databases and job files.
	BaseDir string

	// JobStoreDSN is the SQLite path of the shared job store
	// (default: BaseDir/jobs.db).
	JobStoreDSN string

	// AuthStoreDSN is the SQLite path of the separate auth store, carried
	// for collaborating services (default: BaseDir/auth.db). The
	// coordination core never opens it.
	AuthStoreDSN string

	// BroadcasterKind selects the event sink: "mqtt" or "noop".
	BroadcasterKind string

	// BrokerHost and BrokerPort locate the MQTT broker.
	BrokerHost string
	BrokerPort int

	// TopicPrefix prefixes all broadcast topics (default: "jobs").
	// Lifecycle events go to {prefix}/events, worker presence to
	// {prefix}/workers/{worker_id}.
	TopicPrefix string

	// WorkerID identifies this worker process for presence topics.
	WorkerID string

	// TaskTypes lists the task types this worker may claim.
	TaskTypes []string

	// PollInterval is the delay between FetchNextJob polls (default: 5s).
	PollInterval time.Duration

	// HeartbeatInterval is the period between retained presence
	// republishes (default: 30s).
	HeartbeatInterval time.Duration
}

// LoadConfig loads configuration from environment variables:
//   - JOBCOORD_DIR: base directory (required, must be writable)
//   - JOBCOORD_DB: job store path (default: $JOBCOORD_DIR/jobs.db)
//   - JOBCOORD_AUTH_DB: auth store path (default: $JOBCOORD_DIR/auth.db)
//   - JOBCOORD_BROADCAST: "mqtt" or "noop" (default: mqtt)
//   - JOBCOORD_MQTT_BROKER: broker host (default: localhost)
//   - JOBCOORD_MQTT_PORT: broker port (default: 1883)
//   - JOBCOORD_TOPIC_PREFIX: topic prefix (default: jobs)
//   - JOBCOORD_WORKER_ID: worker identity (default: worker-default)
//   - JOBCOORD_TASK_TYPES: comma-separated task types
//     (default: image_resize,image_conversion)
//   - JOBCOORD_POLL_INTERVAL: poll interval (default: 5s)
//   - JOBCOORD_HEARTBEAT_INTERVAL: presence heartbeat (default: 30s)
//
// Duration values accept duration strings ("5s", "1m30s") or a plain
// integer number of seconds.
func LoadConfig() (*Config, error) {
	baseDir := os.Getenv("JOBCOORD_DIR")
	if baseDir == "" {
		return nil, fmt.Errorf("JOBCOORD_DIR environment variable must be set")
	}
	if err := checkWritable(baseDir); err != nil {
		return nil, fmt.Errorf("JOBCOORD_DIR does not exist or no write permission: %s", baseDir)
	}

	cfg := &Config{
		BaseDir:           baseDir,
		JobStoreDSN:       getEnvStr("JOBCOORD_DB", baseDir+"/jobs.db"),
		AuthStoreDSN:      getEnvStr("JOBCOORD_AUTH_DB", baseDir+"/auth.db"),
		BroadcasterKind:   getEnvStr("JOBCOORD_BROADCAST", BroadcasterMQTT),
		BrokerHost:        getEnvStr("JOBCOORD_MQTT_BROKER", "localhost"),
		BrokerPort:        getEnvInt("JOBCOORD_MQTT_PORT", 1883),
		TopicPrefix:       getEnvStr("JOBCOORD_TOPIC_PREFIX", "jobs"),
		WorkerID:          getEnvStr("JOBCOORD_WORKER_ID", "worker-default"),
		TaskTypes:         getEnvList("JOBCOORD_TASK_TYPES", "image_resize,image_conversion"),
		PollInterval:      getEnvDuration("JOBCOORD_POLL_INTERVAL", 5*time.Second),
		HeartbeatInterval: getEnvDuration("JOBCOORD_HEARTBEAT_INTERVAL", 30*time.Second),
	}

	return cfg, nil
}

// EventsTopic is the topic carrying lifecycle events.
func (c *Config) EventsTopic() string {
	return c.TopicPrefix + "/events"
}

// WorkerTopic is the retained presence topic for a worker.
func (c *Config) WorkerTopic(workerID string) string {
	return c.TopicPrefix + "/workers/" + workerID
}

func checkWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", dir)
	}
	probe, err := os.CreateTemp(dir, ".jobcoord_probe_*")
	if err != nil {
		return err
	}
	probe.Close()
	return os.Remove(probe.Name())
}

func getEnvStr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	value := os.Getenv(key)
	if value == "" {
		value = defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
