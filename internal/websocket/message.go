package websocket

import (
	"encoding/json"
	"time"

	"github.com/frostdev-ops/trustgate/internal/core/anomaly"
	"github.com/frostdev-ops/trustgate/internal/core/throttle"
)

// Message types for WebSocket communication
const (
	MessageTypeConnection   = "connection"
	MessageTypeHeartbeat    = "heartbeat"
	MessageTypeAnomalyAlert = "anomaly_alert"
	MessageTypeLevelChanged = "level_changed"

	// Client requests
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeError       = "error"
)

// Topics a dashboard can subscribe to. New clients receive every topic.
const (
	TopicAlerts = "alerts"
	TopicLevels = "levels"
)

var knownTopics = map[string]bool{
	TopicAlerts: true,
	TopicLevels: true,
}

// Message represents a WebSocket message
type Message struct {
	Type      string                 `json:"type"`
	Topic     string                 `json:"topic,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// ToJSON converts the message to JSON bytes
func (m Message) ToJSON() []byte {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	data, _ := json.Marshal(m)
	return data
}

// AlertMessage wraps an anomaly result for the alerts topic.
func AlertMessage(r *anomaly.Result) Message {
	data := map[string]interface{}{
		"id":             r.ID,
		"metric_name":    r.MetricName,
		"observed_value": r.ObservedValue,
		"level":          r.Level,
		"basis":          r.Basis,
		"message":        r.Message,
		"triggered_at":   r.TriggeredAt.UTC(),
	}
	if r.ThresholdValue != nil {
		data["threshold_value"] = *r.ThresholdValue
		data["operator"] = r.Operator
	}
	if r.ZScore != nil {
		data["z_score"] = *r.ZScore
	}
	return Message{
		Type:      MessageTypeAnomalyAlert,
		Topic:     TopicAlerts,
		Data:      data,
		Timestamp: r.TriggeredAt.UTC(),
	}
}

// LevelMessage wraps a throttle level change for the levels topic.
func LevelMessage(c throttle.LevelChange) Message {
	return Message{
		Type:  MessageTypeLevelChanged,
		Topic: TopicLevels,
		Data: map[string]interface{}{
			"scope":  c.Scope,
			"key":    c.Key,
			"from":   c.From.String(),
			"to":     c.To.String(),
			"score":  c.Score,
			"reason": c.Reason,
		},
		Timestamp: c.At.UTC(),
	}
}
