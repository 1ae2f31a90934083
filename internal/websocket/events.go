package websocket

import (
	"encoding/json"
	"time"
)

// Message types for WebSocket events
const (
	TypeDelivery  = "delivery"
	TypeConfig    = "config"
	TypeHealth    = "health"
	TypeHeartbeat = "heartbeat"
)

// Delivery events
const (
	EventMessageQueued  = "queued"
	EventMessageSent    = "sent"
	EventRetryScheduled = "retry_scheduled"
	EventMessageFailed  = "failed"
	EventDeliveryReport = "delivered"
)

// Config events
const (
	EventConfigBroadcast = "broadcast"
	EventConfigChanged   = "changed"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType, event string, data interface{}) *Message {
	return &Message{
		Type:      msgType,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON serializes the message to JSON bytes
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// DeliveryData represents delivery event data
type DeliveryData struct {
	TrackingID   string `json:"tracking_id"`
	Status       string `json:"status"`
	Provider     string `json:"provider,omitempty"`
	SendAttempts int    `json:"send_attempts,omitempty"`
	NextRetryAt  string `json:"next_retry_at,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ConfigData represents configuration event data
type ConfigData struct {
	Users     int    `json:"users,omitempty"`
	Providers int    `json:"providers,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

// HeartbeatData represents heartbeat data
type HeartbeatData struct {
	ServerTime  time.Time `json:"server_time"`
	ClientCount int       `json:"client_count"`
}
