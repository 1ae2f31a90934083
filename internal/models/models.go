// internal/models/models.go
package models

import (
	"time"
)

// MessageStatus values for the delivery state machine
const (
	MessageStatusPending       = "PENDING"
	MessageStatusProcessing    = "PROCESSING"
	MessageStatusAwaitingRetry = "AWAITING_RETRY"
	MessageStatusSent          = "SENT"
	MessageStatusDelivered     = "DELIVERED"
	MessageStatusFailed        = "FAILED"
)

// Attempt log outcome values
const (
	AttemptStatusSuccess = "SUCCESS"
	AttemptStatusFailure = "FAILURE"
)

// Stable machine-readable error codes surfaced on the admission API
const (
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeInvalidPayload       = "INVALID_PAYLOAD"
	ErrCodeUnknownProvider      = "UNKNOWN_PROVIDER"
	ErrCodeProviderDisabled     = "PROVIDER_DISABLED"
	ErrCodeAllProvidersDisabled = "ALL_PROVIDERS_DISABLED"
	ErrCodeTooManyRequests      = "TOO_MANY_REQUESTS"
	ErrCodeNoProviderAvailable  = "NO_PROVIDER_AVAILABLE"
	ErrCodeInternalError        = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
)

// ClientConfig is the gateway's read-only view of an API client
type ClientConfig struct {
	UserID     int    `json:"user_id"`
	Username   string `json:"username"`
	IsActive   bool   `json:"is_active"`
	DailyQuota int    `json:"daily_quota"`
}

// ProviderConfig is the gateway's read-only view of a delivery provider
type ProviderConfig struct {
	IsActive      bool     `json:"is_active"`
	IsOperational bool     `json:"is_operational"`
	Aliases       []string `json:"aliases,omitempty"`
	Note          string   `json:"note,omitempty"`
}

// UserRecord is the wire shape of a client in config broadcasts
type UserRecord struct {
	APIKey     string `json:"api_key"`
	UserID     int    `json:"user_id"`
	Username   string `json:"username"`
	IsActive   bool   `json:"is_active"`
	DailyQuota int    `json:"daily_quota"`
}

// ProviderRecord is the wire shape of a provider in config broadcasts
type ProviderRecord struct {
	Name          string   `json:"name"`
	IsActive      bool     `json:"is_active"`
	IsOperational bool     `json:"is_operational"`
	Aliases       []string `json:"aliases,omitempty"`
	Note          string   `json:"note,omitempty"`
}

// StatePayload is the full configuration snapshot broadcast on the wire
type StatePayload struct {
	Timestamp string    `json:"timestamp"`
	Data      StateData `json:"data"`
}

// StateData carries the user and provider lists inside a snapshot
type StateData struct {
	Users     []UserRecord     `json:"users"`
	Providers []ProviderRecord `json:"providers"`
}

// Envelope is the admission-to-broker message format
type Envelope struct {
	TrackingID         string   `json:"tracking_id"`
	UserID             int      `json:"user_id"`
	ClientKey          string   `json:"client_key"`
	To                 string   `json:"to"`
	Text               string   `json:"text"`
	TTLSeconds         int      `json:"ttl_seconds"`
	ProvidersOriginal  []string `json:"providers_original"`
	ProvidersEffective []string `json:"providers_effective"`
	CreatedAt          string   `json:"created_at"`
}

// Message is the delivery worker's persisted view of an SMS
type Message struct {
	ID                int64      `json:"id"`
	TrackingID        string     `json:"tracking_id"`
	UserID            int        `json:"user_id"`
	ClientKey         string     `json:"client_key"`
	Recipient         string     `json:"recipient"`
	Text              string     `json:"text"`
	TTLSeconds        int        `json:"ttl_seconds"`
	Status            string     `json:"status"`
	Provider          string     `json:"provider,omitempty"`
	SendAttempts      int        `json:"send_attempts"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	InitialEnvelope   []byte     `json:"-"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
}

// MessageAttemptLog is an append-only audit row for one provider attempt
type MessageAttemptLog struct {
	ID          int64     `json:"id"`
	MessageID   int64     `json:"message_id"`
	Provider    string    `json:"provider"`
	Status      string    `json:"status"`
	RawResponse string    `json:"raw_response,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Provider is the worker-side provider registry row, including the
// delivery credentials that never leave the worker
type Provider struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	IsActive      bool     `json:"is_active"`
	IsOperational bool     `json:"is_operational"`
	Aliases       []string `json:"aliases,omitempty"`
	Note          string   `json:"note,omitempty"`
	Priority      int      `json:"priority"`
	SendURL       string   `json:"send_url,omitempty"`
	Sender        string   `json:"sender,omitempty"`
	AuthUsername  string   `json:"-"`
	AuthPassword  string   `json:"-"`
}

// Record converts a worker-side provider to its broadcast wire shape
func (p Provider) Record() ProviderRecord {
	return ProviderRecord{
		Name:          p.Name,
		IsActive:      p.IsActive,
		IsOperational: p.IsOperational,
		Aliases:       p.Aliases,
		Note:          p.Note,
	}
}

// DLQPayload is published for permanently failed messages
type DLQPayload struct {
	MessageID  int64  `json:"id"`
	TrackingID string `json:"tracking_id"`
	Error      string `json:"error"`
}

// Heartbeat is the gateway's periodic liveness/config-drift signal
type Heartbeat struct {
	Service                string `json:"service"`
	Timestamp              string `json:"timestamp"`
	ConfigCacheFingerprint string `json:"config_cache_fingerprint,omitempty"`
}
