// Package configsync keeps the gateway's configuration caches consistent
// with the delivery worker's registry over the broker, without a shared
// database. The worker broadcasts full snapshots on an interval and
// incremental events on every mutation; the gateway consumes both.
package configsync

// Incremental event types
const (
	EventUserUpdated     = "user.updated"
	EventUserDeleted     = "user.deleted"
	EventProviderUpdated = "provider.updated"
	EventProviderDeleted = "provider.deleted"
)

// Event is the incremental configuration change notification. The type
// tag decides which of the flat fields are meaningful.
type Event struct {
	Type string `json:"type"`

	// User fields
	APIKey     string `json:"api_key,omitempty"`
	UserID     int    `json:"user_id,omitempty"`
	Username   string `json:"username,omitempty"`
	DailyQuota int    `json:"daily_quota,omitempty"`

	// Provider fields
	Name          string   `json:"name,omitempty"`
	IsOperational bool     `json:"is_operational,omitempty"`
	Aliases       []string `json:"aliases,omitempty"`
	Note          string   `json:"note,omitempty"`

	// Shared by users and providers
	IsActive bool `json:"is_active,omitempty"`
}

// Bus is the subset of the broker connection the synchronizer needs
type Bus interface {
	PublishJSON(subject string, payload interface{}) error
	Subscribe(subject string, handler func(data []byte)) error
}
