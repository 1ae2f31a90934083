package configsync

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/smsgw/sms-gateway/internal/broker"
	"github.com/smsgw/sms-gateway/internal/configcache"
	"github.com/smsgw/sms-gateway/internal/logger"
	"github.com/smsgw/sms-gateway/internal/models"
)

// Subscriber consumes configuration broadcasts and incremental events
// and keeps a local cache current
type Subscriber struct {
	bus    Bus
	cache  *configcache.Cache
	logger *logger.Logger

	// Snapshots and events arrive on separate subscription goroutines;
	// cache writes are read-copy-update, so they must not interleave
	mu sync.Mutex
}

// NewSubscriber creates a configuration state subscriber
func NewSubscriber(bus Bus, cache *configcache.Cache, log *logger.Logger) *Subscriber {
	return &Subscriber{bus: bus, cache: cache, logger: log}
}

// Start subscribes to the snapshot and event subjects. Subscriptions
// live until the broker connection is closed.
func (s *Subscriber) Start() error {
	if err := s.bus.Subscribe(broker.SubjectConfigState, s.HandleState); err != nil {
		return fmt.Errorf("failed to subscribe to config state: %w", err)
	}
	if err := s.bus.Subscribe(broker.SubjectConfigEvents, s.HandleEvent); err != nil {
		return fmt.Errorf("failed to subscribe to config events: %w", err)
	}
	s.logger.Info("configuration sync subscriptions established")
	return nil
}

// HandleState applies a full snapshot broadcast. A rejected snapshot
// (alias collision) leaves the previous cache generation serving.
func (s *Subscriber) HandleState(data []byte) {
	var payload models.StatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Error("discarding malformed config snapshot", "error", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cache.ApplyState(payload); err != nil {
		s.logger.Error("rejected config snapshot, keeping previous state", "error", err.Error())
		return
	}

	if err := s.cache.SaveState(data); err != nil {
		s.logger.Warn("failed to persist config snapshot", "error", err.Error())
	}

	s.logger.Info("applied config snapshot",
		"users", len(payload.Data.Users),
		"providers", len(payload.Data.Providers),
		"timestamp", payload.Timestamp,
	)
}

// HandleEvent applies one incremental configuration event. User events
// patch the client map in place; provider events rebuild the provider
// and alias maps so stale aliases never linger.
func (s *Subscriber) HandleEvent(data []byte) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		s.logger.Error("discarding malformed config event", "error", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch evt.Type {
	case EventUserUpdated:
		if evt.APIKey == "" {
			s.logger.Warn("ignoring user.updated event without api_key")
			return
		}
		s.cache.UpsertClient(evt.APIKey, models.ClientConfig{
			UserID:     evt.UserID,
			Username:   evt.Username,
			IsActive:   evt.IsActive,
			DailyQuota: evt.DailyQuota,
		})
		s.logger.Info("applied config event", "type", evt.Type)

	case EventUserDeleted:
		s.cache.RemoveClient(evt.APIKey)
		s.logger.Info("applied config event", "type", evt.Type)

	case EventProviderUpdated:
		if evt.Name == "" {
			s.logger.Warn("ignoring provider.updated event without name")
			return
		}
		providers := s.cache.View().Providers()
		providers[evt.Name] = models.ProviderConfig{
			IsActive:      evt.IsActive,
			IsOperational: evt.IsOperational,
			Aliases:       evt.Aliases,
			Note:          evt.Note,
		}
		s.replaceProviders(evt.Type, providers)

	case EventProviderDeleted:
		providers := s.cache.View().Providers()
		delete(providers, evt.Name)
		s.replaceProviders(evt.Type, providers)

	default:
		s.logger.Warn("ignoring unknown config event", "type", evt.Type)
	}
}

func (s *Subscriber) replaceProviders(eventType string, providers map[string]models.ProviderConfig) {
	if err := s.cache.ReplaceProviders(providers); err != nil {
		s.logger.Error("rejected provider update, keeping previous state",
			"type", eventType, "error", err.Error())
		return
	}
	s.logger.Info("applied config event", "type", eventType)
}
