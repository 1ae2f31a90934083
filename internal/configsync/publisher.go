package configsync

import (
	"context"
	"fmt"
	"time"

	"github.com/smsgw/sms-gateway/internal/broker"
	"github.com/smsgw/sms-gateway/internal/logger"
	"github.com/smsgw/sms-gateway/internal/models"
	"github.com/smsgw/sms-gateway/internal/websocket"
)

// SnapshotSource produces the authoritative configuration snapshot,
// typically backed by the delivery worker's registry tables
type SnapshotSource interface {
	ConfigSnapshot(ctx context.Context) (models.StatePayload, error)
}

// Broadcaster mirrors config activity to connected dashboards
type Broadcaster interface {
	BroadcastEvent(msgType, event string, data interface{}) error
}

// Publisher broadcasts configuration state from the owning side
type Publisher struct {
	bus    Bus
	source SnapshotSource
	events Broadcaster
	logger *logger.Logger
}

// NewPublisher creates a configuration state publisher. events may be
// nil when no dashboard stream is attached.
func NewPublisher(bus Bus, source SnapshotSource, events Broadcaster, log *logger.Logger) *Publisher {
	return &Publisher{bus: bus, source: source, events: events, logger: log}
}

// PublishFullState broadcasts the complete current snapshot
func (p *Publisher) PublishFullState(ctx context.Context) error {
	payload, err := p.source.ConfigSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to build config snapshot: %w", err)
	}
	payload.Timestamp = time.Now().UTC().Format(time.RFC3339)

	if err := p.bus.PublishJSON(broker.SubjectConfigState, payload); err != nil {
		return fmt.Errorf("failed to broadcast config snapshot: %w", err)
	}

	if p.events != nil {
		_ = p.events.BroadcastEvent(websocket.TypeConfig, websocket.EventConfigBroadcast, websocket.ConfigData{
			Users:     len(payload.Data.Users),
			Providers: len(payload.Data.Providers),
		})
	}

	p.logger.Info("configuration snapshot broadcast",
		"users", len(payload.Data.Users),
		"providers", len(payload.Data.Providers),
	)
	return nil
}

// Run broadcasts the full state on a fixed interval until ctx is done.
// A failed cycle logs and continues; it never takes the process down.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("configuration broadcaster stopped")
			return
		case <-ticker.C:
			if err := p.PublishFullState(ctx); err != nil {
				p.logger.Error("configuration broadcast cycle failed", "error", err.Error())
			}
		}
	}
}

// UserUpdated emits an incremental event for a created or changed client
func (p *Publisher) UserUpdated(u models.UserRecord) error {
	return p.publishEvent(Event{
		Type:       EventUserUpdated,
		APIKey:     u.APIKey,
		UserID:     u.UserID,
		Username:   u.Username,
		IsActive:   u.IsActive,
		DailyQuota: u.DailyQuota,
	})
}

// UserDeleted emits an incremental event for a removed client
func (p *Publisher) UserDeleted(apiKey string) error {
	return p.publishEvent(Event{Type: EventUserDeleted, APIKey: apiKey})
}

// ProviderUpdated emits an incremental event for a created or changed provider
func (p *Publisher) ProviderUpdated(rec models.ProviderRecord) error {
	return p.publishEvent(Event{
		Type:          EventProviderUpdated,
		Name:          rec.Name,
		IsActive:      rec.IsActive,
		IsOperational: rec.IsOperational,
		Aliases:       rec.Aliases,
		Note:          rec.Note,
	})
}

// ProviderDeleted emits an incremental event for a removed provider
func (p *Publisher) ProviderDeleted(name string) error {
	return p.publishEvent(Event{Type: EventProviderDeleted, Name: name})
}

func (p *Publisher) publishEvent(evt Event) error {
	if err := p.bus.PublishJSON(broker.SubjectConfigEvents, evt); err != nil {
		return fmt.Errorf("failed to publish config event %s: %w", evt.Type, err)
	}

	if p.events != nil {
		// API keys stay off the dashboard stream; user events are
		// identified by username only
		subject := evt.Name
		if subject == "" {
			subject = evt.Username
		}
		_ = p.events.BroadcastEvent(websocket.TypeConfig, websocket.EventConfigChanged, websocket.ConfigData{
			EventType: evt.Type,
			Subject:   subject,
		})
	}

	p.logger.Info("configuration event published", "type", evt.Type)
	return nil
}
