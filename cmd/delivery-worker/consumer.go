package main

import (
	"context"
	"encoding/json"

	"github.com/smsgw/sms-gateway/internal/broker"
	"github.com/smsgw/sms-gateway/internal/logger"
	"github.com/smsgw/sms-gateway/internal/models"
	"github.com/smsgw/sms-gateway/internal/websocket"
)

// ConsumerStore is the persistence subset the envelope consumer needs
type ConsumerStore interface {
	TrackingIDExists(ctx context.Context, trackingID string) (bool, error)
	CreateMessageFromEnvelope(ctx context.Context, env models.Envelope, raw []byte) (int64, error)
}

// EnvelopeBus delivers admission envelopes to one worker per message
type EnvelopeBus interface {
	QueueSubscribe(subject, queue string, handler func(data []byte)) error
}

// Consumer persists admission envelopes as PENDING messages
type Consumer struct {
	store  ConsumerStore
	bus    EnvelopeBus
	events EventSink
	logger *logger.Logger
}

// NewConsumer creates the envelope consumer
func NewConsumer(store ConsumerStore, bus EnvelopeBus, events EventSink, log *logger.Logger) *Consumer {
	return &Consumer{store: store, bus: bus, events: events, logger: log}
}

// Start subscribes to the outbound subject as a queue group member
func (c *Consumer) Start() error {
	return c.bus.QueueSubscribe(broker.SubjectOutbound, broker.OutboundQueueGroup, c.Handle)
}

// Handle persists one envelope. Delivery is at least once, so an
// envelope whose tracking id is already on record is dropped silently.
func (c *Consumer) Handle(data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Error("discarding malformed envelope", "error", err.Error())
		return
	}
	if env.TrackingID == "" {
		c.logger.Error("discarding envelope without tracking id")
		return
	}

	ctx := context.Background()

	exists, err := c.store.TrackingIDExists(ctx, env.TrackingID)
	if err != nil {
		c.logger.Error("failed to check for duplicate envelope",
			"tracking_id", env.TrackingID, "error", err.Error())
		return
	}
	if exists {
		c.logger.Debug("dropping redelivered envelope", "tracking_id", env.TrackingID)
		return
	}

	id, err := c.store.CreateMessageFromEnvelope(ctx, env, data)
	if err != nil {
		c.logger.Error("failed to persist envelope",
			"tracking_id", env.TrackingID, "error", err.Error())
		return
	}

	if c.events != nil {
		_ = c.events.BroadcastEvent(websocket.TypeDelivery, websocket.EventMessageQueued,
			websocket.DeliveryData{TrackingID: env.TrackingID, Status: models.MessageStatusPending})
	}
	c.logger.Info("envelope accepted", "tracking_id", env.TrackingID, "message_id", id)
}
