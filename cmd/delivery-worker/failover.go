package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smsgw/sms-gateway/internal/broker"
	"github.com/smsgw/sms-gateway/internal/logger"
	"github.com/smsgw/sms-gateway/internal/metrics"
	"github.com/smsgw/sms-gateway/internal/models"
	"github.com/smsgw/sms-gateway/internal/policy"
	"github.com/smsgw/sms-gateway/internal/provider"
	"github.com/smsgw/sms-gateway/internal/websocket"
)

// MessageStore is the persistence subset the failover loop needs
type MessageStore interface {
	MarkSent(ctx context.Context, id int64, attempts int, providerName, providerMessageID string) error
	MarkAwaitingRetry(ctx context.Context, id int64, attempts int, nextRetryAt time.Time, reason string) error
	MarkFailed(ctx context.Context, id int64, attempts int, reason string) error
	AppendAttemptLog(ctx context.Context, messageID int64, providerName, status, rawResponse string) error
}

// DLQPublisher publishes permanently failed messages
type DLQPublisher interface {
	PublishJSON(subject string, payload interface{}) error
}

// EventSink receives live delivery events for connected dashboards
type EventSink interface {
	BroadcastEvent(msgType, event string, data interface{}) error
}

// AdapterFactory builds a send adapter for a registry provider
type AdapterFactory func(p models.Provider) (provider.Adapter, error)

// Failover walks a message through its provider candidates: stop on
// success, stop immediately on a permanent refusal, and fall through
// transient failures to the next candidate.
type Failover struct {
	store       MessageStore
	dlq         DLQPublisher
	events      EventSink
	engine      *policy.Engine
	adapters    AdapterFactory
	maxAttempts int
	backoffBase time.Duration
	logger      *logger.Logger
}

// NewFailover creates the failover state machine
func NewFailover(store MessageStore, dlq DLQPublisher, events EventSink, engine *policy.Engine,
	adapters AdapterFactory, maxAttempts int, backoffBase time.Duration, log *logger.Logger) *Failover {
	return &Failover{
		store:       store,
		dlq:         dlq,
		events:      events,
		engine:      engine,
		adapters:    adapters,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		logger:      log,
	}
}

// Deliver runs one delivery attempt for a claimed message. The attempt
// counter increments exactly once per invocation regardless of how many
// providers were tried.
func (f *Failover) Deliver(ctx context.Context, msg models.Message, registry map[string]models.Provider) {
	attempts := msg.SendAttempts + 1

	candidates, err := f.engine.SelectProviders(&msg, effectiveProviders(msg), registry, time.Now())
	switch {
	case errors.Is(err, policy.ErrExpired):
		f.fail(ctx, msg, attempts, "message ttl expired before delivery")
		return
	case err != nil:
		// A policy failure is terminal: the candidate set stays empty
		// until the configuration changes, so retrying cannot help
		f.fail(ctx, msg, attempts, err.Error())
		return
	}

	lastReason := "provider adapters unavailable"
	for _, name := range candidates {
		adapter, err := f.adapters(registry[name])
		if err != nil {
			f.logger.Error("failed to build provider adapter",
				"provider", name, "tracking_id", msg.TrackingID, "error", err.Error())
			lastReason = err.Error()
			continue
		}

		outcome := adapter.Send(ctx, msg.Recipient, msg.Text)
		metrics.ProviderSendAttempts.WithLabelValues(name, outcome.Status).Inc()

		switch outcome.Status {
		case provider.OutcomeSuccess:
			f.logAttempt(ctx, msg.ID, name, models.AttemptStatusSuccess, outcome.RawResponse)
			if err := f.store.MarkSent(ctx, msg.ID, attempts, name, outcome.MessageID); err != nil {
				f.logger.Error("failed to persist sent status", "tracking_id", msg.TrackingID, "error", err.Error())
				return
			}
			metrics.FinalStatus.WithLabelValues(models.MessageStatusSent).Inc()
			f.broadcast(websocket.EventMessageSent, websocket.DeliveryData{
				TrackingID: msg.TrackingID, Status: models.MessageStatusSent,
				Provider: name, SendAttempts: attempts,
			})
			f.logger.Info("message sent",
				"tracking_id", msg.TrackingID, "provider", name, "attempts", attempts)
			return

		case provider.OutcomePermanent:
			// A permanent refusal means the message itself is the
			// problem; trying another provider would not change that
			f.logAttempt(ctx, msg.ID, name, models.AttemptStatusFailure, outcome.RawResponse)
			f.fail(ctx, msg, attempts, fmt.Sprintf("provider %s: %s", name, outcome.Reason))
			return

		default:
			f.logAttempt(ctx, msg.ID, name, models.AttemptStatusFailure, outcome.RawResponse)
			f.logger.Warn("transient provider failure",
				"tracking_id", msg.TrackingID, "provider", name, "reason", outcome.Reason)
			lastReason = fmt.Sprintf("provider %s: %s", name, outcome.Reason)
		}
	}

	if attempts >= f.maxAttempts {
		f.fail(ctx, msg, attempts, fmt.Sprintf("max attempts reached: %s", lastReason))
		return
	}

	nextRetryAt := time.Now().Add(f.backoff(attempts))
	if err := f.store.MarkAwaitingRetry(ctx, msg.ID, attempts, nextRetryAt, lastReason); err != nil {
		f.logger.Error("failed to schedule retry", "tracking_id", msg.TrackingID, "error", err.Error())
		return
	}
	metrics.FinalStatus.WithLabelValues(models.MessageStatusAwaitingRetry).Inc()
	f.broadcast(websocket.EventRetryScheduled, websocket.DeliveryData{
		TrackingID: msg.TrackingID, Status: models.MessageStatusAwaitingRetry,
		SendAttempts: attempts, NextRetryAt: nextRetryAt.UTC().Format(time.RFC3339),
		ErrorMessage: lastReason,
	})
	f.logger.Info("retry scheduled",
		"tracking_id", msg.TrackingID, "attempts", attempts, "next_retry_at", nextRetryAt)
}

// backoff doubles per attempt starting from the base interval
func (f *Failover) backoff(attempts int) time.Duration {
	d := f.backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// fail finalizes a message and routes it to the dead-letter subject
func (f *Failover) fail(ctx context.Context, msg models.Message, attempts int, reason string) {
	if err := f.store.MarkFailed(ctx, msg.ID, attempts, reason); err != nil {
		f.logger.Error("failed to persist failed status", "tracking_id", msg.TrackingID, "error", err.Error())
		return
	}

	payload := models.DLQPayload{MessageID: msg.ID, TrackingID: msg.TrackingID, Error: reason}
	if err := f.dlq.PublishJSON(broker.SubjectDLQ, payload); err != nil {
		f.logger.Error("failed to publish to dead-letter queue",
			"tracking_id", msg.TrackingID, "error", err.Error())
	} else {
		metrics.DLQMessages.Inc()
	}

	metrics.FinalStatus.WithLabelValues(models.MessageStatusFailed).Inc()
	f.broadcast(websocket.EventMessageFailed, websocket.DeliveryData{
		TrackingID: msg.TrackingID, Status: models.MessageStatusFailed,
		SendAttempts: attempts, ErrorMessage: reason,
	})
	f.logger.Warn("message failed permanently", "tracking_id", msg.TrackingID, "reason", reason)
}

func (f *Failover) logAttempt(ctx context.Context, messageID int64, providerName, status, raw string) {
	if err := f.store.AppendAttemptLog(ctx, messageID, providerName, status, raw); err != nil {
		f.logger.Error("failed to append attempt log", "message_id", messageID, "error", err.Error())
	}
}

func (f *Failover) broadcast(event string, data websocket.DeliveryData) {
	if f.events == nil {
		return
	}
	if err := f.events.BroadcastEvent(websocket.TypeDelivery, event, data); err != nil {
		f.logger.Debug("failed to broadcast delivery event", "error", err.Error())
	}
}

// effectiveProviders recovers the gate's provider decision from the
// envelope persisted at admission time
func effectiveProviders(msg models.Message) []string {
	if len(msg.InitialEnvelope) == 0 {
		return nil
	}
	var env models.Envelope
	if err := json.Unmarshal(msg.InitialEnvelope, &env); err != nil {
		return nil
	}
	return env.ProvidersEffective
}
