// Package broker owns the NATS connection shared by the two services.
//
// Subjects:
//
//	sms.outbound      admission envelopes, queue-consumed by workers
//	sms.dlq           permanently failed messages
//	config.state      full configuration snapshots (fanout)
//	config.events     incremental configuration events (fanout)
//	gateway.heartbeat gateway liveness and config fingerprint
package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/smsgw/sms-gateway/internal/logger"
)

// Subject names used across the system
const (
	SubjectOutbound     = "sms.outbound"
	SubjectDLQ          = "sms.dlq"
	SubjectConfigState  = "config.state"
	SubjectConfigEvents = "config.events"
	SubjectHeartbeat    = "gateway.heartbeat"

	// OutboundQueueGroup load-balances envelope delivery across workers
	OutboundQueueGroup = "delivery-workers"
)

// Conn wraps a NATS connection with reconnect handling
type Conn struct {
	nc  *nats.Conn
	log *logger.Logger
}

// Connect establishes a NATS connection that reconnects indefinitely
func Connect(url, clientName string, log *logger.Logger) (*Conn, error) {
	opts := []nats.Option{
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("broker disconnected", "error", err.Error())
			} else {
				log.Info("broker disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("broker reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("broker connection closed", "error", err.Error())
			} else {
				log.Info("broker connection closed")
			}
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	log.Info("connected to broker", "url", url)
	return &Conn{nc: nc, log: log}, nil
}

// Publish sends raw bytes to a subject
func (c *Conn) Publish(subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishJSON marshals and publishes a payload
func (c *Conn) PublishJSON(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Subscribe delivers every message on a subject to the handler. This is
// the fanout mode: each subscribing process sees every message.
// Subscriptions live until the connection is closed.
func (c *Conn) Subscribe(subject string, handler func(data []byte)) error {
	if _, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return nil
}

// QueueSubscribe load-balances messages on a subject across the members
// of a queue group. Used for the outbound envelope stream.
func (c *Conn) QueueSubscribe(subject, queue string, handler func(data []byte)) error {
	if _, err := c.nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(msg.Data)
	}); err != nil {
		return fmt.Errorf("failed to queue subscribe to %s: %w", subject, err)
	}
	return nil
}

// IsConnected reports whether the connection is currently up
func (c *Conn) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains and closes the connection
func (c *Conn) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.log.Warn("error draining broker connection", "error", err.Error())
		c.nc.Close()
	}
}
