// Package provider contains the delivery adapters that hand a message
// to an external SMS provider and classify the result.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/smsgw/sms-gateway/internal/models"
)

// Send outcome classifications. The failover loop treats a permanent
// failure as final and a transient one as retryable.
const (
	OutcomeSuccess   = "success"
	OutcomePermanent = "permanent"
	OutcomeTransient = "transient"
)

// Provider type names accepted by the factory
const (
	TypeMagfa = "magfa"
)

// Outcome is the classified result of one send attempt
type Outcome struct {
	Status      string
	MessageID   string
	Reason      string
	RawResponse string
}

// Adapter sends messages through one external provider
type Adapter interface {
	Name() string
	Send(ctx context.Context, to, text string) Outcome
}

// New builds an adapter for a registry row based on its type
func New(p models.Provider, timeout time.Duration) (Adapter, error) {
	switch p.Type {
	case TypeMagfa:
		return NewMagfa(p, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q for %q", p.Type, p.Name)
	}
}
