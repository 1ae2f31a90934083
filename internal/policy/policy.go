// Package policy decides which providers a delivery attempt should try,
// and in what order, for one invocation of the failover loop.
package policy

import (
	"errors"
	"sort"
	"time"

	"github.com/smsgw/sms-gateway/internal/models"
)

// Smart strategy names
const (
	StrategyPriority   = "priority"
	StrategyRoundRobin = "round_robin"
)

// Selection errors. All of them are terminal for the message: retrying
// cannot produce a candidate until the configuration itself changes.
var (
	// ErrExpired means the message outlived its TTL and must not be sent
	ErrExpired = errors.New("message ttl expired")

	// ErrProviderDisabled means the exclusively requested provider is
	// not usable and no substitute is permitted
	ErrProviderDisabled = errors.New("exclusive provider disabled")

	// ErrNoUsableProvider means no candidate is active and operational
	ErrNoUsableProvider = errors.New("no usable provider")
)

// Engine selects candidate providers for a delivery attempt
type Engine struct {
	smartStrategy string
}

// NewEngine creates a policy engine. Unknown strategies fall back to
// priority ordering.
func NewEngine(smartStrategy string) *Engine {
	return &Engine{smartStrategy: smartStrategy}
}

// SelectProviders returns the ordered provider candidates for this
// attempt. The expiry check always runs first so an expired message is
// never handed to any provider.
//
// One effective provider is an exclusive demand and yields either that
// provider or ErrProviderDisabled. Several are a client preference
// order, filtered to the currently usable ones. An empty effective list
// lets the engine choose among all usable providers by its configured
// strategy. Resolving to zero candidates is an error, never an empty
// list.
func (e *Engine) SelectProviders(msg *models.Message, effective []string, registry map[string]models.Provider, now time.Time) ([]string, error) {
	if msg.TTLSeconds > 0 && now.After(msg.CreatedAt.Add(time.Duration(msg.TTLSeconds)*time.Second)) {
		return nil, ErrExpired
	}

	switch {
	case len(effective) == 1:
		if usable(registry, effective[0]) {
			return []string{effective[0]}, nil
		}
		return nil, ErrProviderDisabled

	case len(effective) > 1:
		var candidates []string
		for _, name := range effective {
			if usable(registry, name) {
				candidates = append(candidates, name)
			}
		}
		if len(candidates) == 0 {
			return nil, ErrNoUsableProvider
		}
		return candidates, nil

	default:
		candidates := e.smart(registry, msg.SendAttempts)
		if len(candidates) == 0 {
			return nil, ErrNoUsableProvider
		}
		return candidates, nil
	}
}

// smart orders all usable providers by the configured strategy
func (e *Engine) smart(registry map[string]models.Provider, attempts int) []string {
	var candidates []string
	for name := range registry {
		if usable(registry, name) {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	switch e.smartStrategy {
	case StrategyRoundRobin:
		sort.Strings(candidates)
		offset := attempts % len(candidates)
		return append(candidates[offset:], candidates[:offset]...)
	default:
		sort.Slice(candidates, func(i, j int) bool {
			pi, pj := registry[candidates[i]].Priority, registry[candidates[j]].Priority
			if pi != pj {
				return pi < pj
			}
			return candidates[i] < candidates[j]
		})
		return candidates
	}
}

func usable(registry map[string]models.Provider, name string) bool {
	p, ok := registry[name]
	return ok && p.IsActive && p.IsOperational
}
