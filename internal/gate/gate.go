// Package gate enforces provider admission rules on incoming requests.
// It resolves requested provider names through the alias map and decides
// whether the request may enter the delivery pipeline at all.
package gate

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/smsgw/sms-gateway/internal/configcache"
	"github.com/smsgw/sms-gateway/internal/metrics"
	"github.com/smsgw/sms-gateway/internal/models"
)

// Rejection describes why a request was refused admission
type Rejection struct {
	Code       string
	HTTPStatus int
	Message    string
	Details    map[string]interface{}
}

// Gate applies the provider admission rules against a config snapshot
type Gate struct {
	enabled bool
}

// New creates a gate. When disabled, requests pass through with alias
// resolution only and no availability checks.
func New(enabled bool) *Gate {
	return &Gate{enabled: enabled}
}

// Resolve maps the requested provider list to the effective canonical
// list, or returns the rejection that must be surfaced to the caller.
//
// An empty requested list defers provider choice to the delivery worker:
// the gate only verifies that at least one provider is usable right now.
// A single requested provider is an exclusive demand and must itself be
// usable. Multiple requested providers are a preference order; disabled
// entries are filtered out as long as at least one survives.
func (g *Gate) Resolve(view *configcache.Snapshot, client string, requested []string) ([]string, *Rejection) {
	if !g.enabled {
		return g.passthrough(view, requested), nil
	}

	if len(requested) == 0 {
		if len(view.ActiveOperational()) == 0 {
			metrics.RejectedNoProviderAvailable.WithLabelValues(client).Inc()
			return nil, &Rejection{
				Code:       models.ErrCodeNoProviderAvailable,
				HTTPStatus: http.StatusServiceUnavailable,
				Message:    "no delivery provider is currently available",
			}
		}
		return []string{}, nil
	}

	canonical, unknown := resolveAll(view, requested)
	if len(unknown) > 0 {
		metrics.RejectedUnknownProvider.WithLabelValues(client).Inc()
		return nil, &Rejection{
			Code:       models.ErrCodeUnknownProvider,
			HTTPStatus: http.StatusUnprocessableEntity,
			Message:    fmt.Sprintf("unknown provider(s): %s", strings.Join(unknown, ", ")),
			Details: map[string]interface{}{
				"unknown": unknown,
				"allowed": view.ProviderNames(),
			},
		}
	}

	if len(canonical) == 1 {
		name := canonical[0]
		if !view.Usable(name) {
			metrics.RejectedProviderDisabled.WithLabelValues(client, name).Inc()
			return nil, &Rejection{
				Code:       models.ErrCodeProviderDisabled,
				HTTPStatus: http.StatusConflict,
				Message:    fmt.Sprintf("provider %q is currently disabled", name),
				Details:    map[string]interface{}{"provider": name},
			}
		}
		return canonical, nil
	}

	usable := make([]string, 0, len(canonical))
	for _, name := range canonical {
		if view.Usable(name) {
			usable = append(usable, name)
		}
	}
	if len(usable) == 0 {
		metrics.RejectedNoProviderAvailable.WithLabelValues(client).Inc()
		return nil, &Rejection{
			Code:       models.ErrCodeAllProvidersDisabled,
			HTTPStatus: http.StatusConflict,
			Message:    "all requested providers are currently disabled",
			Details:    map[string]interface{}{"requested": canonical},
		}
	}
	return usable, nil
}

// passthrough resolves aliases without availability checks, silently
// dropping names the cache does not know
func (g *Gate) passthrough(view *configcache.Snapshot, requested []string) []string {
	canonical, _ := resolveAll(view, requested)
	return canonical
}

// resolveAll maps requested names to canonical ones, preserving order
// and deduplicating repeats that resolve to the same provider
func resolveAll(view *configcache.Snapshot, requested []string) (canonical, unknown []string) {
	seen := make(map[string]bool, len(requested))
	for _, raw := range requested {
		name, ok := view.Canonical(raw)
		if !ok {
			unknown = append(unknown, raw)
			continue
		}
		if !seen[name] {
			seen[name] = true
			canonical = append(canonical, name)
		}
	}
	return canonical, unknown
}
