// Package idempotency replays previous responses for retried requests
// carrying the same idempotency token, so network-level retries never
// enqueue a message twice.
package idempotency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/smsgw/sms-gateway/internal/cache"
	"github.com/smsgw/sms-gateway/internal/logger"
)

// Request headers consumed by the middleware
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderAPIKey         = "API-Key"
)

// Store is the Redis subset the middleware needs
type Store interface {
	Get(ctx context.Context, key string, dest interface{}) error
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Record is the cached response replayed on token reuse
type Record struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
	MediaType  string `json:"media_type"`
	CachedAt   string `json:"cached_at"`
}

// Middleware caches and replays responses keyed by client and token
type Middleware struct {
	store  Store
	ttl    time.Duration
	logger *logger.Logger
}

// NewMiddleware creates the idempotency middleware
func NewMiddleware(store Store, ttl time.Duration, log *logger.Logger) *Middleware {
	return &Middleware{store: store, ttl: ttl, logger: log}
}

// Key builds the storage key scoping tokens per client, so two clients
// reusing the same token never see each other's responses
func Key(apiKey, token string) string {
	return fmt.Sprintf("idem:%s:%s", apiKey, token)
}

// Handler wraps an HTTP handler with idempotent replay. Requests without
// a token, or without the client header every key is scoped by, bypass
// the cache entirely; anonymous callers must never share a cache slot.
// Storage failures fail open: the request proceeds as if uncached.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(HeaderIdempotencyKey)
		apiKey := r.Header.Get(HeaderAPIKey)
		if token == "" || apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := Key(apiKey, token)
		ctx := r.Context()

		var rec Record
		err := m.store.Get(ctx, key, &rec)
		switch {
		case err == nil:
			m.replay(ctx, w, key, rec)
			return
		case !errors.Is(err, cache.ErrNotFound):
			m.logger.Warn("idempotency lookup failed, proceeding uncached",
				"error", err.Error())
			next.ServeHTTP(w, r)
			return
		}

		recorder := newResponseRecorder(w)
		next.ServeHTTP(recorder, r)
		m.save(ctx, key, recorder)
	})
}

// replay writes a cached response verbatim. Cached errors get their TTL
// refreshed so a client hammering a failed token keeps seeing the same
// answer instead of racing a fresh attempt at expiry.
func (m *Middleware) replay(ctx context.Context, w http.ResponseWriter, key string, rec Record) {
	if rec.StatusCode >= http.StatusBadRequest {
		if err := m.store.Expire(ctx, key, m.ttl); err != nil {
			m.logger.Warn("failed to refresh idempotency record TTL", "error", err.Error())
		}
	}

	if rec.MediaType != "" {
		w.Header().Set("Content-Type", rec.MediaType)
	}
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write([]byte(rec.Body))
}

func (m *Middleware) save(ctx context.Context, key string, recorder *responseRecorder) {
	rec := Record{
		StatusCode: recorder.status,
		Body:       recorder.body.String(),
		MediaType:  recorder.Header().Get("Content-Type"),
		CachedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	// SetNX keeps the first response if concurrent retries raced; the
	// expiry is applied unconditionally so the loser still refreshes it
	if _, err := m.store.SetNX(ctx, key, rec, 0); err != nil {
		m.logger.Warn("failed to store idempotency record", "error", err.Error())
		return
	}
	if err := m.store.Expire(ctx, key, m.ttl); err != nil {
		m.logger.Warn("failed to expire idempotency record", "error", err.Error())
	}
}

// responseRecorder captures the response while writing it through
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	r.body.Write(data)
	return r.ResponseWriter.Write(data)
}
