package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/smsgw/sms-gateway/internal/broker"
	"github.com/smsgw/sms-gateway/internal/configcache"
	"github.com/smsgw/sms-gateway/internal/gate"
	"github.com/smsgw/sms-gateway/internal/idempotency"
	"github.com/smsgw/sms-gateway/internal/logger"
	"github.com/smsgw/sms-gateway/internal/metrics"
	"github.com/smsgw/sms-gateway/internal/models"
	"github.com/smsgw/sms-gateway/internal/quota"
)

// TTL bounds for message validity, in seconds
const (
	minTTLSeconds     = 10
	maxTTLSeconds     = 86400
	defaultTTLSeconds = 3600

	// maxTextLength is in characters, not bytes, so Persian text is
	// not penalized for its multi-byte encoding
	maxTextLength = 1000
)

var (
	// Local Iranian formats are rewritten to E.164; anything already in
	// E.164 passes through unchanged
	localMobileRe = regexp.MustCompile(`^09\d{9}$`)
	bareMobileRe  = regexp.MustCompile(`^9\d{9}$`)
	e164Re        = regexp.MustCompile(`^\+\d{8,15}$`)
)

// MessageBus is the broker subset the handlers need
type MessageBus interface {
	PublishJSON(subject string, payload interface{}) error
	IsConnected() bool
}

// HealthChecker reports whether the shared Redis connection is usable
type HealthChecker interface {
	HealthCheck() error
}

// Handler carries the admission pipeline dependencies
type Handler struct {
	cache    *configcache.Cache
	gate     *gate.Gate
	quota    *quota.Enforcer
	bus      MessageBus
	redis    HealthChecker
	validate *validator.Validate
	logger   *logger.Logger
}

// NewHandler creates the admission HTTP handler
func NewHandler(cache *configcache.Cache, g *gate.Gate, q *quota.Enforcer, bus MessageBus, redis HealthChecker, log *logger.Logger) *Handler {
	return &Handler{
		cache:    cache,
		gate:     g,
		quota:    q,
		bus:      bus,
		redis:    redis,
		validate: validator.New(),
		logger:   log,
	}
}

type sendRequest struct {
	To         string   `json:"to" validate:"required"`
	Text       string   `json:"text" validate:"required"`
	TTLSeconds int      `json:"ttl_seconds"`
	Providers  []string `json:"providers" validate:"omitempty,dive,required"`
}

type sendResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	TrackingID string `json:"tracking_id"`
}

type errorResponse struct {
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// SendMessage admits one SMS into the delivery pipeline
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.RequestDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.SendRequests.Inc()

	view := h.cache.View()

	apiKey := r.Header.Get(idempotency.HeaderAPIKey)
	client, ok := view.Client(apiKey)
	if apiKey == "" || !ok || !client.IsActive {
		h.writeError(w, http.StatusUnauthorized, models.ErrCodeUnauthorized,
			"invalid or inactive API key", nil)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, models.ErrCodeInvalidPayload,
			"request body is not valid JSON", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, models.ErrCodeInvalidPayload,
			"missing or invalid fields", map[string]interface{}{"error": err.Error()})
		return
	}

	recipient, ok := normalizeRecipient(req.To)
	if !ok {
		h.writeError(w, http.StatusUnprocessableEntity, models.ErrCodeInvalidPayload,
			"recipient is not a valid phone number", map[string]interface{}{"to": req.To})
		return
	}
	if utf8.RuneCountInString(req.Text) > maxTextLength {
		h.writeError(w, http.StatusUnprocessableEntity, models.ErrCodeInvalidPayload,
			"message text exceeds maximum length", map[string]interface{}{"max_length": maxTextLength})
		return
	}

	ttl := req.TTLSeconds
	if ttl == 0 {
		ttl = defaultTTLSeconds
	}
	if ttl < minTTLSeconds || ttl > maxTTLSeconds {
		h.writeError(w, http.StatusUnprocessableEntity, models.ErrCodeInvalidPayload,
			"ttl_seconds out of range", map[string]interface{}{
				"min": minTTLSeconds, "max": maxTTLSeconds,
			})
		return
	}

	effective, rejection := h.gate.Resolve(view, client.Username, req.Providers)
	if rejection != nil {
		h.writeError(w, rejection.HTTPStatus, rejection.Code, rejection.Message, rejection.Details)
		return
	}

	allowed, err := h.quota.Check(r.Context(), apiKey, client.DailyQuota)
	if err != nil {
		// Admission fails closed: without the counter the quota cannot
		// be enforced, so the request must not slip through
		h.logger.Error("quota check failed", "error", err.Error())
		h.writeError(w, http.StatusServiceUnavailable, models.ErrCodeServiceUnavailable,
			"quota accounting unavailable, please retry", nil)
		return
	}
	if !allowed {
		h.writeError(w, http.StatusTooManyRequests, models.ErrCodeTooManyRequests,
			"daily message quota exhausted", map[string]interface{}{"daily_quota": client.DailyQuota})
		return
	}

	envelope := models.Envelope{
		TrackingID:         uuid.New().String(),
		UserID:             client.UserID,
		ClientKey:          apiKey,
		To:                 recipient,
		Text:               req.Text,
		TTLSeconds:         ttl,
		ProvidersOriginal:  req.Providers,
		ProvidersEffective: effective,
		CreatedAt:          time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.bus.PublishJSON(broker.SubjectOutbound, envelope); err != nil {
		h.logger.Error("failed to publish envelope", "tracking_id", envelope.TrackingID, "error", err.Error())
		h.writeError(w, http.StatusServiceUnavailable, models.ErrCodeServiceUnavailable,
			"message could not be queued, please retry", nil)
		return
	}

	h.logger.Info("message admitted",
		"tracking_id", envelope.TrackingID,
		"user_id", client.UserID,
		"providers_effective", effective,
	)

	h.writeJSON(w, http.StatusAccepted, sendResponse{
		Success:    true,
		Message:    "message accepted for delivery",
		TrackingID: envelope.TrackingID,
	})
}

// Recover maps handler panics to a generic INTERNAL_ERROR response so
// no internal detail leaks to the caller
func (h *Handler) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("handler panic", "panic", fmt.Sprintf("%v", rec), "path", r.URL.Path)
				h.writeError(w, http.StatusInternalServerError, models.ErrCodeInternalError,
					"internal error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Healthz is the liveness probe
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz verifies the dependencies admission cannot run without
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"redis": "ok", "broker": "ok"}
	status := http.StatusOK

	if err := h.redis.HealthCheck(); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if !h.bus.IsConnected() {
		checks["broker"] = "disconnected"
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, checks)
}

// normalizeRecipient rewrites local Iranian mobile formats to E.164
func normalizeRecipient(raw string) (string, bool) {
	number := strings.TrimSpace(raw)
	switch {
	case localMobileRe.MatchString(number):
		return "+98" + number[1:], true
	case bareMobileRe.MatchString(number):
		return "+98" + number, true
	case e164Re.MatchString(number):
		return number, true
	default:
		return "", false
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", "error", err.Error())
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	h.writeJSON(w, status, errorResponse{
		ErrorCode: code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
