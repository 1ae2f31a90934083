package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/smsgw/sms-gateway/internal/logger"
	"github.com/smsgw/sms-gateway/internal/metrics"
	"github.com/smsgw/sms-gateway/internal/models"
	"github.com/smsgw/sms-gateway/internal/websocket"
)

// dlrStatusMap translates provider delivery report codes to message
// statuses. Codes outside the map are ignored.
var dlrStatusMap = map[int]string{
	1:  models.MessageStatusDelivered,
	8:  models.MessageStatusDelivered,
	2:  models.MessageStatusFailed,
	16: models.MessageStatusFailed,
}

// WebhookStore is the persistence subset the HTTP surface needs
type WebhookStore interface {
	ApplyDeliveryReport(ctx context.Context, providerName, providerMessageID, status string) (string, error)
	GetMessageByTrackingID(ctx context.Context, trackingID string) (*models.Message, error)
}

// WebhookHandler serves delivery reports and message status lookups
type WebhookHandler struct {
	store  WebhookStore
	events EventSink
	logger *logger.Logger
}

// NewWebhookHandler creates the webhook handler
func NewWebhookHandler(store WebhookStore, events EventSink, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{store: store, events: events, logger: log}
}

type dlrEntry struct {
	MessageID json.Number `json:"mid"`
	Status    int         `json:"status"`
}

type dlrRequest struct {
	DLRs []dlrEntry `json:"dlrs"`
}

type dlrResponse struct {
	Processed int `json:"processed"`
	Ignored   int `json:"ignored"`
}

// DeliveryReport ingests a provider's delivery report callback. Only
// messages this worker marked SENT through the named provider are
// updated; everything else is counted as ignored.
func (h *WebhookHandler) DeliveryReport(w http.ResponseWriter, r *http.Request) {
	providerName := mux.Vars(r)["provider"]

	var req dlrRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	resp := dlrResponse{}
	for _, entry := range req.DLRs {
		status, ok := dlrStatusMap[entry.Status]
		if !ok || entry.MessageID.String() == "" {
			resp.Ignored++
			continue
		}

		trackingID, err := h.store.ApplyDeliveryReport(r.Context(), providerName, entry.MessageID.String(), status)
		if err != nil {
			h.logger.Error("failed to apply delivery report",
				"provider", providerName, "provider_message_id", entry.MessageID.String(), "error", err.Error())
			resp.Ignored++
			continue
		}
		if trackingID == "" {
			resp.Ignored++
			continue
		}

		resp.Processed++
		metrics.FinalStatus.WithLabelValues(status).Inc()
		if h.events != nil {
			event := websocket.EventDeliveryReport
			if status == models.MessageStatusFailed {
				event = websocket.EventMessageFailed
			}
			_ = h.events.BroadcastEvent(websocket.TypeDelivery, event, websocket.DeliveryData{
				TrackingID: trackingID, Status: status, Provider: providerName,
			})
		}
		h.logger.Info("delivery report applied",
			"tracking_id", trackingID, "provider", providerName, "status", status)
	}

	writeJSON(w, http.StatusOK, resp)
}

type messageStatusResponse struct {
	TrackingID   string `json:"tracking_id"`
	Status       string `json:"status"`
	Provider     string `json:"provider,omitempty"`
	SendAttempts int    `json:"send_attempts"`
	NextRetryAt  string `json:"next_retry_at,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
	SentAt       string `json:"sent_at,omitempty"`
}

// MessageStatus looks up one message by its tracking id
func (h *WebhookHandler) MessageStatus(w http.ResponseWriter, r *http.Request) {
	trackingID := mux.Vars(r)["tracking_id"]

	msg, err := h.store.GetMessageByTrackingID(r.Context(), trackingID)
	if err != nil {
		h.logger.Error("failed to load message", "tracking_id", trackingID, "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	if msg == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown tracking id"})
		return
	}

	resp := messageStatusResponse{
		TrackingID:   msg.TrackingID,
		Status:       msg.Status,
		Provider:     msg.Provider,
		SendAttempts: msg.SendAttempts,
		ErrorMessage: msg.ErrorMessage,
		CreatedAt:    msg.CreatedAt.UTC().Format(time.RFC3339),
	}
	if msg.NextRetryAt != nil {
		resp.NextRetryAt = msg.NextRetryAt.UTC().Format(time.RFC3339)
	}
	if msg.SentAt != nil {
		resp.SentAt = msg.SentAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
