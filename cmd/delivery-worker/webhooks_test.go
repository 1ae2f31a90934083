package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smsgw/sms-gateway/internal/logger"
	"github.com/smsgw/sms-gateway/internal/models"
)

type fakeWebhookStore struct {
	messages map[string]*models.Message // keyed by provider_message_id
	byTrack  map[string]*models.Message
	applied  []string
}

func newFakeWebhookStore() *fakeWebhookStore {
	return &fakeWebhookStore{
		messages: map[string]*models.Message{},
		byTrack:  map[string]*models.Message{},
	}
}

func (f *fakeWebhookStore) add(msg *models.Message) {
	f.messages[msg.ProviderMessageID] = msg
	f.byTrack[msg.TrackingID] = msg
}

func (f *fakeWebhookStore) ApplyDeliveryReport(ctx context.Context, providerName, providerMessageID, status string) (string, error) {
	msg, ok := f.messages[providerMessageID]
	if !ok || msg.Provider != providerName || msg.Status != models.MessageStatusSent {
		return "", nil
	}
	msg.Status = status
	f.applied = append(f.applied, providerMessageID)
	return msg.TrackingID, nil
}

func (f *fakeWebhookStore) GetMessageByTrackingID(ctx context.Context, trackingID string) (*models.Message, error) {
	return f.byTrack[trackingID], nil
}

func webhookRouter(h *WebhookHandler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/webhooks/dlr/{provider}", h.DeliveryReport).Methods(http.MethodPost)
	router.HandleFunc("/messages/{tracking_id}", h.MessageStatus).Methods(http.MethodGet)
	return router
}

func TestDeliveryReportMarksDelivered(t *testing.T) {
	store := newFakeWebhookStore()
	store.add(&models.Message{
		TrackingID: "trk-1", Provider: "magfa",
		ProviderMessageID: "555", Status: models.MessageStatusSent,
	})
	router := webhookRouter(NewWebhookHandler(store, nil, logger.New("test")))

	body := []byte(`{"dlrs":[{"mid":555,"status":1},{"mid":999,"status":1},{"mid":555,"status":42}]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/dlr/magfa", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp dlrResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Processed)
	assert.Equal(t, 2, resp.Ignored)
	assert.Equal(t, models.MessageStatusDelivered, store.byTrack["trk-1"].Status)
}

func TestDeliveryReportFailureCode(t *testing.T) {
	store := newFakeWebhookStore()
	store.add(&models.Message{
		TrackingID: "trk-1", Provider: "magfa",
		ProviderMessageID: "555", Status: models.MessageStatusSent,
	})
	router := webhookRouter(NewWebhookHandler(store, nil, logger.New("test")))

	body := []byte(`{"dlrs":[{"mid":555,"status":16}]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/dlr/magfa", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.MessageStatusFailed, store.byTrack["trk-1"].Status)
}

func TestDeliveryReportWrongProviderIgnored(t *testing.T) {
	store := newFakeWebhookStore()
	store.add(&models.Message{
		TrackingID: "trk-1", Provider: "magfa",
		ProviderMessageID: "555", Status: models.MessageStatusSent,
	})
	router := webhookRouter(NewWebhookHandler(store, nil, logger.New("test")))

	body := []byte(`{"dlrs":[{"mid":555,"status":1}]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/dlr/other", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	var resp dlrResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Processed)
	assert.Equal(t, models.MessageStatusSent, store.byTrack["trk-1"].Status)
}

func TestMessageStatusLookup(t *testing.T) {
	sentAt := time.Now().UTC()
	store := newFakeWebhookStore()
	store.add(&models.Message{
		TrackingID: "trk-1", Provider: "magfa", ProviderMessageID: "555",
		Status: models.MessageStatusSent, SendAttempts: 2,
		CreatedAt: sentAt.Add(-time.Minute), SentAt: &sentAt,
	})
	router := webhookRouter(NewWebhookHandler(store, nil, logger.New("test")))

	req := httptest.NewRequest(http.MethodGet, "/messages/trk-1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp messageStatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, models.MessageStatusSent, resp.Status)
	assert.Equal(t, "magfa", resp.Provider)
	assert.Equal(t, 2, resp.SendAttempts)
	assert.NotEmpty(t, resp.SentAt)
}

func TestMessageStatusNotFound(t *testing.T) {
	router := webhookRouter(NewWebhookHandler(newFakeWebhookStore(), nil, logger.New("test")))

	req := httptest.NewRequest(http.MethodGet, "/messages/nosuch", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
