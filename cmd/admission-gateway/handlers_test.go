package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smsgw/sms-gateway/internal/broker"
	"github.com/smsgw/sms-gateway/internal/configcache"
	"github.com/smsgw/sms-gateway/internal/gate"
	"github.com/smsgw/sms-gateway/internal/idempotency"
	"github.com/smsgw/sms-gateway/internal/logger"
	"github.com/smsgw/sms-gateway/internal/models"
	"github.com/smsgw/sms-gateway/internal/quota"
)

type fakeBus struct {
	published map[string][][]byte
	connected bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[string][][]byte{}, connected: true}
}

func (f *fakeBus) PublishJSON(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func (f *fakeBus) IsConnected() bool { return f.connected }

type fakeRedis struct{ err error }

func (f *fakeRedis) HealthCheck() error { return f.err }

type fakeCounter struct{ counts map[string]int64 }

func (f *fakeCounter) Incr(ctx context.Context, key string) (int64, error) {
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func testHandler(t *testing.T, bus *fakeBus) (*Handler, *configcache.Cache) {
	t.Helper()
	c := configcache.New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, c.Replace(
		map[string]models.ClientConfig{
			"key-1":    {UserID: 1, Username: "acme", IsActive: true, DailyQuota: 100},
			"key-idle": {UserID: 2, Username: "idle", IsActive: false},
		},
		map[string]models.ProviderConfig{
			"magfa":    {IsActive: true, IsOperational: true, Aliases: []string{"Magfa-SMS"}},
			"localsms": {IsActive: false, IsOperational: true},
		},
	))

	h := NewHandler(c, gate.New(true),
		quota.NewEnforcer(&fakeCounter{}, "quota", 24*time.Hour),
		bus, &fakeRedis{}, logger.New("test"))
	return h, c
}

func sendBody(to, text string, providers ...string) []byte {
	body := map[string]interface{}{"to": to, "text": text}
	if len(providers) > 0 {
		body["providers"] = providers
	}
	data, _ := json.Marshal(body)
	return data
}

func doSend(h *Handler, apiKey string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sms/send", bytes.NewReader(body))
	if apiKey != "" {
		req.Header.Set(idempotency.HeaderAPIKey, apiKey)
	}
	rr := httptest.NewRecorder()
	h.SendMessage(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestSendMessageAccepted(t *testing.T) {
	bus := newFakeBus()
	h, _ := testHandler(t, bus)

	rr := doSend(h, "key-1", sendBody("09121234567", "hello", "Magfa-SMS"))
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp sendResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.TrackingID)

	msgs := bus.published[broker.SubjectOutbound]
	require.Len(t, msgs, 1)

	var env models.Envelope
	require.NoError(t, json.Unmarshal(msgs[0], &env))
	assert.Equal(t, resp.TrackingID, env.TrackingID)
	assert.Equal(t, "+989121234567", env.To, "local format must be normalized to E.164")
	assert.Equal(t, []string{"magfa"}, env.ProvidersEffective)
	assert.Equal(t, []string{"Magfa-SMS"}, env.ProvidersOriginal)
	assert.Equal(t, defaultTTLSeconds, env.TTLSeconds)
}

func TestSendMessageUnauthorized(t *testing.T) {
	bus := newFakeBus()
	h, _ := testHandler(t, bus)

	for _, key := range []string{"", "nosuch", "key-idle"} {
		rr := doSend(h, key, sendBody("09121234567", "hello"))
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "key %q", key)
		assert.Equal(t, models.ErrCodeUnauthorized, decodeError(t, rr).ErrorCode)
	}
	assert.Empty(t, bus.published)
}

func TestSendMessageInvalidPayload(t *testing.T) {
	bus := newFakeBus()
	h, _ := testHandler(t, bus)

	cases := map[string][]byte{
		"bad json":      []byte("{nope"),
		"missing text":  sendBody("09121234567", ""),
		"bad recipient": sendBody("12345", "hello"),
	}
	for name, body := range cases {
		rr := doSend(h, "key-1", body)
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, name)
		assert.Equal(t, models.ErrCodeInvalidPayload, decodeError(t, rr).ErrorCode, name)
	}
	assert.Empty(t, bus.published)
}

func TestSendMessageTextLengthCountsCharacters(t *testing.T) {
	bus := newFakeBus()
	h, _ := testHandler(t, bus)

	// 600 Persian characters are 1200 bytes; only the character count matters
	rr := doSend(h, "key-1", sendBody("09121234567", strings.Repeat("پ", 600)))
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = doSend(h, "key-1", sendBody("09121234567", strings.Repeat("پ", maxTextLength+1)))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, models.ErrCodeInvalidPayload, decodeError(t, rr).ErrorCode)
}

func TestSendMessageTTLOutOfRange(t *testing.T) {
	bus := newFakeBus()
	h, _ := testHandler(t, bus)

	body, _ := json.Marshal(map[string]interface{}{
		"to": "09121234567", "text": "hello", "ttl_seconds": 5,
	})
	rr := doSend(h, "key-1", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestSendMessageUnknownProvider(t *testing.T) {
	bus := newFakeBus()
	h, _ := testHandler(t, bus)

	rr := doSend(h, "key-1", sendBody("09121234567", "hello", "nosuch"))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	resp := decodeError(t, rr)
	assert.Equal(t, models.ErrCodeUnknownProvider, resp.ErrorCode)
	assert.Equal(t, []interface{}{"nosuch"}, resp.Details["unknown"])
	assert.Contains(t, resp.Details, "allowed")
	assert.Empty(t, bus.published)
}

func TestSendMessageProviderDisabled(t *testing.T) {
	bus := newFakeBus()
	h, _ := testHandler(t, bus)

	rr := doSend(h, "key-1", sendBody("09121234567", "hello", "localsms"))
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, models.ErrCodeProviderDisabled, decodeError(t, rr).ErrorCode)
}

func TestSendMessageNoProviderAvailable(t *testing.T) {
	bus := newFakeBus()
	h, c := testHandler(t, bus)

	// Every provider goes non-operational; an open provider choice must
	// be refused instead of queued into a black hole
	require.NoError(t, c.ReplaceProviders(map[string]models.ProviderConfig{
		"magfa": {IsActive: true, IsOperational: false},
	}))

	rr := doSend(h, "key-1", sendBody("09121234567", "hello"))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, models.ErrCodeNoProviderAvailable, decodeError(t, rr).ErrorCode)
	assert.Empty(t, bus.published)
}

func TestSendMessageQuotaExhausted(t *testing.T) {
	bus := newFakeBus()
	c := configcache.New(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, c.Replace(
		map[string]models.ClientConfig{"key-1": {UserID: 1, Username: "acme", IsActive: true, DailyQuota: 1}},
		map[string]models.ProviderConfig{"magfa": {IsActive: true, IsOperational: true}},
	))
	h := NewHandler(c, gate.New(true),
		quota.NewEnforcer(&fakeCounter{}, "quota", 24*time.Hour),
		bus, &fakeRedis{}, logger.New("test"))

	rr := doSend(h, "key-1", sendBody("09121234567", "hello"))
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = doSend(h, "key-1", sendBody("09121234567", "hello"))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, models.ErrCodeTooManyRequests, decodeError(t, rr).ErrorCode)
	assert.Len(t, bus.published[broker.SubjectOutbound], 1)
}

func TestNormalizeRecipient(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"09121234567", "+989121234567", true},
		{"9121234567", "+989121234567", true},
		{"+989121234567", "+989121234567", true},
		{"+14155550100", "+14155550100", true},
		{"0912123", "", false},
		{"not-a-number", "", false},
	}
	for _, tc := range cases {
		got, ok := normalizeRecipient(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestReadyz(t *testing.T) {
	bus := newFakeBus()
	h, _ := testHandler(t, bus)

	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	bus.connected = false
	rr = httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
