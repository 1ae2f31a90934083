package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smsgw/sms-gateway/internal/cache"
	"github.com/smsgw/sms-gateway/internal/logger"
)

type fakeStore struct {
	records map[string][]byte
	expires map[string]time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string][]byte{}, expires: map[string]time.Duration{}}
}

func (f *fakeStore) Get(ctx context.Context, key string, dest interface{}) error {
	data, ok := f.records[key]
	if !ok {
		return cache.ErrNotFound
	}
	return json.Unmarshal(data, dest)
}

func (f *fakeStore) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	if _, ok := f.records[key]; ok {
		return false, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	f.records[key] = data
	return true, nil
}

func (f *fakeStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.expires[key] = ttl
	return nil
}

func countingHandler(status int, body string) (http.Handler, *int) {
	calls := 0
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}), &calls
}

func doRequest(t *testing.T, h http.Handler, token, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sms/send", nil)
	if token != "" {
		req.Header.Set(HeaderIdempotencyKey, token)
	}
	req.Header.Set(HeaderAPIKey, apiKey)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestReplaySameResponse(t *testing.T) {
	store := newFakeStore()
	mw := NewMiddleware(store, time.Hour, logger.New("test"))
	inner, calls := countingHandler(http.StatusAccepted, `{"tracking_id":"abc"}`)
	h := mw.Handler(inner)

	first := doRequest(t, h, "tok-1", "key-1")
	second := doRequest(t, h, "tok-1", "key-1")

	assert.Equal(t, 1, *calls, "second request must be served from cache")
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
}

func TestNoTokenBypassesCache(t *testing.T) {
	store := newFakeStore()
	mw := NewMiddleware(store, time.Hour, logger.New("test"))
	inner, calls := countingHandler(http.StatusAccepted, `{}`)
	h := mw.Handler(inner)

	doRequest(t, h, "", "key-1")
	doRequest(t, h, "", "key-1")

	assert.Equal(t, 2, *calls)
	assert.Empty(t, store.records)
}

func TestNoAPIKeyBypassesCache(t *testing.T) {
	store := newFakeStore()
	mw := NewMiddleware(store, time.Hour, logger.New("test"))
	inner, calls := countingHandler(http.StatusUnauthorized, `{"error_code":"UNAUTHORIZED"}`)
	h := mw.Handler(inner)

	doRequest(t, h, "tok-1", "")
	doRequest(t, h, "tok-1", "")

	assert.Equal(t, 2, *calls, "anonymous requests must not share a cache slot")
	assert.Empty(t, store.records)
}

func TestTokensScopedPerClient(t *testing.T) {
	store := newFakeStore()
	mw := NewMiddleware(store, time.Hour, logger.New("test"))
	inner, calls := countingHandler(http.StatusAccepted, `{}`)
	h := mw.Handler(inner)

	doRequest(t, h, "tok-1", "key-1")
	doRequest(t, h, "tok-1", "key-2")

	assert.Equal(t, 2, *calls, "same token under different clients must not collide")
}

func TestCachedErrorRefreshesTTL(t *testing.T) {
	store := newFakeStore()
	mw := NewMiddleware(store, time.Hour, logger.New("test"))
	inner, calls := countingHandler(http.StatusConflict, `{"error_code":"PROVIDER_DISABLED"}`)
	h := mw.Handler(inner)

	doRequest(t, h, "tok-1", "key-1")
	key := Key("key-1", "tok-1")
	delete(store.expires, key)

	rr := doRequest(t, h, "tok-1", "key-1")

	assert.Equal(t, 1, *calls)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, time.Hour, store.expires[key], "replaying a cached error must refresh its TTL")
}

func TestSuccessReplayDoesNotRefreshTTL(t *testing.T) {
	store := newFakeStore()
	mw := NewMiddleware(store, time.Hour, logger.New("test"))
	inner, _ := countingHandler(http.StatusAccepted, `{}`)
	h := mw.Handler(inner)

	doRequest(t, h, "tok-1", "key-1")
	key := Key("key-1", "tok-1")
	delete(store.expires, key)

	doRequest(t, h, "tok-1", "key-1")

	_, refreshed := store.expires[key]
	assert.False(t, refreshed)
}

func TestRecordStoredWithExpiry(t *testing.T) {
	store := newFakeStore()
	mw := NewMiddleware(store, 30*time.Minute, logger.New("test"))
	inner, _ := countingHandler(http.StatusAccepted, `{}`)
	h := mw.Handler(inner)

	doRequest(t, h, "tok-1", "key-1")

	key := Key("key-1", "tok-1")
	require.Contains(t, store.records, key)
	assert.Equal(t, 30*time.Minute, store.expires[key])

	var rec Record
	require.NoError(t, json.Unmarshal(store.records[key], &rec))
	assert.Equal(t, http.StatusAccepted, rec.StatusCode)
	assert.NotEmpty(t, rec.CachedAt)
}
