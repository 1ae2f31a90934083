package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smsgw/sms-gateway/internal/broker"
	"github.com/smsgw/sms-gateway/internal/logger"
	"github.com/smsgw/sms-gateway/internal/models"
	"github.com/smsgw/sms-gateway/internal/policy"
	"github.com/smsgw/sms-gateway/internal/provider"
)

type fakeMessageStore struct {
	sent         map[int64]string
	sentAttempts map[int64]int
	retries      map[int64]time.Time
	retryReason  map[int64]string
	failed       map[int64]string
	attemptLogs  []models.MessageAttemptLog
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{
		sent:         map[int64]string{},
		sentAttempts: map[int64]int{},
		retries:      map[int64]time.Time{},
		retryReason:  map[int64]string{},
		failed:       map[int64]string{},
	}
}

func (f *fakeMessageStore) MarkSent(ctx context.Context, id int64, attempts int, providerName, providerMessageID string) error {
	f.sent[id] = providerName
	f.sentAttempts[id] = attempts
	return nil
}

func (f *fakeMessageStore) MarkAwaitingRetry(ctx context.Context, id int64, attempts int, nextRetryAt time.Time, reason string) error {
	f.retries[id] = nextRetryAt
	f.retryReason[id] = reason
	f.sentAttempts[id] = attempts
	return nil
}

func (f *fakeMessageStore) MarkFailed(ctx context.Context, id int64, attempts int, reason string) error {
	f.failed[id] = reason
	f.sentAttempts[id] = attempts
	return nil
}

func (f *fakeMessageStore) AppendAttemptLog(ctx context.Context, messageID int64, providerName, status, rawResponse string) error {
	f.attemptLogs = append(f.attemptLogs, models.MessageAttemptLog{
		MessageID: messageID, Provider: providerName, Status: status, RawResponse: rawResponse,
	})
	return nil
}

type fakeDLQ struct {
	payloads []models.DLQPayload
}

func (f *fakeDLQ) PublishJSON(subject string, payload interface{}) error {
	if subject == broker.SubjectDLQ {
		f.payloads = append(f.payloads, payload.(models.DLQPayload))
	}
	return nil
}

type scriptedAdapter struct {
	name    string
	outcome provider.Outcome
	calls   *[]string
}

func (s scriptedAdapter) Name() string { return s.name }

func (s scriptedAdapter) Send(ctx context.Context, to, text string) provider.Outcome {
	*s.calls = append(*s.calls, s.name)
	return s.outcome
}

func scriptedFactory(outcomes map[string]provider.Outcome, calls *[]string) AdapterFactory {
	return func(p models.Provider) (provider.Adapter, error) {
		return scriptedAdapter{name: p.Name, outcome: outcomes[p.Name], calls: calls}, nil
	}
}

func testRegistry() map[string]models.Provider {
	return map[string]models.Provider{
		"magfa":     {Name: "magfa", Type: "magfa", IsActive: true, IsOperational: true, Priority: 1},
		"kavenegar": {Name: "kavenegar", Type: "magfa", IsActive: true, IsOperational: true, Priority: 2},
	}
}

func testMessage(id int64, attempts int, effective ...string) models.Message {
	env := models.Envelope{TrackingID: "trk-1", ProvidersEffective: effective}
	raw, _ := json.Marshal(env)
	return models.Message{
		ID:              id,
		TrackingID:      "trk-1",
		Recipient:       "+989121234567",
		Text:            "hello",
		TTLSeconds:      3600,
		SendAttempts:    attempts,
		CreatedAt:       time.Now().Add(-time.Minute),
		InitialEnvelope: raw,
	}
}

func newTestFailover(store *fakeMessageStore, dlq *fakeDLQ, outcomes map[string]provider.Outcome, calls *[]string) *Failover {
	return NewFailover(store, dlq, nil, policy.NewEngine(policy.StrategyPriority),
		scriptedFactory(outcomes, calls), 3, time.Minute, logger.New("test"))
}

func TestDeliverSuccess(t *testing.T) {
	store := newFakeMessageStore()
	dlq := &fakeDLQ{}
	var calls []string
	f := newTestFailover(store, dlq, map[string]provider.Outcome{
		"magfa": {Status: provider.OutcomeSuccess, MessageID: "555"},
	}, &calls)

	f.Deliver(context.Background(), testMessage(1, 0, "magfa"), testRegistry())

	assert.Equal(t, []string{"magfa"}, calls)
	assert.Equal(t, "magfa", store.sent[1])
	assert.Equal(t, 1, store.sentAttempts[1], "attempt counter increments once per invocation")
	assert.Empty(t, dlq.payloads)

	require.Len(t, store.attemptLogs, 1)
	assert.Equal(t, models.AttemptStatusSuccess, store.attemptLogs[0].Status)
}

func TestDeliverFailsOverOnTransient(t *testing.T) {
	store := newFakeMessageStore()
	dlq := &fakeDLQ{}
	var calls []string
	f := newTestFailover(store, dlq, map[string]provider.Outcome{
		"magfa":     {Status: provider.OutcomeTransient, Reason: "code 15"},
		"kavenegar": {Status: provider.OutcomeSuccess, MessageID: "777"},
	}, &calls)

	f.Deliver(context.Background(), testMessage(1, 0, "magfa", "kavenegar"), testRegistry())

	assert.Equal(t, []string{"magfa", "kavenegar"}, calls)
	assert.Equal(t, "kavenegar", store.sent[1])
	assert.Equal(t, 1, store.sentAttempts[1], "one invocation is one attempt, however many providers it tried")
	assert.Len(t, store.attemptLogs, 2, "every provider contact leaves an audit row")
}

func TestDeliverPermanentStopsFailover(t *testing.T) {
	store := newFakeMessageStore()
	dlq := &fakeDLQ{}
	var calls []string
	f := newTestFailover(store, dlq, map[string]provider.Outcome{
		"magfa":     {Status: provider.OutcomePermanent, Reason: "code 27"},
		"kavenegar": {Status: provider.OutcomeSuccess},
	}, &calls)

	f.Deliver(context.Background(), testMessage(1, 0, "magfa", "kavenegar"), testRegistry())

	assert.Equal(t, []string{"magfa"}, calls, "remaining providers must not be tried after a permanent refusal")
	assert.Contains(t, store.failed[1], "code 27")

	require.Len(t, dlq.payloads, 1)
	assert.Equal(t, int64(1), dlq.payloads[0].MessageID)
	assert.Equal(t, "trk-1", dlq.payloads[0].TrackingID)
}

func TestDeliverAllTransientSchedulesRetry(t *testing.T) {
	store := newFakeMessageStore()
	dlq := &fakeDLQ{}
	var calls []string
	f := newTestFailover(store, dlq, map[string]provider.Outcome{
		"magfa":     {Status: provider.OutcomeTransient, Reason: "code 14"},
		"kavenegar": {Status: provider.OutcomeTransient, Reason: "code 15"},
	}, &calls)

	before := time.Now()
	f.Deliver(context.Background(), testMessage(1, 0), testRegistry())

	assert.Len(t, calls, 2)
	require.Contains(t, store.retries, int64(1))
	assert.Contains(t, store.retryReason[1], "code")
	assert.Empty(t, dlq.payloads)

	// First retry waits one base interval
	delay := store.retries[1].Sub(before)
	assert.InDelta(t, time.Minute.Seconds(), delay.Seconds(), 2)
}

func TestDeliverBackoffDoubles(t *testing.T) {
	store := newFakeMessageStore()
	dlq := &fakeDLQ{}
	var calls []string
	f := newTestFailover(store, dlq, map[string]provider.Outcome{
		"magfa": {Status: provider.OutcomeTransient, Reason: "busy"},
	}, &calls)

	before := time.Now()
	f.Deliver(context.Background(), testMessage(1, 1, "magfa"), testRegistry())

	delay := store.retries[1].Sub(before)
	assert.InDelta(t, (2 * time.Minute).Seconds(), delay.Seconds(), 2)
}

func TestDeliverMaxAttemptsDeadLetters(t *testing.T) {
	store := newFakeMessageStore()
	dlq := &fakeDLQ{}
	var calls []string
	f := newTestFailover(store, dlq, map[string]provider.Outcome{
		"magfa": {Status: provider.OutcomeTransient, Reason: "busy"},
	}, &calls)

	f.Deliver(context.Background(), testMessage(1, 2, "magfa"), testRegistry())

	assert.Contains(t, store.failed[1], "max attempts")
	assert.Equal(t, 3, store.sentAttempts[1])
	assert.Len(t, dlq.payloads, 1)
	assert.Empty(t, store.retries)
}

func TestDeliverExpiredMessage(t *testing.T) {
	store := newFakeMessageStore()
	dlq := &fakeDLQ{}
	var calls []string
	f := newTestFailover(store, dlq, map[string]provider.Outcome{
		"magfa": {Status: provider.OutcomeSuccess},
	}, &calls)

	msg := testMessage(1, 0, "magfa")
	msg.TTLSeconds = 30
	msg.CreatedAt = time.Now().Add(-time.Hour)

	f.Deliver(context.Background(), msg, testRegistry())

	assert.Empty(t, calls, "an expired message must never reach a provider")
	assert.Contains(t, store.failed[1], "ttl expired")
	assert.Len(t, dlq.payloads, 1)
}

func TestDeliverExclusiveDisabledDeadLetters(t *testing.T) {
	store := newFakeMessageStore()
	dlq := &fakeDLQ{}
	var calls []string
	f := newTestFailover(store, dlq, map[string]provider.Outcome{}, &calls)

	registry := map[string]models.Provider{
		"magfa": {Name: "magfa", IsActive: false, IsOperational: true},
	}
	f.Deliver(context.Background(), testMessage(1, 0, "magfa"), registry)

	assert.Empty(t, calls)
	assert.Empty(t, store.retries, "an empty candidate set is terminal, not retryable")
	assert.Contains(t, store.failed[1], "exclusive provider disabled")
	require.Len(t, dlq.payloads, 1)
	assert.Equal(t, "trk-1", dlq.payloads[0].TrackingID)
}

func TestDeliverNoUsableProviderDeadLetters(t *testing.T) {
	store := newFakeMessageStore()
	dlq := &fakeDLQ{}
	var calls []string
	f := newTestFailover(store, dlq, map[string]provider.Outcome{}, &calls)

	registry := map[string]models.Provider{
		"magfa": {Name: "magfa", IsActive: true, IsOperational: false},
	}
	f.Deliver(context.Background(), testMessage(1, 0), registry)

	assert.Empty(t, calls)
	assert.Empty(t, store.retries)
	assert.Contains(t, store.failed[1], "no usable provider")
	require.Len(t, dlq.payloads, 1)
}
