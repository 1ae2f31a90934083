package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smsgw/sms-gateway/internal/database"
	"github.com/smsgw/sms-gateway/internal/models"
)

// Store owns the worker's persistence: the message ledger, the attempt
// audit trail, and the client/provider registry that feeds config sync.
type Store struct {
	db *database.DB
}

// NewStore creates a store on an established connection
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the worker tables if they do not exist yet
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			tracking_id TEXT NOT NULL UNIQUE,
			user_id INTEGER NOT NULL,
			client_key TEXT NOT NULL,
			recipient TEXT NOT NULL,
			text TEXT NOT NULL,
			ttl_seconds INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'PENDING',
			provider TEXT,
			send_attempts INTEGER NOT NULL DEFAULT 0,
			provider_message_id TEXT,
			error_message TEXT,
			initial_envelope JSONB NOT NULL,
			next_retry_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			sent_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_retry ON messages(status, next_retry_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_provider_mid ON messages(provider, provider_message_id)`,
		`CREATE TABLE IF NOT EXISTS message_attempt_logs (
			id BIGSERIAL PRIMARY KEY,
			message_id BIGINT NOT NULL REFERENCES messages(id),
			provider TEXT NOT NULL,
			status TEXT NOT NULL,
			raw_response TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS clients (
			api_key TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			daily_quota INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS providers (
			name TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_operational BOOLEAN NOT NULL DEFAULT TRUE,
			aliases JSONB NOT NULL DEFAULT '[]',
			note TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			send_url TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL DEFAULT '',
			auth_username TEXT NOT NULL DEFAULT '',
			auth_password TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// CreateMessageFromEnvelope inserts a freshly consumed envelope as a
// PENDING message. The raw envelope is kept for policy decisions later.
func (s *Store) CreateMessageFromEnvelope(ctx context.Context, env models.Envelope, raw []byte) (int64, error) {
	createdAt, err := time.Parse(time.RFC3339, env.CreatedAt)
	if err != nil {
		createdAt = time.Now().UTC()
	}

	var id int64
	err = s.db.Conn.QueryRowContext(ctx, `
		INSERT INTO messages (tracking_id, user_id, client_key, recipient, text, ttl_seconds, status, initial_envelope, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		env.TrackingID, env.UserID, env.ClientKey, env.To, env.Text, env.TTLSeconds,
		models.MessageStatusPending, raw, createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	return id, nil
}

// TrackingIDExists reports whether an envelope was already persisted.
// The broker delivers at least once; this guard absorbs redeliveries.
func (s *Store) TrackingIDExists(ctx context.Context, trackingID string) (bool, error) {
	var exists bool
	err := s.db.Conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE tracking_id = $1)`, trackingID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check tracking id: %w", err)
	}
	return exists, nil
}

const messageColumns = `id, tracking_id, user_id, client_key, recipient, text, ttl_seconds,
	status, COALESCE(provider, ''), send_attempts, COALESCE(provider_message_id, ''),
	COALESCE(error_message, ''), initial_envelope, next_retry_at, created_at, updated_at, sent_at`

// ClaimPending atomically moves up to limit PENDING messages to
// PROCESSING and returns them. SKIP LOCKED lets concurrent workers claim
// disjoint batches.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]models.Message, error) {
	return s.claim(ctx, `
		WITH claimed AS (
			SELECT id FROM messages
			WHERE status = $1
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE messages m
		SET status = $3, updated_at = NOW()
		FROM claimed
		WHERE m.id = claimed.id
		RETURNING `+qualifyColumns("m"),
		models.MessageStatusPending, limit, models.MessageStatusProcessing)
}

// ClaimDueRetries atomically claims AWAITING_RETRY messages whose
// backoff has elapsed
func (s *Store) ClaimDueRetries(ctx context.Context, limit int) ([]models.Message, error) {
	return s.claim(ctx, `
		WITH claimed AS (
			SELECT id FROM messages
			WHERE status = $1 AND next_retry_at <= NOW()
			ORDER BY next_retry_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE messages m
		SET status = $3, updated_at = NOW()
		FROM claimed
		WHERE m.id = claimed.id
		RETURNING `+qualifyColumns("m"),
		models.MessageStatusAwaitingRetry, limit, models.MessageStatusProcessing)
}

func (s *Store) claim(ctx context.Context, query string, args ...interface{}) ([]models.Message, error) {
	rows, err := s.db.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}
	defer rows.Close()

	var claimed []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, msg)
	}
	return claimed, rows.Err()
}

// MarkSent finalizes a message after a successful provider handoff
func (s *Store) MarkSent(ctx context.Context, id int64, attempts int, providerName, providerMessageID string) error {
	_, err := s.db.Conn.ExecContext(ctx, `
		UPDATE messages
		SET status = $2, provider = $3, provider_message_id = $4, send_attempts = $5,
		    error_message = NULL, next_retry_at = NULL, sent_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		id, models.MessageStatusSent, providerName, providerMessageID, attempts)
	if err != nil {
		return fmt.Errorf("failed to mark message sent: %w", err)
	}
	return nil
}

// MarkAwaitingRetry parks a message until its backoff elapses
func (s *Store) MarkAwaitingRetry(ctx context.Context, id int64, attempts int, nextRetryAt time.Time, reason string) error {
	_, err := s.db.Conn.ExecContext(ctx, `
		UPDATE messages
		SET status = $2, send_attempts = $3, next_retry_at = $4, error_message = $5, updated_at = NOW()
		WHERE id = $1`,
		id, models.MessageStatusAwaitingRetry, attempts, nextRetryAt, reason)
	if err != nil {
		return fmt.Errorf("failed to mark message awaiting retry: %w", err)
	}
	return nil
}

// MarkFailed finalizes a message that will never be delivered
func (s *Store) MarkFailed(ctx context.Context, id int64, attempts int, reason string) error {
	_, err := s.db.Conn.ExecContext(ctx, `
		UPDATE messages
		SET status = $2, send_attempts = $3, error_message = $4, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1`,
		id, models.MessageStatusFailed, attempts, reason)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	return nil
}

// AppendAttemptLog records one provider attempt in the audit trail
func (s *Store) AppendAttemptLog(ctx context.Context, messageID int64, providerName, status, rawResponse string) error {
	_, err := s.db.Conn.ExecContext(ctx, `
		INSERT INTO message_attempt_logs (message_id, provider, status, raw_response)
		VALUES ($1, $2, $3, $4)`,
		messageID, providerName, status, rawResponse)
	if err != nil {
		return fmt.Errorf("failed to append attempt log: %w", err)
	}
	return nil
}

// GetMessageByTrackingID loads one message for the status endpoint
func (s *Store) GetMessageByTrackingID(ctx context.Context, trackingID string) (*models.Message, error) {
	row := s.db.Conn.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tracking_id = $1`, trackingID)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ApplyDeliveryReport updates a SENT message from a provider delivery
// report. Returns the tracking id of the updated message, or empty when
// no message matched.
func (s *Store) ApplyDeliveryReport(ctx context.Context, providerName, providerMessageID, status string) (string, error) {
	var trackingID string
	err := s.db.Conn.QueryRowContext(ctx, `
		UPDATE messages
		SET status = $3, updated_at = NOW()
		WHERE provider = $1 AND provider_message_id = $2 AND status = $4
		RETURNING tracking_id`,
		providerName, providerMessageID, status, models.MessageStatusSent,
	).Scan(&trackingID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to apply delivery report: %w", err)
	}
	return trackingID, nil
}

// CountPending sizes the dispatch backlog for the metrics gauge
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.Conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE status = $1`, models.MessageStatusPending,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return count, nil
}

// UpsertClient creates or updates a registry client
func (s *Store) UpsertClient(ctx context.Context, rec models.UserRecord) error {
	_, err := s.db.Conn.ExecContext(ctx, `
		INSERT INTO clients (api_key, user_id, username, is_active, daily_quota)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (api_key) DO UPDATE
		SET user_id = EXCLUDED.user_id, username = EXCLUDED.username,
		    is_active = EXCLUDED.is_active, daily_quota = EXCLUDED.daily_quota,
		    updated_at = NOW()`,
		rec.APIKey, rec.UserID, rec.Username, rec.IsActive, rec.DailyQuota)
	if err != nil {
		return fmt.Errorf("failed to upsert client: %w", err)
	}
	return nil
}

// DeleteClient removes a registry client
func (s *Store) DeleteClient(ctx context.Context, apiKey string) error {
	if _, err := s.db.Conn.ExecContext(ctx, `DELETE FROM clients WHERE api_key = $1`, apiKey); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	return nil
}

// ListClients returns all registry clients in broadcast wire shape
func (s *Store) ListClients(ctx context.Context) ([]models.UserRecord, error) {
	rows, err := s.db.Conn.QueryContext(ctx,
		`SELECT api_key, user_id, username, is_active, daily_quota FROM clients ORDER BY api_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []models.UserRecord
	for rows.Next() {
		var rec models.UserRecord
		if err := rows.Scan(&rec.APIKey, &rec.UserID, &rec.Username, &rec.IsActive, &rec.DailyQuota); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, rec)
	}
	return clients, rows.Err()
}

// UpsertProvider creates or updates a registry provider
func (s *Store) UpsertProvider(ctx context.Context, p models.Provider) error {
	aliases, err := json.Marshal(p.Aliases)
	if err != nil {
		return fmt.Errorf("failed to marshal aliases: %w", err)
	}

	_, err = s.db.Conn.ExecContext(ctx, `
		INSERT INTO providers (name, type, is_active, is_operational, aliases, note, priority, send_url, sender, auth_username, auth_password)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (name) DO UPDATE
		SET type = EXCLUDED.type, is_active = EXCLUDED.is_active,
		    is_operational = EXCLUDED.is_operational, aliases = EXCLUDED.aliases,
		    note = EXCLUDED.note, priority = EXCLUDED.priority,
		    send_url = EXCLUDED.send_url, sender = EXCLUDED.sender,
		    auth_username = EXCLUDED.auth_username, auth_password = EXCLUDED.auth_password,
		    updated_at = NOW()`,
		p.Name, p.Type, p.IsActive, p.IsOperational, aliases, p.Note, p.Priority,
		p.SendURL, p.Sender, p.AuthUsername, p.AuthPassword)
	if err != nil {
		return fmt.Errorf("failed to upsert provider: %w", err)
	}
	return nil
}

// DeleteProvider removes a registry provider
func (s *Store) DeleteProvider(ctx context.Context, name string) error {
	if _, err := s.db.Conn.ExecContext(ctx, `DELETE FROM providers WHERE name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	return nil
}

// ListProviders returns all registry providers, credentials included
func (s *Store) ListProviders(ctx context.Context) ([]models.Provider, error) {
	rows, err := s.db.Conn.QueryContext(ctx, `
		SELECT name, type, is_active, is_operational, aliases, note, priority, send_url, sender, auth_username, auth_password
		FROM providers ORDER BY priority, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []models.Provider
	for rows.Next() {
		var p models.Provider
		var aliases []byte
		if err := rows.Scan(&p.Name, &p.Type, &p.IsActive, &p.IsOperational, &aliases,
			&p.Note, &p.Priority, &p.SendURL, &p.Sender, &p.AuthUsername, &p.AuthPassword); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		if err := json.Unmarshal(aliases, &p.Aliases); err != nil {
			return nil, fmt.Errorf("failed to unmarshal aliases for %s: %w", p.Name, err)
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// ConfigSnapshot builds the full registry snapshot broadcast to gateways.
// Provider credentials never leave the worker; only the wire shape does.
func (s *Store) ConfigSnapshot(ctx context.Context) (models.StatePayload, error) {
	clients, err := s.ListClients(ctx)
	if err != nil {
		return models.StatePayload{}, err
	}
	providers, err := s.ListProviders(ctx)
	if err != nil {
		return models.StatePayload{}, err
	}

	payload := models.StatePayload{}
	payload.Data.Users = clients
	for _, p := range providers {
		payload.Data.Providers = append(payload.Data.Providers, p.Record())
	}
	return payload, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (models.Message, error) {
	var msg models.Message
	var nextRetryAt, sentAt sql.NullTime

	err := row.Scan(&msg.ID, &msg.TrackingID, &msg.UserID, &msg.ClientKey, &msg.Recipient,
		&msg.Text, &msg.TTLSeconds, &msg.Status, &msg.Provider, &msg.SendAttempts,
		&msg.ProviderMessageID, &msg.ErrorMessage, &msg.InitialEnvelope,
		&nextRetryAt, &msg.CreatedAt, &msg.UpdatedAt, &sentAt)
	if err == sql.ErrNoRows {
		return msg, err
	}
	if err != nil {
		return msg, fmt.Errorf("failed to scan message: %w", err)
	}

	if nextRetryAt.Valid {
		msg.NextRetryAt = &nextRetryAt.Time
	}
	if sentAt.Valid {
		msg.SentAt = &sentAt.Time
	}
	return msg, nil
}

// qualifyColumns prefixes the shared message column list for UPDATE ...
// RETURNING statements that alias the table
func qualifyColumns(alias string) string {
	return fmt.Sprintf(`%s.id, %s.tracking_id, %s.user_id, %s.client_key, %s.recipient, %s.text, %s.ttl_seconds,
	%s.status, COALESCE(%s.provider, ''), %s.send_attempts, COALESCE(%s.provider_message_id, ''),
	COALESCE(%s.error_message, ''), %s.initial_envelope, %s.next_retry_at, %s.created_at, %s.updated_at, %s.sent_at`,
		alias, alias, alias, alias, alias, alias, alias, alias, alias, alias, alias, alias, alias, alias, alias, alias, alias)
}
