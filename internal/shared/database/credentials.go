package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mrmushfiq/mediagen-dispatch/internal/shared/models"
)

// ErrCredentialNotFound is returned when a write targets a credential id that does not exist.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialStore is the durable home of provider credentials. It satisfies tokenpool.Store.
type CredentialStore struct {
	db *DB
}

// NewCredentialStore creates a store on top of db
func NewCredentialStore(db *DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// ListActive returns active credentials, least used first.
func (s *CredentialStore) ListActive(ctx context.Context) ([]models.Credential, error) {
	query := `
		SELECT id, token, is_active, request_count, error_count, last_used_at,
		       last_error, last_error_at, created_at, updated_at
		FROM replicate_tokens
		WHERE is_active = true
		ORDER BY request_count ASC, id ASC
	`

	var creds []models.Credential
	if err := s.db.conn.SelectContext(ctx, &creds, query); err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return creds, nil
}

// Get retrieves a credential by id, active or not
func (s *CredentialStore) Get(ctx context.Context, id int64) (*models.Credential, error) {
	query := `
		SELECT id, token, is_active, request_count, error_count, last_used_at,
		       last_error, last_error_at, created_at, updated_at
		FROM replicate_tokens
		WHERE id = $1
	`

	var cred models.Credential
	err := s.db.conn.GetContext(ctx, &cred, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &cred, nil
}

// Add stores a new active credential and returns its id. Adding an existing
// secret returns its id and leaves its state unchanged, so a deactivated
// credential stays out of rotation across restarts.
func (s *CredentialStore) Add(ctx context.Context, secret string) (int64, error) {
	query := `
		WITH inserted AS (
			INSERT INTO replicate_tokens (token)
			VALUES ($1)
			ON CONFLICT (token) DO NOTHING
			RETURNING id
		)
		SELECT id FROM inserted
		UNION ALL
		SELECT id FROM replicate_tokens WHERE token = $1
		LIMIT 1
	`

	var id int64
	if err := s.db.conn.GetContext(ctx, &id, query, secret); err != nil {
		return 0, fmt.Errorf("database error: %w", err)
	}
	return id, nil
}

// IncrementUsage bumps request_count and last_used_at
func (s *CredentialStore) IncrementUsage(ctx context.Context, id int64) error {
	return s.exec(ctx, `
		UPDATE replicate_tokens
		SET request_count = request_count + 1, last_used_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
}

// RecordError bumps error_count and keeps the latest message
func (s *CredentialStore) RecordError(ctx context.Context, id int64, message string, at time.Time) error {
	return s.exec(ctx, `
		UPDATE replicate_tokens
		SET error_count = error_count + 1, last_error = $2, last_error_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, message, at)
}

// Deactivate takes a credential out of rotation for good
func (s *CredentialStore) Deactivate(ctx context.Context, id int64) error {
	return s.exec(ctx, `
		UPDATE replicate_tokens
		SET is_active = false, updated_at = NOW()
		WHERE id = $1
	`, id)
}

func (s *CredentialStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	if n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
