package models

import "time"

// Credential is a row of replicate_tokens.
type Credential struct {
	ID           int64      `db:"id"`
	Secret       string     `db:"token"`
	IsActive     bool       `db:"is_active"`
	RequestCount int64      `db:"request_count"`
	ErrorCount   int64      `db:"error_count"`
	LastUsedAt   *time.Time `db:"last_used_at"`
	LastError    *string    `db:"last_error"`
	LastErrorAt  *time.Time `db:"last_error_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// DispatchLog represents one dispatch attempt as seen by the HTTP surface
type DispatchLog struct {
	ID           string    `db:"id"`
	RequestID    string    `db:"request_id"`
	Endpoint     string    `db:"endpoint"`
	Model        string    `db:"model"`
	PredictionID *string   `db:"prediction_id"`
	CredentialID *int64    `db:"credential_id"`
	Attempts     int       `db:"attempts"`
	LatencyMs    int       `db:"latency_ms"`
	StatusCode   int       `db:"status_code"`
	ErrorKind    *string   `db:"error_kind"`
	ErrorMessage *string   `db:"error_message"`
	CreatedAt    time.Time `db:"created_at"`
}
