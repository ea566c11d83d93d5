package api

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// PostgresIdempotencyStore provides durable idempotency enforcement backed
// by PostgreSQL, so replay protection survives process restarts.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresIdempotencyStore creates a new PostgreSQL-backed store. The
// backing table is created if missing; a failure here degrades to no replay
// protection rather than blocking boot.
func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL,
		headers JSONB NOT NULL,
		body BYTEA NOT NULL,
		cached_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		slog.Warn("idempotency: table setup failed", "error", err)
	}
	return &PostgresIdempotencyStore{db: db, ttl: ttl}
}

// Check returns a cached response if the key was seen before and is within
// TTL. Expired rows are deleted on the way out.
func (s *PostgresIdempotencyStore) Check(key string) (*storedResponse, bool) {
	var statusCode int
	var headers []byte
	var body []byte
	var cachedAt time.Time

	err := s.db.QueryRow(
		`SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&statusCode, &headers, &body, &cachedAt)
	if err != nil {
		return nil, false
	}

	if time.Since(cachedAt) > s.ttl {
		_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}

	hdr := make(http.Header)
	if err := json.Unmarshal(headers, &hdr); err != nil {
		hdr.Set("Content-Type", "application/json")
	}

	return &storedResponse{
		StatusCode: statusCode,
		Headers:    hdr,
		Body:       body,
	}, true
}

// Set stores an idempotency key and its response. Failures are logged, not
// surfaced: the request already succeeded and replay protection is
// best-effort from here.
func (s *PostgresIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	encoded, err := json.Marshal(headers)
	if err != nil {
		encoded = []byte("{}")
	}
	_, err = s.db.Exec(
		`INSERT INTO idempotency_keys (key, status_code, headers, body, cached_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, headers = $3, body = $4, cached_at = NOW()`,
		key, statusCode, encoded, body,
	)
	if err != nil {
		slog.Warn("idempotency: failed to set key", "key", key, "error", err)
	}
}

// Cleanup removes idempotency keys older than the TTL.
func (s *PostgresIdempotencyStore) Cleanup() {
	_, _ = s.db.Exec(
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		time.Now().Add(-s.ttl),
	)
}
