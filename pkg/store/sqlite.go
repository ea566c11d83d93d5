package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/relation"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists relationships and events in an embedded SQLite
// database. Timestamps are stored as RFC 3339 strings in UTC.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
// Pass ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Chain-head CAS relies on one writer at a time per connection.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing handle and migrates it.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS relationships (
		id TEXT PRIMARY KEY,
		initiator TEXT NOT NULL,
		responder TEXT NOT NULL,
		trust_level INTEGER NOT NULL,
		state TEXT NOT NULL,
		close_reason TEXT NOT NULL DEFAULT '',
		depth INTEGER NOT NULL,
		max_depth INTEGER NOT NULL,
		timebox_mode TEXT NOT NULL,
		timebox_window_ns INTEGER NOT NULL DEFAULT 0,
		timebox_start TEXT NOT NULL DEFAULT '',
		timebox_end TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_activity_at TEXT NOT NULL,
		expires_at TEXT NOT NULL DEFAULT '',
		closed_at TEXT NOT NULL DEFAULT '',
		continuation_of TEXT NOT NULL DEFAULT '',
		context_snapshot JSON,
		chain_head TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_relationships_pair
		ON relationships (initiator, responder, continuation_of, state);
	CREATE INDEX IF NOT EXISTS idx_relationships_expiry
		ON relationships (state, expires_at);

	CREATE TABLE IF NOT EXISTS events (
		relationship_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		type TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		payload JSON,
		previous_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		PRIMARY KEY (relationship_id, sequence)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) CreateRelationship(ctx context.Context, rel *relation.Relationship, genesis relation.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relationships WHERE initiator = ? AND responder = ? AND continuation_of = ? AND state = ?`,
		rel.Initiator, rel.Responder, rel.ContinuationOf, relation.StateActive,
	).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicate
	}

	snapshot, err := marshalSnapshot(rel.ContextSnapshot)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO relationships (
		id, initiator, responder, trust_level, state, close_reason, depth, max_depth,
		timebox_mode, timebox_window_ns, timebox_start, timebox_end,
		created_at, last_activity_at, expires_at, closed_at,
		continuation_of, context_snapshot, chain_head
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rel.ID, rel.Initiator, rel.Responder, rel.TrustLevel, rel.State, rel.CloseReason, rel.Depth, rel.MaxDepth,
		rel.Timebox.Mode, int64(rel.Timebox.Window), formatTime(rel.Timebox.Start), formatTime(rel.Timebox.End),
		formatTime(rel.CreatedAt), formatTime(rel.LastActivityAt), formatTime(rel.ExpiresAt), formatTime(rel.ClosedAt),
		rel.ContinuationOf, snapshot, genesis.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert relationship: %w", err)
	}

	if err := insertEvent(ctx, tx, insertEventSQLite, genesis); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetRelationship(ctx context.Context, id string) (*relation.Relationship, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE id = ?`, id)
	return scanRelationship(row)
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e relation.Event) error {
	return s.appendTx(ctx, e, false,
		`UPDATE relationships SET chain_head = ? WHERE id = ?`,
		e.Hash, e.RelationshipID,
	)
}

func (s *SQLiteStore) RecordAdmission(ctx context.Context, e relation.Event, lastActivity, expiresAt time.Time) error {
	if expiresAt.IsZero() {
		return s.appendTx(ctx, e, false,
			`UPDATE relationships SET chain_head = ?, depth = depth + 1, last_activity_at = ? WHERE id = ?`,
			e.Hash, formatTime(lastActivity), e.RelationshipID,
		)
	}
	return s.appendTx(ctx, e, false,
		`UPDATE relationships SET chain_head = ?, depth = depth + 1, last_activity_at = ?, expires_at = ? WHERE id = ?`,
		e.Hash, formatTime(lastActivity), formatTime(expiresAt), e.RelationshipID,
	)
}

func (s *SQLiteStore) CloseRelationship(ctx context.Context, e relation.Event, reason relation.CloseReason, closedAt time.Time) error {
	return s.appendTx(ctx, e, true,
		`UPDATE relationships SET chain_head = ?, state = ?, close_reason = ?, closed_at = ? WHERE id = ? AND state = ?`,
		e.Hash, relation.StateClosed, reason, formatTime(closedAt), e.RelationshipID, relation.StateActive,
	)
}

// appendTx runs the head-CAS append plus the accompanying record update in
// one transaction. With requireMatch set, an update that matches no row
// aborts with ErrStateConflict.
func (s *SQLiteStore) appendTx(ctx context.Context, e relation.Event, requireMatch bool, update string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var head string
	err = tx.QueryRowContext(ctx, `SELECT chain_head FROM relationships WHERE id = ?`, e.RelationshipID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if head != e.PreviousHash {
		return ErrChainConflict
	}

	if err := insertEvent(ctx, tx, insertEventSQLite, e); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		return err
	}
	if requireMatch {
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStateConflict
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Touch(ctx context.Context, id string, lastActivity, expiresAt time.Time) error {
	var (
		res sql.Result
		err error
	)
	if expiresAt.IsZero() {
		res, err = s.db.ExecContext(ctx,
			`UPDATE relationships SET last_activity_at = ? WHERE id = ? AND state = ?`,
			formatTime(lastActivity), id, relation.StateActive,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE relationships SET last_activity_at = ?, expires_at = ? WHERE id = ? AND state = ?`,
			formatTime(lastActivity), formatTime(expiresAt), id, relation.StateActive,
		)
	}
	if err != nil {
		return err
	}
	return checkCAS(ctx, s.db, relationshipExistsSQLite, res, id)
}

func (s *SQLiteStore) LastEvent(ctx context.Context, relationshipID string) (*relation.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT relationship_id, sequence, type, recorded_at, payload, previous_hash, hash
		 FROM events WHERE relationship_id = ? ORDER BY sequence DESC LIMIT 1`,
		relationshipID,
	)
	return scanEvent(row)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, relationshipID string, fromSeq uint64) ([]relation.Event, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relationships WHERE id = ?`, relationshipID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT relationship_id, sequence, type, recorded_at, payload, previous_hash, hash
		 FROM events WHERE relationship_id = ? AND sequence >= ? ORDER BY sequence ASC`,
		relationshipID, fromSeq,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time) ([]*relation.Relationship, error) {
	// Deadlines are compared in Go: RFC 3339 strings with variable
	// fractional digits do not order lexicographically.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE state = ? ORDER BY id ASC`,
		relation.StateActive,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	active, err := scanRelationships(rows)
	if err != nil {
		return nil, err
	}
	var out []*relation.Relationship
	for _, rel := range active {
		if pastDeadline(rel, now) {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (s *SQLiteStore) ListByParticipant(ctx context.Context, participantID string) ([]*relation.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships
		 WHERE initiator = ? OR responder = ? ORDER BY created_at DESC`,
		participantID, participantID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRelationships(rows)
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalSnapshot(snapshot map[string]any) (string, error) {
	if snapshot == nil {
		return "", nil
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("marshal context snapshot: %w", err)
	}
	return string(raw), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
