package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/relation"

	_ "github.com/lib/pq"
)

// PostgresStore persists relationships and events in PostgreSQL for shared
// deployments. Row locks on the relationship serialize concurrent appends.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with the given DSN and migrates the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPostgresStore(db)
}

// NewPostgresStore wraps an existing handle and migrates it.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
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
		timebox_window_ns BIGINT NOT NULL DEFAULT 0,
		timebox_start TEXT NOT NULL DEFAULT '',
		timebox_end TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_activity_at TEXT NOT NULL,
		expires_at TEXT NOT NULL DEFAULT '',
		closed_at TEXT NOT NULL DEFAULT '',
		continuation_of TEXT NOT NULL DEFAULT '',
		context_snapshot TEXT,
		chain_head TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_relationships_pair
		ON relationships (initiator, responder, continuation_of, state);
	CREATE INDEX IF NOT EXISTS idx_relationships_state
		ON relationships (state);

	CREATE TABLE IF NOT EXISTS events (
		relationship_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		type TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		payload TEXT,
		previous_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		PRIMARY KEY (relationship_id, sequence)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) CreateRelationship(ctx context.Context, rel *relation.Relationship, genesis relation.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relationships WHERE initiator = $1 AND responder = $2 AND continuation_of = $3 AND state = $4`,
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
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		rel.ID, rel.Initiator, rel.Responder, rel.TrustLevel, rel.State, rel.CloseReason, rel.Depth, rel.MaxDepth,
		rel.Timebox.Mode, int64(rel.Timebox.Window), formatTime(rel.Timebox.Start), formatTime(rel.Timebox.End),
		formatTime(rel.CreatedAt), formatTime(rel.LastActivityAt), formatTime(rel.ExpiresAt), formatTime(rel.ClosedAt),
		rel.ContinuationOf, snapshot, genesis.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert relationship: %w", err)
	}

	if err := insertEvent(ctx, tx, insertEventPostgres, genesis); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetRelationship(ctx context.Context, id string) (*relation.Relationship, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE id = $1`, id)
	return scanRelationship(row)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e relation.Event) error {
	return s.appendTx(ctx, e, false,
		`UPDATE relationships SET chain_head = $1 WHERE id = $2`,
		e.Hash, e.RelationshipID,
	)
}

func (s *PostgresStore) RecordAdmission(ctx context.Context, e relation.Event, lastActivity, expiresAt time.Time) error {
	if expiresAt.IsZero() {
		return s.appendTx(ctx, e, false,
			`UPDATE relationships SET chain_head = $1, depth = depth + 1, last_activity_at = $2 WHERE id = $3`,
			e.Hash, formatTime(lastActivity), e.RelationshipID,
		)
	}
	return s.appendTx(ctx, e, false,
		`UPDATE relationships SET chain_head = $1, depth = depth + 1, last_activity_at = $2, expires_at = $3 WHERE id = $4`,
		e.Hash, formatTime(lastActivity), formatTime(expiresAt), e.RelationshipID,
	)
}

func (s *PostgresStore) CloseRelationship(ctx context.Context, e relation.Event, reason relation.CloseReason, closedAt time.Time) error {
	return s.appendTx(ctx, e, true,
		`UPDATE relationships SET chain_head = $1, state = $2, close_reason = $3, closed_at = $4 WHERE id = $5 AND state = $6`,
		e.Hash, relation.StateClosed, reason, formatTime(closedAt), e.RelationshipID, relation.StateActive,
	)
}

// appendTx runs the head-CAS append plus the accompanying record update in
// one transaction, serialized by a row lock on the relationship. With
// requireMatch set, an update that matches no row aborts with
// ErrStateConflict.
func (s *PostgresStore) appendTx(ctx context.Context, e relation.Event, requireMatch bool, update string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var head string
	err = tx.QueryRowContext(ctx, `SELECT chain_head FROM relationships WHERE id = $1 FOR UPDATE`, e.RelationshipID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if head != e.PreviousHash {
		return ErrChainConflict
	}

	if err := insertEvent(ctx, tx, insertEventPostgres, e); err != nil {
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

func (s *PostgresStore) Touch(ctx context.Context, id string, lastActivity, expiresAt time.Time) error {
	var (
		res sql.Result
		err error
	)
	if expiresAt.IsZero() {
		res, err = s.db.ExecContext(ctx,
			`UPDATE relationships SET last_activity_at = $1 WHERE id = $2 AND state = $3`,
			formatTime(lastActivity), id, relation.StateActive,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE relationships SET last_activity_at = $1, expires_at = $2 WHERE id = $3 AND state = $4`,
			formatTime(lastActivity), formatTime(expiresAt), id, relation.StateActive,
		)
	}
	if err != nil {
		return err
	}
	return checkCAS(ctx, s.db, relationshipExistsPostgres, res, id)
}

func (s *PostgresStore) LastEvent(ctx context.Context, relationshipID string) (*relation.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT relationship_id, sequence, type, recorded_at, payload, previous_hash, hash
		 FROM events WHERE relationship_id = $1 ORDER BY sequence DESC LIMIT 1`,
		relationshipID,
	)
	return scanEvent(row)
}

func (s *PostgresStore) ListEvents(ctx context.Context, relationshipID string, fromSeq uint64) ([]relation.Event, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, relationshipExistsPostgres, relationshipID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT relationship_id, sequence, type, recorded_at, payload, previous_hash, hash
		 FROM events WHERE relationship_id = $1 AND sequence >= $2 ORDER BY sequence ASC`,
		relationshipID, fromSeq,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]*relation.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE state = $1 ORDER BY id ASC`,
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

func (s *PostgresStore) ListByParticipant(ctx context.Context, participantID string) ([]*relation.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships
		 WHERE initiator = $1 OR responder = $1 ORDER BY created_at DESC`,
		participantID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRelationships(rows)
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
