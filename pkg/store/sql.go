package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/relation"
)

// Column order shared by every relationship SELECT.
const relationshipColumns = `id, initiator, responder, trust_level, state, close_reason, depth, max_depth,
	timebox_mode, timebox_window_ns, timebox_start, timebox_end,
	created_at, last_activity_at, expires_at, closed_at,
	continuation_of, context_snapshot, chain_head`

const (
	insertEventSQLite   = `INSERT INTO events (relationship_id, sequence, type, recorded_at, payload, previous_hash, hash) VALUES (?, ?, ?, ?, ?, ?, ?)`
	insertEventPostgres = `INSERT INTO events (relationship_id, sequence, type, recorded_at, payload, previous_hash, hash) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	relationshipExistsSQLite   = `SELECT COUNT(*) FROM relationships WHERE id = ?`
	relationshipExistsPostgres = `SELECT COUNT(*) FROM relationships WHERE id = $1`
)

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, tx execer, query string, e relation.Event) error {
	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query,
		e.RelationshipID, e.Sequence, e.Type, formatTime(e.RecordedAt), payload, e.PreviousHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert event %d: %w", e.Sequence, err)
	}
	return nil
}

// checkCAS distinguishes a missed compare-and-swap from a missing row after
// an UPDATE touched nothing.
func checkCAS(ctx context.Context, db queryRower, probeQuery string, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var count int
	if err := db.QueryRowContext(ctx, probeQuery, id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrStateConflict
}

func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "", nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(raw), nil
}

func scanRelationship(row rowScanner) (*relation.Relationship, error) {
	var (
		rel        relation.Relationship
		mode       string
		windowNS   int64
		tbStart    string
		tbEnd      string
		createdAt  string
		activityAt string
		expiresAt  string
		closedAt   string
		snapshot   sql.NullString
	)
	err := row.Scan(
		&rel.ID, &rel.Initiator, &rel.Responder, &rel.TrustLevel, &rel.State, &rel.CloseReason, &rel.Depth, &rel.MaxDepth,
		&mode, &windowNS, &tbStart, &tbEnd,
		&createdAt, &activityAt, &expiresAt, &closedAt,
		&rel.ContinuationOf, &snapshot, &rel.ChainHead,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rel.Timebox = relation.Timebox{
		Mode:   relation.TimeboxMode(mode),
		Window: time.Duration(windowNS),
		Start:  parseTime(tbStart),
		End:    parseTime(tbEnd),
	}
	rel.CreatedAt = parseTime(createdAt)
	rel.LastActivityAt = parseTime(activityAt)
	rel.ExpiresAt = parseTime(expiresAt)
	rel.ClosedAt = parseTime(closedAt)

	if snapshot.Valid && snapshot.String != "" {
		if err := json.Unmarshal([]byte(snapshot.String), &rel.ContextSnapshot); err != nil {
			return nil, fmt.Errorf("corrupt context snapshot for %s: %w", rel.ID, err)
		}
	}
	return &rel, nil
}

func scanRelationships(rows *sql.Rows) ([]*relation.Relationship, error) {
	var out []*relation.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanEvent(row rowScanner) (*relation.Event, error) {
	var (
		e          relation.Event
		recordedAt string
		payload    sql.NullString
	)
	err := row.Scan(&e.RelationshipID, &e.Sequence, &e.Type, &recordedAt, &payload, &e.PreviousHash, &e.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.RecordedAt = parseTime(recordedAt)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
			return nil, fmt.Errorf("corrupt payload at sequence %d: %w", e.Sequence, err)
		}
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]relation.Event, error) {
	var out []relation.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
