// Package store persists relationships and their event chains. Three
// implementations share one contract: an in-memory store for tests and
// single-process development, SQLite for embedded deployments, and Postgres
// for shared ones.
//
// Concurrency contract: mutations on a single relationship are serialized by
// the caller; the store still detects lost races through the chain head
// (ErrChainConflict) and the state CAS (ErrStateConflict). Distinct
// relationships are fully independent.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/relation"
)

var (
	// ErrNotFound reports an unknown relationship identifier.
	ErrNotFound = errors.New("relationship not found")
	// ErrDuplicate reports an establish for an (initiator, responder,
	// continuation_of) triple that already has an active relationship.
	ErrDuplicate = errors.New("active relationship already exists for participants")
	// ErrChainConflict reports an append whose previous hash no longer
	// matches the chain head. The caller refreshes the head and may retry.
	ErrChainConflict = errors.New("chain head moved since read")
	// ErrStateConflict reports a state transition whose expected source
	// state no longer holds.
	ErrStateConflict = errors.New("relationship state changed since read")
)

// Store is the durable interface for relationship records and event chains.
type Store interface {
	// CreateRelationship persists a new record together with its sequence-0
	// event in one atomic step. Fails with ErrDuplicate if an active
	// relationship with the same (initiator, responder, continuation_of)
	// triple exists.
	CreateRelationship(ctx context.Context, rel *relation.Relationship, genesis relation.Event) error

	// GetRelationship returns the current record or ErrNotFound.
	GetRelationship(ctx context.Context, id string) (*relation.Relationship, error)

	// AppendEvent atomically re-reads the chain head, verifies the event's
	// previous hash against it, writes the event, and advances the head.
	// Nothing else on the record moves: rejection and breach events must not
	// disturb depth or activity. Fails with ErrChainConflict on mismatch.
	AppendEvent(ctx context.Context, e relation.Event) error

	// RecordAdmission performs the one mutating admission step atomically:
	// append the intent_admitted event (head CAS as in AppendEvent),
	// increment depth, stamp last-activity, and, when expiresAt is non-zero,
	// move the expiry forward.
	RecordAdmission(ctx context.Context, e relation.Event, lastActivity, expiresAt time.Time) error

	// CloseRelationship atomically appends the relationship_closed event and
	// flips the record to closed with the reason and closed-at stamp. Fails
	// with ErrStateConflict when the relationship is already closed and
	// ErrChainConflict when the head moved.
	CloseRelationship(ctx context.Context, e relation.Event, reason relation.CloseReason, closedAt time.Time) error

	// Touch stamps last-activity on an active relationship and, when
	// expiresAt is non-zero, moves the expiry. Used by the response path.
	Touch(ctx context.Context, id string, lastActivity, expiresAt time.Time) error

	// LastEvent returns the newest event on the relationship's chain.
	LastEvent(ctx context.Context, relationshipID string) (*relation.Event, error)

	// ListEvents returns a relationship's events in sequence order starting
	// at fromSeq. ErrNotFound if the relationship does not exist.
	ListEvents(ctx context.Context, relationshipID string, fromSeq uint64) ([]relation.Event, error)

	// ListExpired returns active relationships whose expiry or appointment
	// end passed before now. Feeds the lifecycle sweeper.
	ListExpired(ctx context.Context, now time.Time) ([]*relation.Relationship, error)

	// ListByParticipant returns every relationship the participant is a
	// party to, newest first.
	ListByParticipant(ctx context.Context, participantID string) ([]*relation.Relationship, error)
}

// pastDeadline reports whether an active relationship's time bound passed.
// Activity timeboxes compare expires-at; appointment ones compare the window
// end. The bound itself is still inside the window: admissions at exactly
// expires-at or end pass, so expiry starts strictly after.
func pastDeadline(rel *relation.Relationship, now time.Time) bool {
	if rel.State != relation.StateActive {
		return false
	}
	switch rel.Timebox.Mode {
	case relation.TimeboxAppointment:
		return now.After(rel.Timebox.End)
	default:
		return !rel.ExpiresAt.IsZero() && now.After(rel.ExpiresAt)
	}
}
