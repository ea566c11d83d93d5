package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/accord/pkg/relation"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testRelationship(id string) *relation.Relationship {
	return &relation.Relationship{
		ID:             id,
		Initiator:      "agent-a",
		Responder:      "agent-b",
		TrustLevel:     2,
		State:          relation.StateActive,
		Depth:          0,
		MaxDepth:       5,
		Timebox:        relation.Timebox{Mode: relation.TimeboxActivity, Window: 24 * time.Hour},
		CreatedAt:      baseTime,
		LastActivityAt: baseTime,
		ExpiresAt:      baseTime.Add(24 * time.Hour),
	}
}

func genesisEvent(relID string) relation.Event {
	return relation.Event{
		RelationshipID: relID,
		Sequence:       0,
		Type:           relation.EventRelationshipEstablished,
		RecordedAt:     baseTime,
		Payload:        map[string]any{"initiator": "agent-a", "responder": "agent-b"},
		PreviousHash:   relation.GenesisHash,
		Hash:           "hmac-sha256:" + relID + "-0",
	}
}

func nextEvent(relID string, seq uint64, prev string) relation.Event {
	return relation.Event{
		RelationshipID: relID,
		Sequence:       seq,
		Type:           relation.EventIntentAdmitted,
		RecordedAt:     baseTime.Add(time.Duration(seq) * time.Minute),
		Payload:        map[string]any{"intent_type": "status_check"},
		PreviousHash:   prev,
		Hash:           fmt.Sprintf("hmac-sha256:%s-%d", relID, seq),
	}
}

func closeEvent(relID string, seq uint64, prev string) relation.Event {
	e := nextEvent(relID, seq, prev)
	e.Type = relation.EventRelationshipClosed
	e.Payload = map[string]any{"reason": "user"}
	return e
}

// runStoreTests exercises the Store contract against every implementation
// that can run without external services.
func runStoreTests(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		rel := testRelationship("rel-1")
		require.NoError(t, s.CreateRelationship(ctx, rel, genesisEvent("rel-1")))

		got, err := s.GetRelationship(ctx, "rel-1")
		require.NoError(t, err)
		assert.Equal(t, "agent-a", got.Initiator)
		assert.Equal(t, relation.StateActive, got.State)
		assert.Equal(t, genesisEvent("rel-1").Hash, got.ChainHead)
		assert.Equal(t, 24*time.Hour, got.Timebox.Window)
	})

	t.Run("get unknown returns not found", func(t *testing.T) {
		s := open(t)
		_, err := s.GetRelationship(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate active pair rejected", func(t *testing.T) {
		s := open(t)
		g := genesisEvent("rel-1")
		require.NoError(t, s.CreateRelationship(ctx, testRelationship("rel-1"), g))

		err := s.CreateRelationship(ctx, testRelationship("rel-2"), genesisEvent("rel-2"))
		assert.ErrorIs(t, err, ErrDuplicate)

		// Closing the first frees the pair for a fresh establish.
		require.NoError(t, s.CloseRelationship(ctx, closeEvent("rel-1", 1, g.Hash), relation.CloseReasonUser, baseTime.Add(time.Hour)))
		assert.NoError(t, s.CreateRelationship(ctx, testRelationship("rel-3"), genesisEvent("rel-3")))
	})

	t.Run("append advances head only", func(t *testing.T) {
		s := open(t)
		g := genesisEvent("rel-1")
		require.NoError(t, s.CreateRelationship(ctx, testRelationship("rel-1"), g))

		e1 := nextEvent("rel-1", 1, g.Hash)
		e1.Type = relation.EventIntentRejected
		require.NoError(t, s.AppendEvent(ctx, e1))

		got, err := s.GetRelationship(ctx, "rel-1")
		require.NoError(t, err)
		assert.Equal(t, e1.Hash, got.ChainHead)
		// Rejection events never charge activity or depth.
		assert.True(t, got.LastActivityAt.Equal(baseTime))
		assert.Equal(t, 0, got.Depth)
	})

	t.Run("record admission mutates counters", func(t *testing.T) {
		s := open(t)
		g := genesisEvent("rel-1")
		require.NoError(t, s.CreateRelationship(ctx, testRelationship("rel-1"), g))

		e1 := nextEvent("rel-1", 1, g.Hash)
		newExpiry := e1.RecordedAt.Add(24 * time.Hour)
		require.NoError(t, s.RecordAdmission(ctx, e1, e1.RecordedAt, newExpiry))

		got, err := s.GetRelationship(ctx, "rel-1")
		require.NoError(t, err)
		assert.Equal(t, e1.Hash, got.ChainHead)
		assert.Equal(t, 1, got.Depth)
		assert.True(t, got.LastActivityAt.Equal(e1.RecordedAt))
		assert.True(t, got.ExpiresAt.Equal(newExpiry))

		// Zero expiry leaves the window alone (appointment mode).
		e2 := nextEvent("rel-1", 2, e1.Hash)
		require.NoError(t, s.RecordAdmission(ctx, e2, e2.RecordedAt, time.Time{}))

		got, err = s.GetRelationship(ctx, "rel-1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Depth)
		assert.True(t, got.ExpiresAt.Equal(newExpiry))

		stale := nextEvent("rel-1", 3, g.Hash)
		assert.ErrorIs(t, s.RecordAdmission(ctx, stale, stale.RecordedAt, time.Time{}), ErrChainConflict)
	})

	t.Run("append with stale head conflicts", func(t *testing.T) {
		s := open(t)
		g := genesisEvent("rel-1")
		require.NoError(t, s.CreateRelationship(ctx, testRelationship("rel-1"), g))
		require.NoError(t, s.AppendEvent(ctx, nextEvent("rel-1", 1, g.Hash)))

		stale := nextEvent("rel-1", 2, g.Hash)
		assert.ErrorIs(t, s.AppendEvent(ctx, stale), ErrChainConflict)
	})

	t.Run("append to unknown relationship", func(t *testing.T) {
		s := open(t)
		err := s.AppendEvent(ctx, nextEvent("ghost", 1, relation.GenesisHash))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("close relationship", func(t *testing.T) {
		s := open(t)
		g := genesisEvent("rel-1")
		require.NoError(t, s.CreateRelationship(ctx, testRelationship("rel-1"), g))

		closedAt := baseTime.Add(2 * time.Hour)
		final := closeEvent("rel-1", 1, g.Hash)
		require.NoError(t, s.CloseRelationship(ctx, final, relation.CloseReasonCompleted, closedAt))

		got, err := s.GetRelationship(ctx, "rel-1")
		require.NoError(t, err)
		assert.Equal(t, relation.StateClosed, got.State)
		assert.Equal(t, relation.CloseReasonCompleted, got.CloseReason)
		assert.True(t, got.ClosedAt.Equal(closedAt))
		assert.Equal(t, final.Hash, got.ChainHead)

		last, err := s.LastEvent(ctx, "rel-1")
		require.NoError(t, err)
		assert.Equal(t, relation.EventRelationshipClosed, last.Type)

		// A second close cannot pass: built on the old head it conflicts,
		// built on the new head it misses the state CAS.
		err = s.CloseRelationship(ctx, closeEvent("rel-1", 1, g.Hash), relation.CloseReasonUser, closedAt)
		assert.ErrorIs(t, err, ErrChainConflict)
		err = s.CloseRelationship(ctx, closeEvent("rel-1", 2, final.Hash), relation.CloseReasonUser, closedAt)
		assert.ErrorIs(t, err, ErrStateConflict)

		err = s.CloseRelationship(ctx, closeEvent("ghost", 1, relation.GenesisHash), relation.CloseReasonUser, closedAt)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("touch", func(t *testing.T) {
		s := open(t)
		g := genesisEvent("rel-1")
		require.NoError(t, s.CreateRelationship(ctx, testRelationship("rel-1"), g))

		touchedAt := baseTime.Add(time.Hour)
		extended := baseTime.Add(48 * time.Hour)
		require.NoError(t, s.Touch(ctx, "rel-1", touchedAt, extended))

		got, err := s.GetRelationship(ctx, "rel-1")
		require.NoError(t, err)
		assert.True(t, got.LastActivityAt.Equal(touchedAt))
		assert.True(t, got.ExpiresAt.Equal(extended))

		// Zero expiry bumps activity only.
		later := touchedAt.Add(time.Hour)
		require.NoError(t, s.Touch(ctx, "rel-1", later, time.Time{}))
		got, err = s.GetRelationship(ctx, "rel-1")
		require.NoError(t, err)
		assert.True(t, got.LastActivityAt.Equal(later))
		assert.True(t, got.ExpiresAt.Equal(extended))

		require.NoError(t, s.CloseRelationship(ctx, closeEvent("rel-1", 1, g.Hash), relation.CloseReasonUser, baseTime))
		assert.ErrorIs(t, s.Touch(ctx, "rel-1", later, extended), ErrStateConflict)
		assert.ErrorIs(t, s.Touch(ctx, "ghost", later, extended), ErrNotFound)
	})

	t.Run("last event", func(t *testing.T) {
		s := open(t)
		g := genesisEvent("rel-1")
		require.NoError(t, s.CreateRelationship(ctx, testRelationship("rel-1"), g))

		last, err := s.LastEvent(ctx, "rel-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(0), last.Sequence)
		assert.Equal(t, g.Hash, last.Hash)

		e1 := nextEvent("rel-1", 1, g.Hash)
		require.NoError(t, s.AppendEvent(ctx, e1))
		last, err = s.LastEvent(ctx, "rel-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), last.Sequence)
		assert.Equal(t, e1.Hash, last.Hash)

		_, err = s.LastEvent(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list events from sequence", func(t *testing.T) {
		s := open(t)
		g := genesisEvent("rel-1")
		require.NoError(t, s.CreateRelationship(ctx, testRelationship("rel-1"), g))
		e1 := nextEvent("rel-1", 1, g.Hash)
		require.NoError(t, s.AppendEvent(ctx, e1))
		e2 := nextEvent("rel-1", 2, e1.Hash)
		require.NoError(t, s.AppendEvent(ctx, e2))

		all, err := s.ListEvents(ctx, "rel-1", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, uint64(0), all[0].Sequence)
		assert.Equal(t, "agent-a", all[0].Payload["initiator"])

		tail, err := s.ListEvents(ctx, "rel-1", 2)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, uint64(2), tail[0].Sequence)

		_, err = s.ListEvents(ctx, "ghost", 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list expired", func(t *testing.T) {
		s := open(t)
		fresh := testRelationship("rel-fresh")
		require.NoError(t, s.CreateRelationship(ctx, fresh, genesisEvent("rel-fresh")))

		stale := testRelationship("rel-stale")
		stale.Initiator = "agent-c"
		stale.ExpiresAt = baseTime.Add(time.Hour)
		require.NoError(t, s.CreateRelationship(ctx, stale, genesisEvent("rel-stale")))

		appt := testRelationship("rel-appt")
		appt.Initiator = "agent-d"
		appt.Timebox = relation.Timebox{
			Mode:  relation.TimeboxAppointment,
			Start: baseTime,
			End:   baseTime.Add(30 * time.Minute),
		}
		appt.ExpiresAt = time.Time{}
		require.NoError(t, s.CreateRelationship(ctx, appt, genesisEvent("rel-appt")))

		expired, err := s.ListExpired(ctx, baseTime.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, expired, 2)
		assert.Equal(t, "rel-appt", expired[0].ID)
		assert.Equal(t, "rel-stale", expired[1].ID)

		// Exactly at expires-at is still inside the window.
		atBoundary, err := s.ListExpired(ctx, baseTime.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, atBoundary, 1)
		assert.Equal(t, "rel-appt", atBoundary[0].ID)
	})

	t.Run("list by participant", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateRelationship(ctx, testRelationship("rel-1"), genesisEvent("rel-1")))

		other := testRelationship("rel-2")
		other.Initiator = "agent-b"
		other.Responder = "agent-c"
		other.CreatedAt = baseTime.Add(time.Hour)
		require.NoError(t, s.CreateRelationship(ctx, other, genesisEvent("rel-2")))

		mine, err := s.ListByParticipant(ctx, "agent-b")
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, "rel-2", mine[0].ID)

		none, err := s.ListByParticipant(ctx, "stranger")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestMemStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		return NewMemStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		s, err := OpenSQLite(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
