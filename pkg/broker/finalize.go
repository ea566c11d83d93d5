package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/accord/pkg/chain"
	"github.com/Mindburn-Labs/accord/pkg/relation"
	"github.com/Mindburn-Labs/accord/pkg/store"
)

// FinalizeDelivery settles an intent the delivery hub abandoned, recording a
// rejected response_recorded event with the abandonment reason. Satisfies
// the hub's Finalizer.
//
// On a closed relationship nothing is recorded: the chain is sealed behind
// relationship_closed, and the close itself already settled every pending
// intent. The state check runs before the relationship lock is taken, which
// is what lets the close path call back into the broker synchronously.
func (b *Broker) FinalizeDelivery(ctx context.Context, relationshipID string, intentSequence uint64, reason relation.RejectKind) error {
	rel, err := b.store.GetRelationship(ctx, relationshipID)
	if err != nil {
		return fmt.Errorf("load relationship: %w", err)
	}
	if rel.State == relation.StateClosed {
		b.log.LogAttrs(ctx, slog.LevelInfo, "delivery finalization skipped, relationship closed",
			slog.String("relationship_id", relationshipID),
			slog.Uint64("intent_sequence", intentSequence),
			slog.String("reason", string(reason)),
		)
		return nil
	}

	unlock := b.locks.lock(relationshipID)
	defer unlock()

	key, err := b.keys.KeyFor(relationshipID)
	if err != nil {
		return fmt.Errorf("derive chain key: %w", err)
	}
	payload := map[string]any{
		"intent_sequence": intentSequence,
		"outcome":         string(relation.ResponseRejected),
		"reason":          string(reason),
		"finalized_by":    "broker",
	}

	now := b.clock()
	for attempt := 0; attempt < 2; attempt++ {
		last, err := b.store.LastEvent(ctx, relationshipID)
		if err != nil {
			return fmt.Errorf("read chain head: %w", err)
		}
		if last.Terminal() {
			// Lost the race with a close; the intent is settled either way.
			return nil
		}
		e, err := chain.NewEvent(key, relationshipID, last.Sequence+1, relation.EventResponseRecorded, now, payload, last.Hash)
		if err != nil {
			return err
		}
		err = b.store.AppendEvent(ctx, e)
		if errors.Is(err, store.ErrChainConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("record finalization: %w", err)
		}
		b.log.LogAttrs(ctx, slog.LevelInfo, "abandoned delivery finalized",
			slog.String("relationship_id", relationshipID),
			slog.Uint64("intent_sequence", intentSequence),
			slog.String("reason", string(reason)),
			slog.Uint64("sequence", e.Sequence),
		)
		return nil
	}
	return fmt.Errorf("finalize intent %d on %s: %w", intentSequence, relationshipID, store.ErrChainConflict)
}
