package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/Mindburn-Labs/accord/pkg/audit"
	"github.com/Mindburn-Labs/accord/pkg/relation"
	"github.com/Mindburn-Labs/accord/pkg/store"
)

// ContinueFrom establishes a successor to a closed relationship. The
// predecessor stays sealed and gains no event; the link lives in the
// successor's genesis payload and record. Trust is decided afresh from the
// current directory, and only the predecessor's open items cross the
// boundary.
func (e *Engine) ContinueFrom(ctx context.Context, predecessorID string, p Proposal) (*relation.Relationship, *relation.Rejection, error) {
	pred, err := e.store.GetRelationship(ctx, predecessorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &relation.Rejection{
				Kind:   relation.KindUnknownRelationship,
				Detail: fmt.Sprintf("no predecessor %s", predecessorID),
			}, nil
		}
		return nil, nil, fmt.Errorf("load predecessor: %w", err)
	}
	if pred.State != relation.StateClosed {
		return nil, &relation.Rejection{
			Kind:   relation.KindPredecessorActive,
			Detail: "predecessor must be closed before a continuation",
		}, nil
	}
	if p.Initiator != pred.Initiator || p.Responder != pred.Responder {
		return nil, &relation.Rejection{
			Kind:   relation.KindParticipantMismatch,
			Detail: "successor must keep the predecessor's participants",
		}, nil
	}

	if items, ok := pred.ContextSnapshot[relation.OpenItemsKey]; ok {
		snapshot := maps.Clone(p.ContextSnapshot)
		if snapshot == nil {
			snapshot = make(map[string]any, 1)
		}
		snapshot[relation.OpenItemsKey] = items
		p.ContextSnapshot = snapshot
	}

	succ, rej, err := e.establish(ctx, p, pred)
	if err == nil && rej == nil {
		e.recordOversight(ctx, audit.KindLifecycle, succ.ID, succ.Initiator, "relationship_continued", map[string]any{
			"predecessor":              pred.ID,
			"predecessor_close_reason": string(pred.CloseReason),
		})
	}
	return succ, rej, err
}
