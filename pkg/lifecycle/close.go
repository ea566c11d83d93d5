package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/audit"
	"github.com/Mindburn-Labs/accord/pkg/chain"
	"github.com/Mindburn-Labs/accord/pkg/relation"
	"github.com/Mindburn-Labs/accord/pkg/store"
)

// CloseSummary is returned to the closer once the relationship is sealed.
type CloseSummary struct {
	RelationshipID string               `json:"relationship_id"`
	Reason         relation.CloseReason `json:"reason"`
	Outcome        relation.Outcome     `json:"outcome"`
	TotalEvents    int                  `json:"total_events"`
	FinalHash      string               `json:"final_hash"`
	ClosedAt       time.Time            `json:"closed_at"`
	ArchiveRef     string               `json:"archive_ref,omitempty"`
}

// Close seals a relationship: it appends the terminal relationship_closed
// event, flips the record, cancels pending deliveries, and exports an
// evidence pack when retention demands one. closedBy may be empty for
// broker-initiated closes. A second close of the same relationship returns
// an already_closed rejection, never an error.
func (e *Engine) Close(ctx context.Context, relationshipID, closedBy string, reason relation.CloseReason) (*CloseSummary, *relation.Rejection, error) {
	if relation.Classify(reason) == relation.OutcomeOther {
		return nil, nil, fmt.Errorf("unknown close reason %q", reason)
	}

	// Admissions racing the close move the chain head; one re-read absorbs
	// that. A concurrent close flips the state instead and the re-read
	// reports already_closed.
	for attempt := 0; attempt < 2; attempt++ {
		rel, err := e.store.GetRelationship(ctx, relationshipID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &relation.Rejection{
					Kind:   relation.KindUnknownRelationship,
					Detail: fmt.Sprintf("no relationship %s", relationshipID),
				}, nil
			}
			return nil, nil, fmt.Errorf("load relationship: %w", err)
		}
		if rel.State == relation.StateClosed {
			return nil, alreadyClosed(rel), nil
		}

		events, err := e.store.ListEvents(ctx, relationshipID, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("list events: %w", err)
		}
		last := events[len(events)-1]

		key, err := e.keys.KeyFor(relationshipID)
		if err != nil {
			return nil, nil, fmt.Errorf("derive chain key: %w", err)
		}
		now := e.clock()
		closing, err := chain.NewEvent(key, relationshipID, last.Sequence+1, relation.EventRelationshipClosed, now,
			closedPayload(events, reason, closedBy, last.Hash), last.Hash)
		if err != nil {
			return nil, nil, fmt.Errorf("build close event: %w", err)
		}

		err = e.store.CloseRelationship(ctx, closing, reason, now)
		if errors.Is(err, store.ErrChainConflict) || errors.Is(err, store.ErrStateConflict) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("close relationship: %w", err)
		}

		summary := &CloseSummary{
			RelationshipID: relationshipID,
			Reason:         reason,
			Outcome:        relation.Classify(reason),
			TotalEvents:    len(events) + 1,
			FinalHash:      closing.Hash,
			ClosedAt:       now,
		}
		if e.canceler != nil {
			e.canceler.CancelRelationship(ctx, relationshipID, reason)
		}

		sealed := *rel
		sealed.State = relation.StateClosed
		sealed.CloseReason = reason
		sealed.ClosedAt = now
		sealed.ChainHead = closing.Hash
		summary.ArchiveRef = e.exportEvidence(ctx, &sealed, append(events, closing))

		actor := closedBy
		if actor == "" {
			actor = "broker"
		}
		e.recordOversight(ctx, audit.KindLifecycle, relationshipID, actor, "relationship_closed", map[string]any{
			"reason":       string(reason),
			"outcome":      string(summary.Outcome),
			"total_events": summary.TotalEvents,
		})
		e.log.LogAttrs(ctx, slog.LevelInfo, "relationship closed",
			slog.String("relationship_id", relationshipID),
			slog.String("reason", string(reason)),
			slog.String("outcome", string(summary.Outcome)),
			slog.Int("total_events", summary.TotalEvents),
		)
		return summary, nil, nil
	}
	return nil, nil, fmt.Errorf("close of %s conflicted twice", relationshipID)
}

// AutoClose satisfies the admission pipeline's Closer. Losing a close race
// counts as success: the relationship ended either way.
func (e *Engine) AutoClose(ctx context.Context, relationshipID string, reason relation.CloseReason) error {
	_, rej, err := e.Close(ctx, relationshipID, "", reason)
	if err != nil {
		return err
	}
	if rej != nil && rej.Kind != relation.KindAlreadyClosed {
		return fmt.Errorf("auto-close %s: %s", relationshipID, rej.Kind)
	}
	return nil
}

func alreadyClosed(rel *relation.Relationship) *relation.Rejection {
	return &relation.Rejection{
		Kind:   relation.KindAlreadyClosed,
		Detail: fmt.Sprintf("closed at %s (%s)", rel.ClosedAt.UTC().Format(time.RFC3339), rel.CloseReason),
		Meta: map[string]any{
			"reason":    string(rel.CloseReason),
			"closed_at": rel.ClosedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

// closedPayload summarizes the chain inside the terminal event so the
// summary itself is hash-covered.
func closedPayload(events []relation.Event, reason relation.CloseReason, closedBy, sealedHead string) map[string]any {
	var admitted, rejected, responses, breaches int
	for _, ev := range events {
		switch ev.Type {
		case relation.EventIntentAdmitted:
			admitted++
		case relation.EventIntentRejected:
			rejected++
		case relation.EventResponseRecorded:
			responses++
		case relation.EventBreachAttempt:
			breaches++
		}
	}
	pl := map[string]any{
		"reason":  string(reason),
		"outcome": string(relation.Classify(reason)),
		"counts": map[string]any{
			"admitted":  admitted,
			"rejected":  rejected,
			"responses": responses,
			"breaches":  breaches,
		},
		"sealed_head": sealedHead,
	}
	if closedBy != "" {
		pl["closed_by"] = closedBy
	}
	return pl
}

// exportEvidence writes an evidence pack to the archive when one is due.
// Export failures never fail the close; the chain remains exportable later.
func (e *Engine) exportEvidence(ctx context.Context, rel *relation.Relationship, events []relation.Event) string {
	if e.archive == nil {
		return ""
	}
	if !e.archiveAlways && !holdsRetention(events) {
		return ""
	}
	pack, checksum, err := e.exporter.GeneratePack(ctx, rel, events)
	if err != nil {
		e.log.LogAttrs(ctx, slog.LevelError, "evidence pack generation failed",
			slog.String("relationship_id", rel.ID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	ref, err := e.archive.Store(ctx, pack)
	if err != nil {
		e.log.LogAttrs(ctx, slog.LevelError, "evidence pack archive failed",
			slog.String("relationship_id", rel.ID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	e.log.LogAttrs(ctx, slog.LevelInfo, "evidence pack archived",
		slog.String("relationship_id", rel.ID),
		slog.String("ref", ref),
		slog.String("checksum", checksum),
	)
	return ref
}

func holdsRetention(events []relation.Event) bool {
	for _, ev := range events {
		if hold, _ := ev.Payload["legal_hold"].(bool); hold {
			return true
		}
	}
	return false
}
