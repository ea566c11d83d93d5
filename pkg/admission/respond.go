package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/canonicalize"
	"github.com/Mindburn-Labs/accord/pkg/relation"
	"github.com/Mindburn-Labs/accord/pkg/store"
)

// Respond runs the responder-channel pipeline: the sender must be the
// relationship's responder, the referenced intent must be admitted and not
// yet finalized, and the response lands as one response_recorded event.
// Responses never increment depth; they stamp last-activity and move the
// expiry only when the pipeline was configured to extend it.
//
// Failed responses are returned to the caller without chain events: the
// chain records the intent lifecycle, and a misdirected or late response
// does not change it.
func (p *Pipeline) Respond(ctx context.Context, r *relation.Response) (*Result, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	res, err := p.respond(ctx, r)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return rejection(relation.Rejection{
			Kind:   relation.KindTimeout,
			Detail: fmt.Sprintf("response handling exceeded the %s deadline", p.deadline),
		}), nil
	}
	return res, err
}

func (p *Pipeline) respond(ctx context.Context, r *relation.Response) (*Result, error) {
	now := p.clock()

	canonical, err := canonicalize.JCS(r.SigningView())
	if err != nil {
		return nil, fmt.Errorf("canonicalize response: %w", err)
	}
	digest := canonicalize.HashBytes(canonical)

	// 1. Relationship exists and is open. Closure finalizes every pending
	// intent, so a response after close is already_finalized.
	rel, err := p.store.GetRelationship(ctx, r.RelationshipID)
	if errors.Is(err, store.ErrNotFound) {
		return rejection(relation.Rejection{
			Kind:   relation.KindUnknownRelationship,
			Detail: fmt.Sprintf("relationship %s does not exist", r.RelationshipID),
		}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load relationship: %w", err)
	}
	if rel.State == relation.StateClosed {
		return rejection(relation.Rejection{
			Kind:   relation.KindAlreadyFinalized,
			Detail: fmt.Sprintf("relationship closed (%s)", rel.CloseReason),
		}), nil
	}

	// 2. Sender must be the responder.
	if r.Sender != rel.Responder {
		return rejection(relation.Rejection{
			Kind:   relation.KindWrongDirection,
			Detail: fmt.Sprintf("sender %s is not the responder", r.Sender),
		}), nil
	}

	// 3. The referenced intent must be an admitted event on this chain and
	// must not already carry a response.
	events, err := p.store.ListEvents(ctx, rel.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("load chain: %w", err)
	}
	var admitted, finalized bool
	for i := range events {
		e := &events[i]
		switch e.Type {
		case relation.EventIntentAdmitted:
			if e.Sequence == r.IntentSequence {
				admitted = true
			}
		case relation.EventResponseRecorded:
			if seq, ok := payloadSequence(e.Payload); ok && seq == r.IntentSequence {
				finalized = true
			}
		}
	}
	if !admitted {
		return rejection(relation.Rejection{
			Kind:   relation.KindNotAdmitted,
			Detail: fmt.Sprintf("sequence %d is not an admitted intent", r.IntentSequence),
		}), nil
	}
	if finalized {
		return rejection(relation.Rejection{
			Kind:   relation.KindAlreadyFinalized,
			Detail: fmt.Sprintf("intent %d already has a response", r.IntentSequence),
		}), nil
	}

	// 4. Record. The chain keeps the outcome and the response digest; the
	// response data itself travels to the initiator through delivery.
	payload := map[string]any{
		"intent_sequence": r.IntentSequence,
		"outcome":         string(r.Outcome),
		"responder":       r.Sender,
		"digest":          digest,
	}
	if r.OnBehalfOf != "" {
		payload["on_behalf_of"] = r.OnBehalfOf
	}
	seq, err := p.appendChained(ctx, rel.ID, relation.EventResponseRecorded, payload, now, func(e relation.Event) error {
		return p.store.AppendEvent(ctx, e)
	})
	if errors.Is(err, errChainSealed) {
		return rejection(relation.Rejection{
			Kind:   relation.KindAlreadyFinalized,
			Detail: "relationship closed while the response was in flight",
		}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("record response: %w", err)
	}

	// 5. Activity stamp. A response moves the expiry only when configured;
	// by default the timebox is untouched.
	var expiresAt time.Time
	if p.extendOnResponse && rel.Timebox.Mode == relation.TimeboxActivity {
		expiresAt = now.Add(rel.Timebox.Window)
	}
	if err := p.store.Touch(ctx, rel.ID, now, expiresAt); err != nil && !errors.Is(err, store.ErrStateConflict) {
		p.log.LogAttrs(ctx, slog.LevelWarn, "activity stamp failed",
			slog.String("relationship_id", rel.ID),
			slog.String("error", err.Error()),
		)
	}

	p.log.LogAttrs(ctx, slog.LevelInfo, "response recorded",
		slog.String("relationship_id", rel.ID),
		slog.Uint64("intent_sequence", r.IntentSequence),
		slog.String("outcome", string(r.Outcome)),
		slog.Uint64("sequence", seq),
	)
	return &Result{Admitted: true, Sequence: seq}, nil
}
