package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/accord/pkg/admission"
	"github.com/Mindburn-Labs/accord/pkg/canonicalize"
	"github.com/Mindburn-Labs/accord/pkg/chain"
	"github.com/Mindburn-Labs/accord/pkg/delivery"
	"github.com/Mindburn-Labs/accord/pkg/lifecycle"
	"github.com/Mindburn-Labs/accord/pkg/relation"
)

// EstablishRequest is a signed proposal for a new relationship. The
// initiator signs the canonical encoding of the signing view; verification
// happens before anything reaches the lifecycle engine.
type EstablishRequest struct {
	Initiator       string           `json:"initiator"`
	Responder       string           `json:"responder"`
	Timebox         relation.Timebox `json:"timebox"`
	MaxDepth        int              `json:"max_depth,omitempty"`
	ContextSnapshot map[string]any   `json:"context_snapshot,omitempty"`
	OnBehalfOf      string           `json:"on_behalf_of,omitempty"`
	Signature       []byte           `json:"signature,omitempty"`
}

// SigningView returns the fields covered by the proposal signature.
func (r *EstablishRequest) SigningView() map[string]any {
	return map[string]any{
		"initiator":        r.Initiator,
		"responder":        r.Responder,
		"timebox":          r.Timebox,
		"max_depth":        r.MaxDepth,
		"context_snapshot": r.ContextSnapshot,
		"on_behalf_of":     r.OnBehalfOf,
	}
}

func (r *EstablishRequest) proposal() lifecycle.Proposal {
	return lifecycle.Proposal{
		Initiator:       r.Initiator,
		Responder:       r.Responder,
		Timebox:         r.Timebox,
		MaxDepth:        r.MaxDepth,
		ContextSnapshot: r.ContextSnapshot,
	}
}

// Establish creates a new relationship from a signed proposal.
func (b *Broker) Establish(ctx context.Context, req *EstablishRequest) (*relation.Relationship, *relation.Rejection, error) {
	if req == nil {
		return nil, nil, errors.New("establish request is nil")
	}
	rej, err := b.verifySigned(ctx, req.SigningView(), req.Initiator, req.OnBehalfOf, req.Signature)
	if err != nil {
		return nil, nil, err
	}
	if rej != nil {
		return nil, rej, nil
	}
	return b.engine.Establish(ctx, req.proposal())
}

// SendIntent verifies the sender's signature, runs the intent through the
// admission pipeline under the relationship lock, and hands admitted intents
// to the responder's delivery queue.
func (b *Broker) SendIntent(ctx context.Context, in *relation.Intent) (*admission.Result, error) {
	if in == nil {
		return nil, errors.New("intent is nil")
	}
	rej, err := b.verifySigned(ctx, in.SigningView(), in.Sender, in.OnBehalfOf, in.Signature)
	if err != nil {
		return nil, err
	}
	if rej != nil {
		return &admission.Result{Rejection: rej}, nil
	}

	unlock := b.locks.lock(in.RelationshipID)
	defer unlock()

	res, err := b.pipeline.Submit(ctx, in)
	if err != nil || !res.Admitted {
		return res, err
	}
	b.deliverIntent(ctx, in, res.Sequence)
	return res, nil
}

// Respond verifies the responder's signature, records the response under the
// relationship lock, and routes the response data to the initiator's
// delivery queue.
func (b *Broker) Respond(ctx context.Context, r *relation.Response) (*admission.Result, error) {
	if r == nil {
		return nil, errors.New("response is nil")
	}
	rej, err := b.verifySigned(ctx, r.SigningView(), r.Sender, r.OnBehalfOf, r.Signature)
	if err != nil {
		return nil, err
	}
	if rej != nil {
		return &admission.Result{Rejection: rej}, nil
	}

	unlock := b.locks.lock(r.RelationshipID)
	defer unlock()

	res, err := b.pipeline.Respond(ctx, r)
	if err != nil || !res.Admitted {
		return res, err
	}
	b.deliverResponse(ctx, r, res.Sequence)
	return res, nil
}

// Close ends a relationship with the given reason. Idempotent: closing a
// closed relationship returns an already_closed rejection.
func (b *Broker) Close(ctx context.Context, relationshipID, closedBy string, reason relation.CloseReason) (*lifecycle.CloseSummary, *relation.Rejection, error) {
	unlock := b.locks.lock(relationshipID)
	defer unlock()
	return b.engine.Close(ctx, relationshipID, closedBy, reason)
}

// ContinueFrom creates a successor relationship for a closed predecessor
// from a signed proposal.
func (b *Broker) ContinueFrom(ctx context.Context, predecessorID string, req *EstablishRequest) (*relation.Relationship, *relation.Rejection, error) {
	if req == nil {
		return nil, nil, errors.New("establish request is nil")
	}
	rej, err := b.verifySigned(ctx, req.SigningView(), req.Initiator, req.OnBehalfOf, req.Signature)
	if err != nil {
		return nil, nil, err
	}
	if rej != nil {
		return nil, rej, nil
	}

	unlock := b.locks.lock(predecessorID)
	defer unlock()
	return b.engine.ContinueFrom(ctx, predecessorID, req.proposal())
}

// GetRelationship returns the current record. Only the relationship's
// participants may read it.
func (b *Broker) GetRelationship(ctx context.Context, relationshipID, caller string) (*relation.Relationship, error) {
	rel, err := b.store.GetRelationship(ctx, relationshipID)
	if err != nil {
		return nil, err
	}
	if !isParticipant(rel, caller) {
		return nil, ErrUnauthorized
	}
	return rel, nil
}

// GetEvents returns the relationship's events in sequence order starting at
// fromSeq. Only the relationship's participants may read them.
func (b *Broker) GetEvents(ctx context.Context, relationshipID, caller string, fromSeq uint64) ([]relation.Event, error) {
	rel, err := b.store.GetRelationship(ctx, relationshipID)
	if err != nil {
		return nil, err
	}
	if !isParticipant(rel, caller) {
		return nil, ErrUnauthorized
	}
	return b.store.ListEvents(ctx, relationshipID, fromSeq)
}

// ChainReport is the outcome of replaying a relationship's event chain
// against its stored head.
type ChainReport struct {
	RelationshipID string  `json:"relationship_id"`
	Events         int     `json:"events"`
	Head           string  `json:"head,omitempty"`
	Intact         bool    `json:"intact"`
	BrokenAt       *uint64 `json:"broken_at,omitempty"`
	Detail         string  `json:"detail,omitempty"`
}

// VerifyChain replays the full chain, checking density, linkage, and every
// continuity hash, and compares the replayed head to the stored one. The
// relationship lock is held so an in-flight append cannot fake a mismatch.
func (b *Broker) VerifyChain(ctx context.Context, relationshipID string) (*ChainReport, error) {
	unlock := b.locks.lock(relationshipID)
	defer unlock()

	rel, err := b.store.GetRelationship(ctx, relationshipID)
	if err != nil {
		return nil, err
	}
	events, err := b.store.ListEvents(ctx, relationshipID, 0)
	if err != nil {
		return nil, err
	}
	key, err := b.keys.KeyFor(relationshipID)
	if err != nil {
		return nil, err
	}

	report := &ChainReport{RelationshipID: relationshipID, Events: len(events)}
	head, err := chain.Replay(key, events)
	if err != nil {
		var broken *chain.BreakError
		if errors.As(err, &broken) {
			seq := broken.Sequence
			report.BrokenAt = &seq
			report.Detail = broken.Reason
			return report, nil
		}
		return nil, err
	}
	report.Head = head
	if head != rel.ChainHead {
		report.Detail = fmt.Sprintf("stored head %s does not match replayed head %s", rel.ChainHead, head)
		return report, nil
	}
	report.Intact = true
	return report, nil
}

// SubscribeAsResponder attaches the participant to its intent stream.
func (b *Broker) SubscribeAsResponder(ctx context.Context, participant, resumeToken string) (*delivery.Session, error) {
	return b.hub.Subscribe(ctx, participant, delivery.RoleResponder, resumeToken)
}

// SubscribeAsInitiator attaches the participant to its response stream.
func (b *Broker) SubscribeAsInitiator(ctx context.Context, participant, resumeToken string) (*delivery.Session, error) {
	return b.hub.Subscribe(ctx, participant, delivery.RoleInitiator, resumeToken)
}

// verifySigned canonicalizes the signing view and checks the signature. A
// nil rejection means the sender and any claimed human binding are valid.
func (b *Broker) verifySigned(ctx context.Context, view map[string]any, sender, onBehalfOf string, sig []byte) (*relation.Rejection, error) {
	canonical, err := canonicalize.JCS(view)
	if err != nil {
		return nil, fmt.Errorf("canonicalize message: %w", err)
	}
	return b.verifier.Verify(ctx, canonical, sender, onBehalfOf, sig), nil
}

// deliverIntent queues an admitted intent for the responder. Queue-full and
// hub-shutdown races are logged, never surfaced: the admission already
// succeeded and the chain records it.
func (b *Broker) deliverIntent(ctx context.Context, in *relation.Intent, sequence uint64) {
	rel, err := b.store.GetRelationship(ctx, in.RelationshipID)
	if err != nil {
		b.logDeliverySkip(ctx, in.RelationshipID, sequence, err)
		return
	}
	payload := map[string]any{
		"type":    in.Type,
		"sender":  in.Sender,
		"context": in.Context,
	}
	if in.OnBehalfOf != "" {
		payload["on_behalf_of"] = in.OnBehalfOf
	}
	if !in.Window.NotBefore.IsZero() || !in.Window.NotAfter.IsZero() {
		payload["window"] = in.Window
	}
	if in.Constraints != (relation.Constraints{}) {
		payload["constraints"] = in.Constraints
	}
	if err := b.hub.EnqueueIntent(in.RelationshipID, rel.Responder, sequence, payload); err != nil {
		b.logDeliverySkip(ctx, in.RelationshipID, sequence, err)
	}
}

// deliverResponse queues a recorded response for the initiator.
func (b *Broker) deliverResponse(ctx context.Context, r *relation.Response, sequence uint64) {
	rel, err := b.store.GetRelationship(ctx, r.RelationshipID)
	if err != nil {
		b.logDeliverySkip(ctx, r.RelationshipID, sequence, err)
		return
	}
	payload := map[string]any{
		"intent_sequence": r.IntentSequence,
		"outcome":         string(r.Outcome),
		"responder":       r.Sender,
	}
	if len(r.Data) > 0 {
		payload["data"] = r.Data
	}
	if err := b.hub.EnqueueResponse(r.RelationshipID, rel.Initiator, sequence, payload); err != nil {
		b.logDeliverySkip(ctx, r.RelationshipID, sequence, err)
	}
}

func (b *Broker) logDeliverySkip(ctx context.Context, relID string, sequence uint64, err error) {
	b.log.LogAttrs(ctx, slog.LevelWarn, "delivery hand-off skipped",
		slog.String("relationship_id", relID),
		slog.Uint64("sequence", sequence),
		slog.String("error", err.Error()),
	)
}

func isParticipant(rel *relation.Relationship, caller string) bool {
	return caller != "" && (caller == rel.Initiator || caller == rel.Responder)
}
