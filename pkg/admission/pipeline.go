// Package admission runs every inbound intent and response through the
// broker's ordered checks. The pipeline is fail-closed and single-shot: the
// first failing check writes one rejection or breach event and stops, state
// moves only when an intent is admitted, and nothing is retried beyond a
// single chain-conflict rebuild.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/audit"
	"github.com/Mindburn-Labs/accord/pkg/canonicalize"
	"github.com/Mindburn-Labs/accord/pkg/chain"
	"github.com/Mindburn-Labs/accord/pkg/policy"
	"github.com/Mindburn-Labs/accord/pkg/relation"
	"github.com/Mindburn-Labs/accord/pkg/store"
)

const (
	// DefaultDeadline bounds one admission end to end. Past it the caller
	// gets a timeout rejection, recorded on the chain when possible.
	DefaultDeadline = 2 * time.Second
	// DefaultGrace widens appointment windows under grace_period policy.
	DefaultGrace = 5 * time.Minute
)

// Closer is the lifecycle hook the pipeline fires when a check discovers the
// relationship must end: expiry at step 4, depth exhaustion at step 5, a
// critical content violation at step 7. The close appends the terminal
// relationship_closed event after the rejection already on the chain.
type Closer interface {
	AutoClose(ctx context.Context, relationshipID string, reason relation.CloseReason) error
}

// BackpressureProbe reports whether a responder's pending delivery queue is
// full. A full queue zeroes the risk score at step 8 so the admission fails
// instead of buffering unboundedly.
type BackpressureProbe interface {
	Overloaded(responderID string) bool
}

// Result is the caller-visible outcome of one submission. Exactly one of
// Admitted and Rejection is set; Sequence is the chain position of whatever
// event the pipeline wrote, zero when nothing reached the chain.
type Result struct {
	Admitted      bool                `json:"admitted"`
	Sequence      uint64              `json:"sequence,omitempty"`
	RiskScore     float64             `json:"risk_score,omitempty"`
	RiskSignals   []string            `json:"risk_signals,omitempty"`
	WithinGrace   bool                `json:"within_grace,omitempty"`
	PolicyVersion string              `json:"policy_version,omitempty"`
	Rejection     *relation.Rejection `json:"rejection,omitempty"`
}

// Pipeline owns the admission checks. It mutates relationship state through
// the store's atomic operations only, so a crash between checks never leaves
// a half-admitted intent.
type Pipeline struct {
	store     store.Store
	keys      *chain.Keyring
	closer    Closer
	policies  atomic.Pointer[policy.Registry]
	probe     BackpressureProbe
	oversight audit.Logger
	log       *slog.Logger
	clock     func() time.Time
	deadline  time.Duration
	grace     time.Duration

	// extendOnResponse moves the activity expiry forward on responses as
	// well as admissions. Off unless configured.
	extendOnResponse bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) { p.clock = clock }
}

// WithDeadline overrides the per-admission deadline.
func WithDeadline(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.deadline = d
		}
	}
}

// WithGrace overrides the appointment grace period.
func WithGrace(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.grace = d
		}
	}
}

// WithBackpressure wires the delivery queue probe consulted at step 8.
func WithBackpressure(probe BackpressureProbe) Option {
	return func(p *Pipeline) { p.probe = probe }
}

// WithOversight overrides the oversight channel breach attempts and flagged
// admissions are copied to.
func WithOversight(l audit.Logger) Option {
	return func(p *Pipeline) { p.oversight = l }
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithResponseExtension makes recorded responses move the activity expiry
// forward, matching the admission-side recomputation.
func WithResponseExtension(on bool) Option {
	return func(p *Pipeline) { p.extendOnResponse = on }
}

// NewPipeline assembles a pipeline over the given store, chain keyring,
// policy registry, and lifecycle closer.
func NewPipeline(st store.Store, keys *chain.Keyring, reg *policy.Registry, closer Closer, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     st,
		keys:      keys,
		closer:    closer,
		oversight: audit.NewLogger(),
		log:       slog.Default(),
		clock:     time.Now,
		deadline:  DefaultDeadline,
		grace:     DefaultGrace,
	}
	p.policies.Store(reg)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetPolicies swaps the live policy registry. Admissions already in flight
// keep the registry they started with.
func (p *Pipeline) SetPolicies(reg *policy.Registry) {
	p.policies.Store(reg)
}

// Registry returns the policy registry admissions currently run against.
func (p *Pipeline) Registry() *policy.Registry {
	return p.policies.Load()
}

// Submit runs one intent through the nine admission checks. A nil error with
// Result.Rejection set is a domain outcome, not a failure; a non-nil error
// means the broker itself could not process the submission.
func (p *Pipeline) Submit(ctx context.Context, in *relation.Intent) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("invalid intent: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	res, rel, err := p.submit(ctx, in)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		// The deadline blew mid-pipeline. Record the timeout on a context
		// that survives it; the caller may retry, so nothing else moved.
		return p.rejectTimeout(context.WithoutCancel(ctx), rel, in)
	}
	return res, err
}

func (p *Pipeline) submit(ctx context.Context, in *relation.Intent) (*Result, *relation.Relationship, error) {
	now := p.clock()
	reg := p.Registry()

	canonical, err := canonicalize.JCS(in.SigningView())
	if err != nil {
		return nil, nil, fmt.Errorf("canonicalize intent: %w", err)
	}
	digest := canonicalize.HashBytes(canonical)

	// 1. Relationship exists and is active.
	rel, err := p.store.GetRelationship(ctx, in.RelationshipID)
	if errors.Is(err, store.ErrNotFound) {
		return rejection(relation.Rejection{
			Kind:   relation.KindUnknownRelationship,
			Detail: fmt.Sprintf("relationship %s does not exist", in.RelationshipID),
		}), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load relationship: %w", err)
	}
	if rel.State == relation.StateClosed {
		// The chain is sealed behind relationship_closed, so the attempt is
		// recorded on the oversight channel instead of as a chain event.
		p.recordOversight(ctx, audit.KindBreachAttempt, rel.ID, in.Sender, "intent_on_closed_relationship", map[string]any{
			"intent_type":  in.Type,
			"digest":       digest,
			"close_reason": string(rel.CloseReason),
		})
		return rejection(relation.Rejection{
			Kind:   relation.KindClosedRelationship,
			Detail: fmt.Sprintf("relationship closed (%s)", rel.CloseReason),
		}), rel, nil
	}

	// 2. Sender direction. Responders use the response channel.
	if in.Sender != rel.Initiator {
		res, err := p.reject(ctx, rel, in, digest, relation.Rejection{
			Kind:   relation.KindWrongDirection,
			Detail: fmt.Sprintf("sender %s is not the initiator", in.Sender),
		}, now)
		return res, rel, err
	}

	// 3. Trust-level floor. Unregistered types carry a deny-all entry whose
	// floor no relationship can reach.
	entry := reg.Lookup(in.Type, rel.TrustLevel)
	if entry.TrustFloor > rel.TrustLevel {
		res, err := p.reject(ctx, rel, in, digest, relation.Rejection{
			Kind:   relation.KindTrustLevelInsufficient,
			Detail: fmt.Sprintf("intent type %s requires trust level %d, relationship has %d", in.Type, entry.TrustFloor, rel.TrustLevel),
			Meta:   map[string]any{"required_level": entry.TrustFloor, "trust_level": rel.TrustLevel},
		}, now)
		return res, rel, err
	}

	// 4. Timebox / appointment window.
	withinGrace := false
	switch rel.Timebox.Mode {
	case relation.TimeboxActivity:
		if now.After(rel.ExpiresAt) {
			res, err := p.rejectAndClose(ctx, rel, in, digest, relation.Rejection{
				Kind:   relation.KindExpired,
				Detail: fmt.Sprintf("relationship expired at %s", rel.ExpiresAt.Format(time.RFC3339)),
			}, now, relation.CloseReasonExpired)
			return res, rel, err
		}
	case relation.TimeboxAppointment:
		if entry.Appointment == policy.AppointmentStrict {
			if outsideStrict(now, rel.Timebox) {
				res, err := p.reject(ctx, rel, in, digest, relation.Rejection{
					Kind:   relation.KindOutsideWindow,
					Detail: fmt.Sprintf("outside appointment [%s, %s]", rel.Timebox.Start.Format(time.RFC3339), rel.Timebox.End.Format(time.RFC3339)),
					Meta:   map[string]any{"strict": true},
				}, now)
				return res, rel, err
			}
		} else {
			if now.Before(rel.Timebox.Start.Add(-p.grace)) || now.After(rel.Timebox.End.Add(p.grace)) {
				res, err := p.reject(ctx, rel, in, digest, relation.Rejection{
					Kind:   relation.KindOutsideWindow,
					Detail: fmt.Sprintf("outside appointment [%s, %s] and its %s grace", rel.Timebox.Start.Format(time.RFC3339), rel.Timebox.End.Format(time.RFC3339), p.grace),
					Meta:   map[string]any{"strict": false},
				}, now)
				return res, rel, err
			}
			withinGrace = now.Before(rel.Timebox.Start) || now.After(rel.Timebox.End)
		}
	}

	// 5. Depth cap. Only admitted intents count, so Depth is exact.
	if rel.Depth >= rel.MaxDepth {
		res, err := p.rejectAndClose(ctx, rel, in, digest, relation.Rejection{
			Kind:   relation.KindDepthExceeded,
			Detail: fmt.Sprintf("depth %d reached the maximum %d", rel.Depth, rel.MaxDepth),
			Meta:   map[string]any{"depth": rel.Depth, "max_depth": rel.MaxDepth},
		}, now, relation.CloseReasonMaxDepthReached)
		return res, rel, err
	}

	// 6. Consent.
	if entry.RequireConsent && !rel.HasConsent(in.Type) {
		res, err := p.reject(ctx, rel, in, digest, relation.Rejection{
			Kind:   relation.KindConsentMissing,
			Detail: fmt.Sprintf("intent type %s requires prior consent", in.Type),
		}, now)
		return res, rel, err
	}

	// 7. Content filter: static rules, then the CEL condition, then the
	// wasm plugin. Condition and plugin failures fail closed.
	violations := p.filterViolations(ctx, reg, entry, rel, in, withinGrace, canonical)
	switch sev := policy.MaxSeverity(violations); sev {
	case policy.SeverityCritical:
		res, err := p.rejectAndClose(ctx, rel, in, digest, relation.Rejection{
			Kind:   relation.KindFilterRejected,
			Detail: "critical content violation",
			Meta:   map[string]any{"critical": true, "violations": violationDetails(violations)},
		}, now, relation.CloseReasonBreach)
		return res, rel, err
	case policy.SeverityReject:
		res, err := p.reject(ctx, rel, in, digest, relation.Rejection{
			Kind:   relation.KindFilterRejected,
			Detail: "content filter rejected the intent",
			Meta:   map[string]any{"violations": violationDetails(violations)},
		}, now)
		return res, rel, err
	}
	warnings := warningIDs(violations)

	// 8. Risk score against the per-trust-level threshold. Grace-window
	// admissions are gated one level down.
	model := reg.Risk()
	signals, err := p.riskSignals(ctx, rel, in, model, now)
	if err != nil {
		return nil, rel, err
	}
	score := model.Score(signals)
	gate := rel.TrustLevel
	if withinGrace {
		gate--
	}
	threshold := model.Threshold(gate)
	if score < threshold {
		res, err := p.reject(ctx, rel, in, digest, relation.Rejection{
			Kind:   relation.KindRiskTooLow,
			Detail: fmt.Sprintf("risk score %.2f below threshold %.2f", score, threshold),
			Meta:   map[string]any{"risk_score": score, "threshold": threshold, "risk_signals": signals},
		}, now)
		return res, rel, err
	}

	// 9. Admit. The single mutating step: event, depth, activity, and the
	// recomputed expiry land in one store transaction.
	payload := admittedPayload(in, entry, digest, score, signals, reg.Version(), withinGrace, warnings)
	var expiresAt time.Time
	if rel.Timebox.Mode == relation.TimeboxActivity {
		expiresAt = now.Add(rel.Timebox.Window)
	}
	seq, err := p.appendChained(ctx, rel.ID, relation.EventIntentAdmitted, payload, now, func(e relation.Event) error {
		return p.store.RecordAdmission(ctx, e, now, expiresAt)
	})
	if errors.Is(err, errChainSealed) {
		return rejection(sealedRejection()), rel, nil
	}
	if err != nil {
		return nil, rel, fmt.Errorf("record admission: %w", err)
	}

	if entry.OversightCopy {
		p.recordOversight(ctx, audit.KindOversightCopy, rel.ID, in.Sender, "intent_admitted", map[string]any{
			"intent_type": in.Type,
			"digest":      digest,
			"sequence":    seq,
		})
	}
	p.log.LogAttrs(ctx, slog.LevelInfo, "intent admitted",
		slog.String("relationship_id", rel.ID),
		slog.String("intent_type", in.Type),
		slog.Uint64("sequence", seq),
		slog.Float64("risk_score", score),
	)
	return &Result{
		Admitted:      true,
		Sequence:      seq,
		RiskScore:     score,
		RiskSignals:   signals,
		WithinGrace:   withinGrace,
		PolicyVersion: reg.Version(),
	}, rel, nil
}

// reject turns a failed check into its chain event and caller outcome.
// Breach-class rejections become breach_attempt events and are copied to
// oversight; the rest become intent_rejected. Neither touches depth or
// activity.
func (p *Pipeline) reject(ctx context.Context, rel *relation.Relationship, in *relation.Intent, digest string, rej relation.Rejection, at time.Time) (*Result, error) {
	typ := relation.EventIntentRejected
	if rej.Breach() {
		typ = relation.EventBreachAttempt
	}
	seq, err := p.appendChained(ctx, rel.ID, typ, rejectionPayload(in, digest, rej), at, func(e relation.Event) error {
		return p.store.AppendEvent(ctx, e)
	})
	if errors.Is(err, errChainSealed) {
		// A concurrent close won; the would-be rejection is moot.
		return rejection(sealedRejection()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("record rejection: %w", err)
	}
	if rej.Breach() {
		p.recordOversight(ctx, audit.KindBreachAttempt, rel.ID, in.Sender, string(typ), map[string]any{
			"kind":        string(rej.Kind),
			"intent_type": in.Type,
			"digest":      digest,
			"sequence":    seq,
		})
	}
	p.log.LogAttrs(ctx, slog.LevelInfo, "intent rejected",
		slog.String("relationship_id", rel.ID),
		slog.String("kind", string(rej.Kind)),
		slog.Uint64("sequence", seq),
	)
	return &Result{Rejection: &rej, Sequence: seq}, nil
}

// rejectAndClose is reject followed by the lifecycle auto-close that checks
// 4, 5, and 7 demand. The rejection event lands first; the close seals the
// chain behind it. When a concurrent close preempted the rejection the
// close is skipped.
func (p *Pipeline) rejectAndClose(ctx context.Context, rel *relation.Relationship, in *relation.Intent, digest string, rej relation.Rejection, at time.Time, reason relation.CloseReason) (*Result, error) {
	res, err := p.reject(ctx, rel, in, digest, rej, at)
	if err != nil {
		return nil, err
	}
	if res.Rejection.Kind == rej.Kind {
		p.autoClose(ctx, rel.ID, reason)
	}
	return res, nil
}

// rejectTimeout records the deadline overrun when the relationship is known
// and open. The caller always gets the timeout rejection even if the event
// write fails; timeouts never charge depth and are safe to resubmit.
func (p *Pipeline) rejectTimeout(ctx context.Context, rel *relation.Relationship, in *relation.Intent) (*Result, error) {
	rej := relation.Rejection{
		Kind:   relation.KindTimeout,
		Detail: fmt.Sprintf("admission exceeded the %s deadline", p.deadline),
	}
	if rel == nil || rel.State != relation.StateActive {
		return rejection(rej), nil
	}
	canonical, err := canonicalize.JCS(in.SigningView())
	if err != nil {
		return rejection(rej), nil
	}
	res, err := p.reject(ctx, rel, in, canonicalize.HashBytes(canonical), rej, p.clock())
	if err != nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "timeout rejection not recorded",
			slog.String("relationship_id", rel.ID),
			slog.String("error", err.Error()),
		)
		return rejection(rej), nil
	}
	return res, nil
}

// errChainSealed reports that the chain head turned terminal between checks:
// the relationship closed while the pipeline ran.
var errChainSealed = errors.New("chain is sealed")

// appendChained builds an event on the current chain head and hands it to
// record. One retry on ErrChainConflict, with the head re-read and the event
// rebuilt; a head that turned terminal aborts with errChainSealed.
func (p *Pipeline) appendChained(ctx context.Context, relID string, typ relation.EventType, payload map[string]any, at time.Time, record func(relation.Event) error) (uint64, error) {
	key, err := p.keys.KeyFor(relID)
	if err != nil {
		return 0, fmt.Errorf("derive chain key: %w", err)
	}
	build := func() (relation.Event, error) {
		last, err := p.store.LastEvent(ctx, relID)
		if err != nil {
			return relation.Event{}, fmt.Errorf("read chain head: %w", err)
		}
		if last.Terminal() {
			return relation.Event{}, errChainSealed
		}
		return chain.NewEvent(key, relID, last.Sequence+1, typ, at, payload, last.Hash)
	}

	e, err := build()
	if err != nil {
		return 0, err
	}
	err = record(e)
	if errors.Is(err, store.ErrChainConflict) {
		e, err = build()
		if err == nil {
			err = record(e)
		}
	}
	if err != nil {
		return 0, err
	}
	return e.Sequence, nil
}

func (p *Pipeline) autoClose(ctx context.Context, relID string, reason relation.CloseReason) {
	if p.closer == nil {
		return
	}
	// The close must land even when the admission deadline is nearly spent.
	if err := p.closer.AutoClose(context.WithoutCancel(ctx), relID, reason); err != nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "auto-close failed",
			slog.String("relationship_id", relID),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pipeline) recordOversight(ctx context.Context, kind audit.Kind, relID, actor, action string, meta map[string]any) {
	if err := p.oversight.Record(ctx, kind, relID, actor, action, meta); err != nil {
		p.log.LogAttrs(ctx, slog.LevelWarn, "oversight record failed",
			slog.String("relationship_id", relID),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

func rejection(rej relation.Rejection) *Result {
	return &Result{Rejection: &rej}
}

func sealedRejection() relation.Rejection {
	return relation.Rejection{
		Kind:   relation.KindClosedRelationship,
		Detail: "relationship closed while the submission was in flight",
	}
}

// outsideStrict applies the strict appointment bound at second granularity:
// start <= now <= end with sub-second slop neither granted nor punished.
func outsideStrict(now time.Time, tb relation.Timebox) bool {
	t := now.Truncate(time.Second)
	return t.Before(tb.Start.Truncate(time.Second)) || t.After(tb.End.Truncate(time.Second))
}
