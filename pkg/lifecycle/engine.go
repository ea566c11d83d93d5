// Package lifecycle owns relationship state transitions: establishment,
// explicit and automatic closure, re-engagement through continuation links,
// and the periodic sweep that retires idle relationships. All transitions go
// through the store's atomic operations, so the chain and the record can
// never disagree about whether a relationship ended.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/accord/pkg/audit"
	"github.com/Mindburn-Labs/accord/pkg/chain"
	"github.com/Mindburn-Labs/accord/pkg/policy"
	"github.com/Mindburn-Labs/accord/pkg/relation"
	"github.com/Mindburn-Labs/accord/pkg/store"
)

const (
	// DefaultTimeboxWindow applies when a proposal names no timebox.
	DefaultTimeboxWindow = 24 * time.Hour
	// DefaultMaxDepth applies when a proposal names no depth cap.
	DefaultMaxDepth = 5
	// DefaultSweepInterval paces the expiry sweep.
	DefaultSweepInterval = time.Minute
)

// Canceler lets closure finalize a relationship's pending deliveries.
// Cancellation is best effort; the close itself is already durable.
type Canceler interface {
	CancelRelationship(ctx context.Context, relationshipID string, reason relation.CloseReason)
}

// Archiver persists evidence packs in content-addressed storage and returns
// a reference for the stored pack.
type Archiver interface {
	Store(ctx context.Context, data []byte) (string, error)
}

// Proposal carries the caller-declared parameters of a new relationship.
// Trust level is never proposed; the policy registry's trust directory
// assigns it.
type Proposal struct {
	Initiator       string
	Responder       string
	Timebox         relation.Timebox
	MaxDepth        int
	ContextSnapshot map[string]any
}

// Engine drives the relationship state machine.
type Engine struct {
	store         store.Store
	keys          *chain.Keyring
	policies      atomic.Pointer[policy.Registry]
	canceler      Canceler
	archive       Archiver
	archiveAlways bool
	exporter      *audit.Exporter
	oversight     audit.Logger
	log           *slog.Logger
	clock         func() time.Time
	window        time.Duration
	maxDepth      int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithOversight overrides the oversight channel closures are noted on.
func WithOversight(l audit.Logger) Option {
	return func(e *Engine) { e.oversight = l }
}

// WithCanceler wires the delivery hub so closure cancels pending intents.
func WithCanceler(c Canceler) Option {
	return func(e *Engine) { e.canceler = c }
}

// WithArchive wires evidence-pack export on close. When always is false only
// chains carrying a legal-hold marker are exported.
func WithArchive(a Archiver, always bool) Option {
	return func(e *Engine) {
		e.archive = a
		e.archiveAlways = always
	}
}

// WithDefaults overrides the fallback timebox window and depth cap.
func WithDefaults(window time.Duration, maxDepth int) Option {
	return func(e *Engine) {
		if window > 0 {
			e.window = window
		}
		if maxDepth > 0 {
			e.maxDepth = maxDepth
		}
	}
}

// NewEngine assembles a lifecycle engine over the store, chain keyring, and
// policy registry.
func NewEngine(st store.Store, keys *chain.Keyring, reg *policy.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		keys:      keys,
		oversight: audit.NewLogger(),
		log:       slog.Default(),
		clock:     time.Now,
		window:    DefaultTimeboxWindow,
		maxDepth:  DefaultMaxDepth,
	}
	e.policies.Store(reg)
	for _, opt := range opts {
		opt(e)
	}
	e.exporter = audit.NewExporter(audit.WithClock(e.clock))
	return e
}

// SetPolicies swaps the live policy registry.
func (e *Engine) SetPolicies(reg *policy.Registry) {
	e.policies.Store(reg)
}

// Establish creates a relationship from a proposal whose signature the
// caller has already verified. The trust directory assigns the level or
// refuses the pair outright.
func (e *Engine) Establish(ctx context.Context, p Proposal) (*relation.Relationship, *relation.Rejection, error) {
	return e.establish(ctx, p, nil)
}

func (e *Engine) establish(ctx context.Context, p Proposal, pred *relation.Relationship) (*relation.Relationship, *relation.Rejection, error) {
	now := e.clock()
	reg := e.policies.Load()

	if p.Initiator == "" || p.Responder == "" {
		return nil, nil, errors.New("proposal needs both participants")
	}

	level, ok := reg.Trust().Decide(p.Initiator, p.Responder)
	if !ok {
		return nil, &relation.Rejection{
			Kind:   relation.KindPolicyDenies,
			Detail: fmt.Sprintf("no trust rule admits the pair (%s, %s)", p.Initiator, p.Responder),
		}, nil
	}

	tb := p.Timebox
	if tb.Mode == "" {
		tb = relation.Timebox{Mode: relation.TimeboxActivity, Window: e.window}
	}
	if tb.Mode == relation.TimeboxActivity && tb.Window == 0 {
		tb.Window = e.window
	}
	maxDepth := p.MaxDepth
	if maxDepth == 0 {
		maxDepth = e.maxDepth
	}

	rel := &relation.Relationship{
		ID:              uuid.NewString(),
		Initiator:       p.Initiator,
		Responder:       p.Responder,
		TrustLevel:      level,
		State:           relation.StateActive,
		MaxDepth:        maxDepth,
		Timebox:         tb,
		CreatedAt:       now,
		LastActivityAt:  now,
		ContextSnapshot: maps.Clone(p.ContextSnapshot),
	}
	if tb.Mode == relation.TimeboxActivity {
		rel.ExpiresAt = now.Add(tb.Window)
	}
	if pred != nil {
		rel.ContinuationOf = pred.ID
	}
	if err := rel.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid proposal: %w", err)
	}

	key, err := e.keys.KeyFor(rel.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("derive chain key: %w", err)
	}
	genesis, err := chain.NewEvent(key, rel.ID, 0, relation.EventRelationshipEstablished, now, establishedPayload(rel), relation.GenesisHash)
	if err != nil {
		return nil, nil, fmt.Errorf("build genesis event: %w", err)
	}
	rel.ChainHead = genesis.Hash

	if err := e.store.CreateRelationship(ctx, rel, genesis); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, &relation.Rejection{
				Kind:   relation.KindDuplicate,
				Detail: fmt.Sprintf("an active relationship between %s and %s already exists", p.Initiator, p.Responder),
			}, nil
		}
		return nil, nil, fmt.Errorf("create relationship: %w", err)
	}

	if pred != nil {
		// Sequence 1 marks the inheritance explicitly; the established
		// payload already seals the link.
		cont, err := chain.NewEvent(key, rel.ID, 1, relation.EventRelationshipContinued, now, map[string]any{
			"continuation_of":          pred.ID,
			"predecessor_close_reason": string(pred.CloseReason),
		}, genesis.Hash)
		if err == nil {
			err = e.store.AppendEvent(ctx, cont)
		}
		if err != nil {
			// The successor exists either way; the marker is informational.
			e.log.LogAttrs(ctx, slog.LevelWarn, "continuation marker not recorded",
				slog.String("relationship_id", rel.ID),
				slog.String("error", err.Error()),
			)
		} else {
			rel.ChainHead = cont.Hash
		}
	}

	e.log.LogAttrs(ctx, slog.LevelInfo, "relationship established",
		slog.String("relationship_id", rel.ID),
		slog.String("initiator", rel.Initiator),
		slog.String("responder", rel.Responder),
		slog.Int("trust_level", rel.TrustLevel),
		slog.String("timebox_mode", string(tb.Mode)),
	)
	return rel, nil, nil
}

// establishedPayload seals the creation parameters into the genesis event.
func establishedPayload(rel *relation.Relationship) map[string]any {
	tb := map[string]any{"mode": string(rel.Timebox.Mode)}
	switch rel.Timebox.Mode {
	case relation.TimeboxActivity:
		tb["window_seconds"] = int64(rel.Timebox.Window / time.Second)
	case relation.TimeboxAppointment:
		tb["start"] = rel.Timebox.Start.Format(time.RFC3339Nano)
		tb["end"] = rel.Timebox.End.Format(time.RFC3339Nano)
	}
	pl := map[string]any{
		"initiator":   rel.Initiator,
		"responder":   rel.Responder,
		"trust_level": rel.TrustLevel,
		"max_depth":   rel.MaxDepth,
		"timebox":     tb,
	}
	if rel.ContinuationOf != "" {
		pl["continuation_of"] = rel.ContinuationOf
		if items, ok := rel.ContextSnapshot[relation.OpenItemsKey]; ok {
			pl["open_items"] = items
		}
	}
	return pl
}

func (e *Engine) recordOversight(ctx context.Context, kind audit.Kind, relID, actor, action string, meta map[string]any) {
	if err := e.oversight.Record(ctx, kind, relID, actor, action, meta); err != nil {
		e.log.LogAttrs(ctx, slog.LevelWarn, "oversight record failed",
			slog.String("relationship_id", relID),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}
