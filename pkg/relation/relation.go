// Package relation defines the domain types shared by every broker
// component: relationships, their event chains, intents, and responses.
//
// A relationship is the long-lived trust record between exactly two
// participants. It is directional: the initiator opens it and sends intents,
// the responder answers. Every mutation of a relationship is mirrored as an
// event on its hash-linked chain.
package relation

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a relationship.
type State string

const (
	StateActive State = "active"
	StateClosed State = "closed"
)

// CloseReason records why a relationship left the active state.
type CloseReason string

const (
	CloseReasonCompleted       CloseReason = "completed"
	CloseReasonUser            CloseReason = "user"
	CloseReasonError           CloseReason = "error"
	CloseReasonExpired         CloseReason = "expired"
	CloseReasonMaxDepthReached CloseReason = "max_depth_reached"
	CloseReasonBreach          CloseReason = "breach"
	CloseReasonIncomplete      CloseReason = "incomplete"
)

// Outcome classifies a close reason for the close summary returned to
// callers. The classes are coarser than the reasons so operators can
// aggregate without enumerating every reason string.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
	OutcomeLapsed    Outcome = "lapsed"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeViolation Outcome = "violation"
	OutcomeSuspended Outcome = "suspended"
	OutcomeOther     Outcome = "other"
)

// Classify maps a close reason to its outcome class.
func Classify(reason CloseReason) Outcome {
	switch reason {
	case CloseReasonCompleted:
		return OutcomeCompleted
	case CloseReasonUser:
		return OutcomeAborted
	case CloseReasonError:
		return OutcomeFailed
	case CloseReasonExpired:
		return OutcomeLapsed
	case CloseReasonMaxDepthReached:
		return OutcomeExhausted
	case CloseReasonBreach:
		return OutcomeViolation
	case CloseReasonIncomplete:
		return OutcomeSuspended
	default:
		return OutcomeOther
	}
}

// TimeboxMode selects how a relationship's admission window is bounded.
type TimeboxMode string

const (
	// TimeboxActivity expires the relationship after a period of inactivity.
	TimeboxActivity TimeboxMode = "activity"
	// TimeboxAppointment bounds admissions to a fixed [start, end] window.
	TimeboxAppointment TimeboxMode = "appointment"
)

// Timebox is the admission window policy fixed at relationship creation.
// Exactly one mode is set: activity-based carries Window, appointment-based
// carries Start/End.
type Timebox struct {
	Mode   TimeboxMode   `json:"mode"`
	Window time.Duration `json:"window,omitempty"`
	Start  time.Time     `json:"start,omitempty"`
	End    time.Time     `json:"end,omitempty"`
}

// Validate checks the mode-specific constraints.
func (t Timebox) Validate() error {
	switch t.Mode {
	case TimeboxActivity:
		if t.Window <= 0 {
			return errors.New("activity timebox requires a positive window")
		}
	case TimeboxAppointment:
		if t.Start.IsZero() || t.End.IsZero() {
			return errors.New("appointment timebox requires start and end")
		}
		if !t.Start.Before(t.End) {
			return fmt.Errorf("appointment start %s must precede end %s", t.Start, t.End)
		}
	default:
		return fmt.Errorf("unknown timebox mode %q", t.Mode)
	}
	return nil
}

// Relationship is the central long-lived record between two participants.
// The store owns every field; other components read snapshots and request
// mutations through the store's atomic operations.
type Relationship struct {
	ID              string         `json:"id"`
	Initiator       string         `json:"initiator"`
	Responder       string         `json:"responder"`
	TrustLevel      int            `json:"trust_level"`
	State           State          `json:"state"`
	CloseReason     CloseReason    `json:"close_reason,omitempty"`
	Depth           int            `json:"depth"`
	MaxDepth        int            `json:"max_depth"`
	Timebox         Timebox        `json:"timebox"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActivityAt  time.Time      `json:"last_activity_at"`
	ExpiresAt       time.Time      `json:"expires_at,omitempty"`
	ClosedAt        time.Time      `json:"closed_at,omitempty"`
	ContinuationOf  string         `json:"continuation_of,omitempty"`
	ContextSnapshot map[string]any `json:"context_snapshot,omitempty"`
	ChainHead       string         `json:"chain_head"`
}

// TrustLevelMin and TrustLevelMax bound the trust scale.
const (
	TrustLevelMin = 0
	TrustLevelMax = 5
)

// Validate enforces the structural invariants of a relationship record.
func (r *Relationship) Validate() error {
	if r.ID == "" {
		return errors.New("relationship id is empty")
	}
	if r.Initiator == "" || r.Responder == "" {
		return errors.New("both participants are required")
	}
	if r.Initiator == r.Responder {
		return errors.New("initiator and responder must differ")
	}
	if r.TrustLevel < TrustLevelMin || r.TrustLevel > TrustLevelMax {
		return fmt.Errorf("trust level %d out of range [%d,%d]", r.TrustLevel, TrustLevelMin, TrustLevelMax)
	}
	if r.MaxDepth <= 0 {
		return errors.New("max depth must be positive")
	}
	if r.Depth < 0 || r.Depth > r.MaxDepth {
		return fmt.Errorf("depth %d out of range [0,%d]", r.Depth, r.MaxDepth)
	}
	if err := r.Timebox.Validate(); err != nil {
		return err
	}
	if r.State == StateClosed && r.ClosedAt.IsZero() {
		return errors.New("closed relationship requires closed_at")
	}
	return nil
}

// ConsentKey returns the context-snapshot key that must hold a consent
// signature for the given intent type.
func ConsentKey(intentType string) string {
	return "consent:" + intentType
}

// HasConsent reports whether the snapshot carries a positive consent entry
// for the intent type. Empty strings, false, and nil do not count.
func (r *Relationship) HasConsent(intentType string) bool {
	v, ok := r.ContextSnapshot[ConsentKey(intentType)]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return t != ""
	case bool:
		return t
	default:
		return true
	}
}

// OpenItemsKey is the single context-snapshot field copied forward on
// re-engagement.
const OpenItemsKey = "open_items"
