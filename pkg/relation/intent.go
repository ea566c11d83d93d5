package relation

import (
	"errors"
	"fmt"
	"time"
)

// ImmediateWindowSpan is how long an "immediate" intent window stays open.
const ImmediateWindowSpan = 30 * time.Second

// TimeWindow bounds when an individual intent is admissible. Zero values
// leave the corresponding side unbounded.
type TimeWindow struct {
	NotBefore time.Time `json:"not_before,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`
}

// ImmediateWindow returns the conventional window for "do this now" intents.
func ImmediateWindow(now time.Time) TimeWindow {
	return TimeWindow{NotBefore: now, NotAfter: now.Add(ImmediateWindowSpan)}
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	if !w.NotBefore.IsZero() && t.Before(w.NotBefore) {
		return false
	}
	if !w.NotAfter.IsZero() && t.After(w.NotAfter) {
		return false
	}
	return true
}

// Validate rejects inverted windows.
func (w TimeWindow) Validate() error {
	if !w.NotBefore.IsZero() && !w.NotAfter.IsZero() && w.NotAfter.Before(w.NotBefore) {
		return fmt.Errorf("window not_after %s precedes not_before %s", w.NotAfter, w.NotBefore)
	}
	return nil
}

// Priority bounds for intent constraints.
const (
	PriorityMin = 0
	PriorityMax = 9
)

// DefaultMaxRetries is the caller-side retry allowance carried on an intent
// when none is declared. The broker itself never retries admissions.
const DefaultMaxRetries = 3

// Constraints carries the caller-declared execution bounds of an intent.
// The broker does not act on them beyond the admission caps; they travel to
// the responder verbatim.
type Constraints struct {
	MaxRetries     int           `json:"max_retries,omitempty"`
	Deadline       time.Duration `json:"deadline,omitempty"`
	Priority       int           `json:"priority,omitempty"`
	SafeFailAction string        `json:"safe_fail_action,omitempty"`
}

// Validate enforces the structural bounds.
func (c Constraints) Validate() error {
	if c.Priority < PriorityMin || c.Priority > PriorityMax {
		return fmt.Errorf("priority %d out of range [%d,%d]", c.Priority, PriorityMin, PriorityMax)
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	if c.Deadline < 0 {
		return errors.New("deadline must not be negative")
	}
	return nil
}

// Intent is one signed message inbound on a relationship. It is ephemeral:
// admission turns it into exactly one intent_admitted event (possibly
// followed later by response_recorded), rejection into one intent_rejected
// or breach_attempt event.
type Intent struct {
	RelationshipID string         `json:"relationship_id"`
	Type           string         `json:"type"`
	Window         TimeWindow     `json:"window,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Constraints    Constraints    `json:"constraints,omitempty"`
	Sender         string         `json:"sender"`
	OnBehalfOf     string         `json:"on_behalf_of,omitempty"`
	Signature      []byte         `json:"signature,omitempty"`
}

// SigningView returns the fields covered by the intent signature, in the
// shape fed to the canonical encoder. The signature field itself is
// excluded.
func (in *Intent) SigningView() map[string]any {
	return map[string]any{
		"relationship_id": in.RelationshipID,
		"type":            in.Type,
		"window":          in.Window,
		"context":         in.Context,
		"constraints":     in.Constraints,
		"sender":          in.Sender,
		"on_behalf_of":    in.OnBehalfOf,
	}
}

// Validate enforces the structural invariants of an inbound intent.
func (in *Intent) Validate() error {
	if in.RelationshipID == "" {
		return errors.New("relationship id is empty")
	}
	if in.Type == "" {
		return errors.New("intent type is empty")
	}
	if in.Sender == "" {
		return errors.New("sender is empty")
	}
	if err := in.Window.Validate(); err != nil {
		return err
	}
	return in.Constraints.Validate()
}

// ResponseOutcome is the responder's verdict on an admitted intent.
type ResponseOutcome string

const (
	ResponseAccepted  ResponseOutcome = "accepted"
	ResponseCompleted ResponseOutcome = "completed"
	ResponseRejected  ResponseOutcome = "rejected"
)

// Response is a responder-originated reply to a specific admitted intent.
// Responses never increment depth.
type Response struct {
	RelationshipID string          `json:"relationship_id"`
	IntentSequence uint64          `json:"intent_sequence"`
	Outcome        ResponseOutcome `json:"outcome"`
	Data           map[string]any  `json:"data,omitempty"`
	Sender         string          `json:"sender"`
	OnBehalfOf     string          `json:"on_behalf_of,omitempty"`
	Signature      []byte          `json:"signature,omitempty"`
}

// SigningView returns the fields covered by the response signature.
func (r *Response) SigningView() map[string]any {
	return map[string]any{
		"relationship_id": r.RelationshipID,
		"intent_sequence": r.IntentSequence,
		"outcome":         r.Outcome,
		"data":            r.Data,
		"sender":          r.Sender,
		"on_behalf_of":    r.OnBehalfOf,
	}
}

// Validate enforces the structural invariants of an inbound response.
func (r *Response) Validate() error {
	if r.RelationshipID == "" {
		return errors.New("relationship id is empty")
	}
	if r.Sender == "" {
		return errors.New("sender is empty")
	}
	switch r.Outcome {
	case ResponseAccepted, ResponseCompleted, ResponseRejected:
	default:
		return fmt.Errorf("unknown response outcome %q", r.Outcome)
	}
	return nil
}
