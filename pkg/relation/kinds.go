package relation

// RejectKind names every caller-visible failure the broker can produce.
// Each kind corresponds to an admission-pipeline step or a lifecycle rule;
// internal failures collapse to KindInternalError with a correlation id.
type RejectKind string

const (
	// Authentication.
	KindBadSignature    RejectKind = "bad_signature"
	KindUnknownSender   RejectKind = "unknown_sender"
	KindBindingMismatch RejectKind = "binding_mismatch"
	KindExpiredKey      RejectKind = "expired_key"

	// Relationship lifecycle.
	KindUnknownRelationship RejectKind = "unknown_relationship"
	KindClosedRelationship  RejectKind = "closed_relationship"
	KindDepthExceeded       RejectKind = "depth_exceeded"
	KindExpired             RejectKind = "expired"
	KindOutsideWindow       RejectKind = "outside_window"
	KindAlreadyClosed       RejectKind = "already_closed"
	KindParticipantMismatch RejectKind = "participant_mismatch"
	KindPredecessorActive   RejectKind = "predecessor_active"

	// Policy.
	KindTrustLevelInsufficient RejectKind = "trust_level_insufficient"
	KindConsentMissing         RejectKind = "consent_missing"
	KindFilterRejected         RejectKind = "filter_rejected"
	KindRiskTooLow             RejectKind = "risk_too_low"
	KindPolicyDenies           RejectKind = "policy_denies"

	// Protocol misuse.
	KindWrongDirection   RejectKind = "wrong_direction"
	KindNotAdmitted      RejectKind = "not_admitted"
	KindAlreadyFinalized RejectKind = "already_finalized"
	KindDuplicate        RejectKind = "duplicate"

	// Capacity and time.
	KindTimeout             RejectKind = "timeout"
	KindDeliveryTimeout     RejectKind = "delivery_timeout"
	KindResponderOverloaded RejectKind = "responder_overloaded"

	// Reads.
	KindNotFound     RejectKind = "not_found"
	KindUnauthorized RejectKind = "unauthorized"

	// Catch-all.
	KindInternalError RejectKind = "internal_error"
)

// Rejection couples a kind with the human-readable detail recorded on the
// chain and returned to the caller. It is a domain outcome, not a Go error:
// the pipeline returns it alongside nil errors.
type Rejection struct {
	Kind   RejectKind     `json:"kind"`
	Detail string         `json:"detail,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Breach reports whether rejections of this kind are recorded as
// breach_attempt events rather than intent_rejected. Breaches are misuse
// signals surfaced to oversight; benign rejections are ordinary caller
// errors.
func (r Rejection) Breach() bool {
	if r.Kind == KindClosedRelationship {
		return true
	}
	if r.Kind == KindOutsideWindow {
		strict, _ := r.Meta["strict"].(bool)
		return strict
	}
	if r.Kind == KindFilterRejected {
		critical, _ := r.Meta["critical"].(bool)
		return critical
	}
	return false
}
