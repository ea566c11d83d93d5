package relation

import "time"

// EventType identifies the kind of chain event.
type EventType string

const (
	EventRelationshipEstablished EventType = "relationship_established"
	EventIntentAdmitted          EventType = "intent_admitted"
	EventIntentRejected          EventType = "intent_rejected"
	EventResponseRecorded        EventType = "response_recorded"
	EventRelationshipClosed      EventType = "relationship_closed"
	EventRelationshipContinued   EventType = "relationship_continued"
	EventBreachAttempt           EventType = "breach_attempt"
)

// GenesisHash is the fixed previous-hash value of the first event on every
// chain.
const GenesisHash = "genesis"

// Event is one record on a relationship's append-only chain. Sequence
// numbers are dense and start at 0 with relationship_established. Hash is
// the keyed continuity hash over (PreviousHash, Sequence, Type, Payload);
// RecordedAt is mirrored inside the payload so timestamps are covered by the
// chain.
type Event struct {
	RelationshipID string         `json:"relationship_id"`
	Sequence       uint64         `json:"sequence"`
	Type           EventType      `json:"type"`
	RecordedAt     time.Time      `json:"recorded_at"`
	Payload        map[string]any `json:"payload"`
	PreviousHash   string         `json:"previous_hash"`
	Hash           string         `json:"hash"`
}

// Terminal reports whether no further event may follow this one.
func (e *Event) Terminal() bool {
	return e.Type == EventRelationshipClosed
}
