// Package chain computes and verifies the keyed continuity hashes that link
// a relationship's events. Every chain starts from the fixed genesis value;
// each event's hash is an HMAC-SHA256 over the previous hash concatenated
// with the canonical encoding of (sequence, type, payload). Any insertion,
// deletion, or reordering breaks the chain at the point of tampering.
package chain

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/accord/pkg/canonicalize"
	"github.com/Mindburn-Labs/accord/pkg/relation"
)

// HashPrefix identifies the hash construction on every continuity hash.
const HashPrefix = "hmac-sha256:"

// MasterKeySize is the required size of the broker master secret.
const MasterKeySize = 32

const kdfSalt = "accord-chain-kdf"

// ErrShortMasterKey rejects master secrets below MasterKeySize.
var ErrShortMasterKey = errors.New("chain master key must be at least 32 bytes")

// Keyring derives per-relationship chain keys from the process-wide master
// secret. The master is loaded once at startup and read-only afterwards.
type Keyring struct {
	master []byte
}

// NewKeyring wraps a master secret.
func NewKeyring(master []byte) (*Keyring, error) {
	if len(master) < MasterKeySize {
		return nil, ErrShortMasterKey
	}
	k := make([]byte, len(master))
	copy(k, master)
	return &Keyring{master: k}, nil
}

// GenerateMaster returns a fresh random master secret for development and
// tests. Production deployments load the secret from the configured key
// file.
func GenerateMaster() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return key, nil
}

// KeyFor derives the chain key for one relationship using HKDF-SHA256 with
// the relationship identifier as context. Distinct relationships therefore
// hash under distinct keys even though the broker holds a single secret.
func (k *Keyring) KeyFor(relationshipID string) ([]byte, error) {
	if relationshipID == "" {
		return nil, errors.New("relationship id is empty")
	}
	r := hkdf.New(sha256.New, k.master, []byte(kdfSalt), []byte(relationshipID))
	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive chain key: %w", err)
	}
	return key, nil
}

// EventHash computes the continuity hash of one event.
func EventHash(key []byte, previousHash string, sequence uint64, eventType relation.EventType, payload map[string]any) (string, error) {
	body, err := canonicalize.JCS(map[string]any{
		"payload":  payload,
		"sequence": sequence,
		"type":     eventType,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize event %d: %w", sequence, err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(previousHash))
	mac.Write(body)
	return HashPrefix + hex.EncodeToString(mac.Sum(nil)), nil
}

// NewEvent assembles a fully hashed event. The recorded_at timestamp is
// mirrored into the payload so the chain covers it; the caller's payload map
// is not mutated.
func NewEvent(key []byte, relationshipID string, sequence uint64, eventType relation.EventType, recordedAt time.Time, payload map[string]any, previousHash string) (relation.Event, error) {
	merged := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		merged[k] = v
	}
	merged["recorded_at"] = recordedAt.UTC().Format(time.RFC3339Nano)

	hash, err := EventHash(key, previousHash, sequence, eventType, merged)
	if err != nil {
		return relation.Event{}, err
	}

	return relation.Event{
		RelationshipID: relationshipID,
		Sequence:       sequence,
		Type:           eventType,
		RecordedAt:     recordedAt.UTC(),
		Payload:        merged,
		PreviousHash:   previousHash,
		Hash:           hash,
	}, nil
}

// BreakError reports the first sequence at which a chain fails verification.
type BreakError struct {
	Sequence uint64
	Reason   string
}

func (e *BreakError) Error() string {
	return fmt.Sprintf("chain broken at sequence %d: %s", e.Sequence, e.Reason)
}

// Verify replays a full chain and checks density, linkage, and every
// continuity hash. Events must be supplied in sequence order starting at 0.
func Verify(key []byte, events []relation.Event) error {
	_, err := Replay(key, events)
	return err
}

// Replay verifies a chain and returns its head hash. An empty chain replays
// to the genesis value.
func Replay(key []byte, events []relation.Event) (string, error) {
	prev := relation.GenesisHash
	for i, e := range events {
		if e.Sequence != uint64(i) {
			return "", &BreakError{Sequence: e.Sequence, Reason: fmt.Sprintf("expected sequence %d", i)}
		}
		if e.PreviousHash != prev {
			return "", &BreakError{Sequence: e.Sequence, Reason: "previous hash does not match predecessor"}
		}
		want, err := EventHash(key, e.PreviousHash, e.Sequence, e.Type, e.Payload)
		if err != nil {
			return "", err
		}
		if !hmac.Equal([]byte(want), []byte(e.Hash)) {
			return "", &BreakError{Sequence: e.Sequence, Reason: "continuity hash mismatch"}
		}
		if e.Terminal() && i != len(events)-1 {
			return "", &BreakError{Sequence: e.Sequence, Reason: "events follow relationship_closed"}
		}
		prev = e.Hash
	}
	return prev, nil
}
