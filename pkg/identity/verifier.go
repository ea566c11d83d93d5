// Package identity verifies the signatures on inbound messages and issues
// the session tokens used to resume delivery subscriptions. It is the only
// package that knows how senders map to keys; everything downstream treats
// an already-verified sender string as authoritative.
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/relation"
)

// Participant is one registered endpoint: a device identifier, its Ed25519
// public key, and an optional binding to a human identifier. A zero
// ExpiresAt means the key never expires.
type Participant struct {
	ID           string            `json:"id"`
	PublicKey    ed25519.PublicKey `json:"public_key"`
	HumanID      string            `json:"human_id,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// Verifier checks one canonical message against a declared sender. A nil
// return means the signature is valid and any claimed human binding matches
// the registration.
type Verifier interface {
	Verify(ctx context.Context, msg []byte, sender, onBehalfOf string, sig []byte) *relation.Rejection
}

// Directory is the in-memory Verifier. Registrations come from the API or a
// JSON snapshot loaded at boot; the upstream identity system that mints the
// keys stays opaque.
type Directory struct {
	mu           sync.RWMutex
	participants map[string]Participant
	clock        func() time.Time
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithClock overrides the time source for expiry checks.
func WithClock(clock func() time.Time) DirectoryOption {
	return func(d *Directory) {
		d.clock = clock
	}
}

// NewDirectory returns an empty directory.
func NewDirectory(opts ...DirectoryOption) *Directory {
	d := &Directory{
		participants: make(map[string]Participant),
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds or replaces a participant. Re-registration rotates the key
// for that device identifier.
func (d *Directory) Register(p Participant) error {
	if p.ID == "" {
		return fmt.Errorf("participant id is empty")
	}
	if len(p.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("participant %s: public key must be %d bytes", p.ID, ed25519.PublicKeySize)
	}
	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = d.clock().UTC()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.participants[p.ID] = p
	return nil
}

// Lookup returns the registration for a device identifier.
func (d *Directory) Lookup(id string) (Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.participants[id]
	return p, ok
}

// Verify implements Verifier.
func (d *Directory) Verify(_ context.Context, msg []byte, sender, onBehalfOf string, sig []byte) *relation.Rejection {
	p, ok := d.Lookup(sender)
	if !ok {
		return &relation.Rejection{Kind: relation.KindUnknownSender, Detail: fmt.Sprintf("sender %q is not registered", sender)}
	}
	if !p.ExpiresAt.IsZero() && !d.clock().Before(p.ExpiresAt) {
		return &relation.Rejection{Kind: relation.KindExpiredKey, Detail: fmt.Sprintf("key for %q expired at %s", sender, p.ExpiresAt.UTC().Format(time.RFC3339))}
	}
	if onBehalfOf != "" && onBehalfOf != p.HumanID {
		return &relation.Rejection{Kind: relation.KindBindingMismatch, Detail: fmt.Sprintf("sender %q is not bound to %q", sender, onBehalfOf)}
	}
	if !ed25519.Verify(p.PublicKey, msg, sig) {
		return &relation.Rejection{Kind: relation.KindBadSignature, Detail: "signature does not cover the canonical message"}
	}
	return nil
}

// snapshotEntry is the on-disk form of one registration. ed25519.PublicKey
// marshals as base64 through encoding/json.
type snapshotEntry struct {
	ID        string            `json:"id"`
	PublicKey ed25519.PublicKey `json:"public_key"`
	HumanID   string            `json:"human_id,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

// LoadSnapshot registers every participant from a JSON snapshot file.
func (d *Directory) LoadSnapshot(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read identity snapshot: %w", err)
	}
	var entries []snapshotEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return 0, fmt.Errorf("parse identity snapshot: %w", err)
	}
	for _, e := range entries {
		if err := d.Register(Participant{ID: e.ID, PublicKey: e.PublicKey, HumanID: e.HumanID, ExpiresAt: e.ExpiresAt}); err != nil {
			return 0, fmt.Errorf("snapshot entry %q: %w", e.ID, err)
		}
	}
	return len(entries), nil
}
