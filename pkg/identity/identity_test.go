package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/relation"
)

func newParticipant(t *testing.T, id, humanID string) (Participant, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Participant{ID: id, PublicKey: pub, HumanID: humanID}, priv
}

func TestDirectoryVerify_ValidSignature(t *testing.T) {
	d := NewDirectory()
	p, priv := newParticipant(t, "device-1", "human-1")
	if err := d.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	msg := []byte(`{"relationship_id":"rel-1","sender":"device-1"}`)
	sig := ed25519.Sign(priv, msg)

	if rej := d.Verify(context.Background(), msg, "device-1", "", sig); rej != nil {
		t.Fatalf("expected valid, got %s: %s", rej.Kind, rej.Detail)
	}
	if rej := d.Verify(context.Background(), msg, "device-1", "human-1", sig); rej != nil {
		t.Fatalf("expected matching binding to verify, got %s", rej.Kind)
	}
}

func TestDirectoryVerify_UnknownSender(t *testing.T) {
	d := NewDirectory()
	rej := d.Verify(context.Background(), []byte("msg"), "ghost", "", nil)
	if rej == nil || rej.Kind != relation.KindUnknownSender {
		t.Fatalf("expected unknown_sender, got %v", rej)
	}
}

func TestDirectoryVerify_BadSignature(t *testing.T) {
	d := NewDirectory()
	p, _ := newParticipant(t, "device-1", "")
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	if err := d.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	msg := []byte("message")
	rej := d.Verify(context.Background(), msg, "device-1", "", ed25519.Sign(otherPriv, msg))
	if rej == nil || rej.Kind != relation.KindBadSignature {
		t.Fatalf("expected bad_signature, got %v", rej)
	}
}

func TestDirectoryVerify_BindingMismatch(t *testing.T) {
	d := NewDirectory()
	p, priv := newParticipant(t, "device-1", "human-1")
	if err := d.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	msg := []byte("message")
	rej := d.Verify(context.Background(), msg, "device-1", "human-2", ed25519.Sign(priv, msg))
	if rej == nil || rej.Kind != relation.KindBindingMismatch {
		t.Fatalf("expected binding_mismatch, got %v", rej)
	}
}

func TestDirectoryVerify_ExpiredKey(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDirectory(WithClock(func() time.Time { return now }))
	p, priv := newParticipant(t, "device-1", "")
	p.ExpiresAt = now.Add(-time.Minute)
	if err := d.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	msg := []byte("message")
	rej := d.Verify(context.Background(), msg, "device-1", "", ed25519.Sign(priv, msg))
	if rej == nil || rej.Kind != relation.KindExpiredKey {
		t.Fatalf("expected expired_key, got %v", rej)
	}
}

func TestDirectoryRegister_Validation(t *testing.T) {
	d := NewDirectory()
	if err := d.Register(Participant{ID: "", PublicKey: make([]byte, ed25519.PublicKeySize)}); err == nil {
		t.Fatal("expected empty id to be rejected")
	}
	if err := d.Register(Participant{ID: "device-1", PublicKey: []byte("short")}); err == nil {
		t.Fatal("expected short key to be rejected")
	}
}

func TestDirectoryLoadSnapshot(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	entries := []snapshotEntry{{ID: "device-1", PublicKey: pub, HumanID: "human-1"}}
	raw, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	path := filepath.Join(t.TempDir(), "participants.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	d := NewDirectory()
	n, err := d.LoadSnapshot(path)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if n != 1 {
		t.Fatalf("loaded %d entries, want 1", n)
	}
	got, ok := d.Lookup("device-1")
	if !ok || got.HumanID != "human-1" {
		t.Fatalf("lookup after load = %+v, ok=%v", got, ok)
	}
}

func TestTokenManager_RoundTrip(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	if err != nil {
		t.Fatalf("new keyset: %v", err)
	}
	tm := NewTokenManager(ks)

	token, err := tm.Issue(context.Background(), "device-1", "sess-1", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := tm.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "device-1" || claims.SessionID != "sess-1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestTokenManager_SurvivesRotation(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	if err != nil {
		t.Fatalf("new keyset: %v", err)
	}
	tm := NewTokenManager(ks)

	token, err := tm.Issue(context.Background(), "device-1", "sess-1", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := ks.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := tm.Validate(token); err != nil {
		t.Fatalf("token signed before rotation should validate: %v", err)
	}
}

func TestTokenManager_RejectsTampered(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	if err != nil {
		t.Fatalf("new keyset: %v", err)
	}
	tm := NewTokenManager(ks)

	token, err := tm.Issue(context.Background(), "device-1", "sess-1", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := tm.Validate(token + "x"); err == nil {
		t.Fatal("expected tampered token to fail validation")
	}
}
