package chain

import (
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/relation"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	master, err := GenerateMaster()
	if err != nil {
		t.Fatalf("generate master: %v", err)
	}
	kr, err := NewKeyring(master)
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	return kr
}

func buildChain(t *testing.T, key []byte, relID string, types []relation.EventType) []relation.Event {
	t.Helper()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	prev := relation.GenesisHash
	events := make([]relation.Event, 0, len(types))
	for i, typ := range types {
		e, err := NewEvent(key, relID, uint64(i), typ, at.Add(time.Duration(i)*time.Minute), map[string]any{"step": i}, prev)
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		events = append(events, e)
		prev = e.Hash
	}
	return events
}

func TestNewKeyring_RejectsShortMaster(t *testing.T) {
	if _, err := NewKeyring([]byte("too short")); err != ErrShortMasterKey {
		t.Fatalf("expected ErrShortMasterKey, got %v", err)
	}
}

func TestKeyFor_DistinctPerRelationship(t *testing.T) {
	kr := testKeyring(t)
	a, err := kr.KeyFor("rel-a")
	if err != nil {
		t.Fatalf("derive a: %v", err)
	}
	b, err := kr.KeyFor("rel-b")
	if err != nil {
		t.Fatalf("derive b: %v", err)
	}
	if string(a) == string(b) {
		t.Fatal("expected distinct keys for distinct relationships")
	}

	again, err := kr.KeyFor("rel-a")
	if err != nil {
		t.Fatalf("derive a again: %v", err)
	}
	if string(a) != string(again) {
		t.Fatal("expected derivation to be deterministic")
	}
}

func TestEventHash_Format(t *testing.T) {
	kr := testKeyring(t)
	key, _ := kr.KeyFor("rel-1")
	h, err := EventHash(key, relation.GenesisHash, 0, relation.EventRelationshipEstablished, map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(h, HashPrefix) {
		t.Fatalf("hash %q missing prefix %q", h, HashPrefix)
	}
	if len(h) != len(HashPrefix)+64 {
		t.Fatalf("unexpected hash length %d", len(h))
	}
}

func TestReplay_EmptyChainIsGenesis(t *testing.T) {
	kr := testKeyring(t)
	key, _ := kr.KeyFor("rel-1")
	head, err := Replay(key, nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if head != relation.GenesisHash {
		t.Fatalf("head = %q, want genesis", head)
	}
}

func TestVerify_FullChain(t *testing.T) {
	kr := testKeyring(t)
	key, _ := kr.KeyFor("rel-1")
	events := buildChain(t, key, "rel-1", []relation.EventType{
		relation.EventRelationshipEstablished,
		relation.EventIntentAdmitted,
		relation.EventResponseRecorded,
		relation.EventRelationshipClosed,
	})

	head, err := Replay(key, events)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if head != events[len(events)-1].Hash {
		t.Fatalf("head = %q, want hash of last event", head)
	}
}

func TestVerify_DetectsTamperedPayload(t *testing.T) {
	kr := testKeyring(t)
	key, _ := kr.KeyFor("rel-1")
	events := buildChain(t, key, "rel-1", []relation.EventType{
		relation.EventRelationshipEstablished,
		relation.EventIntentAdmitted,
		relation.EventResponseRecorded,
	})

	events[1].Payload["step"] = 99

	err := Verify(key, events)
	var broken *BreakError
	if !asBreak(err, &broken) {
		t.Fatalf("expected BreakError, got %v", err)
	}
	if broken.Sequence != 1 {
		t.Fatalf("broken at %d, want 1", broken.Sequence)
	}
}

func TestVerify_DetectsDeletedEvent(t *testing.T) {
	kr := testKeyring(t)
	key, _ := kr.KeyFor("rel-1")
	events := buildChain(t, key, "rel-1", []relation.EventType{
		relation.EventRelationshipEstablished,
		relation.EventIntentAdmitted,
		relation.EventResponseRecorded,
	})

	// Drop the middle event. The survivor at position 1 carries sequence 2.
	gapped := []relation.Event{events[0], events[2]}
	err := Verify(key, gapped)
	var broken *BreakError
	if !asBreak(err, &broken) {
		t.Fatalf("expected BreakError, got %v", err)
	}
	if broken.Sequence != 2 {
		t.Fatalf("broken at %d, want 2", broken.Sequence)
	}
}

func TestVerify_DetectsWrongKey(t *testing.T) {
	kr := testKeyring(t)
	key, _ := kr.KeyFor("rel-1")
	other, _ := kr.KeyFor("rel-2")
	events := buildChain(t, key, "rel-1", []relation.EventType{
		relation.EventRelationshipEstablished,
		relation.EventIntentAdmitted,
	})

	if err := Verify(other, events); err == nil {
		t.Fatal("expected verification under the wrong key to fail")
	}
}

func TestVerify_RejectsEventsAfterClose(t *testing.T) {
	kr := testKeyring(t)
	key, _ := kr.KeyFor("rel-1")
	events := buildChain(t, key, "rel-1", []relation.EventType{
		relation.EventRelationshipEstablished,
		relation.EventRelationshipClosed,
		relation.EventIntentAdmitted,
	})

	err := Verify(key, events)
	var broken *BreakError
	if !asBreak(err, &broken) {
		t.Fatalf("expected BreakError, got %v", err)
	}
	if broken.Sequence != 1 {
		t.Fatalf("broken at %d, want 1", broken.Sequence)
	}
}

func asBreak(err error, target **BreakError) bool {
	if err == nil {
		return false
	}
	b, ok := err.(*BreakError)
	if !ok {
		return false
	}
	*target = b
	return true
}
