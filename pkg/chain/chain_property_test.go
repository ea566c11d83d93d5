//go:build property
// +build property

// Package chain_test contains property-based tests for continuity hashing.
package chain_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/accord/pkg/chain"
	"github.com/Mindburn-Labs/accord/pkg/relation"
)

func propKeyring(t *testing.T) *chain.Keyring {
	t.Helper()
	master, err := chain.GenerateMaster()
	if err != nil {
		t.Fatalf("generate master: %v", err)
	}
	kr, err := chain.NewKeyring(master)
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	return kr
}

func buildEvents(key []byte, values []string) ([]relation.Event, error) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	prev := relation.GenesisHash
	events := make([]relation.Event, 0, len(values))
	for i, v := range values {
		typ := relation.EventIntentAdmitted
		if i == 0 {
			typ = relation.EventRelationshipEstablished
		}
		e, err := chain.NewEvent(key, "rel-prop", uint64(i), typ, at.Add(time.Duration(i)*time.Second), map[string]any{"value": v}, prev)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
		prev = e.Hash
	}
	return events, nil
}

// TestEventHashDeterminism verifies hashing is deterministic.
// Property: EventHash(key, prev, seq, type, payload) == EventHash(key, prev, seq, type, payload)
func TestEventHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	kr := propKeyring(t)
	key, err := kr.KeyFor("rel-prop")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}

	properties.Property("Event hashing is deterministic", prop.ForAll(
		func(prev string, seq int, value string) bool {
			payload := map[string]any{"value": value}
			h1, err1 := chain.EventHash(key, prev, uint64(seq), relation.EventIntentAdmitted, payload)
			h2, err2 := chain.EventHash(key, prev, uint64(seq), relation.EventIntentAdmitted, payload)
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.AlphaString(),
		gen.IntRange(0, 1_000_000),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestHonestChainsVerify verifies every honestly built chain replays cleanly.
// Property: Verify(key, build(values)) == nil
func TestHonestChainsVerify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	kr := propKeyring(t)
	key, err := kr.KeyFor("rel-prop")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}

	properties.Property("Honest chains verify", prop.ForAll(
		func(values []string) bool {
			events, err := buildEvents(key, values)
			if err != nil {
				return false
			}
			return chain.Verify(key, events) == nil
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestTamperingBreaksChain verifies mutating any one event fails verification
// at or before the mutated sequence.
func TestTamperingBreaksChain(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	kr := propKeyring(t)
	key, err := kr.KeyFor("rel-prop")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}

	properties.Property("Tampered chains never verify", prop.ForAll(
		func(values []string, target int) bool {
			if len(values) == 0 {
				return true // Nothing to tamper with
			}
			events, err := buildEvents(key, values)
			if err != nil {
				return false
			}
			idx := target % len(events)
			events[idx].Payload["value"] = values[idx%len(values)] + "-tampered"

			verr := chain.Verify(key, events)
			broken, ok := verr.(*chain.BreakError)
			if !ok {
				return false
			}
			return broken.Sequence <= uint64(idx)
		},
		gen.SliceOfN(6, gen.AlphaString()),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// TestKeySeparation verifies chains never verify under another
// relationship's key.
func TestKeySeparation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	kr := propKeyring(t)

	properties.Property("Chains fail under a foreign key", prop.ForAll(
		func(values []string) bool {
			if len(values) == 0 {
				return true
			}
			key, err := kr.KeyFor("rel-prop")
			if err != nil {
				return false
			}
			foreign, err := kr.KeyFor("rel-other")
			if err != nil {
				return false
			}
			events, err := buildEvents(key, values)
			if err != nil {
				return false
			}
			return chain.Verify(foreign, events) != nil
		},
		gen.SliceOfN(3, gen.AlphaString()),
	))

	properties.TestingRun(t)
}
