package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/accord/pkg/relation"
)

const testPolicy = `
version: "1.2.0"

trust_rules:
  - initiator: "*"
    responder: "*"
    trust_level: 1
  - initiator: concierge
    responder: clinic
    trust_level: 3
  - initiator: "*"
    responder: vault
    deny: true

risk:
  min_context_bytes: 24
  probation_window: 10m

intents:
  - type: schedule_visit
    levels:
      - trust_level: 1
        appointment: grace_period
        require_consent: true
        filter:
          min_context_bytes: 16
          forbidden_tokens: ["password"]
          patterns:
            - id: no-card-numbers
              severity: critical
              regex: '\d{13,19}'
          required_fields: [visit_date]
        condition: 'input.context.department != "billing"'
      - trust_level: 3
        appointment: none
  - type: share_record
    levels:
      - trust_level: 4
        legal_hold: true
        oversight_copy: true
        filter:
          caps:
            max_retries: 2
            max_deadline: 45m
            max_priority: 5
`

func loadTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPolicy), 0o600))
	reg, err := Load(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.ClosePlugins() })
	return reg
}

func TestLoadCompilesRegistry(t *testing.T) {
	reg := loadTestRegistry(t)

	assert.Equal(t, "1.2.0", reg.Version())
	assert.Equal(t, 24, reg.Risk().MinContextBytes)
	assert.Equal(t, 10*time.Minute, reg.Risk().ProbationWindow)
	// Unset risk fields keep their defaults.
	assert.Equal(t, time.Hour, reg.Risk().RejectionWindow)
}

func TestLoadRejectsUnsupportedVersion(t *testing.T) {
	_, err := Parse(context.Background(), []byte(`version: "2.0.0"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestLoadRejectsBadCondition(t *testing.T) {
	doc := `
version: "1.0.0"
intents:
  - type: ping
    levels:
      - trust_level: 0
        condition: 'now() > timestamp("2026-01-01T00:00:00Z")'
`
	_, err := Parse(context.Background(), []byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "now()")
}

func TestLoadRejectsDuplicateLevels(t *testing.T) {
	doc := `
version: "1.0.0"
intents:
  - type: ping
    levels:
      - trust_level: 2
      - trust_level: 2
`
	_, err := Parse(context.Background(), []byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate entry")
}

func TestLookupSelectsNearestLowerLevel(t *testing.T) {
	reg := loadTestRegistry(t)

	// Exact match.
	entry := reg.Lookup("schedule_visit", 1)
	assert.Equal(t, 1, entry.TrustFloor)
	assert.Equal(t, AppointmentGrace, entry.Appointment)
	assert.True(t, entry.RequireConsent)

	// Between registered levels: the level-1 entry still governs.
	entry = reg.Lookup("schedule_visit", 2)
	assert.Equal(t, AppointmentGrace, entry.Appointment)

	// At and above the top registered level.
	entry = reg.Lookup("schedule_visit", 3)
	assert.Equal(t, AppointmentNone, entry.Appointment)
	entry = reg.Lookup("schedule_visit", 5)
	assert.Equal(t, AppointmentNone, entry.Appointment)
}

func TestLookupBelowFloorStillCarriesFloor(t *testing.T) {
	reg := loadTestRegistry(t)

	// share_record is registered at level 4 only. A level-2 relationship gets
	// the level-4 entry back, whose floor fails the admission trust check.
	entry := reg.Lookup("share_record", 2)
	assert.Equal(t, 4, entry.TrustFloor)
	assert.Greater(t, entry.TrustFloor, 2)
}

func TestLookupUnknownTypeDeniesAll(t *testing.T) {
	reg := loadTestRegistry(t)

	entry := reg.Lookup("exfiltrate", 5)
	assert.Equal(t, relation.TrustLevelMax+1, entry.TrustFloor)
	assert.True(t, entry.Deny)
}

func TestTrustDirectoryFromFile(t *testing.T) {
	reg := loadTestRegistry(t)

	level, ok := reg.Trust().Decide("concierge", "clinic")
	require.True(t, ok)
	assert.Equal(t, 3, level)

	level, ok = reg.Trust().Decide("someone", "somewhere")
	require.True(t, ok)
	assert.Equal(t, 1, level)

	_, ok = reg.Trust().Decide("someone", "vault")
	assert.False(t, ok)
}

func TestCompiledConditionEvaluates(t *testing.T) {
	reg := loadTestRegistry(t)

	entry := reg.Lookup("schedule_visit", 1)
	cond := entry.Condition()
	require.NotNil(t, cond)

	ok, err := cond.Evaluate(map[string]any{
		"context": map[string]any{"department": "radiology"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cond.Evaluate(map[string]any{
		"context": map[string]any{"department": "billing"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompiledFilterFromFile(t *testing.T) {
	reg := loadTestRegistry(t)

	entry := reg.Lookup("schedule_visit", 1)
	violations := entry.Filter.Evaluate(&relation.Intent{
		Type: "schedule_visit",
		Context: map[string]any{
			"visit_date": "2026-04-01",
			"note":       "card 4111111111111111 on file",
		},
	})
	require.Len(t, violations, 1)
	assert.Equal(t, "no-card-numbers", violations[0].RuleID)
	assert.Equal(t, SeverityCritical, violations[0].Severity)

	caps := reg.Lookup("share_record", 4).Filter.Caps
	assert.Equal(t, 2, caps.MaxRetries)
	assert.Equal(t, 45*time.Minute, caps.MaxDeadline)
	assert.Equal(t, 5, caps.MaxPriority)
}
