package relation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRelationship() *Relationship {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Relationship{
		ID:             "rel-1",
		Initiator:      "dev-alpha",
		Responder:      "dev-beta",
		TrustLevel:     2,
		State:          StateActive,
		MaxDepth:       5,
		Timebox:        Timebox{Mode: TimeboxActivity, Window: 24 * time.Hour},
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(24 * time.Hour),
		ChainHead:      GenesisHash,
	}
}

func TestRelationshipValidate(t *testing.T) {
	require.NoError(t, validRelationship().Validate())

	r := validRelationship()
	r.Responder = r.Initiator
	assert.Error(t, r.Validate(), "same participant on both sides")

	r = validRelationship()
	r.TrustLevel = 6
	assert.Error(t, r.Validate(), "trust level above scale")

	r = validRelationship()
	r.Depth = 6
	assert.Error(t, r.Validate(), "depth above max")

	r = validRelationship()
	r.State = StateClosed
	assert.Error(t, r.Validate(), "closed without closed_at")
	r.ClosedAt = r.CreatedAt.Add(time.Hour)
	assert.NoError(t, r.Validate())
}

func TestTimeboxValidate(t *testing.T) {
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	tb := Timebox{Mode: TimeboxAppointment, Start: start, End: start.Add(15 * time.Minute)}
	require.NoError(t, tb.Validate())

	tb.End = start
	assert.Error(t, tb.Validate(), "start must precede end")

	tb = Timebox{Mode: TimeboxActivity}
	assert.Error(t, tb.Validate(), "activity mode needs a window")

	tb = Timebox{Mode: "unknown"}
	assert.Error(t, tb.Validate())
}

func TestTimeWindowContains(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	w := ImmediateWindow(now)
	assert.True(t, w.Contains(now))
	assert.True(t, w.Contains(now.Add(ImmediateWindowSpan)))
	assert.False(t, w.Contains(now.Add(ImmediateWindowSpan+time.Second)))
	assert.False(t, w.Contains(now.Add(-time.Second)))

	unbounded := TimeWindow{}
	assert.True(t, unbounded.Contains(now.Add(1000*time.Hour)))
}

func TestIntentValidate(t *testing.T) {
	in := &Intent{
		RelationshipID: "rel-1",
		Type:           "greet",
		Sender:         "dev-alpha",
		Constraints:    Constraints{MaxRetries: 3, Priority: 4},
	}
	require.NoError(t, in.Validate())

	in.Constraints.Priority = 10
	assert.Error(t, in.Validate(), "priority above cap")

	in.Constraints.Priority = 4
	in.Type = ""
	assert.Error(t, in.Validate())
}

func TestConsentLookup(t *testing.T) {
	r := validRelationship()
	assert.False(t, r.HasConsent("share"))

	r.ContextSnapshot = map[string]any{ConsentKey("share"): "sig-abc"}
	assert.True(t, r.HasConsent("share"))

	r.ContextSnapshot[ConsentKey("export")] = ""
	assert.False(t, r.HasConsent("export"), "empty consent value does not count")
}

func TestRejectionBreachClassification(t *testing.T) {
	assert.True(t, Rejection{Kind: KindClosedRelationship}.Breach())
	assert.True(t, Rejection{Kind: KindOutsideWindow, Meta: map[string]any{"strict": true}}.Breach())
	assert.False(t, Rejection{Kind: KindOutsideWindow}.Breach(), "grace-mode window misses are benign")
	assert.True(t, Rejection{Kind: KindFilterRejected, Meta: map[string]any{"critical": true}}.Breach())
	assert.False(t, Rejection{Kind: KindFilterRejected}.Breach())
	assert.False(t, Rejection{Kind: KindWrongDirection}.Breach())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeExhausted, Classify(CloseReasonMaxDepthReached))
	assert.Equal(t, OutcomeViolation, Classify(CloseReasonBreach))
	assert.Equal(t, OutcomeLapsed, Classify(CloseReasonExpired))
	assert.Equal(t, OutcomeOther, Classify("mystery"))
}
