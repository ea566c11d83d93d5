package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/accord/pkg/lifecycle"
	"github.com/Mindburn-Labs/accord/pkg/relation"
)

func TestSweepClosesExpired(t *testing.T) {
	h := newHarness(t)

	idle := h.establish(pairProposal())
	meeting := h.establish(lifecycle.Proposal{
		Initiator: "scheduler-agent",
		Responder: "room-agent",
		Timebox: relation.Timebox{
			Mode:  relation.TimeboxAppointment,
			Start: testBase,
			End:   testBase.Add(time.Hour),
		},
	})
	longLived := h.establish(lifecycle.Proposal{
		Initiator: "archive-agent",
		Responder: "ledger-agent",
		Timebox:   relation.Timebox{Mode: relation.TimeboxActivity, Window: 72 * time.Hour},
	})

	h.clock.now = testBase.Add(25 * time.Hour)
	n, err := h.eng.Sweep(context.Background(), h.clock.now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{idle.ID, meeting.ID} {
		got := h.rel(id)
		assert.Equal(t, relation.StateClosed, got.State, id)
		assert.Equal(t, relation.CloseReasonExpired, got.CloseReason, id)
		events := h.events(id)
		assert.Equal(t, relation.EventRelationshipClosed, events[len(events)-1].Type, id)
		h.verifyChain(id)
		reason, called := h.canceler.reasonFor(id)
		require.True(t, called, id)
		assert.Equal(t, relation.CloseReasonExpired, reason, id)
	}
	assert.Equal(t, relation.StateActive, h.rel(longLived.ID).State)

	n, err = h.eng.Sweep(context.Background(), h.clock.now)
	require.NoError(t, err)
	assert.Zero(t, n, "closed relationships leave the expiry set")
}

func TestSweepAdmissionBoundaryIsInclusive(t *testing.T) {
	h := newHarness(t)
	rel := h.establish(pairProposal())

	n, err := h.eng.Sweep(context.Background(), rel.ExpiresAt)
	require.NoError(t, err)
	assert.Zero(t, n, "the bound itself is still inside the window")

	n, err = h.eng.Sweep(context.Background(), rel.ExpiresAt.Add(time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunSweeperLoop(t *testing.T) {
	h := newHarness(t)
	rel := h.establish(pairProposal())
	h.clock.now = testBase.Add(25 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.eng.RunSweeper(ctx, 5*time.Millisecond)
	}()

	assert.Eventually(t, func() bool {
		got, err := h.store.GetRelationship(context.Background(), rel.ID)
		return err == nil && got.State == relation.StateClosed
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancellation")
	}
}
