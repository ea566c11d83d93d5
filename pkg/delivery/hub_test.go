package delivery_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/accord/pkg/delivery"
	"github.com/Mindburn-Labs/accord/pkg/relation"
)

type finalization struct {
	relID  string
	seq    uint64
	reason relation.RejectKind
}

type recordingFinalizer struct {
	mu    sync.Mutex
	calls []finalization
}

func (f *recordingFinalizer) FinalizeDelivery(_ context.Context, relID string, seq uint64, reason relation.RejectKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, finalization{relID: relID, seq: seq, reason: reason})
	return nil
}

func (f *recordingFinalizer) snapshot() []finalization {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]finalization(nil), f.calls...)
}

// nextDelivery reads the next non-heartbeat frame, acknowledging heartbeats
// along the way.
func nextDelivery(t *testing.T, s *delivery.Session, within time.Duration) delivery.Frame {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case f, ok := <-s.Frames():
			require.True(t, ok, "frames channel closed early")
			if f.Kind == delivery.FrameHeartbeat {
				s.Ack(f.ID)
				continue
			}
			return f
		case <-deadline:
			t.Fatalf("no delivery frame within %s", within)
			return delivery.Frame{}
		}
	}
}

func expectNoDelivery(t *testing.T, s *delivery.Session, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case f, ok := <-s.Frames():
			if !ok {
				return
			}
			if f.Kind == delivery.FrameHeartbeat {
				s.Ack(f.ID)
				continue
			}
			t.Fatalf("unexpected %s frame for %s", f.Kind, f.RelationshipID)
		case <-deadline:
			return
		}
	}
}

func TestDeliverInOrderWithAcks(t *testing.T) {
	fin := &recordingFinalizer{}
	hub := delivery.NewHub(fin, delivery.WithHeartbeat(time.Minute))
	defer hub.Close()

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, hub.EnqueueIntent("rel-1", "lab-agent", seq, map[string]any{"intent_type": "ping"}))
	}
	assert.Equal(t, 3, hub.QueueDepth("lab-agent"))

	s, err := hub.Subscribe(context.Background(), "lab-agent", delivery.RoleResponder, "")
	require.NoError(t, err)
	defer s.Close()

	for seq := uint64(1); seq <= 3; seq++ {
		f := nextDelivery(t, s, time.Second)
		assert.Equal(t, delivery.FrameIntent, f.Kind)
		assert.Equal(t, "rel-1", f.RelationshipID)
		assert.Equal(t, seq, f.Sequence, "admission order is preserved")
		assert.Equal(t, 1, f.Attempt)
		assert.Equal(t, "ping", f.Payload["intent_type"])
		s.Ack(f.ID)
	}

	assert.Eventually(t, func() bool { return hub.QueueDepth("lab-agent") == 0 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, fin.snapshot())
}

func TestAckTimeoutRequeuesOnceThenFinalizes(t *testing.T) {
	fin := &recordingFinalizer{}
	hub := delivery.NewHub(fin,
		delivery.WithAckTimeout(40*time.Millisecond),
		delivery.WithHeartbeat(time.Minute),
	)
	defer hub.Close()

	require.NoError(t, hub.EnqueueIntent("rel-1", "lab-agent", 1, nil))
	s, err := hub.Subscribe(context.Background(), "lab-agent", delivery.RoleResponder, "")
	require.NoError(t, err)
	defer s.Close()

	first := nextDelivery(t, s, time.Second)
	assert.Equal(t, 1, first.Attempt)

	second := nextDelivery(t, s, time.Second)
	assert.Equal(t, first.ID, second.ID, "the same frame is redelivered")
	assert.Equal(t, 2, second.Attempt)

	require.Eventually(t, func() bool { return len(fin.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := fin.snapshot()[0]
	assert.Equal(t, "rel-1", got.relID)
	assert.Equal(t, uint64(1), got.seq)
	assert.Equal(t, relation.KindDeliveryTimeout, got.reason)
	assert.Zero(t, hub.QueueDepth("lab-agent"))
}

func TestAbandonedResponseIsDroppedWithoutFinalization(t *testing.T) {
	fin := &recordingFinalizer{}
	hub := delivery.NewHub(fin,
		delivery.WithAckTimeout(30*time.Millisecond),
		delivery.WithHeartbeat(time.Minute),
	)
	defer hub.Close()

	require.NoError(t, hub.EnqueueResponse("rel-1", "clinic-agent", 2, map[string]any{"outcome": "accepted"}))
	s, err := hub.Subscribe(context.Background(), "clinic-agent", delivery.RoleInitiator, "")
	require.NoError(t, err)
	defer s.Close()

	f := nextDelivery(t, s, time.Second)
	assert.Equal(t, delivery.FrameResponse, f.Kind)
	assert.Equal(t, uint64(2), f.Sequence)

	redelivered := nextDelivery(t, s, time.Second)
	assert.Equal(t, 2, redelivered.Attempt)

	expectNoDelivery(t, s, 150*time.Millisecond)
	assert.Empty(t, fin.snapshot(), "responses are never finalized on the chain")
}

func TestHeartbeatLivenessClosesSilentSession(t *testing.T) {
	fin := &recordingFinalizer{}
	hub := delivery.NewHub(fin, delivery.WithHeartbeat(30*time.Millisecond))
	defer hub.Close()

	s, err := hub.Subscribe(context.Background(), "lab-agent", delivery.RoleResponder, "")
	require.NoError(t, err)

	select {
	case f, ok := <-s.Frames():
		require.True(t, ok)
		assert.Equal(t, delivery.FrameHeartbeat, f.Kind)
		// Deliberately never acknowledged.
	case <-time.After(time.Second):
		t.Fatal("no heartbeat frame")
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("silent session was not closed")
	}
}

func TestHeartbeatAcksKeepSessionAlive(t *testing.T) {
	fin := &recordingFinalizer{}
	hub := delivery.NewHub(fin, delivery.WithHeartbeat(50*time.Millisecond))
	defer hub.Close()

	s, err := hub.Subscribe(context.Background(), "lab-agent", delivery.RoleResponder, "")
	require.NoError(t, err)
	defer s.Close()

	stop := time.After(300 * time.Millisecond)
	for alive := true; alive; {
		select {
		case f, ok := <-s.Frames():
			require.True(t, ok, "session died despite acked heartbeats")
			s.Ack(f.ID)
		case <-stop:
			alive = false
		}
	}
	select {
	case <-s.Done():
		t.Fatal("session closed even though heartbeats were acknowledged")
	default:
	}
}

func TestSessionDropRequeuesWithoutBurningTheRetry(t *testing.T) {
	fin := &recordingFinalizer{}
	hub := delivery.NewHub(fin, delivery.WithHeartbeat(time.Minute))
	defer hub.Close()

	require.NoError(t, hub.EnqueueIntent("rel-1", "lab-agent", 1, nil))
	s1, err := hub.Subscribe(context.Background(), "lab-agent", delivery.RoleResponder, "")
	require.NoError(t, err)
	token := s1.ResumeToken()

	f := nextDelivery(t, s1, time.Second)
	assert.Equal(t, 1, f.Attempt)
	s1.Close()
	<-s1.Done()

	assert.Equal(t, 1, hub.QueueDepth("lab-agent"), "unacked frame returns to the queue")

	s2, err := hub.Subscribe(context.Background(), "lab-agent", delivery.RoleResponder, token)
	require.NoError(t, err)
	defer s2.Close()

	again := nextDelivery(t, s2, time.Second)
	assert.Equal(t, f.ID, again.ID)
	assert.Equal(t, 1, again.Attempt, "a dropped session does not consume the redelivery")
	s2.Ack(again.ID)
	assert.Empty(t, fin.snapshot())
}

func TestResumeTokens(t *testing.T) {
	fin := &recordingFinalizer{}
	hub := delivery.NewHub(fin, delivery.WithHeartbeat(time.Minute))
	defer hub.Close()

	s1, err := hub.Subscribe(context.Background(), "lab-agent", delivery.RoleResponder, "")
	require.NoError(t, err)

	_, err = hub.Subscribe(context.Background(), "lab-agent", delivery.RoleResponder, "forged")
	assert.ErrorIs(t, err, delivery.ErrResumeMismatch)

	s2, err := hub.Subscribe(context.Background(), "lab-agent", delivery.RoleResponder, s1.ResumeToken())
	require.NoError(t, err)
	defer s2.Close()

	select {
	case <-s1.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced session was not closed")
	}
	assert.Equal(t, s1.ResumeToken(), s2.ResumeToken(), "token is stable across reconnects")
	assert.NotEqual(t, s1.ID(), s2.ID())
}

func TestQueueBoundAndOverloadSignal(t *testing.T) {
	fin := &recordingFinalizer{}
	hub := delivery.NewHub(fin, delivery.WithQueueCapacity(2), delivery.WithHeartbeat(time.Minute))
	defer hub.Close()

	require.NoError(t, hub.EnqueueIntent("rel-1", "lab-agent", 1, nil))
	assert.False(t, hub.Overloaded("lab-agent"))
	require.NoError(t, hub.EnqueueIntent("rel-1", "lab-agent", 2, nil))
	assert.True(t, hub.Overloaded("lab-agent"))

	err := hub.EnqueueIntent("rel-1", "lab-agent", 3, nil)
	assert.ErrorIs(t, err, delivery.ErrQueueFull)
	assert.Equal(t, 2, hub.QueueDepth("lab-agent"))

	assert.False(t, hub.Overloaded("radiology-agent"), "queues are per responder")
	require.NoError(t, hub.EnqueueResponse("rel-1", "lab-agent", 9, nil),
		"the initiator stream of the same participant is a separate queue")
}

func TestCancelRelationshipFinalizesPendingIntents(t *testing.T) {
	fin := &recordingFinalizer{}
	hub := delivery.NewHub(fin, delivery.WithHeartbeat(time.Minute))
	defer hub.Close()

	require.NoError(t, hub.EnqueueIntent("rel-1", "lab-agent", 1, nil))
	require.NoError(t, hub.EnqueueIntent("rel-1", "lab-agent", 2, nil))
	require.NoError(t, hub.EnqueueIntent("rel-2", "lab-agent", 1, nil))
	require.NoError(t, hub.EnqueueResponse("rel-1", "clinic-agent", 3, nil))

	hub.CancelRelationship(context.Background(), "rel-1", relation.CloseReasonUser)

	calls := fin.snapshot()
	require.Len(t, calls, 2)
	for i, want := range []uint64{1, 2} {
		assert.Equal(t, "rel-1", calls[i].relID)
		assert.Equal(t, want, calls[i].seq)
		assert.Equal(t, relation.KindClosedRelationship, calls[i].reason)
	}
	assert.Equal(t, 1, hub.QueueDepth("lab-agent"), "other relationships keep their frames")

	s, err := hub.Subscribe(context.Background(), "clinic-agent", delivery.RoleInitiator, "")
	require.NoError(t, err)
	defer s.Close()
	expectNoDelivery(t, s, 100*time.Millisecond)
}

func TestHubClose(t *testing.T) {
	fin := &recordingFinalizer{}
	hub := delivery.NewHub(fin, delivery.WithHeartbeat(time.Minute))

	s, err := hub.Subscribe(context.Background(), "lab-agent", delivery.RoleResponder, "")
	require.NoError(t, err)

	hub.Close()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session survived hub shutdown")
	}

	_, err = hub.Subscribe(context.Background(), "lab-agent", delivery.RoleResponder, "")
	assert.ErrorIs(t, err, delivery.ErrHubClosed)
	assert.ErrorIs(t, hub.EnqueueIntent("rel-1", "lab-agent", 1, nil), delivery.ErrHubClosed)
	hub.Close()
}
