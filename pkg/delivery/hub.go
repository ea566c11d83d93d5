package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/accord/pkg/relation"
)

// streamKey addresses one participant's queue for one role.
type streamKey struct {
	participant string
	role        Role
}

// stream is the per-participant pending queue plus its live session, if any.
// The resume token outlives sessions so a reconnecting subscriber keeps its
// queue position.
type stream struct {
	token   string
	pending []*Frame
	session *Session
}

// Hub owns every participant stream. All queue state sits behind one mutex;
// sessions run their own goroutines and talk to the hub through small
// lock-scoped helpers.
type Hub struct {
	finalizer Finalizer
	log       *slog.Logger
	queueCap  int
	ackWait   time.Duration
	heartbeat time.Duration

	subMu sync.Mutex

	mu      sync.Mutex
	streams map[streamKey]*stream
	closed  bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueCapacity bounds each pending queue.
func WithQueueCapacity(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueCap = n
		}
	}
}

// WithAckTimeout overrides the per-frame acknowledgment window.
func WithAckTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.ackWait = d
		}
	}
}

// WithHeartbeat overrides the keepalive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// NewHub assembles a delivery hub. The finalizer settles intents the hub
// abandons and must not be nil.
func NewHub(finalizer Finalizer, opts ...Option) *Hub {
	h := &Hub{
		finalizer: finalizer,
		log:       slog.Default(),
		queueCap:  DefaultQueueCapacity,
		ackWait:   DefaultAckTimeout,
		heartbeat: DefaultHeartbeat,
		streams:   make(map[streamKey]*stream),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe attaches a session to the participant's stream, replacing any
// session already attached. A non-empty resumeToken must match the stream's
// token; the empty token always attaches and is how a stream is first
// claimed. The session ends when ctx does.
func (h *Hub) Subscribe(ctx context.Context, participant string, role Role, resumeToken string) (*Session, error) {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	key := streamKey{participant: participant, role: role}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	st, ok := h.streams[key]
	if !ok {
		st = &stream{token: uuid.NewString()}
		h.streams[key] = st
	}
	if resumeToken != "" && resumeToken != st.token {
		h.mu.Unlock()
		return nil, ErrResumeMismatch
	}
	old := st.session
	st.session = nil
	h.mu.Unlock()

	// The old session must requeue its in-flight frame before the new one
	// starts dequeuing, or redelivery would break relationship order.
	if old != nil {
		old.cancel()
		<-old.done
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:          uuid.NewString(),
		key:         key,
		token:       st.token,
		hub:         h,
		frames:      make(chan Frame, 1),
		acks:        make(chan string, 16),
		wake:        make(chan struct{}, 1),
		ctx:         sctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	st.session = s
	h.mu.Unlock()

	go s.run()
	h.log.LogAttrs(ctx, slog.LevelInfo, "subscription attached",
		slog.String("participant", participant),
		slog.String("role", string(role)),
		slog.String("session_id", s.id),
	)
	return s, nil
}

// EnqueueIntent queues an admitted intent frame for the responder. Fails
// with ErrQueueFull when the responder's queue is at capacity; the admission
// pipeline's overload check makes that an edge case, not the norm.
func (h *Hub) EnqueueIntent(relationshipID, responder string, sequence uint64, payload map[string]any) error {
	return h.enqueue(streamKey{participant: responder, role: RoleResponder}, &Frame{
		ID:             uuid.NewString(),
		Kind:           FrameIntent,
		RelationshipID: relationshipID,
		Sequence:       sequence,
		Payload:        payload,
		Attempt:        1,
	})
}

// EnqueueResponse queues a recorded response frame for the initiator.
func (h *Hub) EnqueueResponse(relationshipID, initiator string, sequence uint64, payload map[string]any) error {
	return h.enqueue(streamKey{participant: initiator, role: RoleInitiator}, &Frame{
		ID:             uuid.NewString(),
		Kind:           FrameResponse,
		RelationshipID: relationshipID,
		Sequence:       sequence,
		Payload:        payload,
		Attempt:        1,
	})
}

func (h *Hub) enqueue(key streamKey, f *Frame) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	st, ok := h.streams[key]
	if !ok {
		st = &stream{token: uuid.NewString()}
		h.streams[key] = st
	}
	if len(st.pending) >= h.queueCap {
		h.mu.Unlock()
		return ErrQueueFull
	}
	st.pending = append(st.pending, f)
	s := st.session
	h.mu.Unlock()

	if s != nil {
		s.poke()
	}
	return nil
}

// QueueDepth reports the responder's pending-intent backlog.
func (h *Hub) QueueDepth(responder string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[streamKey{participant: responder, role: RoleResponder}]
	if !ok {
		return 0
	}
	return len(st.pending)
}

// Overloaded reports whether the responder's queue is at capacity. Satisfies
// the admission pipeline's backpressure probe.
func (h *Hub) Overloaded(responder string) bool {
	return h.QueueDepth(responder) >= h.queueCap
}

// CancelRelationship drops every queued frame of the relationship and
// finalizes its pending intents as closed_relationship. Satisfies the
// lifecycle engine's canceler.
func (h *Hub) CancelRelationship(ctx context.Context, relationshipID string, reason relation.CloseReason) {
	type settle struct{ seq uint64 }
	var intents []settle
	dropped := 0

	h.mu.Lock()
	for _, st := range h.streams {
		kept := st.pending[:0]
		for _, f := range st.pending {
			if f.RelationshipID != relationshipID {
				kept = append(kept, f)
				continue
			}
			dropped++
			if f.Kind == FrameIntent {
				intents = append(intents, settle{seq: f.Sequence})
			}
		}
		st.pending = kept
	}
	h.mu.Unlock()

	for _, it := range intents {
		h.finalize(ctx, relationshipID, it.seq, relation.KindClosedRelationship)
	}
	if dropped > 0 {
		h.log.LogAttrs(ctx, slog.LevelInfo, "pending deliveries cancelled",
			slog.String("relationship_id", relationshipID),
			slog.String("reason", string(reason)),
			slog.Int("dropped", dropped),
		)
	}
}

// Close shuts the hub down: no new subscriptions or frames, every session
// cancelled and drained.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var sessions []*Session
	for _, st := range h.streams {
		if st.session != nil {
			sessions = append(sessions, st.session)
		}
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
		<-s.done
	}
}

// next pops the head of the session's queue, or nil when the queue is empty
// or the session was replaced.
func (h *Hub) next(s *Session) *Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[s.key]
	if !ok || st.session != s || len(st.pending) == 0 {
		return nil
	}
	f := st.pending[0]
	st.pending = st.pending[1:]
	return f
}

// requeueFront puts an undelivered frame back at the head so relationship
// order survives redelivery. Capacity is deliberately not enforced here: the
// frame already held a queue slot once.
func (h *Hub) requeueFront(key streamKey, f *Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[key]
	if !ok {
		return
	}
	st.pending = append([]*Frame{f}, st.pending...)
}

// ackTimeout handles a frame whose acknowledgment window lapsed: one requeue,
// then the frame is abandoned and, for intents, finalized.
func (h *Hub) ackTimeout(s *Session, f *Frame) {
	if f.Attempt < 2 {
		f.Attempt++
		h.requeueFront(s.key, f)
		h.log.LogAttrs(s.ctx, slog.LevelWarn, "delivery not acknowledged, requeued",
			slog.String("participant", s.key.participant),
			slog.String("frame_id", f.ID),
			slog.String("relationship_id", f.RelationshipID),
		)
		return
	}
	h.log.LogAttrs(s.ctx, slog.LevelWarn, "delivery abandoned",
		slog.String("participant", s.key.participant),
		slog.String("kind", string(f.Kind)),
		slog.String("relationship_id", f.RelationshipID),
		slog.Uint64("sequence", f.Sequence),
	)
	if f.Kind == FrameIntent {
		h.finalize(context.WithoutCancel(s.ctx), f.RelationshipID, f.Sequence, relation.KindDeliveryTimeout)
	}
}

// detach clears the stream's session pointer if it still points at s.
func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.streams[s.key]; ok && st.session == s {
		st.session = nil
	}
}

func (h *Hub) finalize(ctx context.Context, relationshipID string, sequence uint64, reason relation.RejectKind) {
	if err := h.finalizer.FinalizeDelivery(ctx, relationshipID, sequence, reason); err != nil {
		h.log.LogAttrs(ctx, slog.LevelWarn, "delivery finalization failed",
			slog.String("relationship_id", relationshipID),
			slog.Uint64("sequence", sequence),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)
	}
}
