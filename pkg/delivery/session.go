package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Session is one live subscription attached to a participant stream. The
// subscriber consumes Frames and acknowledges each frame ID; the hub pushes
// at most one delivery frame at a time, so acknowledgment paces the stream.
type Session struct {
	id     string
	key    streamKey
	token  string
	hub    *Hub
	frames chan Frame
	acks   chan string
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// ID identifies this attachment; it changes on every reconnect.
func (s *Session) ID() string { return s.id }

// Participant is the stream owner.
func (s *Session) Participant() string { return s.key.participant }

// Role is the stream's side of the relationship.
func (s *Session) Role() Role { return s.key.role }

// ResumeToken is stable across reconnects of the same stream; presenting it
// on Subscribe reclaims the queue position.
func (s *Session) ResumeToken() string { return s.token }

// Frames is the ordered outbound stream. It closes when the session ends.
func (s *Session) Frames() <-chan Frame { return s.frames }

// Done closes when the session has fully detached.
func (s *Session) Done() <-chan struct{} { return s.done }

// Ack acknowledges a received frame by ID. Acknowledging anything, including
// heartbeats, also counts as liveness.
func (s *Session) Ack(frameID string) {
	select {
	case s.acks <- frameID:
	case <-s.ctx.Done():
	}
}

// Close detaches the session. Any unacknowledged frame returns to the queue.
func (s *Session) Close() { s.cancel() }

func (s *Session) run() {
	defer close(s.done)
	defer close(s.frames)
	defer s.hub.detach(s)

	var inflight *Frame
	var ackTimer *time.Timer
	var ackC <-chan time.Time
	defer func() {
		if ackTimer != nil {
			ackTimer.Stop()
		}
		if inflight != nil {
			s.hub.requeueFront(s.key, inflight)
		}
	}()

	ticker := time.NewTicker(s.hub.heartbeat)
	defer ticker.Stop()
	missed := 0

	for {
		if inflight == nil {
			if f := s.hub.next(s); f != nil {
				// The push itself must not wedge the loop: a stalled
				// subscriber still gets heartbeat-missed accounting.
				for sent := false; !sent; {
					select {
					case s.frames <- *f:
						sent = true
					case <-s.acks:
						missed = 0
					case <-ticker.C:
						missed++
						if missed >= heartbeatMisses {
							s.hub.requeueFront(s.key, f)
							s.logLost()
							return
						}
					case <-s.ctx.Done():
						s.hub.requeueFront(s.key, f)
						return
					}
				}
				inflight = f
				ackTimer = time.NewTimer(s.hub.ackWait)
				ackC = ackTimer.C
				continue
			}
		}

		select {
		case <-s.ctx.Done():
			return
		case id := <-s.acks:
			missed = 0
			if inflight != nil && id == inflight.ID {
				ackTimer.Stop()
				ackTimer, ackC = nil, nil
				inflight = nil
			}
		case <-ackC:
			f := inflight
			inflight, ackTimer, ackC = nil, nil, nil
			s.hub.ackTimeout(s, f)
		case <-ticker.C:
			missed++
			if missed >= heartbeatMisses {
				s.logLost()
				return
			}
			select {
			case s.frames <- Frame{ID: uuid.NewString(), Kind: FrameHeartbeat}:
			default:
			}
		case <-s.wake:
		}
	}
}

// poke nudges the loop after an enqueue; coalescing wakeups is fine because
// the loop drains the queue one frame per ack anyway.
func (s *Session) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) logLost() {
	s.hub.log.LogAttrs(s.ctx, slog.LevelWarn, "session lost to missed heartbeats",
		slog.String("participant", s.key.participant),
		slog.String("role", string(s.key.role)),
		slog.String("session_id", s.id),
	)
}
