// Package delivery pushes admitted intents to responder subscriptions and
// routes responses back to initiators. Each participant stream has one
// bounded FIFO queue and at most one live session; handing a frame to a
// subscriber is at-most-once with acknowledgment, a single timeout requeue,
// and a finalizer callback once delivery is abandoned. The queue bound feeds
// the admission pipeline's overload signal, so intents are refused upstream
// instead of buffered without limit.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/relation"
)

const (
	// DefaultQueueCapacity bounds each responder's pending-intent queue.
	DefaultQueueCapacity = 64
	// DefaultAckTimeout is how long a pushed frame may stay unacknowledged.
	DefaultAckTimeout = 10 * time.Second
	// DefaultHeartbeat paces keepalive frames on idle sessions.
	DefaultHeartbeat = 5 * time.Second

	// heartbeatMisses is the number of consecutive silent heartbeat
	// intervals after which a session is presumed dead.
	heartbeatMisses = 2
)

var (
	// ErrQueueFull reports a pending queue at capacity.
	ErrQueueFull = errors.New("pending queue is full")
	// ErrHubClosed reports operations on a shut-down hub.
	ErrHubClosed = errors.New("delivery hub is closed")
	// ErrResumeMismatch reports a resume token that does not belong to the
	// participant stream.
	ErrResumeMismatch = errors.New("resume token does not match the stream")
)

// Role selects which side of a relationship a subscription serves.
type Role string

const (
	// RoleResponder streams admitted intents to the responder.
	RoleResponder Role = "responder"
	// RoleInitiator streams recorded responses back to the initiator.
	RoleInitiator Role = "initiator"
)

// FrameKind identifies what a pushed frame carries.
type FrameKind string

const (
	FrameIntent    FrameKind = "intent"
	FrameResponse  FrameKind = "response"
	FrameHeartbeat FrameKind = "heartbeat"
)

// Frame is one unit pushed to a subscriber. Every frame expects an ack with
// its ID within the ack timeout; Attempt counts delivery tries of the same
// frame, so a subscriber seeing Attempt 2 knows it is a redelivery.
type Frame struct {
	ID             string         `json:"id"`
	Kind           FrameKind      `json:"kind"`
	RelationshipID string         `json:"relationship_id,omitempty"`
	Sequence       uint64         `json:"sequence,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Attempt        int            `json:"attempt,omitempty"`
}

// Finalizer settles an intent the hub gave up delivering. For abandoned
// deliveries the reason is delivery_timeout; for relationship closure it is
// closed_relationship, and the implementation decides whether the chain can
// still record anything.
type Finalizer interface {
	FinalizeDelivery(ctx context.Context, relationshipID string, intentSequence uint64, reason relation.RejectKind) error
}
