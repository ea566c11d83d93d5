// Package audit carries the broker's oversight channel: a human-reviewable
// stream of admitted-intent copies, breach attempts, and lifecycle summaries,
// separate from operational logging.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind categorizes oversight records.
type Kind string

const (
	// KindOversightCopy mirrors an admitted intent whose policy entry set
	// oversight_copy.
	KindOversightCopy Kind = "OVERSIGHT_COPY"
	// KindBreachAttempt flags conduct the chain records as breach_attempt.
	KindBreachAttempt Kind = "BREACH_ATTEMPT"
	// KindRejection records refused admissions worth human review.
	KindRejection Kind = "REJECTION"
	// KindLifecycle covers closes, continuations, and sweeps.
	KindLifecycle Kind = "LIFECYCLE"
)

// Entry is a structured oversight record.
type Entry struct {
	ID             string         `json:"id"`
	RelationshipID string         `json:"relationship_id"`
	ActorID        string         `json:"actor_id"`
	Kind           Kind           `json:"kind"`
	Action         string         `json:"action"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for recording oversight entries.
type Logger interface {
	Record(ctx context.Context, kind Kind, relationshipID, actorID, action string, metadata map[string]any) error
}

// logger implements Logger, writing structured JSON to a configurable Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Record(ctx context.Context, kind Kind, relationshipID, actorID, action string, metadata map[string]any) error {
	entry := Entry{
		ID:             uuid.New().String(),
		RelationshipID: relationshipID,
		ActorID:        actorID,
		Kind:           kind,
		Action:         action,
		Timestamp:      time.Now().UTC(),
		Metadata:       metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	// Prefix with OVERSIGHT: for easy filtering
	_, err = l.writer.Write(append([]byte("OVERSIGHT: "), append(bytes, '\n')...))
	return err
}
