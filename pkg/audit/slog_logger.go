package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SlogLogger routes the oversight channel through the broker's structured
// logs. Suited to single-node deployments where operators already tail slog
// output; larger ones point NewLoggerWithWriter at a dedicated sink.
type SlogLogger struct {
	log *slog.Logger
}

func NewSlogLogger(log *slog.Logger) *SlogLogger {
	return &SlogLogger{log: log}
}

func (l *SlogLogger) Record(ctx context.Context, kind Kind, relationshipID, actorID, action string, metadata map[string]any) error {
	if l.log == nil {
		return fmt.Errorf("fail-closed: oversight logger not configured")
	}

	attrs := []slog.Attr{
		slog.String("oversight_id", uuid.New().String()),
		slog.String("kind", string(kind)),
		slog.String("relationship_id", relationshipID),
		slog.String("actor_id", actorID),
		slog.String("action", action),
		slog.Time("timestamp", time.Now().UTC()),
	}
	if len(metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", metadata))
	}

	level := slog.LevelInfo
	if kind == KindBreachAttempt {
		level = slog.LevelWarn
	}
	l.log.LogAttrs(ctx, level, "oversight", attrs...)
	return nil
}
