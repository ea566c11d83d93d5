package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/relation"
)

// Sweep closes every active relationship whose time bound passed before
// now. Admission-time checks remain authoritative; the sweep only retires
// relationships nobody is talking on. Returns the number closed.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, rel := range expired {
		if err := e.AutoClose(ctx, rel.ID, relation.CloseReasonExpired); err != nil {
			e.log.LogAttrs(ctx, slog.LevelWarn, "sweep close failed",
				slog.String("relationship_id", rel.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		closed++
	}
	if closed > 0 {
		e.log.LogAttrs(ctx, slog.LevelInfo, "expiry sweep",
			slog.Int("closed", closed),
			slog.Int("candidates", len(expired)),
		)
	}
	return closed, nil
}

// RunSweeper blocks, sweeping at the given interval until the context ends.
// A non-positive interval falls back to DefaultSweepInterval.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx, e.clock()); err != nil {
				e.log.LogAttrs(ctx, slog.LevelWarn, "expiry sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
