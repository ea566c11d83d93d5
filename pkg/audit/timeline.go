package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimelineLimit bounds how many entries a Timeline retains.
const DefaultTimelineLimit = 4096

// TimelineQuery filters timeline entries.
type TimelineQuery struct {
	RelationshipID string     `json:"relationship_id,omitempty"`
	ActorID        string     `json:"actor_id,omitempty"`
	Kind           *Kind      `json:"kind,omitempty"`
	After          *time.Time `json:"after,omitempty"`
	Before         *time.Time `json:"before,omitempty"`
	Limit          int        `json:"limit,omitempty"`
}

// Timeline keeps a bounded, queryable window of recent oversight entries in
// memory so operators can inspect them without replaying the persistent
// sink. It implements Logger; pair it with a durable sink via MultiLogger.
type Timeline struct {
	mu      sync.RWMutex
	entries []Entry
	byRel   map[string][]int // relationshipID → entry indices
	limit   int
	clock   func() time.Time
}

// NewTimeline creates a timeline retaining at most limit entries.
// A non-positive limit selects DefaultTimelineLimit.
func NewTimeline(limit int) *Timeline {
	if limit <= 0 {
		limit = DefaultTimelineLimit
	}
	return &Timeline{
		byRel: make(map[string][]int),
		limit: limit,
		clock: time.Now,
	}
}

// WithClock overrides clock for testing.
func (t *Timeline) WithClock(clock func() time.Time) *Timeline {
	t.clock = clock
	return t
}

// Record adds an oversight entry to the timeline.
func (t *Timeline) Record(ctx context.Context, kind Kind, relationshipID, actorID, action string, metadata map[string]any) error {
	entry := Entry{
		ID:             uuid.New().String(),
		RelationshipID: relationshipID,
		ActorID:        actorID,
		Kind:           kind,
		Action:         action,
		Timestamp:      t.clock().UTC(),
		Metadata:       metadata,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= t.limit {
		t.evictLocked()
	}

	idx := len(t.entries)
	t.entries = append(t.entries, entry)
	if entry.RelationshipID != "" {
		t.byRel[entry.RelationshipID] = append(t.byRel[entry.RelationshipID], idx)
	}
	return nil
}

// evictLocked drops the oldest quarter of the buffer and rebuilds the
// relationship index over the survivors.
func (t *Timeline) evictLocked() {
	drop := t.limit / 4
	if drop < 1 {
		drop = 1
	}
	t.entries = append(t.entries[:0:0], t.entries[drop:]...)
	t.byRel = make(map[string][]int, len(t.byRel))
	for i, e := range t.entries {
		if e.RelationshipID != "" {
			t.byRel[e.RelationshipID] = append(t.byRel[e.RelationshipID], i)
		}
	}
}

// Query retrieves entries matching the query, oldest first.
func (t *Timeline) Query(q TimelineQuery) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []Entry
	if q.RelationshipID != "" {
		indices, ok := t.byRel[q.RelationshipID]
		if !ok {
			return nil
		}
		for _, i := range indices {
			candidates = append(candidates, t.entries[i])
		}
	} else {
		candidates = make([]Entry, len(t.entries))
		copy(candidates, t.entries)
	}

	var results []Entry
	for _, e := range candidates {
		if q.ActorID != "" && e.ActorID != q.ActorID {
			continue
		}
		if q.Kind != nil && e.Kind != *q.Kind {
			continue
		}
		if q.After != nil && e.Timestamp.Before(*q.After) {
			continue
		}
		if q.Before != nil && e.Timestamp.After(*q.Before) {
			continue
		}
		results = append(results, e)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}

	return results
}

// Count returns total retained entries.
func (t *Timeline) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// multiLogger fans a record out to several loggers.
type multiLogger struct {
	loggers []Logger
}

// MultiLogger returns a Logger that records to every given logger, stopping
// at the first error. Mirrors io.MultiWriter.
func MultiLogger(loggers ...Logger) Logger {
	all := make([]Logger, 0, len(loggers))
	for _, l := range loggers {
		if l != nil {
			all = append(all, l)
		}
	}
	return &multiLogger{loggers: all}
}

func (m *multiLogger) Record(ctx context.Context, kind Kind, relationshipID, actorID, action string, metadata map[string]any) error {
	for _, l := range m.loggers {
		if err := l.Record(ctx, kind, relationshipID, actorID, action, metadata); err != nil {
			return err
		}
	}
	return nil
}
