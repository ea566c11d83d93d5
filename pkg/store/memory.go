package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/relation"
)

// MemStore keeps everything in process memory. Used in tests and in
// single-process development mode.
type MemStore struct {
	mu            sync.RWMutex
	relationships map[string]*relation.Relationship
	events        map[string][]relation.Event
}

func NewMemStore() *MemStore {
	return &MemStore{
		relationships: make(map[string]*relation.Relationship),
		events:        make(map[string][]relation.Event),
	}
}

func (m *MemStore) CreateRelationship(_ context.Context, rel *relation.Relationship, genesis relation.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.relationships {
		if existing.State == relation.StateActive &&
			existing.Initiator == rel.Initiator &&
			existing.Responder == rel.Responder &&
			existing.ContinuationOf == rel.ContinuationOf {
			return ErrDuplicate
		}
	}

	cp := cloneRelationship(rel)
	cp.ChainHead = genesis.Hash
	m.relationships[rel.ID] = cp
	m.events[rel.ID] = []relation.Event{genesis}
	return nil
}

func (m *MemStore) GetRelationship(_ context.Context, id string) (*relation.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rel, ok := m.relationships[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRelationship(rel), nil
}

func (m *MemStore) AppendEvent(_ context.Context, e relation.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.appendLocked(e)
	return err
}

func (m *MemStore) RecordAdmission(_ context.Context, e relation.Event, lastActivity, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rel, err := m.appendLocked(e)
	if err != nil {
		return err
	}
	rel.Depth++
	rel.LastActivityAt = lastActivity
	if !expiresAt.IsZero() {
		rel.ExpiresAt = expiresAt
	}
	return nil
}

func (m *MemStore) CloseRelationship(_ context.Context, e relation.Event, reason relation.CloseReason, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rel, ok := m.relationships[e.RelationshipID]
	if !ok {
		return ErrNotFound
	}
	if rel.ChainHead != e.PreviousHash {
		return ErrChainConflict
	}
	if rel.State != relation.StateActive {
		return ErrStateConflict
	}
	if _, err := m.appendLocked(e); err != nil {
		return err
	}
	rel.State = relation.StateClosed
	rel.CloseReason = reason
	rel.ClosedAt = closedAt
	return nil
}

func (m *MemStore) Touch(_ context.Context, id string, lastActivity, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rel, ok := m.relationships[id]
	if !ok {
		return ErrNotFound
	}
	if rel.State != relation.StateActive {
		return ErrStateConflict
	}
	rel.LastActivityAt = lastActivity
	if !expiresAt.IsZero() {
		rel.ExpiresAt = expiresAt
	}
	return nil
}

func (m *MemStore) LastEvent(_ context.Context, relationshipID string) (*relation.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events, ok := m.events[relationshipID]
	if !ok || len(events) == 0 {
		return nil, ErrNotFound
	}
	e := events[len(events)-1]
	return &e, nil
}

// appendLocked verifies the head CAS and writes the event. Caller holds the
// write lock.
func (m *MemStore) appendLocked(e relation.Event) (*relation.Relationship, error) {
	rel, ok := m.relationships[e.RelationshipID]
	if !ok {
		return nil, ErrNotFound
	}
	if rel.ChainHead != e.PreviousHash {
		return nil, ErrChainConflict
	}
	m.events[e.RelationshipID] = append(m.events[e.RelationshipID], e)
	rel.ChainHead = e.Hash
	return rel, nil
}

func (m *MemStore) ListEvents(_ context.Context, relationshipID string, fromSeq uint64) ([]relation.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events, ok := m.events[relationshipID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]relation.Event, 0, len(events))
	for _, e := range events {
		if e.Sequence >= fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemStore) ListExpired(_ context.Context, now time.Time) ([]*relation.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*relation.Relationship
	for _, rel := range m.relationships {
		if pastDeadline(rel, now) {
			out = append(out, cloneRelationship(rel))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) ListByParticipant(_ context.Context, participantID string) ([]*relation.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*relation.Relationship
	for _, rel := range m.relationships {
		if rel.Initiator == participantID || rel.Responder == participantID {
			out = append(out, cloneRelationship(rel))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func cloneRelationship(rel *relation.Relationship) *relation.Relationship {
	cp := *rel
	if rel.ContextSnapshot != nil {
		cp.ContextSnapshot = make(map[string]any, len(rel.ContextSnapshot))
		for k, v := range rel.ContextSnapshot {
			cp.ContextSnapshot[k] = v
		}
	}
	return &cp
}
