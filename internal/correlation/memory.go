package correlation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
)

// MemoryStore keeps records in process memory. It is intended for tests and
// single-instance deployments without durability requirements.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.CorrelationID]; ok {
		return fmt.Errorf("%w: correlation %s", errspkg.ErrAlreadyExists, rec.CorrelationID)
	}
	rec.Version = 1
	s.records[rec.CorrelationID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, notFound(id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return Record{}, notFound(id)
	}
	next, changed, err := applyUpdate(current, fn)
	if err != nil {
		return current.Clone(), err
	}
	if changed {
		s.records[id] = next
	}
	return next.Clone(), nil
}

func (s *MemoryStore) ListPendingNotifications(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, rec := range s.records {
		if rec.PendingNotification() {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return completedBefore(out[i], out[j])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func completedBefore(a, b Record) bool {
	switch {
	case a.CompletedAt == nil || b.CompletedAt == nil:
		return a.CorrelationID < b.CorrelationID
	case a.CompletedAt.Equal(*b.CompletedAt):
		return a.CorrelationID < b.CorrelationID
	default:
		return a.CompletedAt.Before(*b.CompletedAt)
	}
}
