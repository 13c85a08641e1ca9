package failures

import (
	"context"
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
)

// MemoryStore keeps failure records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	rec, err := prepareInsert(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("%w: failed message %s", errspkg.ErrAlreadyExists, rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, notFound(id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) FindLatest(_ context.Context, originalMessageID string, source Source) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest Record
		found  bool
	)
	for _, rec := range s.records {
		if rec.OriginalMessageID != originalMessageID || rec.FailureSource != source {
			continue
		}
		if !found || newerFirst(rec, latest) {
			latest, found = rec, true
		}
	}
	if !found {
		return Record{}, notFound(originalMessageID)
	}
	return latest.Clone(), nil
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
	next, err := applyUpdate(current, fn)
	if err != nil {
		return Record{}, err
	}
	s.records[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter, req PageRequest) (Page, error) {
	req = req.Normalize()

	s.mu.RLock()
	matched := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Matches(rec) {
			matched = append(matched, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return newerFirst(matched[i], matched[j]) })

	start := req.offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + req.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	items := make([]Record, 0, end-start)
	for _, rec := range matched[start:end] {
		items = append(items, rec.Clone())
	}
	return newPage(items, len(matched), req), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return notFound(id)
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Statistics(_ context.Context) (Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := newStatistics()
	for _, rec := range s.records {
		stats.TotalMessages++
		if rec.CanReprocess {
			stats.Reprocessable++
		} else {
			stats.NotReprocessable++
		}
		stats.ByMessageType[rec.MessageType]++
		stats.ByErrorType[rec.ErrorType]++
		stats.BySource[string(rec.FailureSource)]++
		stats.ByStatus[string(rec.Status)]++

		ts := rec.LastFailedAt
		if stats.OldestFailure == nil || ts.Before(*stats.OldestFailure) {
			stats.OldestFailure = &ts
		}
		if stats.NewestFailure == nil || ts.After(*stats.NewestFailure) {
			newest := ts
			stats.NewestFailure = &newest
		}
	}
	return stats, nil
}
