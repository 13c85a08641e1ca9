package failures

import (
	"context"
	"errors"
	"fmt"

	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
)

// Store persists failure records. Update must be atomic per id.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// FindLatest returns the most recent record for a message and source, or
	// errspkg.ErrNotFound.
	FindLatest(ctx context.Context, originalMessageID string, source Source) (Record, error)
	// Update applies fn to the current record. Changing id, failedAt or
	// failureSource fails with errspkg.ErrImmutableField.
	Update(ctx context.Context, id string, fn func(*Record) error) (Record, error)
	List(ctx context.Context, filter Filter, page PageRequest) (Page, error)
	Delete(ctx context.Context, id string) error
	Statistics(ctx context.Context) (Statistics, error)
}

var errIDRequired = errors.New("failures: record id is required")

func applyUpdate(current Record, fn func(*Record) error) (Record, error) {
	next := current.Clone()
	if err := fn(&next); err != nil {
		return current, err
	}
	switch {
	case next.ID != current.ID:
		return current, fmt.Errorf("%w: id", errspkg.ErrImmutableField)
	case !next.FailedAt.Equal(current.FailedAt):
		return current, fmt.Errorf("%w: failedAt", errspkg.ErrImmutableField)
	case next.FailureSource != current.FailureSource:
		return current, fmt.Errorf("%w: failureSource", errspkg.ErrImmutableField)
	}
	next.Version = current.Version + 1
	return next, nil
}

func prepareInsert(rec Record) (Record, error) {
	if rec.ID == "" {
		return rec, errIDRequired
	}
	if !rec.FailureSource.Valid() {
		return rec, fmt.Errorf("unknown failure source %q", rec.FailureSource)
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.LastFailedAt.IsZero() {
		rec.LastFailedAt = rec.FailedAt
	}
	if rec.Occurrences == 0 {
		rec.Occurrences = 1
	}
	rec.FailedAt = rec.FailedAt.UTC()
	rec.LastFailedAt = rec.LastFailedAt.UTC()
	rec.Version = 1
	return rec, nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: failed message %s", errspkg.ErrNotFound, id)
}
