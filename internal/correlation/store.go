package correlation

import (
	"context"
	"errors"
	"fmt"

	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
)

// Store persists correlation records. Every implementation must apply
// Update atomically per correlation id.
type Store interface {
	// Create inserts a new record and fails with errspkg.ErrAlreadyExists when
	// the id is taken.
	Create(ctx context.Context, rec Record) error
	// Get returns errspkg.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (Record, error)
	// Update applies fn to the current record and persists the result.
	Update(ctx context.Context, id string, fn func(*Record) error) (Record, error)
	// ListPendingNotifications returns terminal records whose callback is still
	// due, oldest completion first.
	ListPendingNotifications(ctx context.Context, limit int) ([]Record, error)
}

// applyUpdate runs fn on a copy of current and enforces the invariants every
// store shares. It reports whether the record changed.
func applyUpdate(current Record, fn func(*Record) error) (Record, bool, error) {
	next := current.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrSkipUpdate) {
			return current, false, nil
		}
		return current, false, err
	}
	if next.CorrelationID != current.CorrelationID {
		return current, false, fmt.Errorf("%w: correlationId", errspkg.ErrImmutableField)
	}
	if !next.ReceivedAt.Equal(current.ReceivedAt) {
		return current, false, fmt.Errorf("%w: receivedAt", errspkg.ErrImmutableField)
	}
	if next.Status != current.Status && !current.Status.CanTransitionTo(next.Status) {
		return current, false, fmt.Errorf("%w: status %s -> %s", errspkg.ErrConflict, current.Status, next.Status)
	}
	next.Version = current.Version + 1
	return next, true, nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: correlation %s", errspkg.ErrNotFound, id)
}
