package failures

import (
	"context"
	"errors"
	"time"

	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/runtime/ids"
)

// Recorder writes failures according to the configured tracking mode.
// Verbose tracking inserts a record per failure; simple tracking keeps one
// record per original message and source, overwriting the error details.
type Recorder struct {
	store        Store
	tracking     configpkg.Tracking
	maxReprocess int
	ids          ids.Generator
	now          func() time.Time
}

func NewRecorder(store Store, tracking configpkg.Tracking, maxReprocessAttempts int) (*Recorder, error) {
	if store == nil {
		return nil, errspkg.ErrFailureStoreRequired
	}
	if tracking == "" {
		tracking = configpkg.TrackingVerbose
	}
	return &Recorder{
		store:        store,
		tracking:     tracking,
		maxReprocess: maxReprocessAttempts,
		ids:          ids.ULID,
		now:          time.Now,
	}, nil
}

// Store returns the underlying store.
func (r *Recorder) Store() Store {
	return r.store
}

// Tracking returns the configured tracking mode.
func (r *Recorder) Tracking() configpkg.Tracking {
	return r.tracking
}

// Record persists rec and returns the stored version. ID, FailedAt and
// Status are filled in when empty.
func (r *Recorder) Record(ctx context.Context, rec Record) (Record, error) {
	now := r.now().UTC()
	if rec.FailedAt.IsZero() {
		rec.FailedAt = now
	}
	if rec.LastFailedAt.IsZero() {
		rec.LastFailedAt = rec.FailedAt
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	rec.CanReprocess = rec.CanReprocess && r.withinReprocessBudget(rec.ReprocessCount)

	if r.tracking != configpkg.TrackingSimple || rec.OriginalMessageID == "" {
		return r.insert(ctx, rec)
	}

	latest, err := r.store.FindLatest(ctx, rec.OriginalMessageID, rec.FailureSource)
	if errors.Is(err, errspkg.ErrNotFound) {
		return r.insert(ctx, rec)
	}
	if err != nil {
		return Record{}, err
	}
	return r.store.Update(ctx, latest.ID, func(existing *Record) error {
		existing.LastFailedAt = rec.LastFailedAt
		existing.ErrorType = rec.ErrorType
		existing.ErrorKind = rec.ErrorKind
		existing.ErrorMessage = rec.ErrorMessage
		existing.StackTrace = rec.StackTrace
		existing.RetryCount = rec.RetryCount
		existing.OriginalPayload = rec.OriginalPayload
		existing.OriginalConsumerType = rec.OriginalConsumerType
		existing.Status = rec.Status
		existing.Occurrences++
		if rec.ReprocessCount > existing.ReprocessCount {
			existing.ReprocessCount = rec.ReprocessCount
		}
		existing.CanReprocess = rec.CanReprocess && r.withinReprocessBudget(existing.ReprocessCount)
		return nil
	})
}

func (r *Recorder) insert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = r.ids.NewID()
	}
	if err := r.store.Insert(ctx, rec); err != nil {
		return Record{}, err
	}
	return r.store.Get(ctx, rec.ID)
}

func (r *Recorder) withinReprocessBudget(count int) bool {
	return r.maxReprocess <= 0 || count < r.maxReprocess
}
