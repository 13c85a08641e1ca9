package failures

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/runtime/ids"
)

func newTestRecorder(t *testing.T, tracking configpkg.Tracking, maxReprocess int) (*Recorder, Store) {
	t.Helper()
	store := NewMemoryStore()
	rec, err := NewRecorder(store, tracking, maxReprocess)
	require.NoError(t, err)

	clock := baseTime
	rec.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	seq := 0
	rec.ids = ids.GeneratorFunc(func() string {
		seq++
		return "rec-" + string(rune('a'+seq-1))
	})
	return rec, store
}

func consumerFailure() Record {
	return Record{
		OriginalMessageID: "msg-1",
		MessageType:       "InvoiceProcessedContract",
		ErrorType:         "System.InvalidOperationException",
		ErrorMessage:      "first",
		RetryCount:        5,
		CanReprocess:      true,
		FailureSource:     SourceConsumer,
	}
}

func TestNewRecorderRequiresStore(t *testing.T) {
	t.Parallel()
	_, err := NewRecorder(nil, configpkg.TrackingVerbose, 3)
	require.ErrorIs(t, err, errspkg.ErrFailureStoreRequired)
}

func TestRecorderVerboseKeepsHistory(t *testing.T) {
	t.Parallel()
	recorder, store := newTestRecorder(t, configpkg.TrackingVerbose, 3)
	ctx := context.Background()

	first, err := recorder.Record(ctx, consumerFailure())
	require.NoError(t, err)
	assert.Equal(t, "rec-a", first.ID)
	assert.Equal(t, StatusPending, first.Status)
	assert.False(t, first.FailedAt.IsZero())

	again := consumerFailure()
	again.ErrorMessage = "second"
	second, err := recorder.Record(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, "rec-b", second.ID)

	page, err := store.List(ctx, Filter{}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalCount)
}

func TestRecorderSimpleUpdatesInPlace(t *testing.T) {
	t.Parallel()
	recorder, store := newTestRecorder(t, configpkg.TrackingSimple, 3)
	ctx := context.Background()

	first, err := recorder.Record(ctx, consumerFailure())
	require.NoError(t, err)

	again := consumerFailure()
	again.ErrorMessage = "second"
	again.RetryCount = 3
	second, err := recorder.Record(ctx, again)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "second", second.ErrorMessage)
	assert.Equal(t, 3, second.RetryCount)
	assert.Equal(t, 2, second.Occurrences)
	assert.True(t, second.FailedAt.Equal(first.FailedAt), "first failure time is kept")
	assert.True(t, second.LastFailedAt.After(first.LastFailedAt))

	errorConsumer := consumerFailure()
	errorConsumer.FailureSource = SourceErrorConsumer
	errorConsumer.OriginalConsumerType = "invoice-errors"
	third, err := recorder.Record(ctx, errorConsumer)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID, "sources are tracked separately")

	page, err := store.List(ctx, Filter{}, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalCount)
}

func TestRecorderReprocessBudget(t *testing.T) {
	t.Parallel()
	recorder, _ := newTestRecorder(t, configpkg.TrackingVerbose, 2)
	ctx := context.Background()

	exhausted := consumerFailure()
	exhausted.ReprocessCount = 2
	rec, err := recorder.Record(ctx, exhausted)
	require.NoError(t, err)
	assert.False(t, rec.CanReprocess)

	fresh := consumerFailure()
	fresh.ReprocessCount = 1
	rec, err = recorder.Record(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, rec.CanReprocess)
}

func TestRecorderSimpleCarriesReprocessCount(t *testing.T) {
	t.Parallel()
	recorder, store := newTestRecorder(t, configpkg.TrackingSimple, 2)
	ctx := context.Background()

	first, err := recorder.Record(ctx, consumerFailure())
	require.NoError(t, err)
	_, err = store.Update(ctx, first.ID, func(rec *Record) error {
		rec.ReprocessCount = 2
		return nil
	})
	require.NoError(t, err)

	again, err := recorder.Record(ctx, consumerFailure())
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 2, again.ReprocessCount)
	assert.False(t, again.CanReprocess)
}
