package correlation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
)

type recordingListener struct {
	mu   sync.Mutex
	seen []Record
}

func (l *recordingListener) listen(_ context.Context, rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, rec)
}

func (l *recordingListener) records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.seen...)
}

func newTestTracker(t *testing.T) (*Tracker, *recordingListener) {
	t.Helper()
	tracker, err := NewTracker(NewMemoryStore(), nil)
	require.NoError(t, err)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return fixed }

	listener := &recordingListener{}
	tracker.OnComplete(listener.listen)
	return tracker, listener
}

func TestNewTrackerRequiresStore(t *testing.T) {
	t.Parallel()
	_, err := NewTracker(nil, nil)
	require.ErrorIs(t, err, errspkg.ErrStoreRequired)
}

func TestTrackerBegin(t *testing.T) {
	t.Parallel()

	t.Run("creates received record", func(t *testing.T) {
		t.Parallel()
		tracker, _ := newTestTracker(t)
		ctx := context.Background()

		rec, err := tracker.Begin(ctx, BeginRequest{
			CorrelationID: "corr-1",
			MessageType:   "InvoiceProcessedContract",
			MessageID:     "01HX",
			CallbackURL:   "https://client.example.com/done",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusReceived, rec.Status)
		assert.Equal(t, "https://client.example.com/done", rec.CallbackURL())

		stored, err := tracker.Get(ctx, "corr-1")
		require.NoError(t, err)
		assert.Equal(t, "01HX", stored.MessageID)
		assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), stored.ReceivedAt)
	})

	t.Run("requires correlation id", func(t *testing.T) {
		t.Parallel()
		tracker, _ := newTestTracker(t)
		_, err := tracker.Begin(context.Background(), BeginRequest{CorrelationID: "  "})
		require.ErrorIs(t, err, errspkg.ErrCorrelationIDRequired)
	})

	t.Run("rejects relative callback", func(t *testing.T) {
		t.Parallel()
		tracker, _ := newTestTracker(t)
		_, err := tracker.Begin(context.Background(), BeginRequest{CorrelationID: "c", CallbackURL: "/relative"})
		require.ErrorIs(t, err, errspkg.ErrInvalidCallbackURL)

		_, err = tracker.Get(context.Background(), "c")
		require.ErrorIs(t, err, errspkg.ErrNotFound)
	})

	t.Run("duplicate id", func(t *testing.T) {
		t.Parallel()
		tracker, _ := newTestTracker(t)
		_, err := tracker.Begin(context.Background(), BeginRequest{CorrelationID: "dup"})
		require.NoError(t, err)
		_, err = tracker.Begin(context.Background(), BeginRequest{CorrelationID: "dup"})
		require.ErrorIs(t, err, errspkg.ErrAlreadyExists)
	})
}

func TestValidateCallbackURL(t *testing.T) {
	t.Parallel()

	valid := []string{"http://localhost:9000/cb", "https://example.com/hooks?x=1"}
	for _, raw := range valid {
		assert.NoError(t, ValidateCallbackURL(raw), raw)
	}
	invalid := []string{"", "example.com/cb", "ftp://example.com/cb", "https://", "::not a url"}
	for _, raw := range invalid {
		assert.ErrorIs(t, ValidateCallbackURL(raw), errspkg.ErrInvalidCallbackURL, raw)
	}
}

func TestTrackerLifecycle(t *testing.T) {
	t.Parallel()
	tracker, listener := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.Begin(ctx, BeginRequest{CorrelationID: "life", CallbackURL: "https://example.com/cb"})
	require.NoError(t, err)

	require.NoError(t, tracker.MarkProcessing(ctx, "life"))
	require.NoError(t, tracker.MarkProcessing(ctx, "life"), "marking twice is harmless")

	rec, err := tracker.Get(ctx, "life")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, rec.Status)
	assert.Equal(t, int64(2), rec.Version)

	result := json.RawMessage(`{"ok":true}`)
	done, applied, err := tracker.CompleteCorrelation(ctx, "life", Succeeded(result))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.JSONEq(t, `{"ok":true}`, string(done.ResultPayload))
	assert.True(t, done.PendingNotification())

	again, applied, err := tracker.CompleteCorrelation(ctx, "life", Failed("late failure"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Empty(t, again.ErrorMessage)
	assert.Equal(t, done.Version, again.Version)

	require.NoError(t, tracker.MarkProcessing(ctx, "life"))
	rec, err = tracker.Get(ctx, "life")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status, "terminal records never move back")

	seen := listener.records()
	require.Len(t, seen, 1)
	assert.Equal(t, "life", seen[0].CorrelationID)
}

func TestTrackerCompleteFailure(t *testing.T) {
	t.Parallel()
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.Begin(ctx, BeginRequest{CorrelationID: "fail"})
	require.NoError(t, err)

	rec, applied, err := tracker.CompleteCorrelation(ctx, "fail", Failed("handler exploded"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "handler exploded", rec.ErrorMessage)
	assert.False(t, rec.PendingNotification(), "no callback configured")
}

func TestTrackerToleratesUnknownIDs(t *testing.T) {
	t.Parallel()
	tracker, listener := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.MarkProcessing(ctx, "ghost"))
	require.NoError(t, tracker.MarkProcessing(ctx, ""))

	rec, applied, err := tracker.CompleteCorrelation(ctx, "ghost", Failed("x"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Empty(t, rec.CorrelationID)
	assert.Empty(t, listener.records())
}

func TestTrackerRetrigger(t *testing.T) {
	t.Parallel()

	t.Run("resets delivery state", func(t *testing.T) {
		t.Parallel()
		tracker, listener := newTestTracker(t)
		ctx := context.Background()

		_, err := tracker.Begin(ctx, BeginRequest{CorrelationID: "re", CallbackURL: "https://example.com/cb"})
		require.NoError(t, err)
		_, _, err = tracker.CompleteCorrelation(ctx, "re", Failed("nope"))
		require.NoError(t, err)

		_, err = tracker.Store().Update(ctx, "re", func(rec *Record) error {
			rec.RetryCount = 5
			rec.NotificationAbandoned = true
			rec.LastNotificationError = "503"
			return nil
		})
		require.NoError(t, err)

		rec, err := tracker.Retrigger(ctx, "re")
		require.NoError(t, err)
		assert.Zero(t, rec.RetryCount)
		assert.False(t, rec.NotificationAbandoned)
		assert.Empty(t, rec.LastNotificationError)
		assert.True(t, rec.PendingNotification())
		assert.Len(t, listener.records(), 2)
	})

	t.Run("requires terminal record", func(t *testing.T) {
		t.Parallel()
		tracker, _ := newTestTracker(t)
		ctx := context.Background()
		_, err := tracker.Begin(ctx, BeginRequest{CorrelationID: "open", CallbackURL: "https://example.com/cb"})
		require.NoError(t, err)

		_, err = tracker.Retrigger(ctx, "open")
		require.ErrorIs(t, err, errspkg.ErrConflict)
	})

	t.Run("requires callback", func(t *testing.T) {
		t.Parallel()
		tracker, _ := newTestTracker(t)
		ctx := context.Background()
		_, err := tracker.Begin(ctx, BeginRequest{CorrelationID: "quiet"})
		require.NoError(t, err)
		_, _, err = tracker.CompleteCorrelation(ctx, "quiet", Succeeded(nil))
		require.NoError(t, err)

		_, err = tracker.Retrigger(ctx, "quiet")
		require.ErrorIs(t, err, errspkg.ErrConflict)
	})

	t.Run("unknown id", func(t *testing.T) {
		t.Parallel()
		tracker, _ := newTestTracker(t)
		_, err := tracker.Retrigger(context.Background(), "missing")
		require.ErrorIs(t, err, errspkg.ErrNotFound)
	})
}
