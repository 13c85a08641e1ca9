package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/hookflow/internal/runtime/config"
	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/storage"
)

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "memory", open: func(*testing.T) Store { return NewMemoryStore() }},
		{name: "sqlite", open: openSQLStore},
		{name: "redis", open: openRedisStore},
	}
}

func openSQLStore(t *testing.T) Store {
	t.Helper()
	db, err := storage.Open(context.Background(), configpkg.StorageConfig{
		Driver: storage.DriverSQLite,
		DSN:    storage.MemorySQLiteDSN(t.Name()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLStore(db)
	require.NoError(t, store.CreateSchema(context.Background()))
	return store
}

func openRedisStore(t *testing.T) Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "")
}

func receivedRecord(id string, at time.Time) Record {
	return Record{
		CorrelationID: id,
		Status:        StatusReceived,
		MessageType:   "InvoiceProcessedContract",
		MessageID:     "msg-" + id,
		ReceivedAt:    at.UTC(),
		Notification:  &NotificationConfig{CallbackURL: "https://example.com/callback"},
	}
}

func terminalRecord(id string, completed time.Time) Record {
	rec := receivedRecord(id, completed.Add(-time.Minute))
	rec.Status = StatusCompleted
	ts := completed.UTC()
	rec.CompletedAt = &ts
	return rec
}

func TestStores(t *testing.T) {
	t.Parallel()

	for _, factory := range storeFactories() {
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			t.Parallel()

			t.Run("create and get", func(t *testing.T) {
				t.Parallel()
				store := factory.open(t)
				ctx := context.Background()
				now := time.Now().Truncate(time.Millisecond)

				require.NoError(t, store.Create(ctx, receivedRecord("c-1", now)))

				got, err := store.Get(ctx, "c-1")
				require.NoError(t, err)
				assert.Equal(t, StatusReceived, got.Status)
				assert.Equal(t, "InvoiceProcessedContract", got.MessageType)
				assert.Equal(t, "msg-c-1", got.MessageID)
				assert.Equal(t, "https://example.com/callback", got.CallbackURL())
				assert.True(t, got.ReceivedAt.Equal(now))
				assert.Equal(t, int64(1), got.Version)
			})

			t.Run("duplicate create", func(t *testing.T) {
				t.Parallel()
				store := factory.open(t)
				ctx := context.Background()

				require.NoError(t, store.Create(ctx, receivedRecord("dup", time.Now())))
				err := store.Create(ctx, receivedRecord("dup", time.Now()))
				require.ErrorIs(t, err, errspkg.ErrAlreadyExists)
			})

			t.Run("get unknown", func(t *testing.T) {
				t.Parallel()
				store := factory.open(t)
				_, err := store.Get(context.Background(), "missing")
				require.ErrorIs(t, err, errspkg.ErrNotFound)
			})

			t.Run("update stops on a rejected change", func(t *testing.T) {
				t.Parallel()
				store := factory.open(t)
				ctx := context.Background()
				require.NoError(t, store.Create(ctx, receivedRecord("busy", time.Now())))

				calls := 0
				_, err := store.Update(ctx, "busy", func(rec *Record) error {
					calls++
					return fmt.Errorf("%w: correlation busy is Received", errspkg.ErrConflict)
				})
				require.ErrorIs(t, err, errspkg.ErrConflict)
				assert.Equal(t, 1, calls)
			})

			t.Run("update moves status forward", func(t *testing.T) {
				t.Parallel()
				store := factory.open(t)
				ctx := context.Background()
				require.NoError(t, store.Create(ctx, receivedRecord("u-1", time.Now())))

				updated, err := store.Update(ctx, "u-1", func(rec *Record) error {
					rec.Status = StatusProcessing
					return nil
				})
				require.NoError(t, err)
				assert.Equal(t, StatusProcessing, updated.Status)
				assert.Equal(t, int64(2), updated.Version)

				_, err = store.Update(ctx, "u-1", func(rec *Record) error {
					rec.Status = StatusReceived
					return nil
				})
				require.ErrorIs(t, err, errspkg.ErrConflict)

				got, err := store.Get(ctx, "u-1")
				require.NoError(t, err)
				assert.Equal(t, StatusProcessing, got.Status)
			})

			t.Run("update rejects immutable fields", func(t *testing.T) {
				t.Parallel()
				store := factory.open(t)
				ctx := context.Background()
				require.NoError(t, store.Create(ctx, receivedRecord("imm", time.Now())))

				_, err := store.Update(ctx, "imm", func(rec *Record) error {
					rec.ReceivedAt = rec.ReceivedAt.Add(time.Hour)
					return nil
				})
				require.ErrorIs(t, err, errspkg.ErrImmutableField)
			})

			t.Run("skip update", func(t *testing.T) {
				t.Parallel()
				store := factory.open(t)
				ctx := context.Background()
				require.NoError(t, store.Create(ctx, receivedRecord("skip", time.Now())))

				got, err := store.Update(ctx, "skip", func(*Record) error { return ErrSkipUpdate })
				require.NoError(t, err)
				assert.Equal(t, int64(1), got.Version)
			})

			t.Run("mutator error is returned", func(t *testing.T) {
				t.Parallel()
				store := factory.open(t)
				ctx := context.Background()
				require.NoError(t, store.Create(ctx, receivedRecord("boom", time.Now())))

				sentinel := errors.New("boom")
				_, err := store.Update(ctx, "boom", func(*Record) error { return sentinel })
				require.ErrorIs(t, err, sentinel)
			})

			t.Run("update unknown", func(t *testing.T) {
				t.Parallel()
				store := factory.open(t)
				_, err := store.Update(context.Background(), "missing", func(*Record) error { return nil })
				require.ErrorIs(t, err, errspkg.ErrNotFound)
			})

			t.Run("result payload round trip", func(t *testing.T) {
				t.Parallel()
				store := factory.open(t)
				ctx := context.Background()
				require.NoError(t, store.Create(ctx, receivedRecord("res", time.Now())))

				_, err := store.Update(ctx, "res", func(rec *Record) error {
					now := time.Now().UTC()
					rec.Status = StatusCompleted
					rec.CompletedAt = &now
					rec.ResultPayload = json.RawMessage(`{"invoiceId":"INV-1"}`)
					return nil
				})
				require.NoError(t, err)

				got, err := store.Get(ctx, "res")
				require.NoError(t, err)
				assert.JSONEq(t, `{"invoiceId":"INV-1"}`, string(got.ResultPayload))
				require.NotNil(t, got.CompletedAt)
			})

			t.Run("pending notifications", func(t *testing.T) {
				t.Parallel()
				store := factory.open(t)
				ctx := context.Background()
				base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

				require.NoError(t, store.Create(ctx, terminalRecord("late", base.Add(2*time.Minute))))
				require.NoError(t, store.Create(ctx, terminalRecord("early", base)))
				require.NoError(t, store.Create(ctx, receivedRecord("open", base)))

				noCallback := terminalRecord("silent", base)
				noCallback.Notification = nil
				require.NoError(t, store.Create(ctx, noCallback))

				pending, err := store.ListPendingNotifications(ctx, 10)
				require.NoError(t, err)
				require.Len(t, pending, 2)
				assert.Equal(t, "early", pending[0].CorrelationID)
				assert.Equal(t, "late", pending[1].CorrelationID)

				limited, err := store.ListPendingNotifications(ctx, 1)
				require.NoError(t, err)
				require.Len(t, limited, 1)
				assert.Equal(t, "early", limited[0].CorrelationID)

				_, err = store.Update(ctx, "early", func(rec *Record) error {
					now := time.Now().UTC()
					rec.NotifiedAt = &now
					return nil
				})
				require.NoError(t, err)

				_, err = store.Update(ctx, "late", func(rec *Record) error {
					rec.NotificationAbandoned = true
					return nil
				})
				require.NoError(t, err)

				pending, err = store.ListPendingNotifications(ctx, 10)
				require.NoError(t, err)
				assert.Empty(t, pending)
			})

			t.Run("concurrent updates are serialised", func(t *testing.T) {
				t.Parallel()
				store := factory.open(t)
				ctx := context.Background()
				require.NoError(t, store.Create(ctx, terminalRecord("race", time.Now())))

				const writers = 4
				var wg sync.WaitGroup
				errs := make(chan error, writers)
				for i := 0; i < writers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := store.Update(ctx, "race", func(rec *Record) error {
							rec.RetryCount++
							return nil
						})
						errs <- err
					}()
				}
				wg.Wait()
				close(errs)

				succeeded := 0
				for err := range errs {
					if err == nil {
						succeeded++
						continue
					}
					require.ErrorIs(t, err, errspkg.ErrConflict)
				}

				got, err := store.Get(ctx, "race")
				require.NoError(t, err)
				assert.Equal(t, succeeded, got.RetryCount)
				assert.Equal(t, int64(1+succeeded), got.Version)
			})
		})
	}
}

func TestRedisStoreDropsDanglingIndexEntries(t *testing.T) {
	t.Parallel()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, "test:")
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, terminalRecord("kept", time.Now())))
	require.NoError(t, client.ZAdd(ctx, "test:pending", &redis.Z{Score: 1, Member: "ghost"}).Err())

	pending, err := store.ListPendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "kept", pending[0].CorrelationID)

	members, err := client.ZRange(ctx, "test:pending", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, members)
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusReceived, StatusProcessing, true},
		{StatusReceived, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusReceived, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusReceived, Status("Bogus"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}
