package correlation

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	errspkg "github.com/drblury/hookflow/internal/runtime/errors"
	"github.com/drblury/hookflow/internal/runtime/jsoncodec"
	"github.com/drblury/hookflow/internal/storage"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "hookflow:correlation:"

// RedisStore keeps each record as a JSON value and indexes pending callbacks
// in a sorted set scored by completion time. Updates run in WATCH/MULTI
// transactions.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string { return s.prefix + "rec:" + id }
func (s *RedisStore) pendingKey() string   { return s.prefix + "pending" }

func (s *RedisStore) Create(ctx context.Context, rec Record) error {
	rec.Version = 1
	data, err := jsoncodec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode correlation: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(rec.CorrelationID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create correlation: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: correlation %s", errspkg.ErrAlreadyExists, rec.CorrelationID)
	}
	if rec.PendingNotification() {
		return s.client.ZAdd(ctx, s.pendingKey(), pendingMember(rec)).Err()
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	return s.get(ctx, s.client, id)
}

func (s *RedisStore) get(ctx context.Context, c stringGetter, id string) (Record, error) {
	data, err := c.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, notFound(id)
		}
		return Record{}, fmt.Errorf("get correlation: %w", err)
	}
	var rec Record
	if err := jsoncodec.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode correlation %s: %w", id, err)
	}
	return rec, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	key := s.key(id)
	var out Record

	err := storage.RetryOnConflict(ctx, storage.DefaultConflictRetries, func(ctx context.Context) error {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.get(ctx, tx, id)
			if err != nil {
				return err
			}
			next, changed, err := applyUpdate(current, fn)
			if err != nil {
				return err
			}
			out = next
			if !changed {
				return nil
			}

			data, err := jsoncodec.Marshal(next)
			if err != nil {
				return fmt.Errorf("encode correlation: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if next.PendingNotification() {
					pipe.ZAdd(ctx, s.pendingKey(), pendingMember(next))
				} else {
					pipe.ZRem(ctx, s.pendingKey(), id)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return errspkg.ErrVersionMismatch
		}
		return err
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *RedisStore) ListPendingNotifications(ctx context.Context, limit int) ([]Record, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending notifications: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending notifications: %w", err)
	}

	out := make([]Record, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a record; drop it.
			s.client.ZRem(ctx, s.pendingKey(), ids[i])
			continue
		}
		var rec Record
		if err := jsoncodec.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode correlation %s: %w", ids[i], err)
		}
		if rec.PendingNotification() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func pendingMember(rec Record) *redis.Z {
	score := float64(rec.ReceivedAt.UnixMilli())
	if rec.CompletedAt != nil {
		score = float64(rec.CompletedAt.UnixMilli())
	}
	return &redis.Z{Score: score, Member: rec.CorrelationID}
}
