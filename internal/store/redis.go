package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"proof-orchestrator/internal/config"
	"proof-orchestrator/internal/models"
)

// maxTxAttempts optimistic transaction retries before reporting a conflict
// storm as store unavailability
const maxTxAttempts = 16

// RedisStore networked store. Records live under <prefix>:task:<fp>; a sorted
// set <prefix>:tasks (all scores 0) indexes fingerprints for lexicographic scans.
// A configured TTL starts when a record reaches a terminal status.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connect to cfg.URL and ping it
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, unavailable("connect", err)
	}
	return NewRedisStoreWithClient(client, cfg.Prefix, time.Duration(cfg.TTL)*time.Second), nil
}

// NewRedisStoreWithClient wrap an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "prover"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) recordKey(fp models.Fingerprint) string {
	return fmt.Sprintf("%s:task:%s", s.prefix, fp)
}

// expiry TTL for a record written in status. Only terminal records expire;
// registered and in-flight tasks stay until they finish.
func (s *RedisStore) expiry(status models.TaskStatus) time.Duration {
	if s.ttl > 0 && status.IsTerminal() {
		return s.ttl
	}
	return 0
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":tasks"
}

// watch runs fn in a WATCH transaction on key, retrying when another client
// touched the key between WATCH and EXEC
func (s *RedisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction on %s kept failing after %d attempts", key, maxTxAttempts)
}

func (s *RedisStore) Insert(ctx context.Context, rec *models.TaskRecord) (*models.TaskRecord, bool, error) {
	data, err := encodeRecord(rec)
	if err != nil {
		return nil, false, err
	}
	key := s.recordKey(rec.Fingerprint)

	var (
		existing *models.TaskRecord
		inserted bool
	)
	err = s.watch(ctx, key, func(tx *redis.Tx) error {
		existing, inserted = nil, false

		raw, err := tx.Get(ctx, key).Bytes()
		if err == nil {
			existing, err = decodeRecord(raw)
			return err
		}
		if !errors.Is(err, redis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.expiry(rec.Status))
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: string(rec.Fingerprint)})
			return nil
		})
		if err == nil {
			inserted = true
		}
		return err
	})
	if err != nil {
		return nil, false, unavailable("insert", err)
	}
	if inserted {
		return rec.Clone(), true, nil
	}
	return existing, false, nil
}

func (s *RedisStore) Get(ctx context.Context, fp models.Fingerprint) (*models.TaskRecord, error) {
	raw, err := s.client.Get(ctx, s.recordKey(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, unavailable("get", err)
	}
	return rec, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, fp models.Fingerprint, expected models.TaskStatus, revision uint64, next *models.TaskRecord) error {
	data, err := encodeRecord(next)
	if err != nil {
		return err
	}
	key := s.recordKey(fp)

	err = s.watch(ctx, key, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return models.ErrNotFound
		}
		if err != nil {
			return err
		}
		current, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if current.Status != expected || current.Revision != revision {
			return models.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.expiry(next.Status))
			return nil
		})
		return err
	})
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrConflict) {
		return err
	}
	if err != nil {
		return unavailable("compare_and_swap", err)
	}
	return nil
}

func (s *RedisStore) Scan(ctx context.Context, after models.Fingerprint, limit int) ([]*models.TaskRecord, error) {
	lo := "-"
	if after != "" {
		lo = "(" + string(after)
	}
	pageSize := int64(limit)
	if pageSize <= 0 {
		pageSize = 256
	}

	var out []*models.TaskRecord
	for limit <= 0 || len(out) < limit {
		members, err := s.client.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{
			Min:   lo,
			Max:   "+",
			Count: pageSize,
		}).Result()
		if err != nil {
			return nil, unavailable("scan", err)
		}
		if len(members) == 0 {
			break
		}

		keys := make([]string, len(members))
		for i, m := range members {
			keys[i] = s.recordKey(models.Fingerprint(m))
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, unavailable("scan", err)
		}

		var expired []interface{}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				// record expired through its TTL, drop the stale index entry
				expired = append(expired, members[i])
				continue
			}
			rec, err := decodeRecord([]byte(raw))
			if err != nil {
				return nil, unavailable("scan", err)
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		if len(expired) > 0 {
			s.client.ZRem(ctx, s.indexKey(), expired...)
		}
		lo = "(" + members[len(members)-1]
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, fp models.Fingerprint) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.recordKey(fp))
		pipe.ZRem(ctx, s.indexKey(), string(fp))
		return nil
	})
	if err != nil {
		return false, unavailable("delete", err)
	}
	return del.Val() > 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
