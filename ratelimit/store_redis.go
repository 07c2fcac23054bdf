package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisWindowPrefix = "ratelimit/"

// RedisStore keeps each window in a hash, and a sorted set of keys scored by
// window end. Apply uses WATCH/MULTI/EXEC, so a concurrent writer on the same
// key aborts the transaction and surfaces ErrConflict.
type RedisStore struct {
	Client *redis.Client
	// extra lifetime given to each hash after its window ends; cleanup
	// normally removes the record earlier
	Retention time.Duration
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %v", err)
	}
	client := redis.NewClient(opt)
	// check redis connection
	_, err = client.Ping(context.TODO()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ping failed: %v", err)
	}
	return NewRedisStoreFromClient(client), nil
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		Client:    client,
		Retention: DefaultRetention * 2,
	}
}

func (s *RedisStore) indexKey() string {
	return redisWindowPrefix + "index"
}

func (s *RedisStore) Apply(ctx context.Context, key string, fn func(cur *Window) (*Window, error)) error {
	rkey := redisWindowPrefix + key
	err := s.Client.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, rkey).Result()
		if err != nil {
			return err
		}
		var cur *Window
		if len(vals) > 0 {
			w, err := decodeWindow(vals)
			if err != nil {
				return fmt.Errorf("decoding window %s: %w", key, err)
			}
			cur = w
		}
		next, err := fn(cur)
		if err != nil || next == nil {
			return err
		}
		ttl := next.WindowEnd.Sub(next.WindowStart) + s.Retention
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rkey, encodeWindow(next))
			pipe.Expire(ctx, rkey, ttl)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(next.WindowEnd.Unix()), Member: key})
			return nil
		})
		return err
	}, rkey)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *RedisStore) DeleteExpired(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	deleted := 0
	upper := "(" + strconv.FormatInt(cutoff.Unix(), 10)
	for {
		keys, err := s.Client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   upper,
			Count: int64(batchSize),
		}).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) == 0 {
			return deleted, nil
		}
		members := make([]any, len(keys))
		rkeys := make([]string, len(keys))
		for i, k := range keys {
			members[i] = k
			rkeys[i] = redisWindowPrefix + k
		}
		var del *redis.IntCmd
		_, err = s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, rkeys...)
			pipe.ZRem(ctx, s.indexKey(), members...)
			return nil
		})
		if err != nil {
			return deleted, err
		}
		// hashes redis already expired are in the index but not deleted here
		deleted += int(del.Val())
		if len(keys) < batchSize {
			return deleted, nil
		}
	}
}

func encodeWindow(w *Window) map[string]any {
	return map[string]any{
		"userId":      w.Subject,
		"type":        string(w.Kind),
		"count":       w.Count,
		"windowStart": w.WindowStart.Unix(),
		"windowEnd":   w.WindowEnd.Unix(),
		"lastUpdated": w.LastUpdated.UnixMilli(),
	}
}

func decodeWindow(vals map[string]string) (*Window, error) {
	count, err := strconv.Atoi(vals["count"])
	if err != nil {
		return nil, err
	}
	start, err := strconv.ParseInt(vals["windowStart"], 10, 64)
	if err != nil {
		return nil, err
	}
	end, err := strconv.ParseInt(vals["windowEnd"], 10, 64)
	if err != nil {
		return nil, err
	}
	// lastUpdated is informational
	updated, _ := strconv.ParseInt(vals["lastUpdated"], 10, 64)
	return &Window{
		Subject:     vals["userId"],
		Kind:        Kind(vals["type"]),
		Count:       count,
		WindowStart: time.Unix(start, 0).UTC(),
		WindowEnd:   time.Unix(end, 0).UTC(),
		LastUpdated: time.UnixMilli(updated).UTC(),
	}, nil
}
