package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisEntryPrefix = "aq:entry:"
	redisIndexKey    = "aq:keys"
	redisScanBatch   = 100
)

// RedisBackend stores each entry as a JSON string and tracks keys in a set for scans.
// Entries expire server-side after retention, which must exceed the cache TTL so stale
// entries stay visible to the stale sweep.
type RedisBackend struct {
	client    *redis.Client
	retention time.Duration
}

// RedisOptions configures the redis connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Retention time.Duration
}

// NewRedisBackend connects to redis and verifies reachability.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &RedisBackend{client: client, retention: opts.Retention}, nil
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Load(ctx context.Context, key string) (Entry, bool, error) {
	b, err := r.client.Get(ctx, redisEntryPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e, err := decodeEntry(b)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (r *RedisBackend) Save(ctx context.Context, entry Entry) error {
	b, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisEntryPrefix+entry.Key, b, r.retention)
		pipe.SAdd(ctx, redisIndexKey, entry.Key)
		return nil
	})
	return err
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisEntryPrefix+key)
		pipe.SRem(ctx, redisIndexKey, key)
		return nil
	})
	return err
}

// Scan reads indexed keys in batches. Keys whose value expired server-side are pruned from the index.
func (r *RedisBackend) Scan(ctx context.Context, fn func(Entry) error) error {
	keys, err := r.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += redisScanBatch {
		end := start + redisScanBatch
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]
		full := make([]string, len(batch))
		for i, k := range batch {
			full[i] = redisEntryPrefix + k
		}
		values, err := r.client.MGet(ctx, full...).Result()
		if err != nil {
			return err
		}
		var gone []interface{}
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				gone = append(gone, batch[i])
				continue
			}
			e, err := decodeEntry([]byte(s))
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(gone) > 0 {
			if err := r.client.SRem(ctx, redisIndexKey, gone...).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *RedisBackend) Clear(ctx context.Context) error {
	keys, err := r.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return err
	}
	full := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		full = append(full, redisEntryPrefix+k)
	}
	full = append(full, redisIndexKey)
	return r.client.Del(ctx, full...).Err()
}

func (r *RedisBackend) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := r.Scan(ctx, func(e Entry) error {
		b, err := encodeEntry(e)
		if err != nil {
			return err
		}
		st.ItemCount++
		st.SizeBytes += int64(len(b))
		return nil
	})
	return st, err
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
