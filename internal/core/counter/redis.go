package counter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript bumps a counter and attaches the TTL only when the key was
// created by this call, all inside one server-side step.
var incrementScript = redis.NewScript(`
local value = redis.call("INCR", KEYS[1])
if value == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return value
`)

// decrementScript releases one unit without creating the key or touching
// its TTL.
var decrementScript = redis.NewScript(`
local value = tonumber(redis.call("GET", KEYS[1]))
if value == nil or value <= 0 then
	return 0
end
return redis.call("DECR", KEYS[1])
`)

// RedisStore is a Store shared across processes through Redis.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	URL       string
	KeyPrefix string
	Timeout   time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("redis url is required")
	}

	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	parsed.PoolSize = 10
	parsed.MinIdleConns = 2
	parsed.ConnMaxLifetime = 5 * time.Minute
	parsed.DialTimeout = 3 * time.Second
	parsed.ReadTimeout = 2 * time.Second
	parsed.WriteTimeout = 2 * time.Second

	store := NewRedisStoreFromClient(redis.NewClient(parsed), opts.KeyPrefix)
	if opts.Timeout > 0 {
		store.timeout = opts.Timeout
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := store.client.Ping(pingCtx).Err(); err != nil {
		_ = store.client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return store, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		timeout:   2 * time.Second,
	}
}

func (r *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	value, err := r.client.Get(ctx, r.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, r.wrap("get", err)
	}
	return value, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return r.wrap("set", err)
	}
	return nil
}

func (r *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ttlMs := ttl.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = 1
	}
	value, err := incrementScript.Run(ctx, r.client, []string{r.key(key)}, ttlMs).Int64()
	if err != nil {
		return 0, r.wrap("increment", err)
	}
	return value, nil
}

func (r *RedisStore) Decrement(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	value, err := decrementScript.Run(ctx, r.client, []string{r.key(key)}).Int64()
	if err != nil {
		return 0, r.wrap("decrement", err)
	}
	return value, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.wrap("ping", err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	keys, err := r.scan(ctx, prefix)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(keys))
	for _, full := range keys {
		value, err := r.client.Get(ctx, full).Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, r.wrap("list", err)
		}
		entry := Entry{Key: strings.TrimPrefix(full, r.keyPrefix), Value: value}
		if ttl, err := r.client.PTTL(ctx, full).Result(); err == nil && ttl > 0 {
			entry.ExpiresAt = time.Now().UTC().Add(ttl)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (r *RedisStore) Reset(ctx context.Context, prefix string) (int64, error) {
	keys, err := r.scan(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	removed, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, r.wrap("reset", err)
	}
	return removed, nil
}

// Close releases the connection pool.
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisStore) scan(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	pattern := r.key(prefix) + "*"
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, r.wrap("scan", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (r *RedisStore) key(key string) string {
	return r.keyPrefix + key
}

func (r *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *RedisStore) wrap(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, ErrUnavailable, err)
}
