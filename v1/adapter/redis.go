package adapter

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	rlerrors "github.com/korotovsky/redlock/v1/errors"
	"github.com/korotovsky/redlock/v1/metrics"
)

const (
	defaultRedisOpTimeout = 500 * time.Millisecond
	scanCount             = 100
)

// Redis is an Adapter for a single Redis instance.
type Redis struct {
	client  *redis.Client
	name    string
	timeout time.Duration
	logger  *slog.Logger
}

// RedisOption configures a Redis adapter.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout time.Duration
	name    string
	logger  *slog.Logger
}

// WithTimeout bounds every Redis call. Keep it well below the lock validity:
// a slow node must not eat the time the lock is valid for.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// WithName overrides the node label, which defaults to the client address.
func WithName(name string) RedisOption {
	return func(o *redisOptions) {
		o.name = name
	}
}

// WithLogger sets the logger used to report node failures.
func WithLogger(l *slog.Logger) RedisOption {
	return func(o *redisOptions) {
		o.logger = l
	}
}

// NewRedis returns an adapter using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	o := redisOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = client.Options().Addr
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &Redis{client: client, name: o.name, timeout: o.timeout, logger: o.logger}
}

// Client exposes the underlying client.
func (r *Redis) Client() *redis.Client { return r.client }

// Name implements Adapter.Name.
func (r *Redis) Name() string { return r.name }

// IsConnected implements Adapter.IsConnected with a PING.
func (r *Redis) IsConnected(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Ping(cctx).Err(); err != nil {
		r.fail("ping", "", err)
		return false
	}
	return true
}

// Get implements Adapter.Get.
func (r *Redis) Get(ctx context.Context, key string) (string, bool) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	v, err := r.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		r.fail("get", key, err)
		return "", false
	}
	return v, true
}

// Set implements Adapter.Set. Value and expiry go out as a single SET PX, so
// a successful write always carries its TTL.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	if err := validateTTL(ttl); err != nil {
		r.logger.Warn("redlock: refusing set", "node", r.name, "key", key, "error", err)
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Set(cctx, key, value, ttl).Err(); err != nil {
		r.fail("set", key, err)
		return false
	}
	return true
}

// SetTTL implements Adapter.SetTTL. A zero ttl removes the expiry.
func (r *Redis) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var (
		ok  bool
		err error
	)
	if ttl == 0 {
		ok, err = r.client.Persist(cctx, key).Result()
		if err == nil && !ok {
			// PERSIST answers 0 for keys that had no expiry.
			ok = r.Exists(ctx, key)
		}
	} else {
		ok, err = r.client.PExpire(cctx, key, ttl).Result()
	}
	if err != nil {
		r.fail("setttl", key, err)
		return false, nil
	}
	return ok, nil
}

// GetTTL implements Adapter.GetTTL.
func (r *Redis) GetTTL(ctx context.Context, key string) (time.Duration, bool) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	d, err := r.client.PTTL(cctx, key).Result()
	if err != nil {
		r.fail("getttl", key, err)
		return 0, false
	}
	switch {
	case d == -2:
		return 0, false
	case d < 0:
		return 0, true
	}
	return d, true
}

// Del implements Adapter.Del.
func (r *Redis) Del(ctx context.Context, key string) bool {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Del(cctx, key).Result()
	if err != nil {
		r.fail("del", key, err)
		return false
	}
	return n > 0
}

// Exists implements Adapter.Exists.
func (r *Redis) Exists(ctx context.Context, key string) bool {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(cctx, key).Result()
	if err != nil {
		r.fail("exists", key, err)
		return false
	}
	return n > 0
}

// Keys implements Adapter.Keys using SCAN, so a large keyspace never blocks
// the node the way KEYS would. Each batch gets its own timeout.
func (r *Redis) Keys(ctx context.Context, pattern string) []string {
	var (
		cursor uint64
		keys   []string
		seen   = make(map[string]struct{})
	)
	for {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		batch, next, err := r.client.Scan(cctx, cursor, pattern, scanCount).Result()
		cancel()
		if err != nil {
			r.fail("scan", pattern, err)
			return nil
		}
		// SCAN may return a key more than once.
		for _, k := range batch {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		if next == 0 {
			return keys
		}
		cursor = next
	}
}

func (r *Redis) fail(op, key string, err error) {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		err = rlerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		err = rlerrors.ErrConnectionClosed
	}
	metrics.NodeErrorCounter.WithLabelValues(r.name, op).Inc()
	r.logger.Warn("redlock: node operation failed", "node", r.name, "op", op, "key", key, "error", err)
}
