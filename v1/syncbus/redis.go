package syncbus

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	rlerrors "github.com/korotovsky/redlock/v1/errors"
)

const (
	redisBusTimeout = 5 * time.Second
	// DefaultChannelPrefix namespaces bus channels on the Redis server.
	DefaultChannelPrefix = "redlock:events:"
)

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus on Redis pub/sub. Any one node of the lock set can
// carry the bus; losing it only delays waiters until their poll interval.
type RedisBus struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// RedisBusOptions configures the RedisBus.
type RedisBusOptions struct {
	Client *redis.Client
	// ChannelPrefix defaults to DefaultChannelPrefix.
	ChannelPrefix string
	// Timeout bounds publishing and establishing a subscription.
	Timeout time.Duration
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	prefix := opts.ChannelPrefix
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = redisBusTimeout
	}
	return &RedisBus{
		client:  opts.Client,
		prefix:  prefix,
		timeout: timeout,
		subs:    make(map[string]*redisSubscription),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.prefix+key, "1").Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return rlerrors.ErrTimeout
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			return rlerrors.ErrConnectionClosed
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. One Redis subscription is shared by all
// local subscribers of a key.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[key]
	if sub != nil {
		sub.chans = append(sub.chans, ch)
		b.mu.Unlock()
		b.unsubscribeOnDone(ctx, key, ch)
		return ch, nil
	}
	b.mu.Unlock()

	// subscribe without the lock so a slow node cannot stall other keys
	ps := b.client.Subscribe(ctx, b.prefix+key)
	rctx, cancel := context.WithTimeout(ctx, b.timeout)
	_, err := ps.Receive(rctx)
	cancel()
	if err != nil {
		_ = ps.Close()
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, rlerrors.ErrTimeout
		}
		return nil, err
	}

	b.mu.Lock()
	if sub = b.subs[key]; sub != nil {
		// another subscriber won the race, keep its subscription
		sub.chans = append(sub.chans, ch)
		b.mu.Unlock()
		_ = ps.Close()
	} else {
		sub = &redisSubscription{pubsub: ps, chans: []chan struct{}{ch}}
		b.subs[key] = sub
		b.mu.Unlock()
		go b.dispatch(key, sub)
	}
	b.unsubscribeOnDone(ctx, key, ch)
	return ch, nil
}

func (b *RedisBus) unsubscribeOnDone(ctx context.Context, key string, ch chan struct{}) {
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.subs[key]
	if sub == nil {
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans = append(sub.chans[:i], sub.chans[i+1:]...)
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		return sub.pubsub.Close()
	}
	return nil
}

func (b *RedisBus) dispatch(key string, sub *redisSubscription) {
	for range sub.pubsub.Channel() {
		b.mu.Lock()
		for _, ch := range sub.chans {
			select {
			case ch <- struct{}{}:
				b.delivered.Add(1)
			default:
			}
		}
		b.mu.Unlock()
	}
	slog.Debug("redlock: bus subscription closed", "key", key)
}

// Metrics returns publish and delivery counters.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
