package syncbus

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix namespaces bus subjects on the NATS server.
const DefaultSubjectPrefix = "redlock.events."

const natsBusTimeout = 5 * time.Second

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan struct{}
}

// NATSBus implements Bus using a NATS backend. Resource names may contain
// characters that NATS reserves for subject tokens and wildcards, so keys are
// base64url-encoded into a single subject token.
type NATSBus struct {
	conn   *nats.Conn
	prefix string

	mu        sync.Mutex
	subs      map[string]*natsSubscription
	pending   map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection. An empty
// prefix selects DefaultSubjectPrefix.
func NewNATSBus(conn *nats.Conn, prefix string) *NATSBus {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSBus{
		conn:    conn,
		prefix:  prefix,
		subs:    make(map[string]*natsSubscription),
		pending: make(map[string]struct{}),
	}
}

func (b *NATSBus) subject(key string) string {
	return b.prefix + base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Publish implements Bus.Publish. Concurrent publishes of one key collapse
// into a single message.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if _, ok := b.pending[key]; ok {
		b.mu.Unlock()
		return nil
	}
	b.pending[key] = struct{}{}
	b.mu.Unlock()

	err := b.conn.Publish(b.subject(key), []byte("1"))
	if err == nil {
		b.published.Add(1)
	}

	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		ns, err := b.conn.Subscribe(b.subject(key), func(_ *nats.Msg) {
			b.mu.Lock()
			defer b.mu.Unlock()
			s := b.subs[key]
			if s == nil {
				return
			}
			for _, c := range s.chans {
				select {
				case c <- struct{}{}:
					b.delivered.Add(1)
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[key] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	// make sure the server knows the interest before returning
	if err := b.conn.FlushTimeout(natsBusTimeout); err != nil {
		_ = b.Unsubscribe(context.Background(), key, ch)
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
