package lock

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/korotovsky/redlock/v1/adapter"
	rlerrors "github.com/korotovsky/redlock/v1/errors"
	"github.com/korotovsky/redlock/v1/metrics"
	"github.com/korotovsky/redlock/v1/syncbus"
)

var tracer = otel.Tracer("github.com/korotovsky/redlock/v1/lock")

// Manager runs the quorum lock protocol over a set of nodes.
//
// Nodes are registered up front and never removed. Every operation works on
// a snapshot of the node list and computes its quorum from that snapshot, so
// a late AddAdapter cannot change the majority in the middle of a round.
type Manager struct {
	mu       sync.RWMutex
	adapters []adapter.Adapter
	quorum   Quorum

	codec         Codec
	registry      *Registry
	validity      time.Duration
	retryCount    int
	retryMaxDelay time.Duration
	driftFactor   float64
	driftFloor    time.Duration
	pollInterval  time.Duration

	bus          syncbus.Bus
	logger       *slog.Logger
	traceEnabled bool

	// replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager returns a Manager configured by opts.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		codec:         Codec{prefix: DefaultPrefix},
		registry:      DefaultRegistry(),
		validity:      DefaultValidity,
		retryCount:    DefaultRetryCount,
		retryMaxDelay: DefaultRetryMaxDelay,
		driftFactor:   DefaultClockDriftFactor,
		driftFloor:    DefaultDriftFloor,
		pollInterval:  DefaultPollInterval,
		sleep:         sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.quorum.SetTotal(len(m.adapters))
	metrics.NodeGauge.Set(float64(len(m.adapters)))
	return m, nil
}

// AddAdapter registers a node. Call it during setup only.
func (m *Manager) AddAdapter(a adapter.Adapter) {
	m.mu.Lock()
	m.adapters = append(m.adapters, a)
	m.quorum.SetTotal(len(m.adapters))
	n := len(m.adapters)
	m.mu.Unlock()
	metrics.NodeGauge.Set(float64(n))
}

// Adapters returns the registered nodes in registration order.
func (m *Manager) Adapters() []adapter.Adapter {
	nodes, _ := m.snapshot()
	return append([]adapter.Adapter(nil), nodes...)
}

// Quorum returns the current quorum.
func (m *Manager) Quorum() Quorum {
	_, q := m.snapshot()
	return q
}

// Codec returns the key codec.
func (m *Manager) Codec() Codec { return m.codec }

// Registry returns the lock type compatibility matrix.
func (m *Manager) Registry() *Registry { return m.registry }

// DefaultValidity returns the validity applied to locks without one.
func (m *Manager) DefaultValidity() time.Duration { return m.validity }

func (m *Manager) snapshot() ([]adapter.Adapter, Quorum) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adapters[:len(m.adapters):len(m.adapters)], m.quorum
}

// NodeStatus probes every node and reports which ones answer.
func (m *Manager) NodeStatus(ctx context.Context) map[string]bool {
	nodes, _ := m.snapshot()
	up := make([]bool, len(nodes))
	var g errgroup.Group
	for i, a := range nodes {
		g.Go(func() error {
			up[i] = a.IsConnected(ctx)
			return nil
		})
	}
	_ = g.Wait()
	status := make(map[string]bool, len(nodes))
	for i, a := range nodes {
		status[a.Name()] = up[i]
	}
	return status
}

// CountKeyHits returns how many connected nodes store key.
func (m *Manager) CountKeyHits(ctx context.Context, key string) int {
	nodes, _ := m.snapshot()
	var hits atomic.Int64
	var g errgroup.Group
	for _, a := range nodes {
		g.Go(func() error {
			if a.IsConnected(ctx) && a.Exists(ctx, key) {
				hits.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(hits.Load())
}

// GetKeysHits scans every connected node for pattern and counts, per key, on
// how many nodes it was found.
func (m *Manager) GetKeysHits(ctx context.Context, pattern string) map[string]int {
	nodes, _ := m.snapshot()
	return m.keysHits(ctx, nodes, pattern)
}

func (m *Manager) keysHits(ctx context.Context, nodes []adapter.Adapter, pattern string) map[string]int {
	found := make([][]string, len(nodes))
	var g errgroup.Group
	for i, a := range nodes {
		g.Go(func() error {
			if a.IsConnected(ctx) {
				found[i] = a.Keys(ctx, pattern)
			}
			return nil
		})
	}
	_ = g.Wait()
	hits := make(map[string]int)
	for _, keys := range found {
		for _, k := range keys {
			hits[k]++
		}
	}
	return hits
}

// GetCurrentLocks returns the locks matching pattern that a quorum of nodes
// currently holds, ordered by key.
func (m *Manager) GetCurrentLocks(ctx context.Context, pattern string) []Lock {
	nodes, q := m.snapshot()
	hits := m.keysHits(ctx, nodes, pattern)
	keys := make([]string, 0, len(hits))
	for k, n := range hits {
		if q.IsApproved(n) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	locks := make([]Lock, 0, len(keys))
	for _, k := range keys {
		l, err := m.codec.Decode(k, Lock{})
		if err != nil {
			m.logger.Warn("redlock: skipping undecodable key", "key", k, "error", err)
			continue
		}
		locks = append(locks, l)
	}
	return locks
}

// HasLock reports whether exactly one quorum-approved lock matches l.
func (m *Manager) HasLock(ctx context.Context, l Lock) (bool, error) {
	key, err := m.codec.Generate(l)
	if err != nil {
		return false, err
	}
	return len(m.GetCurrentLocks(ctx, key)) == 1, nil
}

// CanAcquireLock reports whether l may be acquired given the locks currently
// held on its resource. A lock already held under the same token is always
// acquirable, which makes AcquireLock usable to extend a held lock.
func (m *Manager) CanAcquireLock(ctx context.Context, l Lock) (bool, error) {
	if err := m.registry.Validate(l.Type); err != nil {
		return false, err
	}
	held, err := m.HasLock(ctx, l)
	if err != nil {
		return false, err
	}
	if held {
		return true, nil
	}
	return m.compatible(ctx, l), nil
}

// compatible checks l against every quorum-approved lock on its resource,
// ignoring l itself.
func (m *Manager) compatible(ctx context.Context, l Lock) bool {
	current := m.GetCurrentLocks(ctx, m.codec.Pattern(l.Resource, Wildcard, Wildcard))
	for _, c := range current {
		if c.Type == l.Type && c.Token == l.Token {
			continue
		}
		if !m.registry.Allows(c.Type, l.Type) {
			m.logger.Debug("redlock: incompatible lock held", "resource", l.Resource,
				"held", c.Type, "requested", l.Type)
			return false
		}
	}
	return true
}

// AcquireLock tries to take l on a quorum of nodes. It returns false without
// error when the resource is incompatibly locked, when no quorum could be
// reached within the retry budget, or when no node is registered. Errors are
// reserved for invalid locks and context cancellation.
func (m *Manager) AcquireLock(ctx context.Context, l Lock) (acquired bool, err error) {
	start := time.Now()
	var span trace.Span
	if m.traceEnabled {
		ctx, span = tracer.Start(ctx, "Manager.AcquireLock", trace.WithAttributes(
			attribute.String("redlock.resource", l.Resource),
			attribute.String("redlock.type", string(l.Type)),
		))
		defer span.End()
	}
	result := "failed"
	defer func() {
		if err != nil {
			result = "error"
		}
		metrics.AcquireCounter.WithLabelValues(result).Inc()
		metrics.AcquireLatency.Observe(time.Since(start).Seconds())
		if span != nil {
			span.SetAttributes(attribute.String("redlock.result", result))
		}
	}()

	if err := m.registry.Validate(l.Type); err != nil {
		return false, err
	}
	key, err := m.codec.Generate(l)
	if err != nil {
		return false, err
	}
	nodes, q := m.snapshot()
	if len(nodes) == 0 {
		result = "rejected"
		return false, nil
	}
	ok, err := m.CanAcquireLock(ctx, l)
	if err != nil {
		return false, err
	}
	if !ok {
		result = "rejected"
		return false, nil
	}

	validity := l.Validity
	if validity == 0 {
		validity = m.validity
	}
	drift := m.drift()

	for round := 0; round <= m.retryCount && validity > 0; round++ {
		roundStart := time.Now()
		n := m.acquireLockNoRetry(ctx, nodes, key, l.Token, validity)
		metrics.RoundCounter.Inc()
		if span != nil {
			span.AddEvent("round", trace.WithAttributes(
				attribute.Int("redlock.round", round),
				attribute.Int("redlock.writes", n),
			))
		}
		// nodes answer nothing on a done ctx, which would make compatible
		// vacuously true
		if q.IsApproved(n) && validity > 0 && ctx.Err() == nil && m.compatible(ctx, l) && ctx.Err() == nil {
			m.logger.Debug("redlock: lock acquired", "lock", l.String(), "round", round, "writes", n, "validity", validity)
			m.publish(ctx, syncbus.LockKey(l.Resource))
			result = "acquired"
			return true, nil
		}

		m.releaseKey(context.WithoutCancel(ctx), nodes, key)
		if err := ctx.Err(); err != nil {
			return false, err
		}
		validity -= time.Since(roundStart) + drift
		m.logger.Debug("redlock: round failed", "lock", l.String(), "round", round, "writes", n,
			"quorum", q.Size(), "remaining", validity)

		if round == m.retryCount || validity <= 0 {
			break
		}
		if err := m.sleep(ctx, m.retryDelay()); err != nil {
			return false, err
		}
	}
	return false, nil
}

// acquireLockNoRetry writes key on every node in parallel and returns the
// number of acknowledged writes. It waits for every node: the count has to
// be exact, so there is no early exit once a majority answered.
func (m *Manager) acquireLockNoRetry(ctx context.Context, nodes []adapter.Adapter, key, token string, ttl time.Duration) int {
	var n atomic.Int64
	var g errgroup.Group
	for _, a := range nodes {
		g.Go(func() error {
			if a.Set(ctx, key, token, ttl) {
				n.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(n.Load())
}

// ReleaseLock deletes l from every connected node and reports whether a
// quorum of nodes actually held it. Deletion is attempted either way.
func (m *Manager) ReleaseLock(ctx context.Context, l Lock) (bool, error) {
	key, err := m.codec.Generate(l)
	if err != nil {
		return false, err
	}
	var span trace.Span
	if m.traceEnabled {
		ctx, span = tracer.Start(ctx, "Manager.ReleaseLock", trace.WithAttributes(
			attribute.String("redlock.resource", l.Resource),
			attribute.String("redlock.type", string(l.Type)),
		))
		defer span.End()
	}
	nodes, q := m.snapshot()
	deleted := m.releaseKey(ctx, nodes, key)
	approved := q.IsApproved(deleted)
	metrics.ReleaseCounter.WithLabelValues(strconv.FormatBool(approved)).Inc()
	if span != nil {
		span.SetAttributes(attribute.Int("redlock.deleted", deleted), attribute.Bool("redlock.quorum", approved))
	}
	if deleted > 0 {
		m.publish(ctx, syncbus.UnlockKey(l.Resource))
	}
	return approved, nil
}

func (m *Manager) releaseKey(ctx context.Context, nodes []adapter.Adapter, key string) int {
	var n atomic.Int64
	var g errgroup.Group
	for _, a := range nodes {
		g.Go(func() error {
			if a.IsConnected(ctx) && a.Del(ctx, key) {
				n.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(n.Load())
}

// ReleaseAllLocks releases every quorum-approved lock and returns how many
// were released with quorum.
func (m *Manager) ReleaseAllLocks(ctx context.Context) int {
	released := 0
	for _, l := range m.GetCurrentLocks(ctx, m.codec.AllPattern()) {
		ok, err := m.ReleaseLock(ctx, l)
		if err != nil {
			m.logger.Warn("redlock: release failed", "lock", l.String(), "error", err)
			continue
		}
		if ok {
			released++
		}
	}
	return released
}

// ClearAllLocks deletes every lock key on every node, quorum or not. It
// bypasses the protocol and exists for maintenance and tests.
func (m *Manager) ClearAllLocks(ctx context.Context) int {
	nodes, _ := m.snapshot()
	var n atomic.Int64
	var g errgroup.Group
	for _, a := range nodes {
		g.Go(func() error {
			for _, k := range a.Keys(ctx, m.codec.AllPattern()) {
				if a.Del(ctx, k) {
					n.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(n.Load())
}

// AcquireWait blocks until l is acquired or ctx is done. Between attempts it
// waits for an unlock event on the bus, or for the poll interval when no bus
// is configured or the holder's lock simply expires.
func (m *Manager) AcquireWait(ctx context.Context, l Lock) error {
	var events chan struct{}
	if m.bus != nil {
		sctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := m.bus.Subscribe(sctx, syncbus.UnlockKey(l.Resource))
		if err != nil {
			m.logger.Warn("redlock: bus subscribe failed, polling", "resource", l.Resource, "error", err)
		} else {
			events = ch
		}
	}
	for {
		ok, err := m.AcquireLock(ctx, l)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", rlerrors.ErrNotAcquired, err)
			}
			return err
		}
		if ok {
			return nil
		}
		t := time.NewTimer(m.pollInterval)
		select {
		case <-events:
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", rlerrors.ErrNotAcquired, ctx.Err())
		}
		t.Stop()
	}
}

// drift is the validity lost per failed round on top of the round time.
func (m *Manager) drift() time.Duration {
	return time.Duration(float64(m.validity)*m.driftFactor) + m.driftFloor
}

// retryDelay draws a pause uniformly from [retryMaxDelay/2, retryMaxDelay].
func (m *Manager) retryDelay() time.Duration {
	if m.retryMaxDelay <= 0 {
		return 0
	}
	half := m.retryMaxDelay / 2
	return half + time.Duration(rand.Int64N(int64(m.retryMaxDelay-half)+1))
}

func (m *Manager) publish(ctx context.Context, key string) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, key); err != nil {
		m.logger.Warn("redlock: publish failed", "key", key, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
