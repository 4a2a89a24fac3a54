package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/match"

	rlerrors "github.com/korotovsky/redlock/v1/errors"
)

// Adapter is one independent node taking part in the lock quorum.
//
// Implementations never return transport failures to the caller: an
// unreachable node answers false, zero or empty and the quorum absorbs it.
// Only argument validation surfaces as an error.
type Adapter interface {
	// Name labels the node in logs and metrics.
	Name() string
	// IsConnected probes the node.
	IsConnected(ctx context.Context) bool
	// Get returns the value stored under key.
	Get(ctx context.Context, key string) (string, bool)
	// Set stores value under key. A positive ttl makes the key expire, zero
	// stores it without expiry and a negative ttl is refused.
	Set(ctx context.Context, key, value string, ttl time.Duration) bool
	// SetTTL changes the expiry of an existing key.
	SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// GetTTL returns the remaining time to live. A key without expiry reports
	// zero; a missing key reports false.
	GetTTL(ctx context.Context, key string) (time.Duration, bool)
	// Del removes key and reports whether it existed.
	Del(ctx context.Context, key string) bool
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) bool
	// Keys enumerates the keys matching a glob pattern. The result is a
	// snapshot, not a live view.
	Keys(ctx context.Context, pattern string) []string
}

func validateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("%w: %s", rlerrors.ErrInvalidTTL, ttl)
	}
	return nil
}

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// InMemory is an Adapter backed by a map. It uses the same glob rules as
// Redis and can be switched off with SetDown to simulate a failed node.
type InMemory struct {
	name string

	mu    sync.Mutex
	down  bool
	items map[string]entry
	now   func() time.Time
}

// NewInMemory returns an empty in-memory node.
func NewInMemory(name string) *InMemory {
	return &InMemory{name: name, items: make(map[string]entry), now: time.Now}
}

// SetDown simulates an outage. A down node fails every operation but keeps
// its data, like a partitioned Redis instance.
func (s *InMemory) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Len returns the number of live keys, ignoring the down flag.
func (s *InMemory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	return len(s.items)
}

// Name implements Adapter.Name.
func (s *InMemory) Name() string { return s.name }

// IsConnected implements Adapter.IsConnected.
func (s *InMemory) IsConnected(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.down && ctx.Err() == nil
}

// Get implements Adapter.Get.
func (s *InMemory) Get(ctx context.Context, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(ctx, key)
	return e.value, ok
}

// Set implements Adapter.Set.
func (s *InMemory) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	if validateTTL(ttl) != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down || ctx.Err() != nil {
		return false
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = e
	return true
}

// SetTTL implements Adapter.SetTTL.
func (s *InMemory) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(ctx, key)
	if !ok {
		return false, nil
	}
	if ttl == 0 {
		e.expiresAt = time.Time{}
	} else {
		e.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = e
	return true, nil
}

// GetTTL implements Adapter.GetTTL.
func (s *InMemory) GetTTL(ctx context.Context, key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(ctx, key)
	if !ok {
		return 0, false
	}
	if e.expiresAt.IsZero() {
		return 0, true
	}
	return e.expiresAt.Sub(s.now()), true
}

// Del implements Adapter.Del.
func (s *InMemory) Del(ctx context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookupLocked(ctx, key); !ok {
		return false
	}
	delete(s.items, key)
	return true
}

// Exists implements Adapter.Exists.
func (s *InMemory) Exists(ctx context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookupLocked(ctx, key)
	return ok
}

// Keys implements Adapter.Keys.
func (s *InMemory) Keys(ctx context.Context, pattern string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down || ctx.Err() != nil {
		return nil
	}
	s.sweepLocked()
	var keys []string
	for k := range s.items {
		if match.Match(k, pattern) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *InMemory) lookupLocked(ctx context.Context, key string) (entry, bool) {
	if s.down || ctx.Err() != nil {
		return entry{}, false
	}
	e, ok := s.items[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		delete(s.items, key)
		return entry{}, false
	}
	return e, true
}

func (s *InMemory) sweepLocked() {
	now := s.now()
	for k, e := range s.items {
		if e.expired(now) {
			delete(s.items, k)
		}
	}
}

var (
	_ Adapter = (*InMemory)(nil)
	_ Adapter = (*Redis)(nil)
)
