package lock

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/korotovsky/redlock/v1/adapter"
	rlerrors "github.com/korotovsky/redlock/v1/errors"
	"github.com/korotovsky/redlock/v1/syncbus"
)

const (
	// DefaultValidity is the lock validity used when a Lock does not set one.
	DefaultValidity = 10 * time.Second
	// DefaultRetryCount is the number of extra rounds after the first.
	DefaultRetryCount = 3
	// DefaultRetryMaxDelay bounds the jittered pause between rounds. The pause
	// is drawn uniformly from [DefaultRetryMaxDelay/2, DefaultRetryMaxDelay].
	DefaultRetryMaxDelay = 200 * time.Millisecond
	// DefaultClockDriftFactor is the share of the validity time reserved for
	// clock skew between client and nodes.
	DefaultClockDriftFactor = 0.01
	// DefaultDriftFloor covers expiry precision on the nodes and scheduling
	// jitter on the client.
	DefaultDriftFloor = 2 * time.Millisecond
	// DefaultPollInterval is how often AcquireWait retries when no unlock
	// event arrives.
	DefaultPollInterval = 250 * time.Millisecond
)

// Option configures a Manager.
type Option func(*Manager)

// WithAdapters registers nodes at construction time, in order.
func WithAdapters(nodes ...adapter.Adapter) Option {
	return func(m *Manager) {
		m.adapters = append(m.adapters, nodes...)
	}
}

// WithDefaultValidity sets the validity of locks that do not carry one.
func WithDefaultValidity(d time.Duration) Option {
	return func(m *Manager) {
		m.validity = d
	}
}

// WithRetryCount sets how many extra rounds AcquireLock may run.
func WithRetryCount(n int) Option {
	return func(m *Manager) {
		m.retryCount = n
	}
}

// WithRetryMaxDelay sets the upper bound of the pause between rounds.
func WithRetryMaxDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.retryMaxDelay = d
	}
}

// WithClockDriftFactor sets the share of the default validity subtracted
// from the remaining validity after each failed round.
func WithClockDriftFactor(f float64) Option {
	return func(m *Manager) {
		m.driftFactor = f
	}
}

// WithDriftFloor sets the fixed part of the drift allowance.
func WithDriftFloor(d time.Duration) Option {
	return func(m *Manager) {
		m.driftFloor = d
	}
}

// WithPollInterval sets how often AcquireWait retries without bus events.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.pollInterval = d
	}
}

// WithRegistry replaces the read/write compatibility matrix.
func WithRegistry(r *Registry) Option {
	return func(m *Manager) {
		m.registry = r
	}
}

// WithCodec replaces the key codec, typically to change the key prefix.
func WithCodec(c Codec) Option {
	return func(m *Manager) {
		m.codec = c
	}
}

// WithBus announces lock and unlock events on bus.
func WithBus(bus syncbus.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithTracing enables OpenTelemetry spans for manager operations.
func WithTracing() Option {
	return func(m *Manager) {
		m.traceEnabled = true
	}
}

func (m *Manager) validate() error {
	switch {
	case m.validity <= 0:
		return fmt.Errorf("%w: default validity must be positive, got %s", rlerrors.ErrInvalidOption, m.validity)
	case m.retryCount < 0:
		return fmt.Errorf("%w: retry count must not be negative, got %d", rlerrors.ErrInvalidOption, m.retryCount)
	case m.retryMaxDelay < 0:
		return fmt.Errorf("%w: retry delay must not be negative, got %s", rlerrors.ErrInvalidOption, m.retryMaxDelay)
	case m.driftFactor < 0 || m.driftFactor >= 1:
		return fmt.Errorf("%w: drift factor must be in [0, 1), got %v", rlerrors.ErrInvalidOption, m.driftFactor)
	case m.driftFloor < 0:
		return fmt.Errorf("%w: drift floor must not be negative, got %s", rlerrors.ErrInvalidOption, m.driftFloor)
	case m.pollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive, got %s", rlerrors.ErrInvalidOption, m.pollInterval)
	case m.registry == nil:
		return fmt.Errorf("%w: nil registry", rlerrors.ErrInvalidOption)
	}
	for i, a := range m.adapters {
		if a == nil {
			return fmt.Errorf("%w: nil adapter at position %d", rlerrors.ErrInvalidOption, i)
		}
	}
	return nil
}
