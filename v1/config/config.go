// Package config loads redlock settings from flags, environment variables
// and .env files and turns them into adapters and manager options.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/korotovsky/redlock/v1/adapter"
	rlerrors "github.com/korotovsky/redlock/v1/errors"
	"github.com/korotovsky/redlock/v1/lock"
	"github.com/korotovsky/redlock/v1/syncbus"
)

// EnvPrefix is prepended to every environment variable, e.g. REDLOCK_NODES.
const EnvPrefix = "redlock"

// Keys shared by flags, environment variables and viper lookups.
const (
	KeyNodes         = "nodes"
	KeyPrefix        = "prefix"
	KeyValidity      = "validity"
	KeyRetryCount    = "retry-count"
	KeyRetryMaxDelay = "retry-max-delay"
	KeyDriftFactor   = "drift-factor"
	KeyDriftFloor    = "drift-floor"
	KeyOpTimeout     = "op-timeout"
	KeyMetricsAddr   = "metrics-addr"
	KeyTrace         = "trace"
	KeyLogLevel      = "log-level"
	KeyBus           = "bus"
	KeyNATSURL       = "nats-url"
)

// Event bus backends.
const (
	BusRedis = "redis"
	BusNATS  = "nats"
	BusNone  = "none"
)

const defaultOpTimeout = 500 * time.Millisecond

// Config holds everything needed to talk to a set of lock nodes.
type Config struct {
	Nodes         []string
	Prefix        string
	Validity      time.Duration
	RetryCount    int
	RetryMaxDelay time.Duration
	DriftFactor   float64
	DriftFloor    time.Duration
	OpTimeout     time.Duration
	MetricsAddr   string
	Trace         bool
	LogLevel      string
	// Bus selects where lock events travel: BusRedis uses the first node.
	Bus     string
	NATSURL string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Nodes:         []string{"localhost:6379"},
		Prefix:        lock.DefaultPrefix,
		Validity:      lock.DefaultValidity,
		RetryCount:    lock.DefaultRetryCount,
		RetryMaxDelay: lock.DefaultRetryMaxDelay,
		DriftFactor:   lock.DefaultClockDriftFactor,
		DriftFloor:    lock.DefaultDriftFloor,
		OpTimeout:     defaultOpTimeout,
		LogLevel:      "info",
		Bus:           BusRedis,
		NATSURL:       nats.DefaultURL,
	}
}

// InitEnv loads .env files and points v at REDLOCK_* variables.
func InitEnv(v *viper.Viper) {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// SetDefaults registers the values of Default on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyNodes, strings.Join(d.Nodes, ","))
	v.SetDefault(KeyPrefix, d.Prefix)
	v.SetDefault(KeyValidity, d.Validity)
	v.SetDefault(KeyRetryCount, d.RetryCount)
	v.SetDefault(KeyRetryMaxDelay, d.RetryMaxDelay)
	v.SetDefault(KeyDriftFactor, d.DriftFactor)
	v.SetDefault(KeyDriftFloor, d.DriftFloor)
	v.SetDefault(KeyOpTimeout, d.OpTimeout)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyBus, d.Bus)
	v.SetDefault(KeyNATSURL, d.NATSURL)
}

// Load reads a Config from v and validates it.
func Load(v *viper.Viper) (Config, error) {
	c := Config{
		Nodes:         splitList(v.GetString(KeyNodes)),
		Prefix:        v.GetString(KeyPrefix),
		Validity:      v.GetDuration(KeyValidity),
		RetryCount:    v.GetInt(KeyRetryCount),
		RetryMaxDelay: v.GetDuration(KeyRetryMaxDelay),
		DriftFactor:   v.GetFloat64(KeyDriftFactor),
		DriftFloor:    v.GetDuration(KeyDriftFloor),
		OpTimeout:     v.GetDuration(KeyOpTimeout),
		MetricsAddr:   v.GetString(KeyMetricsAddr),
		Trace:         v.GetBool(KeyTrace),
		LogLevel:      v.GetString(KeyLogLevel),
		Bus:           v.GetString(KeyBus),
		NATSURL:       v.GetString(KeyNATSURL),
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes configured", rlerrors.ErrInvalidOption)
	}
	if _, err := lock.NewCodec(c.Prefix); err != nil {
		return err
	}
	if c.OpTimeout <= 0 {
		return fmt.Errorf("%w: op timeout must be positive, got %s", rlerrors.ErrInvalidOption, c.OpTimeout)
	}
	if c.OpTimeout >= c.Validity && c.Validity > 0 {
		return fmt.Errorf("%w: op timeout %s must be shorter than the validity %s", rlerrors.ErrInvalidOption, c.OpTimeout, c.Validity)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Bus {
	case BusRedis, BusNone:
	case BusNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("%w: bus %q needs a NATS url", rlerrors.ErrInvalidOption, c.Bus)
		}
	default:
		return fmt.Errorf("%w: unknown bus %q", rlerrors.ErrInvalidOption, c.Bus)
	}
	// the remaining fields are checked by lock.NewManager
	_, err := lock.NewManager(c.ManagerOptions()...)
	return err
}

// Adapters opens one Redis client per node. The caller owns the clients and
// closes them through Redis.Client().Close().
func (c Config) Adapters(logger *slog.Logger) []*adapter.Redis {
	if logger == nil {
		logger = slog.Default()
	}
	nodes := make([]*adapter.Redis, 0, len(c.Nodes))
	for _, addr := range c.Nodes {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			DialTimeout:  c.OpTimeout,
			ReadTimeout:  c.OpTimeout,
			WriteTimeout: c.OpTimeout,
			MaxRetries:   -1,
		})
		nodes = append(nodes, adapter.NewRedis(client,
			adapter.WithTimeout(c.OpTimeout),
			adapter.WithLogger(logger.With("node", addr)),
		))
	}
	return nodes
}

// OpenBus returns the configured event bus and a func releasing it. The Redis
// bus rides on the first node; nodes may be nil for the other backends.
func (c Config) OpenBus(nodes []*adapter.Redis) (syncbus.Bus, func(), error) {
	switch c.Bus {
	case BusNATS:
		conn, err := nats.Connect(c.NATSURL, nats.Timeout(c.OpTimeout))
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats %s: %w", c.NATSURL, err)
		}
		return syncbus.NewNATSBus(conn, ""), conn.Close, nil
	case BusRedis:
		if len(nodes) > 0 {
			codec, err := lock.NewCodec(c.Prefix)
			if err != nil {
				return nil, nil, err
			}
			bus := syncbus.NewRedisBus(syncbus.RedisBusOptions{
				Client:        nodes[0].Client(),
				ChannelPrefix: codec.Prefix() + ":events:",
				Timeout:       c.OpTimeout,
			})
			return bus, func() {}, nil
		}
	}
	return nil, func() {}, nil
}

// ManagerOptions maps the config onto lock options. Nodes are not included;
// pass them with lock.WithAdapters.
func (c Config) ManagerOptions() []lock.Option {
	opts := []lock.Option{
		lock.WithDefaultValidity(c.Validity),
		lock.WithRetryCount(c.RetryCount),
		lock.WithRetryMaxDelay(c.RetryMaxDelay),
		lock.WithClockDriftFactor(c.DriftFactor),
		lock.WithDriftFloor(c.DriftFloor),
	}
	if codec, err := lock.NewCodec(c.Prefix); err == nil {
		opts = append(opts, lock.WithCodec(codec))
	}
	if c.Trace {
		opts = append(opts, lock.WithTracing())
	}
	return opts
}

// ParseLevel maps a level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", rlerrors.ErrInvalidOption, s)
	}
	return l, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
