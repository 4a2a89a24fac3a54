package config

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/spf13/viper"

	rlerrors "github.com/korotovsky/redlock/v1/errors"
	"github.com/korotovsky/redlock/v1/lock"
	"github.com/korotovsky/redlock/v1/syncbus"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	c, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if len(c.Nodes) != 1 || c.Nodes[0] != want.Nodes[0] {
		t.Fatalf("unexpected nodes %v", c.Nodes)
	}
	if c.Validity != lock.DefaultValidity || c.RetryCount != lock.DefaultRetryCount {
		t.Fatalf("unexpected lock settings %+v", c)
	}
	if c.Prefix != lock.DefaultPrefix {
		t.Fatalf("expected default prefix, got %q", c.Prefix)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REDLOCK_NODES", "a:6379, b:6379 ,c:6379")
	t.Setenv("REDLOCK_VALIDITY", "3s")
	t.Setenv("REDLOCK_RETRY_COUNT", "7")
	t.Setenv("REDLOCK_DRIFT_FACTOR", "0.05")
	t.Setenv("REDLOCK_PREFIX", "locks")
	t.Setenv("REDLOCK_LOG_LEVEL", "debug")

	v := viper.New()
	SetDefaults(v)
	InitEnv(v)
	c, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Nodes) != 3 || c.Nodes[1] != "b:6379" {
		t.Fatalf("unexpected nodes %v", c.Nodes)
	}
	if c.Validity != 3*time.Second || c.RetryCount != 7 || c.DriftFactor != 0.05 {
		t.Fatalf("env not applied: %+v", c)
	}
	if c.Prefix != "locks" || c.LogLevel != "debug" {
		t.Fatalf("env not applied: %+v", c)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"no nodes":       func(c *Config) { c.Nodes = nil },
		"bad prefix":     func(c *Config) { c.Prefix = "a|b" },
		"zero timeout":   func(c *Config) { c.OpTimeout = 0 },
		"slow timeout":   func(c *Config) { c.OpTimeout = c.Validity },
		"bad level":      func(c *Config) { c.LogLevel = "loud" },
		"zero validity":  func(c *Config) { c.Validity = 0 },
		"negative retry": func(c *Config) { c.RetryCount = -1 },
		"drift of one":   func(c *Config) { c.DriftFactor = 1 },
		"unknown bus":    func(c *Config) { c.Bus = "kafka" },
		"nats no url":    func(c *Config) { c.Bus, c.NATSURL = BusNATS, "" },
	}
	for name, mutate := range cases {
		c := Default()
		mutate(&c)
		if err := c.Validate(); !errors.Is(err, rlerrors.ErrInvalidOption) {
			t.Fatalf("%s: expected ErrInvalidOption, got %v", name, err)
		}
	}
}

func TestManagerFromConfig(t *testing.T) {
	servers := make([]string, 3)
	for i := range servers {
		mr := miniredis.RunT(t)
		servers[i] = mr.Addr()
	}
	c := Default()
	c.Nodes = servers
	c.Prefix = "cfg"
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	nodes := c.Adapters(slog.Default())
	t.Cleanup(func() {
		for _, n := range nodes {
			_ = n.Client().Close()
		}
	})
	m, err := lock.NewManager(append(c.ManagerOptions(), lock.WithAdapters(nodes[0], nodes[1], nodes[2]))...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.Codec().Prefix() != "cfg" {
		t.Fatalf("prefix not applied, got %q", m.Codec().Prefix())
	}
	if m.Quorum().Total() != 3 {
		t.Fatalf("expected 3 nodes, got %d", m.Quorum().Total())
	}
	if ok, err := m.AcquireLock(t.Context(), lock.New("doc:1", lock.TypeWrite)); err != nil || !ok {
		t.Fatalf("acquire through config: ok %v err %v", ok, err)
	}
}

func TestParseLevel(t *testing.T) {
	if l, err := ParseLevel("warn"); err != nil || l != slog.LevelWarn {
		t.Fatalf("ParseLevel warn: %v %v", l, err)
	}
	if _, err := ParseLevel("nope"); err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenBus(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	t.Cleanup(s.Shutdown)

	t.Setenv("REDLOCK_BUS", "nats")
	t.Setenv("REDLOCK_NATS_URL", s.ClientURL())
	v := viper.New()
	SetDefaults(v)
	InitEnv(v)
	c, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	bus, closeBus, err := c.OpenBus(nil)
	if err != nil {
		t.Fatalf("OpenBus nats: %v", err)
	}
	defer closeBus()
	if _, ok := bus.(*syncbus.NATSBus); !ok {
		t.Fatalf("expected NATSBus, got %T", bus)
	}
	ctx := t.Context()
	ch, err := bus.Subscribe(ctx, syncbus.UnlockKey("doc:1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, syncbus.UnlockKey("doc:1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("event not delivered over nats")
	}

	c.Bus = BusRedis
	c.Nodes = []string{miniredis.RunT(t).Addr()}
	nodes := c.Adapters(nil)
	t.Cleanup(func() { _ = nodes[0].Client().Close() })
	bus, _, err = c.OpenBus(nodes)
	if err != nil {
		t.Fatalf("OpenBus redis: %v", err)
	}
	if _, ok := bus.(*syncbus.RedisBus); !ok {
		t.Fatalf("expected RedisBus, got %T", bus)
	}

	c.Bus = BusNone
	if bus, _, _ = c.OpenBus(nodes); bus != nil {
		t.Fatalf("expected no bus, got %T", bus)
	}

	c.Bus = BusNATS
	c.NATSURL = "nats://127.0.0.1:1"
	if _, _, err := c.OpenBus(nil); err == nil {
		t.Fatal("expected error for unreachable nats")
	}
}
