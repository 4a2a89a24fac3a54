package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/korotovsky/redlock/v1/adapter"
	"github.com/korotovsky/redlock/v1/config"
	"github.com/korotovsky/redlock/v1/lock"
	"github.com/korotovsky/redlock/v1/syncbus"
)

var (
	v      = viper.New()
	cfg    config.Config
	logger *slog.Logger
	tp     *sdktrace.TracerProvider

	rootCmd = &cobra.Command{
		Use:   "redlock",
		Short: "Distributed read/write locks over independent Redis nodes",
		Long: `redlock acquires and releases quorum locks on a set of independent
Redis nodes. Flags can also be set through REDLOCK_<FLAG> environment
variables (e.g. REDLOCK_NODES=a:6379,b:6379,c:6379) or a .env file.`,
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}
)

func init() {
	config.SetDefaults(v)
	cobra.OnInitialize(func() { config.InitEnv(v) })

	d := config.Default()
	f := rootCmd.PersistentFlags()
	f.String(config.KeyNodes, "localhost:6379", "Comma-separated list of Redis node addresses")
	f.String(config.KeyPrefix, d.Prefix, "Key namespace for lock keys")
	f.Duration(config.KeyValidity, d.Validity, "Default lock validity")
	f.Int(config.KeyRetryCount, d.RetryCount, "Extra acquisition rounds after the first")
	f.Duration(config.KeyRetryMaxDelay, d.RetryMaxDelay, "Upper bound of the pause between rounds")
	f.Float64(config.KeyDriftFactor, d.DriftFactor, "Share of the validity reserved for clock drift")
	f.Duration(config.KeyDriftFloor, d.DriftFloor, "Fixed part of the drift allowance")
	f.Duration(config.KeyOpTimeout, d.OpTimeout, "Timeout of a single node operation")
	f.String(config.KeyLogLevel, d.LogLevel, "Log level (debug, info, warn, error)")
	f.Bool(config.KeyTrace, false, "Print OpenTelemetry spans to stdout")
	f.String(config.KeyBus, d.Bus, "Lock event bus (redis, nats, none)")
	f.String(config.KeyNATSURL, d.NATSURL, "NATS server url for --bus=nats")

	rootCmd.AddCommand(acquireCmd, releaseCmd, hasCmd, listCmd, releaseAllCmd, clearCmd, nodesCmd, demoCmd)
}

// setup binds flags, loads the config and installs logging and tracing.
func setup(cmd *cobra.Command, _ []string) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	var err error
	if cfg, err = config.Load(v); err != nil {
		return err
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if cfg.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
	}
	return nil
}

func teardown(*cobra.Command, []string) error {
	if tp != nil {
		return tp.Shutdown(context.Background())
	}
	return nil
}

// connect builds a manager over the configured nodes. The returned func
// closes the bus and the node clients.
func connect(extra ...lock.Option) (*lock.Manager, func(), error) {
	nodes := cfg.Adapters(logger)
	closeNodes := func() {
		for _, n := range nodes {
			_ = n.Client().Close()
		}
	}
	bus, closeBus, err := cfg.OpenBus(nodes)
	if err != nil {
		closeNodes()
		return nil, nil, err
	}
	closeAll := func() {
		closeBus()
		closeNodes()
	}
	m, err := newManager(nodes, bus, extra...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return m, closeAll, nil
}

func newManager(nodes []*adapter.Redis, bus syncbus.Bus, extra ...lock.Option) (*lock.Manager, error) {
	opts := cfg.ManagerOptions()
	opts = append(opts, lock.WithLogger(logger))
	for _, n := range nodes {
		opts = append(opts, lock.WithAdapters(n))
	}
	if bus != nil {
		opts = append(opts, lock.WithBus(bus))
	}
	return lock.NewManager(append(opts, extra...)...)
}
