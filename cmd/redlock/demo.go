package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/korotovsky/redlock/v1/adapter"
	"github.com/korotovsky/redlock/v1/config"
	"github.com/korotovsky/redlock/v1/lock"
	"github.com/korotovsky/redlock/v1/metrics"
	"github.com/korotovsky/redlock/v1/syncbus"
)

var (
	demoEmbedded    int
	demoWorkers     int
	demoResources   int
	demoDuration    time.Duration
	demoFailNode    bool

	demoCmd = &cobra.Command{
		Use:   "demo",
		Short: "Run contending workers against embedded Redis nodes",
		Long: `demo starts in-process Redis nodes and lets workers fight over a few
resources with a mix of read and write locks. It counts any overlap of
incompatible holders, which must stay at zero. With --fail-node one node is
stopped halfway through the run. With --bus=nats an embedded NATS server
carries the lock events.`,
		Args: cobra.NoArgs,
		RunE: runDemo,
	}
)

func init() {
	f := demoCmd.Flags()
	f.IntVar(&demoEmbedded, "embedded", 5, "Number of embedded Redis nodes")
	f.IntVar(&demoWorkers, "workers", 8, "Number of concurrent workers")
	f.IntVar(&demoResources, "resources", 2, "Number of contended resources")
	f.DurationVar(&demoDuration, "duration", 3*time.Second, "How long to run")
	f.BoolVar(&demoFailNode, "fail-node", false, "Stop one node halfway through")
	f.String(config.KeyMetricsAddr, "", "Serve /metrics and the /events stream on this address, e.g. :2112")
}

// holders tracks live holders of one resource.
type holders struct {
	readers atomic.Int32
	writers atomic.Int32
}

func (h *holders) enter(t lock.LockType) bool {
	if t == lock.TypeWrite {
		w := h.writers.Add(1)
		return w == 1 && h.readers.Load() == 0
	}
	h.readers.Add(1)
	return h.writers.Load() == 0
}

func (h *holders) leave(t lock.LockType) {
	if t == lock.TypeWrite {
		h.writers.Add(-1)
		return
	}
	h.readers.Add(-1)
}

func runDemo(cmd *cobra.Command, _ []string) error {
	if demoEmbedded < 1 || demoWorkers < 1 || demoResources < 1 {
		return errors.New("--embedded, --workers and --resources must be positive")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), demoDuration)
	defer cancel()

	servers := make([]*miniredis.Miniredis, demoEmbedded)
	nodes := make([]*adapter.Redis, demoEmbedded)
	for i := range servers {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start node %d: %w", i, err)
		}
		defer mr.Close()
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		defer client.Close()
		servers[i] = mr
		nodes[i] = adapter.NewRedis(client,
			adapter.WithName(fmt.Sprintf("node-%d", i)),
			adapter.WithTimeout(cfg.OpTimeout),
			adapter.WithLogger(logger),
		)
	}

	busCfg := cfg
	if busCfg.Bus == config.BusNATS {
		ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: natsserver.RANDOM_PORT, NoSigs: true})
		if err != nil {
			return fmt.Errorf("start nats: %w", err)
		}
		go ns.Start()
		defer ns.Shutdown()
		if !ns.ReadyForConnections(5 * time.Second) {
			return errors.New("embedded nats server not ready")
		}
		busCfg.NATSURL = ns.ClientURL()
	}
	bus, closeBus, err := busCfg.OpenBus(nodes)
	if err != nil {
		return err
	}
	defer closeBus()

	m, err := newManager(nodes, bus, lock.WithPollInterval(20*time.Millisecond))
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterLockMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if bus != nil {
			mux.Handle("/events", syncbus.SSEHandler(bus))
			mux.Handle("/events/ws", syncbus.WebSocketHandler(bus))
		}
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	if demoFailNode {
		// the last node carries no bus traffic, so waiters keep their events
		time.AfterFunc(demoDuration/2, func() {
			logger.Info("stopping node", "node", nodes[demoEmbedded-1].Name())
			servers[demoEmbedded-1].Close()
		})
	}

	state := make([]*holders, demoResources)
	for i := range state {
		state[i] = &holders{}
	}
	var acquired, violations atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < demoWorkers; w++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				r := rand.IntN(demoResources)
				typ := lock.TypeRead
				if rand.IntN(3) == 0 {
					typ = lock.TypeWrite
				}
				l := lock.New(fmt.Sprintf("demo:%d", r), typ)
				if err := m.AcquireWait(gctx, l); err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}
				acquired.Add(1)
				if !state[r].enter(typ) {
					violations.Add(1)
					logger.Error("incompatible holders overlap", "lock", l.String())
				}
				time.Sleep(time.Duration(rand.IntN(5)+1) * time.Millisecond)
				state[r].leave(typ)
				if _, err := m.ReleaseLock(context.WithoutCancel(gctx), l); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	status := m.NodeStatus(context.Background())
	up := 0
	for _, ok := range status {
		if ok {
			up++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "nodes=%d up=%d workers=%d acquired=%d violations=%d\n",
		demoEmbedded, up, demoWorkers, acquired.Load(), violations.Load())
	if violations.Load() > 0 {
		return fmt.Errorf("%d overlapping holders observed", violations.Load())
	}
	return nil
}
