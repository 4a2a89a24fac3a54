package syncbus

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	s := natsserver.RunRandClientPortServer()
	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		s.Shutdown()
	})
	return NewNATSBus(conn, "")
}

func TestNATSBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := newNATSBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, UnlockKey("doc:42"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, UnlockKey("doc:42")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestNATSBusResourcesWithSubjectCharacters(t *testing.T) {
	bus := newNATSBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	odd, err := bus.Subscribe(ctx, UnlockKey("orders.eu > batch 7"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	plain, err := bus.Subscribe(ctx, UnlockKey("orders"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, UnlockKey("orders.eu > batch 7")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-odd:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
	select {
	case <-plain:
		t.Fatal("event leaked to another resource")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSBusContextBasedUnsubscribe(t *testing.T) {
	bus := newNATSBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["key"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestNATSBusDeduplicatePendingKeys(t *testing.T) {
	bus := newNATSBus(t)
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.mu.Lock()
	bus.pending["key"] = struct{}{}
	bus.mu.Unlock()
	if err := bus.Publish(ctx, "key"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("unexpected publish when key pending")
	case <-time.After(100 * time.Millisecond):
	}
	if m := bus.Metrics(); m.Published != 0 || m.Delivered != 0 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestNATSBusPublishClosedConnection(t *testing.T) {
	bus := newNATSBus(t)
	bus.conn.Close()
	if err := bus.Publish(context.Background(), "key"); err == nil {
		t.Fatal("expected publish error on closed connection")
	}
}
