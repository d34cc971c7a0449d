package prober

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shuthost/coordinator/internal/agentrpc"
	"github.com/shuthost/coordinator/internal/config"
	"github.com/shuthost/coordinator/internal/events"
)

func testConfig(hosts ...string) *config.Snapshot {
	cfg := &config.Config{Hosts: make(map[string]config.HostConfig)}
	for _, h := range hosts {
		cfg.Hosts[h] = config.HostConfig{IP: "10.0.0.5", MAC: "aa:bb:cc:dd:ee:ff", Port: 9090, SharedSecret: "s"}
	}
	return config.NewSnapshot(cfg, nil)
}

func TestProberPublishesOnlineAfterSuccess(t *testing.T) {
	fake := agentrpc.NewFakeClient()
	fake.SetReply("10.0.0.5", "OK: status", nil)

	logger := slog.New(slog.DiscardHandler)
	bus := events.NewBus(16, logger)
	go bus.Start()
	defer bus.Stop()
	sub := bus.Subscribe(16)

	p := New(fake, bus, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Reconcile(ctx, testConfig("alpha"))

	select {
	case evt := <-sub:
		if evt.Type != events.EventHostStatus || !evt.Status.Status["alpha"] {
			t.Fatalf("event = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for HostStatus event")
	}
}

func TestProberFlapsAfterThreeFailures(t *testing.T) {
	fake := agentrpc.NewFakeClient()
	// no reply configured => FakeClient.Call returns ErrUnreachable

	logger := slog.New(slog.DiscardHandler)
	bus := events.NewBus(16, logger)
	go bus.Start()
	defer bus.Stop()
	sub := bus.Subscribe(16)

	p := New(fake, bus, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Reconcile(ctx, testConfig("alpha"))

	// First transition is Unknown -> Offline after 3 consecutive failures;
	// since host starts Unknown, going to Offline is a change. Probes run at
	// t=0, 5s and 10s (offlineInterval), so the event arrives at about 10s.
	select {
	case evt := <-sub:
		if evt.Status.Status["alpha"] {
			t.Fatalf("event = %+v, want offline", evt)
		}
	case <-time.After(12 * time.Second):
		t.Fatal("timed out waiting for HostStatus event")
	}
}

// TestProberReconcileRefreshesRunningTaskAddress verifies that a second
// Reconcile call against an already-running host updates the address its
// probe goroutine reads on its next tick, rather than pinning the address
// the goroutine started with for its whole lifetime.
func TestProberReconcileRefreshesRunningTaskAddress(t *testing.T) {
	fake := agentrpc.NewFakeClient()
	fake.SetReply("10.0.0.5", "OK: status", nil)

	logger := slog.New(slog.DiscardHandler)
	bus := events.NewBus(16, logger)
	go bus.Start()
	defer bus.Stop()

	p := New(fake, bus, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Reconcile(ctx, testConfig("alpha"))
	time.Sleep(50 * time.Millisecond)

	overridden := config.NewSnapshot(&config.Config{Hosts: map[string]config.HostConfig{
		"alpha": {IP: "10.0.0.5", MAC: "aa:bb:cc:dd:ee:ff", Port: 9090, SharedSecret: "s"},
	}}, map[string]config.EffectiveAddr{"alpha": {IP: "10.0.0.9", Port: 9191}})
	p.Reconcile(ctx, overridden)

	addr, ok := p.currentSnapshot().EffectiveAddr("alpha")
	if !ok || addr.IP != "10.0.0.9" || addr.Port != 9191 {
		t.Fatalf("snapshot seen by the running probe task = %+v, want the overridden address", addr)
	}
}

func TestProberCancelsRemovedHost(t *testing.T) {
	fake := agentrpc.NewFakeClient()
	fake.SetReply("10.0.0.5", "OK: status", nil)
	logger := slog.New(slog.DiscardHandler)
	bus := events.NewBus(16, logger)
	go bus.Start()
	defer bus.Stop()

	p := New(fake, bus, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Reconcile(ctx, testConfig("alpha"))
	time.Sleep(50 * time.Millisecond)
	p.Reconcile(ctx, testConfig())

	p.mu.RLock()
	_, running := p.cancels["alpha"]
	_, stillTracked := p.status["alpha"]
	p.mu.RUnlock()

	if running {
		t.Error("alpha's probe task still registered after removal")
	}
	if stillTracked {
		t.Error("alpha's status still tracked after removal")
	}
}
