package lease

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shuthost/coordinator/internal/config"
	"github.com/shuthost/coordinator/internal/events"
	"github.com/shuthost/coordinator/internal/store"
)

type fixedSnapshot struct{ snap *config.Snapshot }

func (f fixedSnapshot) Current() *config.Snapshot { return f.snap }

func testSnapshot(hosts ...string) fixedSnapshot {
	cfg := &config.Config{Hosts: make(map[string]config.HostConfig)}
	for _, h := range hosts {
		cfg.Hosts[h] = config.HostConfig{IP: "10.0.0.5", MAC: "aa:bb:cc:dd:ee:ff", Port: 9090, SharedSecret: "s"}
	}
	return fixedSnapshot{snap: config.NewSnapshot(cfg, nil)}
}

func newTestManager(t *testing.T, hosts ...string) (*Manager, *events.Bus, chan events.Event) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.DefaultConfig())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.DiscardHandler)
	bus := events.NewBus(16, logger)
	go bus.Start()
	t.Cleanup(bus.Stop)

	sub := bus.Subscribe(16)
	m := New(st, bus, testSnapshot(hosts...), logger)
	return m, bus, sub
}

func TestTakeUnknownHostRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Take(context.Background(), "ghost", store.WebInterface)
	if !errors.Is(err, ErrUnknownHost) {
		t.Fatalf("err = %v, want ErrUnknownHost", err)
	}
}

func TestTakeEmitsLeaseUpdate(t *testing.T) {
	m, _, sub := newTestManager(t, "alpha")
	leases, err := m.Take(context.Background(), "alpha", store.WebInterface)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if len(leases) != 1 || leases[0] != store.WebInterface {
		t.Fatalf("leases = %v", leases)
	}

	evt := <-sub
	if evt.Type != events.EventLeaseUpdate || evt.Lease.Host != "alpha" {
		t.Fatalf("event = %+v", evt)
	}
}

func TestTakeIdempotentSuppressesSecondEvent(t *testing.T) {
	m, _, sub := newTestManager(t, "alpha")
	ctx := context.Background()

	if _, err := m.Take(ctx, "alpha", store.WebInterface); err != nil {
		t.Fatalf("Take: %v", err)
	}
	<-sub // first event

	if _, err := m.Take(ctx, "alpha", store.WebInterface); err != nil {
		t.Fatalf("Take (2nd): %v", err)
	}

	select {
	case evt := <-sub:
		t.Fatalf("unexpected second event: %+v", evt)
	default:
	}
}

func TestReleaseNotHeldIsNoop(t *testing.T) {
	m, _, _ := newTestManager(t, "alpha")
	leases, err := m.Release(context.Background(), "alpha", store.WebInterface)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(leases) != 0 {
		t.Errorf("leases = %v, want empty", leases)
	}
}

func TestResetEmitsPerAffectedHost(t *testing.T) {
	m, _, sub := newTestManager(t, "alpha", "beta")
	ctx := context.Background()

	if _, err := m.Take(ctx, "alpha", "backup"); err != nil {
		t.Fatalf("Take: %v", err)
	}
	<-sub
	if _, err := m.Take(ctx, "beta", "backup"); err != nil {
		t.Fatalf("Take: %v", err)
	}
	<-sub

	if err := m.Reset(ctx, "backup"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		evt := <-sub
		seen[evt.Lease.Host] = true
	}
	if !seen["alpha"] || !seen["beta"] {
		t.Errorf("seen = %v, want alpha and beta", seen)
	}
}
