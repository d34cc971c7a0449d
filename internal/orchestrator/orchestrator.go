// Package orchestrator owns coordinator process lifetime: it loads
// configuration, opens the durable store, wires every component together,
// and drives startup and shutdown in the prescribed order.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shuthost/coordinator/internal/agentrpc"
	"github.com/shuthost/coordinator/internal/announce"
	"github.com/shuthost/coordinator/internal/broadcast"
	"github.com/shuthost/coordinator/internal/config"
	"github.com/shuthost/coordinator/internal/events"
	"github.com/shuthost/coordinator/internal/lease"
	"github.com/shuthost/coordinator/internal/metrics"
	"github.com/shuthost/coordinator/internal/prober"
	"github.com/shuthost/coordinator/internal/reconciler"
	"github.com/shuthost/coordinator/internal/store"
	"github.com/shuthost/coordinator/internal/verifier"
	"github.com/shuthost/coordinator/internal/version"
	"github.com/shuthost/coordinator/internal/wol"
)

// ShutdownGrace bounds how long shutdown waits for the broadcast API's
// in-flight HTTP requests to finish after ctx is cancelled. Run's wait for
// the other background tasks (prober, reconciler bridge, announce listener)
// is not bounded by it.
const ShutdownGrace = 10 * time.Second

// Orchestrator wires every coordinator component and owns their combined
// lifetime.
type Orchestrator struct {
	logger *slog.Logger

	store    *store.Store
	watcher  *config.Watcher
	bus      *events.Bus
	lease    *lease.Manager
	prober   *prober.Prober
	reconc   *reconciler.Reconciler
	verifier *verifier.Verifier
	announce *announce.Listener
	http     *broadcast.Server

	httpSrv *http.Server
	runCtx  context.Context
}

// New loads config, opens the store, and constructs every component without
// starting any background task.
func New(configPath string, logger *slog.Logger) (*Orchestrator, error) {
	o := &Orchestrator{logger: logger}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load config: %w", err)
	}

	st, err := store.Open(cfg.DB.Path, store.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open store: %w", err)
	}
	o.store = st

	resolver := func() map[string]config.EffectiveAddr {
		overrides, err := st.Overrides(context.Background())
		if err != nil {
			o.logger.Warn("failed to read overrides for snapshot", "error", err)
			return nil
		}
		eff := make(map[string]config.EffectiveAddr, len(overrides))
		for host, ov := range overrides {
			eff[host] = config.EffectiveAddr{IP: ov.IP, Port: ov.Port}
		}
		return eff
	}

	watcher, err := config.NewWatcher(configPath, resolver, o.logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: config watcher: %w", err)
	}
	o.watcher = watcher

	o.bus = events.NewBus(4096, o.logger)

	o.lease = lease.New(st, o.bus, watcher, o.logger)

	client := agentrpc.NewTCPClient(o.logger)
	o.prober = prober.New(client, o.bus, o.logger)

	emitter := wol.NewEmitter(o.logger)
	o.reconc = reconciler.New(emitter, client, watcher, o.logger)

	o.verifier = verifier.New(watcher)
	o.announce = announce.New(st, watcher, watcher, o.logger)

	o.http = broadcast.New(o.lease, o.verifier, o.prober, watcher, o.bus, emitter, o.logger)

	watcher.OnChange(func(prev, next *config.Snapshot) {
		o.onConfigChange(prev, next)
	})

	metrics.ServerInfo.WithLabelValues(version.Version).Set(1)
	metrics.ServerStartTime.Set(float64(time.Now().Unix()))

	return o, nil
}

// onConfigChange purges removed hosts and forgets their reconciler state,
// then re-reconciles the prober's running tasks against next so a host added
// by this change gets a probe task started, a host removed stops being
// probed, and every still-running task picks up next's effective addresses
// (covers both file reloads and announce-driven overrides refreshed via
// Watcher.Refresh).
func (o *Orchestrator) onConfigChange(prev, next *config.Snapshot) {
	if prev == nil {
		return
	}
	removed := config.RemovedHosts(prev.Cfg, next.Cfg)
	for _, host := range removed {
		o.reconc.Forget(host)
		if err := o.store.PurgeHost(context.Background(), host); err != nil {
			o.logger.Error("failed to purge removed host", "host", host, "error", err)
		}
	}
	if o.runCtx != nil {
		o.prober.Reconcile(o.runCtx, next)
	}
	hosts := next.Cfg.HostNames()
	clients := make([]string, 0, len(next.Cfg.Clients))
	for c := range next.Cfg.Clients {
		clients = append(clients, c)
	}
	o.bus.Publish(events.NewConfigChanged(events.ConfigChangedPayload{Hosts: hosts, Clients: clients}))
}

// Run starts every background task in the prescribed order and blocks until
// ctx is cancelled, then shuts down in reverse order within ShutdownGrace.
func (o *Orchestrator) Run(ctx context.Context, bind string, port int) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	o.runCtx = gctx

	go o.watcher.Run(runCtx)

	snap := o.watcher.Current()
	announcePort := snap.Cfg.Server.AnnouncePort
	g.Go(func() error {
		if err := o.announce.Run(gctx, "0.0.0.0", announcePort); err != nil {
			o.logger.Error("announce listener stopped", "error", err)
			return err
		}
		return nil
	})

	o.bus.Publish(o.buildInitialEvent())

	g.Go(func() error {
		o.prober.Run(gctx, o.watcher)
		return nil
	})

	g.Go(func() error {
		o.runReconcilerBridge(gctx)
		return nil
	})

	g.Go(func() error {
		o.runEnforceStateTick(gctx)
		return nil
	})

	addr := net.JoinHostPort(bind, strconv.Itoa(port))
	o.httpSrv = &http.Server{Addr: addr, Handler: o.http.Router()}
	g.Go(func() error {
		o.logger.Info("broadcast API listening", "addr", addr)
		if err := o.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("broadcast API: %w", err)
		}
		return nil
	})

	<-runCtx.Done()
	o.shutdown()
	return g.Wait()
}

// buildInitialEvent constructs the first snapshot published to the bus so
// any subscriber connecting before the first real change still observes a
// consistent baseline.
func (o *Orchestrator) buildInitialEvent() events.Event {
	snap := o.watcher.Current()
	hosts := snap.Cfg.HostNames()
	clients := make([]string, 0, len(snap.Cfg.Clients))
	for c := range snap.Cfg.Clients {
		clients = append(clients, c)
	}
	leases, err := o.lease.Snapshot(context.Background())
	if err != nil {
		o.logger.Error("failed to read initial lease snapshot", "error", err)
		leases = make(store.LeaseSnapshot)
	}
	return events.NewInitial(events.InitialPayload{
		Hosts:   hosts,
		Clients: clients,
		Status:  o.prober.Status(),
		Leases:  leases,
		Version: version.Version,
	})
}

// runReconcilerBridge subscribes to the event bus and drives the reconciler
// off LeaseUpdate and HostStatus events.
func (o *Orchestrator) runReconcilerBridge(ctx context.Context) {
	sub := o.bus.Subscribe(1024)
	defer o.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			switch evt.Type {
			case events.EventLeaseUpdate:
				o.reconc.HandleLeaseUpdate(ctx, evt.Lease.Host, evt.Lease.Leases)
			case events.EventHostStatus:
				o.reconc.HandleHostStatus(ctx, evt.Status.Status)
			}
		}
	}
}

// runEnforceStateTick periodically re-evaluates every enforce_state host so
// drift introduced outside the coordinator (manual shutdown, manual wake)
// is corrected even absent a lease or status change.
func (o *Orchestrator) runEnforceStateTick(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reconc.Tick(ctx, o.watcher.Current())
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()

	if o.httpSrv != nil {
		if err := o.httpSrv.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("broadcast API shutdown error", "error", err)
		}
	}
	o.bus.Stop()
	if err := o.store.Close(); err != nil {
		o.logger.Warn("store close error", "error", err)
	}
}
