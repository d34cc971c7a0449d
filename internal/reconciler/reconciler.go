// Package reconciler joins desired state (derived from leases) with
// observed state (from the prober) and drives each host toward convergence
// by issuing WOL packets or authenticated shutdown RPCs. One finite-state
// machine runs per host, entirely in memory.
package reconciler

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shuthost/coordinator/internal/agentrpc"
	"github.com/shuthost/coordinator/internal/config"
	"github.com/shuthost/coordinator/internal/events"
	"github.com/shuthost/coordinator/internal/metrics"
	"github.com/shuthost/coordinator/internal/wol"
)

// State is a host's reconciler FSM state.
type State int

const (
	Idle State = iota
	WakingPendingOnline
	ShuttingDownPendingOffline
)

func (s State) String() string {
	switch s {
	case WakingPendingOnline:
		return "WakingPendingOnline"
	case ShuttingDownPendingOffline:
		return "ShuttingDownPendingOffline"
	default:
		return "Idle"
	}
}

const (
	defaultWakeDeadline     = 60 * time.Second
	defaultShutdownDeadline = 30 * time.Second
)

// desired derives a host's desired state purely from its lease count.
type desired int

const (
	desiredOffline desired = iota
	desiredOnline
)

// observed mirrors the prober's ternary observed state.
type observed int

const (
	observedUnknown observed = iota
	observedOnline
	observedOffline
)

// hostState is the reconciler's private, per-host bookkeeping.
type hostState struct {
	mu       sync.Mutex
	fsm      State
	deadline time.Time
	timer    *time.Timer
	leases   int
	obs      observed
}

// SnapshotSource supplies the live config snapshot. *config.Watcher
// satisfies this.
type SnapshotSource interface {
	Current() *config.Snapshot
}

// Reconciler is the coordinator's core decision engine.
type Reconciler struct {
	emitter *wol.Emitter
	client  agentrpc.Client
	cfg     SnapshotSource
	logger  *slog.Logger

	mu     sync.Mutex
	hosts  map[string]*hostState
	cancel context.CancelFunc
}

// New creates a Reconciler.
func New(emitter *wol.Emitter, client agentrpc.Client, cfg SnapshotSource, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		emitter: emitter,
		client:  client,
		cfg:     cfg,
		logger:  logger,
		hosts:   make(map[string]*hostState),
	}
}

func (r *Reconciler) state(host string) *hostState {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, ok := r.hosts[host]
	if !ok {
		hs = &hostState{fsm: Idle, obs: observedUnknown}
		r.hosts[host] = hs
	}
	return hs
}

// Forget drops a host's in-memory FSM state, used when it leaves the config.
func (r *Reconciler) Forget(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hs, ok := r.hosts[host]; ok {
		hs.mu.Lock()
		if hs.timer != nil {
			hs.timer.Stop()
		}
		hs.mu.Unlock()
		delete(r.hosts, host)
	}
	metrics.HostFSMState.DeletePartialMatch(map[string]string{"host": host})
}

// HandleLeaseUpdate recomputes desired state for host from its new lease
// set and re-evaluates the FSM.
func (r *Reconciler) HandleLeaseUpdate(ctx context.Context, host string, leases []string) {
	hs := r.state(host)
	hs.mu.Lock()
	hs.leases = len(leases)
	hs.mu.Unlock()
	r.evaluate(ctx, host)
}

// HandleHostStatus recomputes observed state for every host named in
// status and re-evaluates each FSM.
func (r *Reconciler) HandleHostStatus(ctx context.Context, status map[string]bool) {
	for host, online := range status {
		hs := r.state(host)
		hs.mu.Lock()
		if online {
			hs.obs = observedOnline
		} else {
			hs.obs = observedOffline
		}
		hs.mu.Unlock()
		r.evaluate(ctx, host)
	}
}

// Tick re-evaluates every host configured with enforce_state=true, so
// externally altered hosts are corrected even without a lease or status
// change.
func (r *Reconciler) Tick(ctx context.Context, snap *config.Snapshot) {
	for name, h := range snap.Cfg.Hosts {
		if h.EnforceState {
			r.evaluate(ctx, name)
		}
	}
}

func desiredOf(leaseCount int) desired {
	if leaseCount > 0 {
		return desiredOnline
	}
	return desiredOffline
}

func (r *Reconciler) evaluate(ctx context.Context, host string) {
	snap := r.cfg.Current()
	if _, ok := snap.Cfg.LookupHost(host); !ok {
		return
	}

	hs := r.state(host)
	hs.mu.Lock()
	d := desiredOf(hs.leases)
	o := hs.obs
	fsm := hs.fsm
	hs.mu.Unlock()

	switch fsm {
	case Idle:
		switch {
		case d == desiredOnline && (o == observedOffline || o == observedUnknown):
			r.enterWaking(ctx, host, snap)
		case d == desiredOffline && o == observedOnline:
			r.enterShuttingDown(ctx, host, snap)
		}
	case WakingPendingOnline:
		switch {
		case o == observedOnline:
			r.toIdle(host)
		case d == desiredOffline:
			r.toIdle(host)
		}
	case ShuttingDownPendingOffline:
		switch {
		case o == observedOffline:
			r.toIdle(host)
		case d == desiredOnline:
			r.toIdle(host)
		}
	}
}

func (r *Reconciler) toIdle(host string) {
	hs := r.state(host)
	hs.mu.Lock()
	hs.fsm = Idle
	if hs.timer != nil {
		hs.timer.Stop()
		hs.timer = nil
	}
	hs.mu.Unlock()
	metrics.HostFSMState.WithLabelValues(host, Idle.String()).Set(1)
}

func (r *Reconciler) enterWaking(ctx context.Context, host string, snap *config.Snapshot) {
	hs := r.state(host)
	hs.mu.Lock()
	if hs.fsm == WakingPendingOnline {
		hs.mu.Unlock()
		return
	}
	hs.fsm = WakingPendingOnline
	hs.deadline = time.Now().Add(defaultWakeDeadline)
	if hs.timer != nil {
		hs.timer.Stop()
	}
	hs.timer = time.AfterFunc(defaultWakeDeadline, func() { r.onDeadline(ctx, host) })
	hs.mu.Unlock()

	metrics.HostFSMState.WithLabelValues(host, WakingPendingOnline.String()).Set(1)

	hostCfg, cfgOK := snap.Cfg.LookupHost(host)
	addr, addrOK := snap.EffectiveAddr(host)
	if !cfgOK || !addrOK {
		r.logger.Error("wol emit skipped: host not configured", "host", host)
		metrics.ReconcileActions.WithLabelValues("wake", "error").Inc()
		return
	}

	mac, err := net.ParseMAC(hostCfg.MAC)
	if err != nil {
		r.logger.Error("wol emit skipped: invalid mac", "host", host, "mac", hostCfg.MAC, "error", err)
		metrics.ReconcileActions.WithLabelValues("wake", "error").Inc()
		return
	}
	if err := r.emitter.Send(mac, addr.IP, wol.Port); err != nil {
		r.logger.Warn("wol emit failed", "host", host, "error", err)
		metrics.ReconcileActions.WithLabelValues("wake", "error").Inc()
		return
	}
	metrics.ReconcileActions.WithLabelValues("wake", "ok").Inc()
}

func (r *Reconciler) enterShuttingDown(ctx context.Context, host string, snap *config.Snapshot) {
	hs := r.state(host)
	hs.mu.Lock()
	if hs.fsm == ShuttingDownPendingOffline {
		hs.mu.Unlock()
		return
	}
	hs.fsm = ShuttingDownPendingOffline
	hs.deadline = time.Now().Add(defaultShutdownDeadline)
	if hs.timer != nil {
		hs.timer.Stop()
	}
	hs.timer = time.AfterFunc(defaultShutdownDeadline, func() { r.onDeadline(ctx, host) })
	hs.mu.Unlock()

	metrics.HostFSMState.WithLabelValues(host, ShuttingDownPendingOffline.String()).Set(1)
	r.attemptShutdown(ctx, host, snap)
}

func (r *Reconciler) attemptShutdown(ctx context.Context, host string, snap *config.Snapshot) {
	addr, ok := snap.EffectiveAddr(host)
	hostCfg, cfgOK := snap.Cfg.LookupHost(host)
	if !ok || !cfgOK {
		return
	}

	_, err := r.client.Call(ctx, addr.IP, addr.Port, []byte(hostCfg.SharedSecret), "shutdown")
	if err != nil {
		r.logger.Warn("shutdown rpc failed, will retry when the shutdown deadline expires", "host", host, "error", err)
		metrics.ReconcileActions.WithLabelValues("shutdown", "error").Inc()
		return
	}
	metrics.ReconcileActions.WithLabelValues("shutdown", "ok").Inc()
}

// onDeadline fires when a pending state's timeout elapses. The FSM returns
// to Idle and is re-evaluated at once: while desired and observed still
// disagree this re-enters the pending state, re-sends the WOL packet or
// shutdown RPC and arms a fresh deadline, so retries repeat at every
// deadline with no cap. A failed shutdown RPC is not retried before its
// deadline expires.
func (r *Reconciler) onDeadline(ctx context.Context, host string) {
	hs := r.state(host)
	hs.mu.Lock()
	fsm := hs.fsm
	hs.fsm = Idle
	hs.mu.Unlock()

	if fsm == Idle {
		return
	}
	metrics.HostFSMState.WithLabelValues(host, Idle.String()).Set(1)
	r.evaluate(ctx, host)
}
