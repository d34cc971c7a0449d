// Package prober runs one periodic status-check task per configured host,
// publishing HostStatus snapshots to the event bus as the observed
// online/offline map changes.
package prober

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shuthost/coordinator/internal/agentrpc"
	"github.com/shuthost/coordinator/internal/config"
	"github.com/shuthost/coordinator/internal/events"
	"github.com/shuthost/coordinator/internal/metrics"
)

const (
	offlineInterval = 5 * time.Second
	onlineInterval  = 15 * time.Second
	flapThreshold   = 3
)

// Prober owns one goroutine per configured host, each ticking at an
// interval that depends on the host's last observed state.
type Prober struct {
	client agentrpc.Client
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	snap    *config.Snapshot
	status  map[string]bool
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Prober.
func New(client agentrpc.Client, bus *events.Bus, logger *slog.Logger) *Prober {
	return &Prober{
		client:  client,
		bus:     bus,
		logger:  logger,
		status:  make(map[string]bool),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Status returns a snapshot of the currently observed online map. Hosts
// never probed (observed=Unknown) are absent from the map.
func (p *Prober) Status() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.status))
	for h, online := range p.status {
		out[h] = online
	}
	return out
}

// Reconcile records the latest snapshot for running tasks to pick up, starts
// probing tasks for hosts newly present in snap, and stops tasks for hosts no
// longer present, matching the live config to the set of running probes.
// Call on every config change (initial load, file reload, or an address
// override refresh) so a running probe's effective address never goes stale.
func (p *Prober) Reconcile(ctx context.Context, snap *config.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.snap = snap

	for name := range snap.Cfg.Hosts {
		if _, running := p.cancels[name]; running {
			continue
		}
		hostCtx, cancel := context.WithCancel(ctx)
		p.cancels[name] = cancel
		host := name
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(hostCtx, host)
		}()
	}

	for name, cancel := range p.cancels {
		if _, declared := snap.Cfg.Hosts[name]; !declared {
			cancel()
			delete(p.cancels, name)
			delete(p.status, name)
		}
	}
}

// currentSnapshot returns the snapshot most recently passed to Reconcile.
func (p *Prober) currentSnapshot() *config.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// snapshotProvider supplies the latest config snapshot without coupling the
// prober directly to *config.Watcher.
type snapshotProvider interface {
	Current() *config.Snapshot
}

// Run calls Reconcile once with src's current snapshot, blocks until ctx is
// cancelled, then waits for every probe task to exit. It does not watch src
// for later changes; those reach the prober through further Reconcile calls.
func (p *Prober) Run(ctx context.Context, src snapshotProvider) {
	p.Reconcile(ctx, src.Current())
	<-ctx.Done()
	p.wg.Wait()
}

func (p *Prober) run(ctx context.Context, host string) {
	failures := 0
	interval := offlineInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		snap := p.currentSnapshot()
		addr, ok := snap.EffectiveAddr(host)
		hostCfg, cfgOK := snap.Cfg.LookupHost(host)
		if !ok || !cfgOK {
			return
		}

		online := p.probe(ctx, host, addr.IP, addr.Port, []byte(hostCfg.SharedSecret))

		p.mu.Lock()
		prevOnline, known := p.status[host]
		changed := false
		if online {
			failures = 0
			if !known || !prevOnline {
				changed = true
			}
			p.status[host] = true
			interval = onlineInterval
		} else {
			failures++
			if failures >= flapThreshold {
				if !known || prevOnline {
					changed = true
				}
				p.status[host] = false
				interval = offlineInterval
			}
		}
		metrics.ProbeFailuresConsecutive.WithLabelValues(host).Set(float64(failures))
		statusCopy := make(map[string]bool, len(p.status))
		onlineCount := 0
		for h, v := range p.status {
			statusCopy[h] = v
			if v {
				onlineCount++
			}
		}
		p.mu.Unlock()

		if changed {
			metrics.HostsOnline.Set(float64(onlineCount))
			p.bus.Publish(events.NewHostStatus(events.HostStatusPayload{Status: statusCopy}))
		}

		timer.Reset(interval)
	}
}

func (p *Prober) probe(ctx context.Context, host, ip string, port int, secret []byte) bool {
	reply, err := p.client.Call(ctx, ip, port, secret, "status")
	if err != nil {
		p.logger.Debug("probe failed", "host", host, "error", err)
		return false
	}
	return reply == "OK: status"
}

