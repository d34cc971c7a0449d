// Package lease implements the single entry point for every lease
// mutation: the manager validates the target host against the live config
// snapshot, writes through to the durable store, and emits a self-contained
// LeaseUpdate event carrying the host's complete lease set.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shuthost/coordinator/internal/config"
	"github.com/shuthost/coordinator/internal/events"
	"github.com/shuthost/coordinator/internal/store"
)

// ErrUnknownHost is returned when a mutation targets a host absent from the
// current config snapshot.
var ErrUnknownHost = errors.New("lease: unknown host")

// SnapshotSource supplies the config snapshot the manager validates hosts
// against. *config.Watcher satisfies this.
type SnapshotSource interface {
	Current() *config.Snapshot
}

// Manager serializes lease mutations per host and fans out LeaseUpdate
// events on every change.
type Manager struct {
	store  *store.Store
	bus    *events.Bus
	cfg    SnapshotSource
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a lease Manager.
func New(st *store.Store, bus *events.Bus, cfg SnapshotSource, logger *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *Manager) hostLock(host string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[host]
	if !ok {
		l = &sync.Mutex{}
		m.locks[host] = l
	}
	return l
}

func (m *Manager) validHost(host string) bool {
	_, ok := m.cfg.Current().Cfg.LookupHost(host)
	return ok
}

// Take grants source a lease on host, validating host is configured. Returns
// the host's resulting lease set. Idempotent: taking an already-held lease
// is a no-op that still returns the current set.
func (m *Manager) Take(ctx context.Context, host, source string) ([]string, error) {
	if !m.validHost(host) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}

	lock := m.hostLock(host)
	lock.Lock()
	defer lock.Unlock()

	before, err := m.store.LeasesForHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("lease: read before take: %w", err)
	}

	var writeErr error
	if source == store.WebInterface {
		writeErr = m.store.TakeWeb(ctx, host)
	} else {
		writeErr = m.store.TakeClient(ctx, host, source)
	}
	if writeErr != nil {
		return nil, fmt.Errorf("lease: take: %w", writeErr)
	}

	after, err := m.store.LeasesForHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("lease: read after take: %w", err)
	}

	if !sameSet(before, after) {
		m.bus.Publish(events.NewLeaseUpdate(events.LeaseUpdatePayload{Host: host, Leases: after}))
	}
	return after, nil
}

// Release revokes source's lease on host. A no-op (not an error) when the
// lease isn't held.
func (m *Manager) Release(ctx context.Context, host, source string) ([]string, error) {
	if !m.validHost(host) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}

	lock := m.hostLock(host)
	lock.Lock()
	defer lock.Unlock()

	before, err := m.store.LeasesForHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("lease: read before release: %w", err)
	}

	var writeErr error
	if source == store.WebInterface {
		writeErr = m.store.ReleaseWeb(ctx, host)
	} else {
		writeErr = m.store.ReleaseClient(ctx, host, source)
	}
	if writeErr != nil {
		return nil, fmt.Errorf("lease: release: %w", writeErr)
	}

	after, err := m.store.LeasesForHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("lease: read after release: %w", err)
	}

	if !sameSet(before, after) {
		m.bus.Publish(events.NewLeaseUpdate(events.LeaseUpdatePayload{Host: host, Leases: after}))
	}
	return after, nil
}

// Reset removes every lease held by client, emitting one LeaseUpdate per
// host whose lease set actually changed.
func (m *Manager) Reset(ctx context.Context, client string) error {
	hosts, err := m.store.ResetClient(ctx, client)
	if err != nil {
		return fmt.Errorf("lease: reset: %w", err)
	}

	for _, host := range hosts {
		lock := m.hostLock(host)
		lock.Lock()
		after, err := m.store.LeasesForHost(ctx, host)
		lock.Unlock()
		if err != nil {
			m.logger.Error("lease: read after reset failed", "host", host, "error", err)
			continue
		}
		m.bus.Publish(events.NewLeaseUpdate(events.LeaseUpdatePayload{Host: host, Leases: after}))
	}
	return nil
}

// Snapshot returns every host's current lease set in one consistent read.
func (m *Manager) Snapshot(ctx context.Context) (store.LeaseSnapshot, error) {
	return m.store.SnapshotLeases(ctx)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}
