package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EffectiveAddr is a host's effective (ip, port) pair — the address override
// if one exists, else the declared default.
type EffectiveAddr struct {
	IP   string
	Port int
}

// Snapshot is an immutable, fully-resolved configuration value: the declared
// config joined with the current set of per-host address overrides. A new
// Snapshot supersedes the previous one atomically; nothing in a Snapshot is
// ever mutated in place.
type Snapshot struct {
	Cfg       *Config
	Effective map[string]EffectiveAddr
}

// NewSnapshot joins cfg's declared host addresses with overrides, producing
// the effective address map consumed by C2/C3/C7/C8.
func NewSnapshot(cfg *Config, overrides map[string]EffectiveAddr) *Snapshot {
	eff := make(map[string]EffectiveAddr, len(cfg.Hosts))
	for name, h := range cfg.Hosts {
		addr := EffectiveAddr{IP: h.IP, Port: h.Port}
		if ov, ok := overrides[name]; ok {
			addr = ov
		}
		eff[name] = addr
	}
	return &Snapshot{Cfg: cfg, Effective: eff}
}

// EffectiveAddr returns the effective address for host, and whether it is
// configured at all.
func (s *Snapshot) EffectiveAddr(host string) (EffectiveAddr, bool) {
	a, ok := s.Effective[host]
	return a, ok
}

// OverrideResolver supplies the current set of host address overrides so the
// Watcher can build a joined Snapshot without importing the durable store
// package (which in turn depends on config for its host/client lookups).
type OverrideResolver func() map[string]EffectiveAddr

// Watcher loads a TOML config file, watches it for changes with fsnotify,
// and republishes a joined Snapshot on every valid change.
type Watcher struct {
	path     string
	logger   *slog.Logger
	resolver OverrideResolver

	mu       sync.RWMutex
	current  *Snapshot
	onChange []func(prev, next *Snapshot)

	fsw *fsnotify.Watcher
}

// NewWatcher loads the initial config and prepares the file watcher. The
// caller must call Run to start processing fsnotify events.
func NewWatcher(path string, resolver OverrideResolver, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the containing directory, not the file itself: editors and
	// config-management tools commonly replace the file via rename, which
	// fsnotify cannot observe on a now-unlinked watch target.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		logger:   logger,
		resolver: resolver,
		fsw:      fsw,
	}
	w.current = NewSnapshot(cfg, resolver())
	return w, nil
}

// Current returns the live snapshot.
func (w *Watcher) Current() *Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked after every successful reload
// (including overrides-only refreshes triggered externally via Refresh).
// Callbacks run synchronously on the goroutine that triggered the change (the
// watcher's Run loop for file reloads, the caller for Refresh); they must not
// block.
func (w *Watcher) OnChange(fn func(prev, next *Snapshot)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Refresh rebuilds the snapshot from the currently-loaded Config and the
// latest overrides, without re-reading the TOML file. Used by C11 after an
// agent announce updates the override table.
func (w *Watcher) Refresh() {
	w.mu.Lock()
	prev := w.current
	next := NewSnapshot(prev.Cfg, w.resolver())
	w.current = next
	w.mu.Unlock()
	w.notify(prev, next)
}

// Run processes fsnotify events until ctx is cancelled. Rapid-fire events
// (multiple writes during a single save) are coalesced with a short debounce.
func (w *Watcher) Run(ctx context.Context) {
	var debounce *time.Timer
	reloadCh := make(chan struct{}, 1)

	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-reloadCh:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous snapshot", "error", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	next := NewSnapshot(cfg, w.resolver())
	w.current = next
	w.mu.Unlock()

	w.logger.Info("config reloaded", "hosts", len(cfg.Hosts), "clients", len(cfg.Clients))
	w.notify(prev, next)
}

func (w *Watcher) notify(prev, next *Snapshot) {
	w.mu.RLock()
	callbacks := append([]func(prev, next *Snapshot){}, w.onChange...)
	w.mu.RUnlock()
	for _, fn := range callbacks {
		fn(prev, next)
	}
}

// RemovedHosts returns host names present in prev but absent from next,
// used to purge their leases/overrides transactionally.
func RemovedHosts(prev, next *Config) []string {
	var removed []string
	for name := range prev.Hosts {
		if _, ok := next.Hosts[name]; !ok {
			removed = append(removed, name)
		}
	}
	return removed
}
