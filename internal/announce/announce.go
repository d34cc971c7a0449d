// Package announce listens for UDP bootstrap datagrams from freshly-booted
// agents, authenticates them against the host's shared secret, and updates
// the host address override table.
package announce

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shuthost/coordinator/internal/config"
	"github.com/shuthost/coordinator/internal/metrics"
	"github.com/shuthost/coordinator/internal/store"
	"github.com/shuthost/coordinator/internal/wire"
)

const maxDatagramSize = 512

// SnapshotSource supplies the live config snapshot. *config.Watcher
// satisfies this.
type SnapshotSource interface {
	Current() *config.Snapshot
}

// Refresher republishes the config snapshot after an override changes.
// *config.Watcher satisfies this.
type Refresher interface {
	Refresh()
}

// Listener binds the announce UDP port and applies valid announcements to
// the durable store.
type Listener struct {
	store  *store.Store
	cfg    SnapshotSource
	ref    Refresher
	logger *slog.Logger
}

// New creates a Listener.
func New(st *store.Store, cfg SnapshotSource, ref Refresher, logger *slog.Logger) *Listener {
	return &Listener{store: st, cfg: cfg, ref: ref, logger: logger}
}

// Run binds bind:port and processes datagrams until ctx is cancelled.
func (l *Listener) Run(ctx context.Context, bind string, port int) error {
	addr := net.JoinHostPort(bind, strconv.Itoa(port))
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return fmt.Errorf("announce: listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("announce: read failed", "error", err)
			continue
		}
		datagram := append([]byte(nil), buf[:n]...)
		go l.handle(ctx, datagram)
	}
}

// handle authenticates and applies a single announce datagram of the form
// <timestamp>|announce|<hostname>|<ip>|<port>|<hmac_hex>.
func (l *Listener) handle(ctx context.Context, datagram []byte) {
	parts := strings.Split(string(datagram), "|")
	if len(parts) != 6 || parts[1] != "announce" {
		metrics.AnnouncesReceived.WithLabelValues("malformed").Inc()
		return
	}
	hostname, ip, portStr := parts[2], parts[3], parts[4]

	hostCfg, ok := l.cfg.Current().Cfg.LookupHost(hostname)
	if !ok {
		metrics.AnnouncesReceived.WithLabelValues("unknown_host").Inc()
		return
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		metrics.AnnouncesReceived.WithLabelValues("malformed").Inc()
		return
	}

	if _, err := wire.Verify([]byte(hostCfg.SharedSecret), datagram, time.Now()); err != nil {
		l.logger.Warn("announce: rejected", "host", hostname, "error", err)
		metrics.AnnouncesReceived.WithLabelValues(wire.Kind(err).String()).Inc()
		return
	}

	if err := l.store.SetOverride(ctx, hostname, ip, port); err != nil {
		l.logger.Error("announce: failed to persist override", "host", hostname, "error", err)
		metrics.AnnouncesReceived.WithLabelValues("store_error").Inc()
		return
	}

	l.logger.Info("announce accepted", "host", hostname, "ip", ip, "port", port)
	metrics.AnnouncesReceived.WithLabelValues("ok").Inc()
	l.ref.Refresh()
}
