// Package broadcast implements the coordinator's external HTTP surface: M2M
// and web lease commands, WOL reachability testing, and the long-lived
// event-stream subscription endpoint that fans out Initial/ConfigChanged/
// HostStatus/LeaseUpdate messages to connected clients.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shuthost/coordinator/internal/config"
	"github.com/shuthost/coordinator/internal/events"
	"github.com/shuthost/coordinator/internal/lease"
	"github.com/shuthost/coordinator/internal/metrics"
	"github.com/shuthost/coordinator/internal/store"
	"github.com/shuthost/coordinator/internal/verifier"
	"github.com/shuthost/coordinator/internal/version"
	"github.com/shuthost/coordinator/internal/wol"
)

const (
	takeSyncTimeout    = 60 * time.Second
	releaseSyncTimeout = 30 * time.Second
)

// StatusSource supplies the prober's current observed online map.
type StatusSource interface {
	Status() map[string]bool
}

// SnapshotSource supplies the live config snapshot. *config.Watcher
// satisfies this.
type SnapshotSource interface {
	Current() *config.Snapshot
}

// Server is the coordinator's HTTP broadcast API.
type Server struct {
	lease    *lease.Manager
	verifier *verifier.Verifier
	status   StatusSource
	cfg      SnapshotSource
	bus      *events.Bus
	emitter  *wol.Emitter
	logger   *slog.Logger
}

// New creates a Server.
func New(leaseMgr *lease.Manager, v *verifier.Verifier, status StatusSource, cfg SnapshotSource, bus *events.Bus, emitter *wol.Emitter, logger *slog.Logger) *Server {
	return &Server{lease: leaseMgr, verifier: v, status: status, cfg: cfg, bus: bus, emitter: emitter, logger: logger}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.metricsMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/api/m2m/lease/{host}/{action}", s.handleM2MLease).Methods(http.MethodPost)
	r.HandleFunc("/api/m2m/reset", s.handleM2MReset).Methods(http.MethodPost)
	r.HandleFunc("/api/web/lease/{host}/{action}", s.handleWebLease).Methods(http.MethodPost)
	r.HandleFunc("/api/wol-test/{host}", s.handleWOLTest).Methods(http.MethodPost)
	r.HandleFunc("/api/subscribe", s.handleSubscribe).Methods(http.MethodGet)

	return r
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		metrics.APIRequests.WithLabelValues(r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Current()
	body := map[string]interface{}{
		"status":  "ok",
		"hosts":   len(snap.Cfg.Hosts),
		"version": version.Version,
	}
	writeJSON(w, http.StatusOK, body)
}

// handleM2MLease implements the authenticated take/release lease command
// endpoint. Headers: X-Client-ID, X-Request: <timestamp>|<take|release>|<hmac_hex>.
// Query flag ?async selects asynchronous mode.
func (s *Server) handleM2MLease(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	host, action := vars["host"], vars["action"]
	if action != "take" && action != "release" {
		http.Error(w, "invalid action", http.StatusBadRequest)
		return
	}

	clientID := r.Header.Get("X-Client-ID")
	request := r.Header.Get("X-Request")
	if clientID == "" || request == "" {
		http.Error(w, "missing X-Client-ID or X-Request", http.StatusBadRequest)
		return
	}

	command, err := s.verifier.Verify(clientID, []byte(request), time.Now())
	if err != nil {
		writeVerifyError(w, err)
		return
	}
	if command != action {
		http.Error(w, "signed command does not match requested action", http.StatusBadRequest)
		return
	}

	s.performLeaseOp(w, r, host, clientID, action)
}

// handleM2MReset implements the authenticated reset-all-leases command,
// scoped to the calling client's own leases.
func (s *Server) handleM2MReset(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get("X-Client-ID")
	request := r.Header.Get("X-Request")
	if clientID == "" || request == "" {
		http.Error(w, "missing X-Client-ID or X-Request", http.StatusBadRequest)
		return
	}

	command, err := s.verifier.Verify(clientID, []byte(request), time.Now())
	if err != nil {
		writeVerifyError(w, err)
		return
	}
	if command != "reset" {
		http.Error(w, "signed command does not match reset", http.StatusBadRequest)
		return
	}

	if err := s.lease.Reset(r.Context(), clientID); err != nil {
		s.logger.Error("reset failed", "client", clientID, "error", err)
		http.Error(w, "reset failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Leases reset")
}

// handleWebLease is the unauthenticated-at-this-layer web UI lease endpoint;
// authentication for interactive users is external reverse-proxy business.
func (s *Server) handleWebLease(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	host, action := vars["host"], vars["action"]
	if action != "take" && action != "release" {
		http.Error(w, "invalid action", http.StatusBadRequest)
		return
	}
	s.performLeaseOp(w, r, host, store.WebInterface, action)
}

func (s *Server) performLeaseOp(w http.ResponseWriter, r *http.Request, host, source, action string) {
	ctx := r.Context()
	async := r.URL.Query().Get("async") != ""

	var (
		err      error
		wantSync bool
	)
	switch action {
	case "take":
		_, err = s.lease.Take(ctx, host, source)
		wantSync = true
	case "release":
		_, err = s.lease.Release(ctx, host, source)
		wantSync = false
	}

	if err != nil {
		s.logger.Warn("lease op failed", "host", host, "source", source, "action", action, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if async {
		fmt.Fprintf(w, "Lease %s (async)", pastTense(action))
		return
	}

	timeout := takeSyncTimeout
	if action == "release" {
		timeout = releaseSyncTimeout
	}
	if s.awaitObserved(ctx, host, wantSync, timeout) {
		if action == "take" {
			fmt.Fprint(w, "Lease taken, host is online")
		} else {
			fmt.Fprint(w, "Lease released, host is offline")
		}
		return
	}
	http.Error(w, "host reconciliation timed out", http.StatusInternalServerError)
}

// awaitObserved blocks until the host's observed state matches want
// (true=online, false=offline) or timeout elapses, by subscribing to
// HostStatus events.
func (s *Server) awaitObserved(ctx context.Context, host string, want bool, timeout time.Duration) bool {
	if cur, ok := s.status.Status()[host]; ok && cur == want {
		return true
	}

	sub := s.bus.Subscribe(32)
	defer s.bus.Unsubscribe(sub)

	deadline := time.After(timeout)
	for {
		select {
		case evt := <-sub:
			if evt.Type != events.EventHostStatus {
				continue
			}
			if online, ok := evt.Status.Status[host]; ok && online == want {
				return true
			}
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// handleWOLTest sends a WOL packet and reports whether it was emitted
// without error; true reachability confirmation requires a test agent
// listening out-of-band and is left to that agent's own handshake.
func (s *Server) handleWOLTest(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]
	snap := s.cfg.Current()
	hostCfg, ok := snap.Cfg.LookupHost(host)
	if !ok {
		http.Error(w, "unknown host", http.StatusBadRequest)
		return
	}
	addr, ok := snap.EffectiveAddr(host)
	if !ok {
		http.Error(w, "unknown host", http.StatusBadRequest)
		return
	}

	mac, err := net.ParseMAC(hostCfg.MAC)
	if err != nil {
		http.Error(w, "invalid mac", http.StatusInternalServerError)
		return
	}
	if err := s.emitter.Send(mac, addr.IP, addr.Port); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"sent": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sent": true})
}

// handleSubscribe serves the long-lived event stream: one Initial message
// immediately, then every subsequent bus event, newline-delimited JSON. A
// subscriber whose send queue fills is disconnected.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	subID := uuid.NewString()
	sub := s.bus.Subscribe(256)
	defer s.bus.Unsubscribe(sub)
	metrics.SubscriptionsActive.Inc()
	defer metrics.SubscriptionsActive.Dec()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	if err := s.writeEvent(w, s.initialEvent(r.Context())); err != nil {
		return
	}
	flusher.Flush()

	s.logger.Debug("subscriber connected", "id", subID)
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if err := s.writeEvent(w, evt); err != nil {
				s.logger.Debug("subscriber write failed, disconnecting", "id", subID, "error", err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) initialEvent(ctx context.Context) events.Event {
	snap := s.cfg.Current()
	hosts := snap.Cfg.HostNames()
	sort.Strings(hosts)

	clients := make([]string, 0, len(snap.Cfg.Clients))
	for c := range snap.Cfg.Clients {
		clients = append(clients, c)
	}
	sort.Strings(clients)

	leases, err := s.lease.Snapshot(ctx)
	if err != nil {
		s.logger.Error("failed to read lease snapshot for Initial event", "error", err)
		leases = make(store.LeaseSnapshot)
	}

	return events.NewInitial(events.InitialPayload{
		Hosts:   hosts,
		Clients: clients,
		Status:  s.status.Status(),
		Leases:  leases,
		Version: version.Version,
	})
}

func (s *Server) writeEvent(w http.ResponseWriter, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeVerifyError(w http.ResponseWriter, err error) {
	kind := verifier.ErrNone
	var ve *verifier.VerifyError
	if errors.As(err, &ve) {
		kind = ve.Kind
	}
	switch kind {
	case verifier.ErrUnknownClient:
		http.Error(w, "unknown client", http.StatusForbidden)
	case verifier.ErrStaleRequest:
		http.Error(w, "stale request", http.StatusUnauthorized)
	default:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func pastTense(action string) string {
	if action == "take" {
		return "taken"
	}
	return "released"
}
