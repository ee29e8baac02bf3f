// Package diag is the ambient observability surface: a Prometheus-text
// metrics endpoint mirroring counts and byte totals for live flows, and
// a WebSocket stream of flow-open/flow-close events for a companion
// UI. Neither is part of the core networking path; both are optional
// and only active if the caller starts them.
package diag

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Telemetry accumulates counters the core reports into, and serves
// them as Prometheus text exposition format.
type Telemetry struct {
	mu sync.RWMutex

	flowsOpenedTotal   uint64
	flowsClosedTotal   uint64
	flowsRejectedTotal map[string]uint64 // reason -> count
	bytesToUpstream    uint64
	bytesFromUpstream  uint64
	liveFlows          int
	liveDestinations   int
}

// New builds an empty Telemetry.
func New() *Telemetry {
	return &Telemetry{flowsRejectedTotal: make(map[string]uint64)}
}

// FlowOpened records a newly registered flow.
func (t *Telemetry) FlowOpened() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flowsOpenedTotal++
}

// FlowClosed records a terminated flow.
func (t *Telemetry) FlowClosed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flowsClosedTotal++
}

// FlowRejected records an upstream connect failure, bucketed by
// reason (e.g. "resolve", "timeout", "proxy_rejected").
func (t *Telemetry) FlowRejected(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flowsRejectedTotal[reason]++
}

// ObserveBytes adds n bytes shuttled in the given direction.
func (t *Telemetry) ObserveBytes(toUpstream bool, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if toUpstream {
		t.bytesToUpstream += uint64(n)
	} else {
		t.bytesFromUpstream += uint64(n)
	}
}

// SetLiveCounts updates the current flow/destination gauges, typically
// called from the TUN bridge's sweep tick.
func (t *Telemetry) SetLiveCounts(flows, destinations int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.liveFlows = flows
	t.liveDestinations = destinations
}

// ServeHTTP implements http.Handler, writing the Prometheus text
// exposition format.
func (t *Telemetry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "proxyvpn_flows_opened_total %d\n", t.flowsOpenedTotal)
	fmt.Fprintf(w, "proxyvpn_flows_closed_total %d\n", t.flowsClosedTotal)
	fmt.Fprintf(w, "proxyvpn_bytes_to_upstream_total %d\n", t.bytesToUpstream)
	fmt.Fprintf(w, "proxyvpn_bytes_from_upstream_total %d\n", t.bytesFromUpstream)
	fmt.Fprintf(w, "proxyvpn_live_flows %d\n", t.liveFlows)
	fmt.Fprintf(w, "proxyvpn_live_destinations %d\n", t.liveDestinations)

	reasons := make([]string, 0, len(t.flowsRejectedTotal))
	for r := range t.flowsRejectedTotal {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(w, "proxyvpn_flows_rejected_total{reason=%q} %d\n", r, t.flowsRejectedTotal[r])
	}
}

// StartMetricsServer runs an HTTP server exposing t at /metrics until
// ctx is cancelled.
func StartMetricsServer(ctx context.Context, addr string, t *Telemetry) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("diag: empty metrics address")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", t)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("diag: metrics server: %w", err)
	}
	return nil
}
