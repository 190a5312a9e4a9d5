// Package metrics exposes gsmstackd's process-wide runtime gauges: uptime,
// the number of currently active NS-VCs and BVCs, and dropped-event
// counters that do not belong to any single NS-VC or BVC instance.
//
// Per-NS-VC and per-BVC counters (tx/rx/discarded, packets/bytes in/out)
// live in internal/ratectr instead, one prometheus.CounterVec per group
// kind labeled by instance, mirroring spec.md §3's RateCtrGroup. This package covers only
// the daemon-level gauges that have no single owning instance.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects gsmstackd's process-wide runtime state.
type Metrics struct {
	ActiveNsvcs      atomic.Int64
	ActiveBVCs       atomic.Int64
	RxMalformedTotal atomic.Int64 // PDUs dropped for decode failure, across all transports
	RxUnknownNSVC    atomic.Int64 // PDUs received for an NSVCI gsmstackd has no Nsvc for

	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

// Global returns the global metrics instance.
func Global() *Metrics { return global }

// StartTime returns when the metrics system was initialized.
func StartTime() time.Time { return global.startTime }

// SetActiveNsvcs records the current number of live NS-VC FSM instances.
func (m *Metrics) SetActiveNsvcs(n int) { m.ActiveNsvcs.Store(int64(n)) }

// SetActiveBVCs records the current number of registered BVC contexts.
func (m *Metrics) SetActiveBVCs(n int) { m.ActiveBVCs.Store(int64(n)) }

// RecordMalformedPDU increments the cross-transport malformed-PDU counter.
func (m *Metrics) RecordMalformedPDU() { m.RxMalformedTotal.Add(1) }

// RecordUnknownNSVC increments the counter for PDUs addressed to an NSVCI
// gsmstackd has no configured or dynamically created Nsvc for.
func (m *Metrics) RecordUnknownNSVC() { m.RxUnknownNSVC.Add(1) }

// Snapshot returns a point-in-time view of the process-wide gauges.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"uptime_seconds":     int64(time.Since(m.startTime).Seconds()),
		"active_nsvcs":       m.ActiveNsvcs.Load(),
		"active_bvcs":        m.ActiveBVCs.Load(),
		"rx_malformed_total": m.RxMalformedTotal.Load(),
		"rx_unknown_nsvc":    m.RxUnknownNSVC.Load(),
	}
}

// JSONHandler returns an HTTP handler exposing a JSON metrics snapshot,
// for lightweight inspection without a Prometheus scraper.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}
