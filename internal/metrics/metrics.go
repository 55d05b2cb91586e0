// ============================================================================
// heimdall Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects and exposes runloop metrics for Prometheus.
//
// Metric categories:
//
//   1. Counters:
//      - heimdall_ticks_total: completed runloop ticks
//      - heimdall_tick_errors_total: ticks that hit an error or panic
//      - heimdall_config_reloads_total{result}: success | failure
//      - heimdall_enforcements_total{state,result}: locked|unlocked x success|failure
//
//   2. Histogram:
//      - heimdall_tick_duration_seconds: time spent inside one tick,
//        including enforcement calls
//
//   3. Gauges:
//      - heimdall_users_tracked: users in the loaded config
//      - heimdall_users_locked: users whose enforced state is locked
//
// Alerting ideas:
//   - rate(heimdall_enforcements_total{result="failure"}[5m]) > 0
//     → enforcement keeps failing and is being retried every tick
//   - heimdall_tick_duration_seconds close to the tick interval
//     → enforcement is slow and ticks are being delayed
//
// HTTP endpoint:
//   /metrics, default port 9090
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the runloop metrics. A nil *Collector is valid and records
// nothing, which keeps tests free of registry bookkeeping.
type Collector struct {
	ticks        prometheus.Counter
	tickErrors   prometheus.Counter
	tickDuration prometheus.Histogram
	reloads      *prometheus.CounterVec
	enforcements *prometheus.CounterVec
	usersTracked prometheus.Gauge
	usersLocked  prometheus.Gauge
}

// NewCollector creates the collector and registers it with the default
// registerer.
func NewCollector() *Collector {
	c := &Collector{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "heimdall_ticks_total",
			Help: "Total number of completed runloop ticks",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "heimdall_tick_errors_total",
			Help: "Total number of ticks that ended with an error",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "heimdall_tick_duration_seconds",
			Help:    "Time spent in one runloop tick",
			Buckets: prometheus.DefBuckets,
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heimdall_config_reloads_total",
			Help: "Config reload attempts by result",
		}, []string{"result"}),
		enforcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heimdall_enforcements_total",
			Help: "Enforcement calls by requested state and result",
		}, []string{"state", "result"}),
		usersTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heimdall_users_tracked",
			Help: "Number of users in the loaded config",
		}),
		usersLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heimdall_users_locked",
			Help: "Number of users currently enforced as locked",
		}),
	}

	prometheus.MustRegister(
		c.ticks,
		c.tickErrors,
		c.tickDuration,
		c.reloads,
		c.enforcements,
		c.usersTracked,
		c.usersLocked,
	)

	return c
}

// RecordTick records one finished tick.
func (c *Collector) RecordTick(seconds float64, failed bool) {
	if c == nil {
		return
	}
	c.ticks.Inc()
	c.tickDuration.Observe(seconds)
	if failed {
		c.tickErrors.Inc()
	}
}

// RecordReload records a config reload attempt.
func (c *Collector) RecordReload(ok bool) {
	if c == nil {
		return
	}
	c.reloads.WithLabelValues(result(ok)).Inc()
}

// RecordEnforcement records one enforcement call.
func (c *Collector) RecordEnforcement(locked, ok bool) {
	if c == nil {
		return
	}
	state := "unlocked"
	if locked {
		state = "locked"
	}
	c.enforcements.WithLabelValues(state, result(ok)).Inc()
}

// UpdateUserStats sets the user gauges.
func (c *Collector) UpdateUserStats(tracked, locked int) {
	if c == nil {
		return
	}
	c.usersTracked.Set(float64(tracked))
	c.usersLocked.Set(float64(locked))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer serves /metrics on port. It blocks like http.ListenAndServe.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
