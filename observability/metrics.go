// Package observability hosts the Prometheus collectors the engine and API
// expose on /metrics.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics tracks cron cycles, round lifecycle transitions, and
// settlement latency.
type EngineMetrics struct {
	cycles       prometheus.Counter
	phaseErrors  *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	wagers       prometheus.Counter
	houseMatches *prometheus.CounterVec
	settleTime   prometheus.Histogram
	houseBalance prometheus.Gauge
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			cycles: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "qflash",
				Subsystem: "cron",
				Name:      "cycles_total",
				Help:      "Total cron cycles executed by this process.",
			}),
			phaseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "qflash",
				Subsystem: "cron",
				Name:      "phase_errors_total",
				Help:      "Cron phase failures segmented by phase name.",
			}, []string{"phase"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "qflash",
				Subsystem: "rounds",
				Name:      "transitions_total",
				Help:      "Round lifecycle transitions segmented by target status.",
			}, []string{"to"}),
			wagers: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "qflash",
				Subsystem: "bets",
				Name:      "wagers_total",
				Help:      "Total user wagers accepted.",
			}),
			houseMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "qflash",
				Subsystem: "house",
				Name:      "matches_total",
				Help:      "House matching attempts segmented by outcome.",
			}, []string{"outcome"}),
			settleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "qflash",
				Subsystem: "rounds",
				Name:      "settlement_duration_seconds",
				Help:      "Latency distribution for round settlement transactions.",
				Buckets:   prometheus.DefBuckets,
			}),
			houseBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "qflash",
				Subsystem: "house",
				Name:      "balance_qu",
				Help:      "Current house account balance in QU.",
			}),
		}
		prometheus.MustRegister(
			engineRegistry.cycles,
			engineRegistry.phaseErrors,
			engineRegistry.transitions,
			engineRegistry.wagers,
			engineRegistry.houseMatches,
			engineRegistry.settleTime,
			engineRegistry.houseBalance,
		)
	})
	return engineRegistry
}

// CycleCompleted records one cron cycle.
func (m *EngineMetrics) CycleCompleted() {
	if m == nil {
		return
	}
	m.cycles.Inc()
}

// PhaseError records a cron phase failure.
func (m *EngineMetrics) PhaseError(phase string) {
	if m == nil {
		return
	}
	if phase == "" {
		phase = "unknown"
	}
	m.phaseErrors.WithLabelValues(phase).Inc()
}

// RoundTransition records a lifecycle transition into the given status.
func (m *EngineMetrics) RoundTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// WagerAccepted records one accepted wager.
func (m *EngineMetrics) WagerAccepted() {
	if m == nil {
		return
	}
	m.wagers.Inc()
}

// HouseMatch records a matching attempt outcome ("matched" or a skip reason).
func (m *EngineMetrics) HouseMatch(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.houseMatches.WithLabelValues(outcome).Inc()
}

// SettlementObserved records one settlement transaction duration.
func (m *EngineMetrics) SettlementObserved(d time.Duration) {
	if m == nil {
		return
	}
	m.settleTime.Observe(d.Seconds())
}

// HouseBalanceObserved records the most recent house balance.
func (m *EngineMetrics) HouseBalanceObserved(balanceQU int64) {
	if m == nil {
		return
	}
	m.houseBalance.Set(float64(balanceQU))
}
