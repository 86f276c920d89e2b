// Package monitor exposes Prometheus metrics for the strategy.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the strategy's Prometheus collectors. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry setup.
type Metrics struct {
	poolSize         prometheus.Gauge
	openPositions    prometheus.Gauge
	availableCapital prometheus.Gauge
	totalExposure    prometheus.Gauge
	staleData        prometheus.Gauge

	ticks          prometheus.Counter
	tickErrors     prometheus.Counter
	fetchFailures  prometheus.Counter
	positionOpens  prometheus.Counter
	positionCloses *prometheus.CounterVec
}

// NewMetrics registers and returns the strategy metrics
func NewMetrics() *Metrics {
	return &Metrics{
		poolSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fundarb_pool_size",
			Help: "Number of contracts currently in the funding pool",
		}),
		openPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fundarb_open_positions",
			Help: "Number of currently open positions",
		}),
		availableCapital: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fundarb_available_capital",
			Help: "Capital not committed to open positions",
		}),
		totalExposure: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fundarb_total_exposure",
			Help: "Summed notional of open positions",
		}),
		staleData: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fundarb_stale_data",
			Help: "1 when reconciliation is running on stale cached data",
		}),
		ticks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fundarb_reconciliation_ticks_total",
			Help: "Completed reconciliation ticks",
		}),
		tickErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fundarb_reconciliation_tick_errors_total",
			Help: "Reconciliation ticks that ended with an error",
		}),
		fetchFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fundarb_snapshot_fetch_failures_total",
			Help: "Funding snapshot fetch failures",
		}),
		positionOpens: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fundarb_position_opens_total",
			Help: "Positions opened",
		}),
		positionCloses: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fundarb_position_closes_total",
			Help: "Positions closed, by reason",
		}, []string{"reason"}),
	}
}

// SetPoolSize records current pool size
func (m *Metrics) SetPoolSize(n int) {
	if m != nil {
		m.poolSize.Set(float64(n))
	}
}

// SetOpenPositions records the open position count
func (m *Metrics) SetOpenPositions(n int) {
	if m != nil {
		m.openPositions.Set(float64(n))
	}
}

// SetCapital records available capital and total exposure
func (m *Metrics) SetCapital(available, exposure float64) {
	if m != nil {
		m.availableCapital.Set(available)
		m.totalExposure.Set(exposure)
	}
}

// SetStale flags whether ticks are running on stale data
func (m *Metrics) SetStale(stale bool) {
	if m == nil {
		return
	}
	if stale {
		m.staleData.Set(1)
	} else {
		m.staleData.Set(0)
	}
}

// IncTick counts a completed tick
func (m *Metrics) IncTick() {
	if m != nil {
		m.ticks.Inc()
	}
}

// IncTickError counts a failed tick
func (m *Metrics) IncTickError() {
	if m != nil {
		m.tickErrors.Inc()
	}
}

// IncFetchFailure counts a snapshot fetch failure
func (m *Metrics) IncFetchFailure() {
	if m != nil {
		m.fetchFailures.Inc()
	}
}

// IncOpen counts an opened position
func (m *Metrics) IncOpen() {
	if m != nil {
		m.positionOpens.Inc()
	}
}

// IncClose counts a closed position by reason
func (m *Metrics) IncClose(reason string) {
	if m != nil {
		m.positionCloses.WithLabelValues(reason).Inc()
	}
}
