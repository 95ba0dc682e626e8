// Package metrics holds the prometheus collectors of the game server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crash"

// Cash-out kinds.
const (
	CashOutManual     = "manual"
	CashOutAuto       = "auto"
	CashOutDisconnect = "disconnect"
)

// Metrics is safe to use as a nil pointer; observations are then dropped.
type Metrics struct {
	registry *prometheus.Registry

	Rounds         prometheus.Counter
	Bets           *prometheus.CounterVec
	Wagered        prometheus.Counter
	CashOuts       *prometheus.CounterVec
	PaidOut        prometheus.Counter
	CrashPoints    prometheus.Histogram
	StorageRetries *prometheus.CounterVec
	Clients        prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Rounds that reached the crash.",
		}),
		Bets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bets_total",
			Help:      "Bet requests by result code.",
		}, []string{"result"}),
		Wagered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wagered_units_total",
			Help:      "Sum of accepted bet amounts.",
		}),
		CashOuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cash_outs_total",
			Help:      "Settled cash-outs by kind.",
		}, []string{"kind"}),
		PaidOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paid_out_units_total",
			Help:      "Sum of cash-out payouts.",
		}),
		CrashPoints: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "crash_point",
			Help:      "Crash points as multipliers.",
			Buckets:   []float64{1, 1.01, 1.5, 2, 3, 5, 10, 50, 100, 1000},
		}),
		StorageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_retries_total",
			Help:      "Retried storage operations.",
		}, []string{"op"}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Open websocket connections.",
		}),
	}
	m.registry.MustRegister(
		m.Rounds, m.Bets, m.Wagered, m.CashOuts, m.PaidOut,
		m.CrashPoints, m.StorageRetries, m.Clients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveCrash records a finished round. point is in hundredths.
func (m *Metrics) ObserveCrash(point int64) {
	if m == nil {
		return
	}
	m.Rounds.Inc()
	m.CrashPoints.Observe(float64(point) / 100)
}

func (m *Metrics) ObserveBet(result string, amount int64) {
	if m == nil {
		return
	}
	m.Bets.WithLabelValues(result).Inc()
	if result == "ok" {
		m.Wagered.Add(float64(amount))
	}
}

func (m *Metrics) ObserveCashOut(kind string, payout int64) {
	if m == nil {
		return
	}
	m.CashOuts.WithLabelValues(kind).Inc()
	m.PaidOut.Add(float64(payout))
}

// OnRetry matches ledger.RetryPolicy.OnRetry.
func (m *Metrics) OnRetry(op string, _ int, _ error) {
	if m == nil {
		return
	}
	m.StorageRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ClientConnected() {
	if m != nil {
		m.Clients.Inc()
	}
}

func (m *Metrics) ClientDisconnected() {
	if m != nil {
		m.Clients.Dec()
	}
}
