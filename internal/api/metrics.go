package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation for the API server.
type Metrics struct {
	BacktestsStarted   prometheus.Counter
	BacktestsCompleted prometheus.Counter
	BacktestsFailed    prometheus.Counter
	BacktestsCancelled prometheus.Counter
	TradesExecuted     prometheus.Counter
	RunDuration        prometheus.Histogram
	ConnectedClients   prometheus.Gauge
}

// NewMetrics registers the server's metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BacktestsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtests_started_total",
			Help: "Number of backtest runs started.",
		}),
		BacktestsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtests_completed_total",
			Help: "Number of backtest runs completed successfully.",
		}),
		BacktestsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtests_failed_total",
			Help: "Number of backtest runs that ended in error.",
		}),
		BacktestsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtests_cancelled_total",
			Help: "Number of backtest runs cancelled by a client.",
		}),
		TradesExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_trades_executed_total",
			Help: "Total trades executed across all backtest runs.",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "backtest_run_duration_seconds",
			Help:    "Wall-clock duration of completed backtest runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_connected_clients",
			Help: "Currently connected WebSocket clients.",
		}),
	}
}
