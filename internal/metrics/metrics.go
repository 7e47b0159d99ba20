// Package metrics exposes the agent's Prometheus instrumentation. Collectors
// are registered in init and served by the HTTP handler started in main at
// /metrics when a listen address is configured.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Ticks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_ticks_total",
		Help: "Polling loop iterations completed",
	})

	Orders = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_orders_total",
		Help: "Orders filled",
	}, []string{"side"})

	Exits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_exit_reasons_total",
		Help: "Position exits split by reason",
	}, []string{"reason"})

	Retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_api_retries_total",
		Help: "Brokerage API retries split by operation",
	}, []string{"op"})

	Equity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_equity_usd",
		Help: "Account equity in USD",
	})

	Drawdown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_session_drawdown",
		Help: "Drawdown from opening equity, 0..1",
	})
)

func init() {
	prometheus.MustRegister(Ticks, Orders, Exits, Retries, Equity, Drawdown)
}

// Handler returns the HTTP handler serving the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
