package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateone"

var (
	ParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parse_errors_total",
		Help:      "Malformed escape sequences dropped by the terminal emulator.",
	})

	TermUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "termupdates_total",
		Help:      "Screen updates delivered to viewers.",
	})

	RatelimiterEngaged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimiter_engaged_total",
		Help:      "Refreshes deferred because a terminal exceeded its refresh rate.",
	})

	Terminals = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "terminals",
		Help:      "Live terminal processes.",
	})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_connections",
		Help:      "Open WebSocket connections.",
	})

	Actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_total",
		Help:      "WebSocket actions dispatched, by action and outcome.",
	}, []string{"action", "result"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
