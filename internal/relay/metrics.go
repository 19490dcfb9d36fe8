package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the relay's Prometheus counters/gauges, registered against the
// default registerer the way the teacher's go-waku backend threads
// prometheus.DefaultRegisterer through its store constructor.
var (
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_relay_connections_total",
		Help: "Total number of node connections accepted by the relay.",
	})
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmesh_relay_active_connections",
		Help: "Current number of registered node connections.",
	})
	envelopesRelayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_relay_envelopes_relayed_total",
		Help: "Total number of envelopes forwarded between nodes.",
	})
	roomBroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_relay_room_broadcasts_total",
		Help: "Total number of room messages fanned out to subscribers.",
	})
	usernameLookupsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmesh_relay_username_lookups_total",
		Help: "Total number of username/node-id lookup RPCs served.",
	})
)

// ServeMetrics starts a blocking HTTP server exposing /metrics on addr. The
// caller runs it in its own goroutine alongside Serve.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
