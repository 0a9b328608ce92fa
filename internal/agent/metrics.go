package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the agent's Prometheus collectors.
type metrics struct {
	requests        *prometheus.CounterVec
	networkFailures *prometheus.CounterVec
	cacheErrors     *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	installs        *prometheus.CounterVec
	evictions       prometheus.Counter
	notifications   *prometheus.CounterVec
	bridgeMessages  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeagent_requests_total",
			Help: "Intercepted requests by class and outcome",
		}, []string{"class", "outcome"}),
		networkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeagent_network_failures_total",
			Help: "Network fetches that failed or timed out, by strategy",
		}, []string{"strategy"}),
		cacheErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeagent_cache_errors_total",
			Help: "Cache store read/write failures treated as misses",
		}, []string{"op"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeagent_background_refreshes_total",
			Help: "Stale-while-revalidate background refreshes by result",
		}, []string{"result"}),
		installs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeagent_installs_total",
			Help: "Generation installs by result",
		}, []string{"result"}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "edgeagent_generations_evicted_total",
			Help: "Generations deleted on activation or purge",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeagent_notifications_total",
			Help: "Push notifications rendered, by type",
		}, []string{"type"}),
		bridgeMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeagent_bridge_messages_total",
			Help: "Control bridge messages handled, by type",
		}, []string{"type"}),
	}
}
