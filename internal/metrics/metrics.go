package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_cache_requests_total",
		Help: "Message snapshot lookups by result",
	}, []string{"result"})

	IndexFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_index_fallbacks_total",
		Help: "Fetches that fell back to the durable store for the id window",
	})

	EnrichmentFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_enrichment_failures_total",
		Help: "Best-effort steps that failed after the durable write",
	}, []string{"stage"})

	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_notifications_total",
		Help: "Real-time events by outcome",
	}, []string{"outcome"})

	StatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_status_transitions_total",
		Help: "Recorded delivery status transitions",
	}, []string{"status"})

	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_active_connections",
		Help: "Active websocket connections",
	})
)

func Init() {
	prometheus.MustRegister(CacheRequests, IndexFallbacks, EnrichmentFailures, Notifications, StatusTransitions, Connections)
}

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
