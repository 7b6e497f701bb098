package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Search request outcome labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Collector holds the process-wide counters and histograms of the search
// pipeline. Recording is fire-and-forget: no method can fail or block the
// operation it instruments.
type Collector struct {
	registry *prometheus.Registry

	searchRequests  *prometheus.CounterVec
	cacheHits       prometheus.Counter
	searchDuration  *prometheus.HistogramVec
	activeSearches  prometheus.Gauge
	indexedMessages *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		searchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatpipe",
			Name:      "search_requests_total",
			Help:      "Total number of search requests by outcome.",
		}, []string{"status"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatpipe",
			Name:      "cache_hits_total",
			Help:      "Total number of search cache hits.",
		}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatpipe",
			Name:      "search_duration_seconds",
			Help:      "Search request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"type"}),
		activeSearches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatpipe",
			Name:      "active_searches",
			Help:      "Number of search requests currently in flight.",
		}),
		indexedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatpipe",
			Name:      "indexed_messages_total",
			Help:      "Total number of index operations applied by the consumer.",
		}, []string{"op"}),
	}

	c.registry.MustRegister(
		c.searchRequests,
		c.cacheHits,
		c.searchDuration,
		c.activeSearches,
		c.indexedMessages,
	)
	return c
}

// SearchRequest counts one finished search by outcome status.
func (c *Collector) SearchRequest(status string) {
	c.searchRequests.WithLabelValues(status).Inc()
}

// CacheHit counts one search served from the cache.
func (c *Collector) CacheHit() {
	c.cacheHits.Inc()
}

// ObserveSearchDuration records how long a search took, labelled by the path
// that served it ("cache" or "index").
func (c *Collector) ObserveSearchDuration(d time.Duration, searchType string) {
	c.searchDuration.WithLabelValues(searchType).Observe(d.Seconds())
}

// SearchStarted marks a search in flight; pair with SearchFinished.
func (c *Collector) SearchStarted() {
	c.activeSearches.Inc()
}

func (c *Collector) SearchFinished() {
	c.activeSearches.Dec()
}

// IndexOp counts one applied index operation ("upsert" or "delete").
func (c *Collector) IndexOp(op string) {
	c.indexedMessages.WithLabelValues(op).Inc()
}

// Handler exposes the registry in the Prometheus text format for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
