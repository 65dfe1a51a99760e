// Package metrics exposes Prometheus collectors for the crawl frontier.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	admissionsTotal            *prometheus.CounterVec
	queuePutsTotal             prometheus.Counter
	queueGetsTotal             prometheus.Counter
	queueDropsTotal            *prometheus.CounterVec
	queueSize                  prometheus.Gauge
	inFlight                   prometheus.Gauge
	dispatchesTotal            prometheus.Counter
	engineState                prometheus.Gauge
	workerItemsTotal           *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		admissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_admissions_total",
				Help: "Admission decisions, labeled by result.",
			},
			[]string{"result"},
		)
		queuePutsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "frontier_queue_puts_total",
			Help: "Items durably stored in the queue.",
		})
		queueGetsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "frontier_queue_gets_total",
			Help: "Items removed from the queue.",
		})
		queueDropsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_queue_drops_total",
				Help: "Items dropped by the queue, labeled by reason.",
			},
			[]string{"reason"},
		)
		queueSize = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "frontier_queue_size",
			Help: "Items currently queued across all priorities.",
		})
		inFlight = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "frontier_in_flight",
			Help: "Items dispatched to workers and not yet completed.",
		})
		dispatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "frontier_dispatches_total",
			Help: "Items handed to worker slots.",
		})
		engineState = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "frontier_engine_state",
			Help: "Dispatcher state: 0 starting, 1 running, 2 draining, 3 stopped, 4 forced stop.",
		})
		workerItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_worker_items_total",
				Help: "Items processed by workers, labeled by site and status.",
			},
			[]string{"site", "status"},
		)
		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_fetch_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveAdmission counts one admission decision.
func ObserveAdmission(result string) {
	Init()
	admissionsTotal.WithLabelValues(result).Inc()
}

// ObserveQueuePut counts stored items.
func ObserveQueuePut(n int) {
	Init()
	queuePutsTotal.Add(float64(n))
}

// ObserveQueueGet counts removed items.
func ObserveQueueGet(n int) {
	Init()
	queueGetsTotal.Add(float64(n))
}

// ObserveQueueDrop counts one dropped item.
func ObserveQueueDrop(reason string) {
	Init()
	queueDropsTotal.WithLabelValues(reason).Inc()
}

// SetQueueSize records the current queue depth.
func SetQueueSize(n int) {
	Init()
	queueSize.Set(float64(n))
}

// SetInFlight records the current in-flight count.
func SetInFlight(n int) {
	Init()
	inFlight.Set(float64(n))
}

// ObserveDispatch counts one dispatched item.
func ObserveDispatch() {
	Init()
	dispatchesTotal.Inc()
}

// SetEngineState records the dispatcher state ordinal.
func SetEngineState(state int) {
	Init()
	engineState.Set(float64(state))
}

// ObserveWorkerItem counts one processed item and the bytes fetched for it.
func ObserveWorkerItem(target, status string, bytesFetched int) {
	Init()
	site := SanitizeSite(target)
	workerItemsTotal.WithLabelValues(site, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
