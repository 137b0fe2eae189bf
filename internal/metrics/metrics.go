// Package metrics holds the Prometheus collectors of one claimq process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nuetzliches/claimq/internal/pooling"
	"github.com/nuetzliches/claimq/internal/storage"
)

const namespace = "claimq"

type Metrics struct {
	registry *prometheus.Registry

	messagesPosted   *prometheus.CounterVec
	postConflicts    *prometheus.CounterVec
	postFailures     *prometheus.CounterVec
	claimsCreated    *prometheus.CounterVec
	messagesClaimed  *prometheus.CounterVec
	gcSweeps         *prometheus.CounterVec
	gcDeleted        prometheus.Counter
	gcDuration       prometheus.Histogram
	lookupCache      *prometheus.CounterVec
	queuesRegistered *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		messagesPosted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_posted_total",
			Help:      "Messages stored by post.",
		}, []string{"queue"}),
		postConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "post_marker_conflicts_total",
			Help:      "Post attempts retried after a marker collision.",
		}, []string{"queue"}),
		postFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "post_failures_total",
			Help:      "Posts that ran out of marker retries.",
		}, []string{"queue"}),
		claimsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_created_total",
			Help:      "Claims holding at least one message.",
		}, []string{"queue"}),
		messagesClaimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_claimed_total",
			Help:      "Messages stamped by new claims.",
		}, []string{"queue"}),
		gcSweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_sweeps_total",
			Help:      "Garbage collection sweeps by outcome.",
		}, []string{"outcome"}),
		gcDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_deleted_messages_total",
			Help:      "Expired messages removed by garbage collection.",
		}),
		gcDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gc_sweep_duration_seconds",
			Help:      "Duration of garbage collection sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		lookupCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalogue_lookups_total",
			Help:      "Catalogue lookups by cache result.",
		}, []string{"cache"}),
		queuesRegistered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queues_registered_total",
			Help:      "Queues mapped to a pool.",
		}, []string{"pool"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StorageHooks feeds the post and claim paths of a backend.
func (m *Metrics) StorageHooks() storage.Hooks {
	return storage.Hooks{
		PostConflict: func(queue, _ string, _ int) {
			m.postConflicts.WithLabelValues(queue).Inc()
		},
		MessagesPosted: func(queue, _ string, n int) {
			m.messagesPosted.WithLabelValues(queue).Add(float64(n))
		},
		PostFailed: func(queue, _ string) {
			m.postFailures.WithLabelValues(queue).Inc()
		},
		ClaimCreated: func(queue, _ string, n int) {
			m.claimsCreated.WithLabelValues(queue).Inc()
			m.messagesClaimed.WithLabelValues(queue).Add(float64(n))
		},
	}
}

func (m *Metrics) PoolingHooks() pooling.Hooks {
	return pooling.Hooks{
		CacheHit:  func() { m.lookupCache.WithLabelValues("hit").Inc() },
		CacheMiss: func() { m.lookupCache.WithLabelValues("miss").Inc() },
		QueueRegistered: func(pool string) {
			m.queuesRegistered.WithLabelValues(pool).Inc()
		},
	}
}

// ObserveSweep matches gc.WithObserver.
func (m *Metrics) ObserveSweep(res storage.GCResult, took time.Duration, err error) {
	m.gcDuration.Observe(took.Seconds())
	if err != nil {
		m.gcSweeps.WithLabelValues("error").Inc()
		return
	}
	m.gcSweeps.WithLabelValues("ok").Inc()
	m.gcDeleted.Add(float64(res.Deleted))
}

// ObserveRequest records one HTTP request. route is the route pattern,
// not the raw path.
func (m *Metrics) ObserveRequest(method, route string, status int, took time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
