package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provisioning outcomes reported in vmgen_provision_total.
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeTimeout     = "timeout"
	OutcomeCancelled   = "cancelled"
	OutcomeStoreFailed = "store_failed"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmgen_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmgen_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vmgen_http_requests_in_flight",
		Help: "Current number of HTTP requests being processed.",
	})

	provisionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmgen_provision_total",
			Help: "Provisioning runs by outcome.",
		},
		[]string{"outcome"},
	)

	provisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vmgen_provision_duration_seconds",
		Help:    "Wall-clock duration of provisioning runs.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	provisionInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vmgen_provision_in_flight",
		Help: "Provisioning runs currently executing.",
	})
)

// RecordDB is the subset of db.DB needed to collect record metrics.
type RecordDB interface {
	CountByOS() (map[string]int, error)
}

// recordCollector is a custom Prometheus collector that queries the database
// on each scrape to report declared VMs broken down by OS type.
type recordCollector struct {
	db          RecordDB
	recordsDesc *prometheus.Desc
}

func (c *recordCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.recordsDesc
}

func (c *recordCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.db.CountByOS()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.recordsDesc, err)
		return
	}
	for osType, n := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.recordsDesc,
			prometheus.GaugeValue,
			float64(n),
			osType,
		)
	}
}

func newRecordCollector(db RecordDB) *recordCollector {
	return &recordCollector{
		db: db,
		recordsDesc: prometheus.NewDesc(
			"vmgen_vm_records",
			"Number of declared VM records, partitioned by OS type.",
			[]string{"os_type"},
			nil,
		),
	}
}

// Register registers all metrics with reg. Call once at startup after the
// database is initialised.
func Register(reg prometheus.Registerer, db RecordDB) {
	reg.MustRegister(
		// Standard Go runtime and process metrics
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		// HTTP service metrics
		httpRequestsTotal,
		httpRequestDuration,
		httpRequestsInFlight,

		// Application metrics
		provisionTotal,
		provisionDuration,
		provisionInFlight,
		newRecordCollector(db),
	)
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ProvisionStarted marks a provisioning run as executing and returns a func
// that records its outcome and duration.
func ProvisionStarted() func(outcome string) {
	start := time.Now()
	provisionInFlight.Inc()
	return func(outcome string) {
		provisionInFlight.Dec()
		provisionTotal.WithLabelValues(outcome).Inc()
		provisionDuration.Observe(time.Since(start).Seconds())
	}
}

// responseWriter wraps http.ResponseWriter to capture the response status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler to record HTTP metrics.
// pattern should be the route pattern string (e.g. "GET /view-database")
// so the path label has bounded cardinality.
func Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			httpRequestsInFlight.Dec()
			status := strconv.Itoa(rw.status)
			httpRequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}()

		next.ServeHTTP(rw, r)
	})
}
