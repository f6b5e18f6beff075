package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/admitgate/internal/ratelimit"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Decisions       *prometheus.CounterVec
	Evicted         *prometheus.CounterVec
	Buckets         *prometheus.GaugeVec
}

var _ ratelimit.Observer = (*Metrics)(nil)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admitgate_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"endpoint", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "admitgate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "method"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admitgate_admission_decisions_total",
				Help: "Admission checks by outcome (admitted, rejected, invalid)",
			},
			[]string{"limiter", "outcome"},
		),
		Evicted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admitgate_buckets_evicted_total",
				Help: "Idle buckets removed by the eviction sweep",
			},
			[]string{"limiter"},
		),
		Buckets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "admitgate_buckets",
				Help: "Live buckets after the last sweep",
			},
			[]string{"limiter"},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.Decisions, m.Evicted, m.Buckets)
	return m
}

func (m *Metrics) Decision(limiter string, outcome ratelimit.Outcome) {
	m.Decisions.WithLabelValues(limiter, string(outcome)).Inc()
}

func (m *Metrics) Swept(limiter string, evicted, live int) {
	m.Evicted.WithLabelValues(limiter).Add(float64(evicted))
	m.Buckets.WithLabelValues(limiter).Set(float64(live))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records per-request metrics under the endpoint label.
func (m *Metrics) Middleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(endpoint, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
