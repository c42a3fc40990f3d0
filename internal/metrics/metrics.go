package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the Prometheus collectors shared by the API client and the
// verifying gateway.
type Recorder struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    prometheus.Counter

	verificationsTotal   *prometheus.CounterVec
	verificationDuration prometheus.Histogram
	replaysTotal         prometheus.Counter
}

// NewRecorder registers the collectors with reg. Pass a fresh
// prometheus.NewRegistry() in tests; registering twice on the same registry
// panics.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capi_client_requests_total",
				Help: "Total number of outgoing API requests by method and status code",
			},
			[]string{"method", "status"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capi_client_request_duration_seconds",
				Help:    "Outgoing API request latency including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		retriesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "capi_client_retries_total",
				Help: "Total number of retried API request attempts",
			},
		),
		verificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capi_verifications_total",
				Help: "Total number of signature verifications by result",
			},
			[]string{"result"},
		),
		verificationDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "capi_verification_duration_seconds",
				Help:    "Signature verification latency",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
			},
		),
		replaysTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "capi_replays_rejected_total",
				Help: "Total number of requests rejected as nonce replays",
			},
		),
	}
}

// ObserveRequest records one finished outgoing request. status is the HTTP
// status code, or 0 when no response was received.
func (r *Recorder) ObserveRequest(method string, status int, d time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	r.requestsTotal.WithLabelValues(method, label).Inc()
	r.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// IncRetry counts one retried attempt.
func (r *Recorder) IncRetry() {
	r.retriesTotal.Inc()
}

// ObserveVerification records the outcome of one signature check.
func (r *Recorder) ObserveVerification(result string, d time.Duration) {
	r.verificationsTotal.WithLabelValues(result).Inc()
	r.verificationDuration.Observe(d.Seconds())
	if result == ResultReplay {
		r.replaysTotal.Inc()
	}
}

// Verification results.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultReplay   = "replay"
	ResultError    = "error"
)
