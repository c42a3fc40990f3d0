package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder_ObserveRequest(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())

	r.ObserveRequest("POST", 200, 10*time.Millisecond)
	r.ObserveRequest("POST", 200, 20*time.Millisecond)
	r.ObserveRequest("GET", 0, time.Millisecond)
	r.IncRetry()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.requestsTotal.WithLabelValues("POST", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requestsTotal.WithLabelValues("GET", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.retriesTotal))
	assert.Equal(t, 2, testutil.CollectAndCount(r.requestDuration))
}

func TestRecorder_ObserveVerification(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())

	r.ObserveVerification(ResultOK, time.Millisecond)
	r.ObserveVerification(ResultReplay, time.Millisecond)
	r.ObserveVerification(ResultRejected, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.verificationsTotal.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.verificationsTotal.WithLabelValues(ResultReplay)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.replaysTotal))
}

func TestNewRecorder_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewRecorder(prometheus.NewRegistry())
		NewRecorder(prometheus.NewRegistry())
	})
}
