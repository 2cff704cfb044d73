package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

var (
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "atlas",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "LLM request latency per service and outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "outcome"},
	)
	queueRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atlas",
			Subsystem: "gateway",
			Name:      "queue_rejections_total",
			Help:      "Requests rejected because the service queue was full.",
		},
		[]string{"service"},
	)
	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "atlas",
			Subsystem: "gateway",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per service (0 closed, 1 half-open, 2 open).",
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(requestDuration, queueRejections, circuitState)
}

func observeRequest(service string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	requestDuration.WithLabelValues(service, outcome).Observe(d.Seconds())
}

func observeRejection(service string) {
	queueRejections.WithLabelValues(service).Inc()
}

func observeCircuitState(service string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	circuitState.WithLabelValues(service).Set(v)
}
