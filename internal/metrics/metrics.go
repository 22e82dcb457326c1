package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var UpstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "threadrelay",
	Subsystem: "upstream",
	Name:      "attempts_total",
	Help:      "Outbound call attempts by host and outcome",
}, []string{"host", "outcome"})

var UpstreamAttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "threadrelay",
	Subsystem: "upstream",
	Name:      "attempt_duration_seconds",
	Help:      "Duration of single outbound call attempts",
	Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
}, []string{"host"})

var RunPolls = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "threadrelay",
	Subsystem: "relay",
	Name:      "run_polls_total",
	Help:      "Finished run polls by result state",
}, []string{"state"})

var RunPollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "threadrelay",
	Subsystem: "relay",
	Name:      "run_poll_duration_seconds",
	Help:      "Wall-clock time spent polling a run",
	Buckets:   []float64{1, 2, 4, 8, 12, 16, 20, 25},
}, []string{"state"})

var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "threadrelay",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Inbound requests by route and status code",
}, []string{"route", "code"})

var HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "threadrelay",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "Inbound request latency by route",
	Buckets:   prometheus.DefBuckets,
}, []string{"route"})

var SinkDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "threadrelay",
	Subsystem: "sink",
	Name:      "deliveries_total",
	Help:      "Analytics sink deliveries by sink and result",
}, []string{"sink", "result"})
