// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webhook_relay"

// Recorder counts relay outcomes and upstream round trips.
type Recorder struct {
	requests  *prometheus.CounterVec
	responses *prometheus.CounterVec
	duration  prometheus.Histogram
}

// NewRecorder registers the relay collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Inbound webhooks handled by the relay, by outcome",
			},
			[]string{"outcome"},
		),
		responses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_responses_total",
				Help:      "Responses received from the upstream dispatch API, by status code",
			},
			[]string{"code"},
		),
		duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_duration_seconds",
				Help:      "Duration of upstream dispatch calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

// Outcome counts one handled request.
func (r *Recorder) Outcome(outcome string) {
	r.requests.WithLabelValues(outcome).Inc()
}

// UpstreamResponse records a completed upstream round trip.
func (r *Recorder) UpstreamResponse(code int, elapsed time.Duration) {
	r.responses.WithLabelValues(strconv.Itoa(code)).Inc()
	r.duration.Observe(elapsed.Seconds())
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
