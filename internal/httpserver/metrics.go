package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type apiMetrics struct {
	registry      *prometheus.Registry
	bookings      *prometheus.CounterVec
	cancellations *prometheus.CounterVec
	passGrants    prometheus.Counter
}

func newAPIMetrics() *apiMetrics {
	registry := prometheus.NewRegistry()
	metrics := &apiMetrics{
		registry: registry,
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_bookings_total",
			Help: "Booking attempts by result.",
		}, []string{"result"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studio_cancellations_total",
			Help: "Cancellation attempts by result.",
		}, []string{"result"}),
		passGrants: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studio_pass_grants_total",
			Help: "Credit batches granted.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		metrics.bookings,
		metrics.cancellations,
		metrics.passGrants,
	)
	return metrics
}

func (metrics *apiMetrics) handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}
