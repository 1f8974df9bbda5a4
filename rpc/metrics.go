package rpc

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks the relay's admission counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Bundles        prometheus.Counter
	Rejections     *prometheus.CounterVec
	FanoutFailures *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	bundles := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "bundles_total",
		Help:      "Number of bundles received.",
	})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "policy_rejections_total",
		Help:      "Bundles rejected by admission policy, by reason.",
	}, []string{"reason"})
	fanoutFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "fanout_failures_total",
		Help:      "Downstream relay delivery failures, by target.",
	}, []string{"target"})
	registry.MustRegister(bundles, rejections, fanoutFailures)
	return &Metrics{
		registry:       registry,
		Bundles:        bundles,
		Rejections:     rejections,
		FanoutFailures: fanoutFailures,
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
