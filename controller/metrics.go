package controller

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	provisions        *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	instances         *prometheus.GaugeVec
	reconcileDuration *prometheus.HistogramVec
	reconcileErrors   *prometheus.CounterVec
}

// newMetrics registers the controller metrics. Controllers sharing a registerer share the
// collectors, told apart by their cloud label.
func newMetrics(registerer prometheus.Registerer) *metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	return &metrics{
		provisions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmhand",
			Name:      "provisions_total",
			Help:      "Provisioning requests by outcome.",
		}, []string{"cloud", "template", "result"})),
		transitions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmhand",
			Name:      "instance_transitions_total",
			Help:      "Instance state transitions by target state.",
		}, []string{"cloud", "state"})),
		instances: register(registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "farmhand",
			Name:      "instances",
			Help:      "Tracked instances by state.",
		}, []string{"cloud", "state"})),
		reconcileDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "farmhand",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cloud"})),
		reconcileErrors: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmhand",
			Name:      "reconcile_errors_total",
			Help:      "Reconciliation passes that could not complete.",
		}, []string{"cloud"})),
	}
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}
