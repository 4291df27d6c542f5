package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	outcomes           *prometheus.CounterVec
	activationDuration prometheus.Histogram
	barrierWait        prometheus.Histogram
	barrierObserved    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "startonce",
				Subsystem: "activation",
				Name:      "outcomes_total",
				Help:      "Election results by outcome",
			},
			[]string{"outcome"},
		),
		activationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "startonce",
				Subsystem: "activation",
				Name:      "duration_seconds",
				Help:      "Time spent in the election, including the lock wait",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
			},
		),
		barrierWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "startonce",
				Subsystem: "barrier",
				Name:      "wait_seconds",
				Help:      "Time spent waiting for the cluster to become active",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
		),
		barrierObserved: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "startonce",
				Subsystem: "barrier",
				Name:      "observed_instances",
				Help:      "Instances checked in at the barrier right after this instance",
			},
		),
	}
}
