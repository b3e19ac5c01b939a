package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_sync_duration_seconds",
			Help:    "Duration of repository sync operations",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	syncErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_sync_errors_total",
			Help: "Total number of repository sync errors",
		},
	)

	cacheFetches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_pull_through_fetches_total",
			Help: "Total number of pull-through index fetches",
		},
	)
)
