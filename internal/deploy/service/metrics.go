package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eeveon",
		Name:      "deployment_attempts_total",
		Help:      "Deployment attempts by project and terminal outcome.",
	}, []string{"project", "outcome"})

	nodeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eeveon",
		Name:      "node_failures_total",
		Help:      "Per-node failures during deployment, by failure kind.",
	}, []string{"project", "kind"})

	waveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eeveon",
		Name:      "wave_duration_seconds",
		Help:      "Wall-clock time spent per deployment wave.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"project"})

	rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eeveon",
		Name:      "rollbacks_total",
		Help:      "Rollback operations by project and outcome.",
	}, []string{"project", "outcome"})
)
