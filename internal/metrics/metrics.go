// Package metrics exports sweep activity to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sweep metrics
var (
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_filter_messages_total",
			Help: "Total number of messages evaluated, by resulting disposition",
		},
		[]string{"folder", "disposition"},
	)

	MessageErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_filter_message_errors_total",
			Help: "Total number of messages that failed, by stage",
		},
		[]string{"folder", "stage"},
	)

	LogicExpansionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remote_filter_logic_expansions_total",
			Help: "Total number of logic invocations made while evaluating rules",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remote_filter_sweep_duration_seconds",
			Help:    "Duration of a full pass over all filtered folders",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
)
