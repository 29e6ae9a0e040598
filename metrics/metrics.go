package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqbridge_messages_forwarded_total",
			Help: "Total number of messages forwarded by queue pair.",
		},
		[]string{"pair"},
	)

	DuplicatesDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqbridge_duplicates_discarded_total",
			Help: "Total number of redelivered messages dropped because they were already forwarded.",
		},
		[]string{"pair"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqbridge_errors_total",
			Help: "Total number of transfer errors by queue pair.",
		},
		[]string{"pair"},
	)

	BackoffDelay = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqbridge_backoff_delay_seconds",
			Help: "Current reconnect delay of a queue pair, zero when not backing off.",
		},
		[]string{"pair"},
	)

	// PairState holds the numeric worker state: 0 connecting, 1 transferring,
	// 2 backoff, 3 stopped.
	PairState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqbridge_pair_state",
			Help: "Current worker state by queue pair.",
		},
		[]string{"pair"},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqbridge_active_workers",
			Help: "Current number of running pair workers.",
		},
	)
)
