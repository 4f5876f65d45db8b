// Package metrics defines the Prometheus collectors for the watch pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CyclesTotal counts polling cycles by outcome (ok, no_credential, error).
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tweet_watcher_cycles_total",
			Help: "Number of polling cycles by outcome",
		},
		[]string{"outcome"},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tweet_watcher_cycle_duration_seconds",
			Help:    "Duration of polling cycles",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SearchesTotal counts search calls by outcome (ok, rate_limited, error).
	SearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tweet_watcher_searches_total",
			Help: "Number of search API calls by outcome",
		},
		[]string{"outcome"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tweet_watcher_notifications_total",
			Help: "Qualifying results by dedup outcome (created, skipped)",
		},
		[]string{"outcome"},
	)

	// DeliveriesTotal counts delivery triggers by outcome (sent, duplicate, error).
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tweet_watcher_deliveries_total",
			Help: "Number of notification deliveries by outcome",
		},
		[]string{"outcome"},
	)
)

var once sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(CyclesTotal, CycleDuration, SearchesTotal, NotificationsTotal, DeliveriesTotal)
	})
}
