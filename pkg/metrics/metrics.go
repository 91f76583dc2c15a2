package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotastatus_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quotastatus_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotastatus_connections_rejected_total",
			Help: "Connections rejected at accept time",
		},
		[]string{"protocol", "reason"},
	)
)

// Policy decision metrics
var (
	PolicyQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotastatus_policy_queries_total",
			Help: "Total number of policy queries answered, by action kind",
		},
		[]string{"action"},
	)

	PolicyQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quotastatus_policy_query_duration_seconds",
			Help:    "Time from finalized request to written response",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
	)

	QuotaOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotastatus_quota_outcomes_total",
			Help: "Quota allocation outcomes from the quota engine",
		},
		[]string{"outcome"},
	)
)

// Database pool metrics
var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quotastatus_db_pool_total_conns",
			Help: "Total connections in the database pool",
		},
		[]string{"role"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quotastatus_db_pool_idle_conns",
			Help: "Idle connections in the database pool",
		},
		[]string{"role"},
	)

	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quotastatus_db_pool_in_use_conns",
			Help: "Acquired connections in the database pool",
		},
		[]string{"role"},
	)

	DBLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotastatus_db_lookups_total",
			Help: "Backend lookups executed, by operation and status",
		},
		[]string{"operation", "status"},
	)
)
