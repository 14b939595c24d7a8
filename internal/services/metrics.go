// Package services – Prometheus domain metrics.
//
// HTTP-level metrics live in the middleware; the collectors here count ledger
// and job-lifecycle events, which is what the on-call person actually wants
// on a dashboard when refunds or declines spike.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// ledgerEntriesTotal counts applied ledger entries by reason code.
	ledgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_entries_total",
			Help: "Total number of applied ledger entries by reason.",
		},
		[]string{"reason"},
	)

	// ledgerDeclinesTotal counts reserves declined for insufficient balance.
	ledgerDeclinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_declines_total",
			Help: "Total number of reserves declined for insufficient balance.",
		},
	)

	// jobTransitionsTotal counts job state transitions by resulting status.
	jobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_transitions_total",
			Help: "Total number of job state transitions by resulting status.",
		},
		[]string{"status"},
	)

	// idempotentReplaysTotal counts requests served from the idempotency cache.
	idempotentReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotent_replays_total",
			Help: "Total number of requests served from the idempotency cache.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ledgerEntriesTotal,
		ledgerDeclinesTotal,
		jobTransitionsTotal,
		idempotentReplaysTotal,
	)
}
