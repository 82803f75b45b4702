// Package metrics declares the Prometheus collectors covenant exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	IngestCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covenant_ingest_cycles_total",
			Help: "Total ingestion cycles",
		},
		[]string{"outcome"}, // "ok", "aborted", "skipped"
	)

	IngestCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "covenant_ingest_cycle_duration_seconds",
			Help:    "Ingestion cycle duration",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	MessagesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "covenant_messages_ingested_total",
			Help: "Total new messages stored",
		},
	)

	MessagesParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covenant_messages_parsed_total",
			Help: "Total messages parsed",
		},
		[]string{"outcome"}, // "applied", "rejected", "ignored"
	)

	// Ledger metrics
	AgreementsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covenant_agreements_created_total",
			Help: "Total agreements created",
		},
		[]string{"collateral"},
	)

	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covenant_settlements_total",
			Help: "Total agreement settlements",
		},
		[]string{"resolution"},
	)

	Transfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covenant_transfers_total",
			Help: "Total applied ledger transfers",
		},
		[]string{"reason"},
	)

	ContractExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covenant_contract_executions_total",
			Help: "Total contract executions",
		},
		[]string{"type"},
	)

	// Collaborator metrics
	Replies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covenant_replies_total",
			Help: "Total replies handled",
		},
		[]string{"outcome"}, // "sent", "dry_run", "failed"
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covenant_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "covenant_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)
)
