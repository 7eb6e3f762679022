// Package metrics defines the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChunksIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aegis_chunks_ingested_total",
		Help: "Chunks transcoded, uploaded, and recorded in the ledger.",
	})

	ChunksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aegis_chunks_skipped_total",
		Help: "Chunk submissions skipped for being below the minimum media size.",
	})

	ChunksDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aegis_chunks_duplicate_total",
		Help: "Chunk submissions absorbed as idempotent duplicates.",
	})

	IncidentsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aegis_incidents_started_total",
		Help: "Incidents created.",
	})

	DeletionRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aegis_deletion_requests_total",
		Help: "Deletion requests opened.",
	})

	VotesCast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_votes_cast_total",
		Help: "Votes recorded on deletion requests, by choice.",
	}, []string{"choice"})

	IncidentsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aegis_incidents_purged_total",
		Help: "Incidents hard-deleted by the retention sweep.",
	})

	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aegis_notify_failures_total",
		Help: "Trust-network notification deliveries that failed.",
	})
)
