package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowdesk_sync_runs_total",
		Help: "Total number of per-connection sync runs by resource and outcome.",
	}, []string{"resource", "outcome"})

	ItemsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowdesk_items_ingested_total",
		Help: "Total number of canonical items ingested by result.",
	}, []string{"source", "result"})

	CursorInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowdesk_cursor_invalidations_total",
		Help: "Total number of cursor invalidations recovered by backfill.",
	}, []string{"resource"})

	OutboxEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowdesk_outbox_events_total",
		Help: "Total number of outbox events by type and outcome.",
	}, []string{"event_type", "outcome"})

	PullBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowdesk_pull_batches_total",
		Help: "Total number of notification pull batches by outcome.",
	}, []string{"outcome"})

	Proposals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowdesk_proposals_total",
		Help: "Total number of action proposals by type and status transition.",
	}, []string{"proposal_type", "status"})

	Candidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowdesk_proposal_candidates_total",
		Help: "Total number of proposal candidates by outcome.",
	}, []string{"outcome"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
