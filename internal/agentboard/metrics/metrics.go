// Package metrics exposes Prometheus counters for the ingestion and
// admission paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebhookEvents counts deliveries by source and outcome.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentboard",
		Name:      "webhook_events_total",
		Help:      "Webhook deliveries processed, by source and outcome.",
	}, []string{"source", "outcome"})

	// GateDecisions counts admission decisions by workflow type and reason.
	// Allowed decisions use reason "allowed".
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentboard",
		Name:      "gate_decisions_total",
		Help:      "Spawn gate decisions, by workflow type and reason.",
	}, []string{"workflow", "reason"})

	// SpawnsDispatched counts agent runs actually started.
	SpawnsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentboard",
		Name:      "spawns_dispatched_total",
		Help:      "Agent runs dispatched to CI, by workflow type.",
	}, []string{"workflow"})

	// RunsCompleted counts terminal run reports by outcome.
	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentboard",
		Name:      "runs_completed_total",
		Help:      "Agent runs reported complete, by outcome.",
	}, []string{"outcome"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
