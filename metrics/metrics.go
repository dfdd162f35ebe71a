// Package metrics exposes the engine's prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PushesDelivered counts payloads delivered and acknowledged to
	// friends.
	PushesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ploggy_pushes_delivered_total",
		Help: "Payloads successfully pushed to friends.",
	})

	// PullsCompleted counts completed pull exchanges.
	PullsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ploggy_pulls_completed_total",
		Help: "Completed pull exchanges with friends.",
	})

	// DownloadsCompleted counts resource downloads brought to the
	// COMPLETE state.
	DownloadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ploggy_downloads_completed_total",
		Help: "Friend resource downloads completed.",
	})

	// EngineRestarts counts full engine stop/start cycles.
	EngineRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ploggy_engine_restarts_total",
		Help: "Full engine restarts (watchdog, preference or identity driven).",
	})

	// PeerRequestsServed counts incoming peer requests by path.
	PeerRequestsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ploggy_peer_requests_served_total",
		Help: "Incoming peer requests served, by request path.",
	}, []string{"path"})
)
