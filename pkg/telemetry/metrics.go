// Package telemetry exposes Prometheus metrics for the synchronization
// core. The stub server serves them on /metrics; the client only counts.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RefreshRequests counts refresh signals arriving at the
	// reconciliation controller, before collapsing.
	RefreshRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpilot",
			Name:      "refresh_requests_total",
			Help:      "Refresh signals received by the reconciliation controller.",
		},
		[]string{"source"},
	)

	// TaskFetches counts fetchAll calls actually issued to the server.
	TaskFetches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpilot",
		Name:      "task_fetches_total",
		Help:      "Wholesale task list fetches issued to the server.",
	})

	// TaskMutations counts direct CRUD mutations by operation.
	TaskMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpilot",
			Name:      "task_mutations_total",
			Help:      "Direct task mutations issued to the server.",
		},
		[]string{"op"},
	)

	// PushReconnects counts push channel reconnect attempts.
	PushReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskpilot",
		Name:      "push_reconnects_total",
		Help:      "Push channel reconnect attempts.",
	})

	// PushEvents counts inbound push payloads by disposition.
	PushEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpilot",
			Name:      "push_events_total",
			Help:      "Inbound push channel payloads.",
		},
		[]string{"disposition"},
	)

	// ChatExchanges counts assistant exchanges by outcome.
	ChatExchanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskpilot",
			Name:      "chat_exchanges_total",
			Help:      "Assistant request/response exchanges.",
		},
		[]string{"outcome"},
	)
)
