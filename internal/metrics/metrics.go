// ABOUTME: Prometheus instrumentation shared by the web and relay processes
// ABOUTME: Counters for admission outcomes and relay attempts, gauge for queue depth

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionAccepted counts posts admitted to the outbox, by channel scope.
	AdmissionAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshboard_admission_accepted_total",
		Help: "Posts admitted to the outbound queue.",
	}, []string{"scope"})

	// AdmissionRejected counts rejected posts by reason.
	AdmissionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshboard_admission_rejected_total",
		Help: "Posts rejected by the admission gate.",
	}, []string{"reason"})

	// RelayAttempts counts send attempts by result (accepted, rejected,
	// unavailable).
	RelayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshboard_relay_attempts_total",
		Help: "Outbox send attempts by transport result.",
	}, []string{"result"})

	// RelayDead counts entries that exhausted their retry budget.
	RelayDead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshboard_relay_dead_total",
		Help: "Outbox entries moved to the dead state.",
	})

	// OutboxDepth tracks queued entries at the last relay poll.
	OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshboard_outbox_depth",
		Help: "Queued outbox entries observed at the last poll.",
	})

	// InboundMessages counts messages received from the mesh.
	InboundMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshboard_inbound_messages_total",
		Help: "Messages received from the radio mesh.",
	})

	// HTTPRequests counts API requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshboard_http_requests_total",
		Help: "API requests by route and status class.",
	}, []string{"route", "class"})
)
