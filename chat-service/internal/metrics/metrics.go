// Package metrics holds the service's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "incident_chat"

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Currently joined realtime sessions.",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_rejected_total",
		Help:      "Realtime sessions rejected during setup, by close code.",
	}, []string{"code"})

	MessagesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_appended_total",
		Help:      "Messages committed to the ledger.",
	})

	FrameErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frame_errors_total",
		Help:      "Error frames sent to clients, by error kind.",
	}, []string{"kind"})

	ReadReceipts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "read_receipts_total",
		Help:      "Read receipts recorded.",
	})

	CollaboratorFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collaborator_failures_total",
		Help:      "Failed calls to push, event bus and ITSM collaborators.",
	}, []string{"collaborator"})

	CollaboratorDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collaborator_dropped_total",
		Help:      "Collaborator jobs dropped because the queue was full.",
	}, []string{"collaborator"})

	SLAFindings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sla_findings_total",
		Help:      "Threads found breached or at risk by the SLA scan.",
	}, []string{"status"})

	ChainVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_verifications_total",
		Help:      "Hash chain verifications, by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		Connections,
		ConnectionsRejected,
		MessagesAppended,
		FrameErrors,
		ReadReceipts,
		CollaboratorFailures,
		CollaboratorDropped,
		SLAFindings,
		ChainVerifications,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
