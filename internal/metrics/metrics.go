// Package metrics exposes engine counters and gauges for Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks currently registered call sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callengine",
		Name:      "active_sessions",
		Help:      "Number of call sessions currently in the registry.",
	})

	// CallsTotal counts calls by direction and final status.
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callengine",
		Name:      "calls_total",
		Help:      "Completed calls by direction and outcome.",
	}, []string{"direction", "outcome"})

	// TransfersTotal counts transfer attempts by terminal state.
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callengine",
		Name:      "transfers_total",
		Help:      "Transfer attempts by terminal state.",
	}, []string{"state"})

	// DTMFDigitsDropped counts digits lost to a full input buffer.
	DTMFDigitsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "callengine",
		Name:      "dtmf_digits_dropped_total",
		Help:      "DTMF digits dropped because the session buffer was full.",
	})

	// BridgePackets counts RTP packets relayed through bridges.
	BridgePackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callengine",
		Name:      "bridge_packets_total",
		Help:      "RTP packets relayed by audio bridges, per direction.",
	}, []string{"direction"})

	// CallSetupSeconds measures offer-received to media-connected latency.
	CallSetupSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "callengine",
		Name:      "call_setup_seconds",
		Help:      "Time from offer receipt to connected media.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13},
	})

	// WebhookEventsTotal counts provider webhook events by kind.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callengine",
		Name:      "webhook_events_total",
		Help:      "Provider webhook call events received, per event kind.",
	}, []string{"event"})
)
