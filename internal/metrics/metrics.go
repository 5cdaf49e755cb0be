// Package metrics defines the Prometheus collectors exposed on /metrics.
// Collectors are registered on the default registry via promauto; components
// update them directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AgentsConnected tracks the number of currently bound agent sessions,
	// partitioned by kind ("real" or "mock").
	AgentsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "winfleet",
		Name:      "agents_connected",
		Help:      "Number of currently connected agents.",
	}, []string{"kind"})

	// CommandsDispatched counts command dispatches by outcome
	// ("completed", "timeout", "send_failed", "not_connected").
	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "winfleet",
		Name:      "commands_dispatched_total",
		Help:      "Total commands dispatched to agents, by outcome.",
	}, []string{"outcome"})

	// CommandDuration observes end-to-end command execution latency as
	// reported by agents.
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "winfleet",
		Name:      "command_duration_seconds",
		Help:      "Command execution time reported by agents.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// TerminalSessionsActive tracks currently open interactive sessions.
	TerminalSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "winfleet",
		Name:      "terminal_sessions_active",
		Help:      "Number of active terminal sessions.",
	})

	// RequestsPending tracks unresolved correlator entries.
	RequestsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "winfleet",
		Name:      "requests_pending",
		Help:      "Number of in-flight command requests awaiting a response.",
	})
)
