// Package metrics defines the Prometheus metrics for the coordinator.
// Collectors are registered upfront so every subsystem can use them
// without touching this file again.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CurrentToken tracks the current round token.
	CurrentToken = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beetle_coordinator_current_token",
		Help: "Current round token held by the coordinator",
	})

	// CoordinatorState tracks the state machine's current state
	// (0 = undecided, 1 = running, 2 = paused).
	CoordinatorState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beetle_coordinator_state",
		Help: "Coordinator state: 0=undecided 1=running 2=paused",
	})

	// MasterSwitchesTotal counts master switch attempts by result:
	// "ok" for a completed switch, "no_candidate" when no replacement
	// was found and the old master was kept.
	MasterSwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beetle_coordinator_master_switches_total",
		Help: "Total master switch attempts, by result",
	}, []string{"reason"})

	// InvalidationRoundsTotal counts invalidation rounds by outcome.
	InvalidationRoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beetle_coordinator_invalidation_rounds_total",
		Help: "Total invalidation rounds started, by outcome",
	}, []string{"outcome"})

	// UnknownClientReportsTotal counts system_notification reports of
	// client ids outside the configured set: one per id newly recorded
	// as unknown via pong, heartbeat or client_started, not one per
	// message.
	UnknownClientReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beetle_coordinator_unknown_client_reports_total",
		Help: "Total reports of newly recorded unconfigured client ids",
	}, []string{"client_id"})

	// UnresponsiveClients tracks the number of configured clients whose
	// last message is at least the dead threshold old. Clients never seen
	// are not counted.
	UnresponsiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beetle_coordinator_unresponsive_clients",
		Help: "Number of configured clients considered unresponsive",
	})

	// MasterFilePersistFailures counts failed attempts to persist the
	// master file.
	MasterFilePersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beetle_coordinator_master_file_persist_failures_total",
		Help: "Total failures writing the master file",
	})

	// WatcherProbesTotal counts master watcher probes by result.
	WatcherProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beetle_coordinator_watcher_probes_total",
		Help: "Total master watcher probes, by result",
	}, []string{"result"})

	// RedisProbeDuration tracks how long a full probe of the Redis pool
	// takes.
	RedisProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "beetle_coordinator_redis_probe_duration_seconds",
		Help:    "Duration of a full Redis pool probe",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// BusMessagesTotal counts control messages by routing key and
	// disposition (handled vs dropped).
	BusMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beetle_coordinator_bus_messages_total",
		Help: "Total control-plane messages processed, by kind and disposition",
	}, []string{"kind", "disposition"})
)
