package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

const namespace = "lux"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "spawns_total",
			Help:      "Number of processes spawned per service.",
		}, []string{"service"},
	)
	serviceExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "exits_total",
			Help:      "Number of process exits by reason (requested, unexpected, killed).",
		}, []string{"service", "reason"},
	)
	serviceRemovals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "removals_total",
			Help:      "Number of services removed from the registry.",
		}, []string{"service"},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "handshake_duration_seconds",
			Help:      "Time from spawn until the service is running.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"service", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current lifecycle state of services (1 = active state, 0 = inactive).",
		}, []string{"service", "state"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "messages_total",
			Help:      "Inbound protocol messages by verb.",
		}, []string{"service", "action"},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "dropped_total",
			Help:      "Inbound protocol messages dropped as malformed or unknown.",
		}, []string{"service", "reason"},
	)
	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "heartbeats_total",
			Help:      "Heartbeat replies received.",
		}, []string{"service"},
	)
	missed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "missed_total",
			Help:      "Services found stale and sent into recovery.",
		}, []string{"service"},
	)
	waiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "waiting",
			Help:      "Services whose handshake waits on dependencies.",
		},
	)
	historyEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "events_total",
			Help:      "Lifecycle events handed to the history sink by outcome.",
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceSpawns, serviceExits, serviceRemovals, handshakeDuration,
		stateTransitions, currentStates, messages, dropped, heartbeats, missed, waiting,
		historyEvents,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(service string) {
	if regOK.Load() {
		serviceSpawns.WithLabelValues(service).Inc()
	}
}

func IncExit(service, reason string) {
	if regOK.Load() {
		serviceExits.WithLabelValues(service, reason).Inc()
	}
}

func IncRemoval(service string) {
	if regOK.Load() {
		serviceRemovals.WithLabelValues(service).Inc()
	}
}

func ObserveHandshake(service string, seconds float64) {
	if regOK.Load() {
		handshakeDuration.WithLabelValues(service).Observe(seconds)
	}
}

// RecordStateTransition counts the transition and moves the current-state gauge.
func RecordStateTransition(service string, from, to protocol.State) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(service, from.String(), to.String()).Inc()
	currentStates.WithLabelValues(service, from.String()).Set(0)
	currentStates.WithLabelValues(service, to.String()).Set(1)
}

// ForgetService drops the per-state gauges of a removed service.
func ForgetService(service string) {
	if regOK.Load() {
		currentStates.DeletePartialMatch(prometheus.Labels{"service": service})
	}
}

func IncMessage(service string, action protocol.Action) {
	if regOK.Load() {
		messages.WithLabelValues(service, action.String()).Inc()
	}
}

func IncDropped(service, reason string) {
	if regOK.Load() {
		dropped.WithLabelValues(service, reason).Inc()
	}
}

func IncHeartbeat(service string) {
	if regOK.Load() {
		heartbeats.WithLabelValues(service).Inc()
	}
}

func IncMissed(service string) {
	if regOK.Load() {
		missed.WithLabelValues(service).Inc()
	}
}

func SetWaiting(n int) {
	if regOK.Load() {
		waiting.Set(float64(n))
	}
}

// IncHistory counts one history event; outcome is sent, failed or dropped.
func IncHistory(outcome string) {
	if regOK.Load() {
		historyEvents.WithLabelValues(outcome).Inc()
	}
}
