package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "statekeep"
	subsystem = "supervisor"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_total",
			Help:      "Number of supervision sessions started.",
		}, []string{"app"},
	)
	runningSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "running_sessions",
			Help:      "Supervision sessions whose decode loop is currently running.",
		},
	)
	statesRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "states_recorded_total",
			Help:      "Number of state snapshots persisted.",
		}, []string{"app"},
	)
	persistErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "persist_errors_total",
			Help:      "Number of failed state writes by error kind.",
		}, []string{"app", "kind"},
	)
	malformedOutput = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "malformed_output_total",
			Help:      "Number of undecodable chunks read from application output.",
		}, []string{"app"},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "terminations_total",
			Help:      "Number of finished sessions by reason (idle, kill, cancel, spawn_failure).",
		}, []string{"app", "reason"},
	)
	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_duration_seconds",
			Help:      "Wall time from spawn to the end of the decode loop.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"app"},
	)
	retentionPruned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "pruned_records_total",
			Help:      "Records removed from the state file by retention, by record type.",
		}, []string{"type"},
	)
	retentionNextRun = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "next_run_timestamp_seconds",
			Help:      "Unix time of the next scheduled retention run.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		sessions, runningSessions, statesRecorded, persistErrors, malformedOutput,
		terminations, sessionDuration, childCPUPercent, childMemoryBytes, childThreads,
		retentionPruned, retentionNextRun,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Enabled reports whether Register has succeeded.
func Enabled() bool { return regOK.Load() }

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func SessionStarted(app string) {
	if regOK.Load() {
		sessions.WithLabelValues(app).Inc()
		runningSessions.Inc()
	}
}

// SessionEnded records why and after how long a session finished.
func SessionEnded(app, reason string, seconds float64) {
	if regOK.Load() {
		runningSessions.Dec()
		terminations.WithLabelValues(app, reason).Inc()
		sessionDuration.WithLabelValues(app).Observe(seconds)
	}
}

// SpawnFailed counts a session that never reached its decode loop.
func SpawnFailed(app string) {
	if regOK.Load() {
		terminations.WithLabelValues(app, "spawn_failure").Inc()
	}
}

func IncStatesRecorded(app string) {
	if regOK.Load() {
		statesRecorded.WithLabelValues(app).Inc()
	}
}

func IncPersistErrors(app, kind string) {
	if regOK.Load() {
		persistErrors.WithLabelValues(app, kind).Inc()
	}
}

func IncMalformedOutput(app string) {
	if regOK.Load() {
		malformedOutput.WithLabelValues(app).Inc()
	}
}

// RetentionPruned counts records removed by one retention run.
func RetentionPruned(states, logs int) {
	if regOK.Load() {
		retentionPruned.WithLabelValues("state").Add(float64(states))
		retentionPruned.WithLabelValues("log").Add(float64(logs))
	}
}

func SetRetentionNextRun(unix float64) {
	if regOK.Load() {
		retentionNextRun.Set(unix)
	}
}
