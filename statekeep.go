// Package statekeep embeds the state-keeping supervisor: run an application
// with its last recorded state and persist every JSON value it reports.
package statekeep

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/statekeep/internal/config"
	"github.com/loykin/statekeep/internal/dispatch"
	"github.com/loykin/statekeep/internal/history"
	"github.com/loykin/statekeep/internal/history/factory"
	"github.com/loykin/statekeep/internal/metrics"
	"github.com/loykin/statekeep/internal/server"
	"github.com/loykin/statekeep/internal/state"
	"github.com/loykin/statekeep/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Monitor = supervisor.Monitor

type Event = supervisor.Event

type EventType = supervisor.EventType

type Error = supervisor.Error

type ErrorKind = supervisor.ErrorKind

type StateRecord = state.StateRecord

type LogRecord = state.LogRecord

type LogEvent = state.LogEvent

type HistorySink = history.Sink

type Summary = dispatch.Summary

const (
	EventApplicationTerminated = supervisor.EventApplicationTerminated
	EventApplicationRestarted  = supervisor.EventApplicationRestarted
	EventStateRecorded         = supervisor.EventStateRecorded
	EventLogRecorded           = supervisor.EventLogRecorded
	EventError                 = supervisor.EventError

	KindSpawnFailure         = supervisor.KindSpawnFailure
	KindPersistIOFailure     = supervisor.KindPersistIOFailure
	KindPersistEncodeFailure = supervisor.KindPersistEncodeFailure
	KindMalformedOutput      = supervisor.KindMalformedOutput
	KindSupervisorCrashed    = supervisor.KindSupervisorCrashed
	KindUnknownCommand       = supervisor.KindUnknownCommand
	KindFailToRun            = supervisor.KindFailToRun
)

// ApplicationTerminated and SignalReceived build log event tags.
func ApplicationTerminated() *LogEvent          { return state.ApplicationTerminated() }
func SignalReceived(code uint8) *LogEvent       { return state.SignalReceived(code) }
func ParseLogEvent(s string) (*LogEvent, error) { return state.ParseLogEvent(s) }

func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a json, toml or yaml config file. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewHistorySink opens a history sink from a DSN: a sqlite path or sqlite://,
// postgres://, clickhouse:// or opensearch URLs.
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// Supervisor is a thin facade over the dispatcher for one state file.
type Supervisor struct{ inner *dispatch.Dispatcher }

// New returns a Supervisor for cfg. A nil cfg uses DefaultConfig and a nil
// logger uses slog.Default.
func New(cfg *Config, logger *slog.Logger, sinks ...HistorySink) *Supervisor {
	return &Supervisor{inner: dispatch.New(cfg, logger, sinks)}
}

func (s *Supervisor) Config() *Config { return s.inner.Config }

// Run starts supervising app, or the configured application when app is empty.
func (s *Supervisor) Run(ctx context.Context, app string) (*Monitor, error) {
	return s.inner.Run(ctx, app)
}

// Supervise runs app to completion and records its termination.
func (s *Supervisor) Supervise(ctx context.Context, app string) (Summary, error) {
	return s.inner.Supervise(ctx, app, nil)
}

func (s *Supervisor) Log(ctx context.Context, message string, event *LogEvent) (LogRecord, error) {
	return s.inner.Log(ctx, message, event)
}

func (s *Supervisor) Latest() (StateRecord, bool, error)      { return s.inner.Backend.Latest() }
func (s *Supervisor) States(limit int) ([]StateRecord, error) { return s.inner.Backend.States(limit) }
func (s *Supervisor) Logs(limit int) ([]LogRecord, error)     { return s.inner.Backend.Logs(limit) }
func (s *Supervisor) Prune(keepStates, keepLogs int) (int, int, error) {
	return s.inner.Backend.Prune(keepStates, keepLogs)
}

// HTTPHandler returns the inspect API over s, mounted at basePath, without auth.
// childPID may be nil; it backs GET /child.
func (s *Supervisor) HTTPHandler(basePath string, childPID func() int) http.Handler {
	return server.NewRouter(server.Options{
		BasePath: basePath,
		Store:    s.inner.Backend,
		Logs:     s.inner,
		ChildPID: childPID,
		Logger:   s.inner.Logger,
	}).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsServer returns an HTTP server exposing /metrics from the default registry.
func MetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ServeMetrics runs MetricsServer(addr) in the caller goroutine.
func ServeMetrics(addr string) error {
	return MetricsServer(addr).ListenAndServe()
}
