// Package dispatch maps invocation requests onto supervision sessions and
// state file operations.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/statekeep/internal/backend"
	"github.com/loykin/statekeep/internal/config"
	"github.com/loykin/statekeep/internal/history"
	"github.com/loykin/statekeep/internal/state"
	"github.com/loykin/statekeep/internal/supervisor"
)

const (
	CommandRun = "run"
	CommandLog = "log"
)

const historyTimeout = 5 * time.Second

var ErrNoApplication = errors.New("no application given")

// Request is one invocation. For run, Args[0] is the application and falls
// back to the configured one. For log, Args are joined into the message and
// Event is parsed with state.ParseLogEvent.
type Request struct {
	Command string
	Args    []string
	Event   string
}

// Result carries the outcome of Execute: Monitor for run, Log for log.
type Result struct {
	Monitor *supervisor.Monitor
	Log     *state.LogRecord
}

// Dispatcher owns the configuration, the backend and the history sinks shared
// by every session it starts.
type Dispatcher struct {
	Config  *config.Config
	Logger  *slog.Logger
	Sinks   []history.Sink
	Backend *backend.File
}

// New builds a Dispatcher over the configured state file.
func New(cfg *config.Config, logger *slog.Logger, sinks []history.Sink) *Dispatcher {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{Config: cfg, Logger: logger, Sinks: sinks, Backend: backend.New(cfg.StateFile)}
}

// Execute dispatches req. Unknown commands yield KindUnknownCommand.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (Result, error) {
	switch req.Command {
	case CommandRun:
		app := ""
		if len(req.Args) > 0 {
			app = strings.Join(req.Args, " ")
		}
		m, err := d.Run(ctx, app)
		return Result{Monitor: m}, err
	case CommandLog:
		ev, err := state.ParseLogEvent(req.Event)
		if err != nil {
			return Result{}, err
		}
		rec, err := d.Log(ctx, strings.Join(req.Args, " "), ev)
		if err != nil {
			return Result{}, err
		}
		return Result{Log: &rec}, nil
	default:
		return Result{}, &supervisor.Error{Kind: supervisor.KindUnknownCommand, Err: fmt.Errorf("unknown command %q", req.Command)}
	}
}

// Run starts supervising app, or the configured application when app is empty.
func (d *Dispatcher) Run(ctx context.Context, app string) (*supervisor.Monitor, error) {
	if strings.TrimSpace(app) == "" {
		app = d.Config.Application
	}
	if strings.TrimSpace(app) == "" {
		return nil, &supervisor.Error{Kind: supervisor.KindFailToRun, Err: ErrNoApplication}
	}
	spec, err := d.Config.ProcessSpec(app)
	if err != nil {
		return nil, &supervisor.Error{Kind: supervisor.KindFailToRun, Err: err}
	}
	session := uuid.NewString()
	w := &supervisor.Worker{
		Backend:   d.Backend,
		Spec:      spec,
		Options:   d.Config.SupervisorOptions(),
		Logger:    d.Logger,
		Sinks:     d.Sinks,
		SessionID: session,
	}
	d.Logger.Info("starting supervision", "app", spec.DisplayName(), "session", session, "state_file", d.Backend.Path)
	return w.Start(ctx), nil
}

// Log appends a log record to the state file and reports it to the history sinks.
func (d *Dispatcher) Log(ctx context.Context, message string, event *state.LogEvent) (state.LogRecord, error) {
	rec, err := d.Backend.RecordLog(message, event)
	if err != nil {
		return state.LogRecord{}, fmt.Errorf("record log: %w", err)
	}
	if len(d.Sinks) > 0 {
		msg := message
		if event != nil {
			msg = strings.TrimSpace(event.String() + " " + message)
		}
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
		defer cancel()
		history.Broadcast(hctx, d.Sinks, history.Event{
			Application: d.application(),
			Type:        history.EventLogged,
			Message:     msg,
			OccurredAt:  rec.RecordedAt,
		}, d.Logger)
	}
	return rec, nil
}

func (d *Dispatcher) application() string {
	if f := strings.Fields(d.Config.Application); len(f) > 0 {
		return f[0]
	}
	return "statekeep"
}

// Summary is what Supervise returns.
type Summary struct {
	Events []supervisor.Event
	// Terminated is true when the application ended on its own or by Kill.
	Terminated bool
}

// Supervise runs app and waits for the session to end. When the application
// terminates, an ApplicationTerminated log record is written and reported as a
// LogRecorded event at the end of the summary.
func (d *Dispatcher) Supervise(ctx context.Context, app string, started func(*supervisor.Monitor)) (Summary, error) {
	m, err := d.Run(ctx, app)
	if err != nil {
		return Summary{}, err
	}
	if started != nil {
		started(m)
	}
	events, err := m.WaitForTermination()
	sum := Summary{Events: events}
	if err != nil {
		return sum, err
	}
	if n := len(events); n > 0 && events[n-1].Type == supervisor.EventApplicationTerminated {
		sum.Terminated = true
		rec, lerr := d.Log(context.WithoutCancel(ctx), "application terminated", state.ApplicationTerminated())
		if lerr != nil {
			d.Logger.Warn("could not record termination", "error", lerr)
		} else {
			sum.Events = append(sum.Events, supervisor.LogRecorded(rec))
		}
	}
	return sum, nil
}
