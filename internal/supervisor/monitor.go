package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// RecvTimeout bounds each wait for a message from the worker.
const RecvTimeout = time.Second

// Monitor is the caller's handle on a running worker. It has a single owner:
// Events and the Wait methods must not be called concurrently. Kill may be
// called from any goroutine.
type Monitor struct {
	ch     *Channel
	logger *slog.Logger
	pid    *atomic.Int64

	events []Event
	done   bool
	err    error
}

func newMonitor(ch *Channel, logger *slog.Logger) *Monitor {
	return &Monitor{ch: ch, logger: logger}
}

// WaitForTermination blocks until the worker reports termination, is killed
// or disappears, and returns every event received.
func (m *Monitor) WaitForTermination() ([]Event, error) {
	return m.WaitContext(context.Background())
}

// WaitContext is WaitForTermination that gives up when ctx is done. Giving up
// does not stop the worker; call Kill or cancel the worker's context for that.
func (m *Monitor) WaitContext(ctx context.Context) ([]Event, error) {
	for !m.done {
		msg, err := m.ch.recv(ctx, RecvTimeout)
		switch {
		case err == nil:
			m.handle(msg)
		case errors.Is(err, ErrRecvTimeout):
			continue
		case errors.Is(err, ErrDisconnected):
			m.crashed()
		default:
			return m.snapshot(), err
		}
	}
	return m.snapshot(), m.err
}

// Events drains whatever is pending without blocking and returns a copy of
// everything received so far.
func (m *Monitor) Events() []Event {
	for !m.done {
		msg, ok, err := m.ch.TryRecv()
		if err != nil {
			m.crashed()
			break
		}
		if !ok {
			break
		}
		m.handle(msg)
	}
	return m.snapshot()
}

// Kill asks the worker to stop the application. It never blocks, and repeated
// calls before the worker reacts collapse into one request.
func (m *Monitor) Kill() {
	_ = m.ch.Send(context.Background(), Msg{Kind: MsgKill})
}

// PID returns the application's pid while it runs, or 0. Safe for concurrent use.
func (m *Monitor) PID() int {
	if m.pid == nil {
		return 0
	}
	return int(m.pid.Load())
}

// Done reports whether a terminal condition has been observed.
func (m *Monitor) Done() bool { return m.done }

// Err returns the terminal error, if any.
func (m *Monitor) Err() error { return m.err }

func (m *Monitor) handle(msg Msg) {
	switch msg.Kind {
	case MsgStillActive:
		m.logger.Debug("supervisor still active")
	case MsgKill:
		m.done = true
	case MsgEvent:
		ev := msg.Event
		m.events = append(m.events, ev)
		switch {
		case ev.Type == EventApplicationTerminated:
			m.done = true
		case ev.Is(KindSpawnFailure):
			m.done = true
			m.err = &Error{Kind: KindFailToRun, Err: ev.Err}
		}
	default:
		m.logger.Warn("unexpected signal channel message", "kind", msg.Kind)
	}
}

func (m *Monitor) crashed() {
	m.done = true
	m.err = &Error{Kind: KindSupervisorCrashed, Err: ErrDisconnected}
}

func (m *Monitor) snapshot() []Event {
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
