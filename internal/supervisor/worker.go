package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loykin/statekeep/internal/history"
	"github.com/loykin/statekeep/internal/metrics"
	"github.com/loykin/statekeep/internal/process"
	"github.com/loykin/statekeep/internal/state"
)

// Backend is the part of the persistence layer the worker drives.
type Backend interface {
	Latest() (state.StateRecord, bool, error)
	RecordState(value state.Value) (state.StateRecord, error)
}

// InputMode selects how the last state is handed to the application.
type InputMode string

const (
	// InputState passes the state value itself as the only argument.
	InputState InputMode = "state"
	// InputEnvelope wraps it as {"config":{},"state":<value>,"supervisor":"state"}.
	InputEnvelope InputMode = "envelope"
)

// Valid reports whether m is a known mode; the empty mode means InputState.
func (m InputMode) Valid() bool {
	return m == "" || m == InputState || m == InputEnvelope
}

type envelope struct {
	Config     json.RawMessage `json:"config"`
	State      state.Value     `json:"state"`
	Supervisor string          `json:"supervisor"`
}

func (m InputMode) argument(v state.Value) (string, error) {
	switch m {
	case "", InputState:
		return string(v), nil
	case InputEnvelope:
		b, err := json.Marshal(envelope{Config: json.RawMessage(`{}`), State: v, Supervisor: "state"})
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unknown input mode %q", string(m))
	}
}

// Options tune the decode loop.
type Options struct {
	// IdleTimeout ends the loop when no value has been decoded for this long.
	IdleTimeout time.Duration
	// PollDivisor sets the sleep between iterations to idle/PollDivisor.
	PollDivisor int
	// HeartbeatInterval is how often StillActive is sent when nothing else was.
	HeartbeatInterval time.Duration
	// StopOnIdle terminates a child that is still running when the loop idles out.
	StopOnIdle bool
	// StopWait is the grace period between SIGTERM and SIGKILL.
	StopWait time.Duration
	InputMode InputMode
	// SampleInterval enables child resource gauges when positive.
	SampleInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		IdleTimeout:       300 * time.Millisecond,
		PollDivisor:       20,
		HeartbeatInterval: time.Second,
		StopWait:          3 * time.Second,
		InputMode:         InputState,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.PollDivisor <= 0 {
		o.PollDivisor = d.PollDivisor
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.StopWait <= 0 {
		o.StopWait = d.StopWait
	}
	if o.InputMode == "" {
		o.InputMode = d.InputMode
	}
	return o
}

const (
	minPoll         = time.Millisecond
	terminalTimeout = 5 * time.Second
	historyTimeout  = 5 * time.Second
	pumpChunk       = 32 << 10
)

// Termination reasons, as reported to metrics and logs.
const (
	reasonIdle   = "idle"
	reasonKill   = "kill"
	reasonCancel = "cancel"
	reasonCrash  = "crash"
)

// Worker owns one child process for one supervision session.
type Worker struct {
	Backend   Backend
	Spec      process.Spec
	Options   Options
	Logger    *slog.Logger
	Sinks     []history.Sink
	SessionID string
}

// Start runs the worker on its own goroutine and returns the caller's handle.
// Cancelling ctx kills the child and ends the session with a Kill message.
func (w *Worker) Start(ctx context.Context) *Monitor {
	monitorHalf, workerHalf := NewChannel()
	pid := new(atomic.Int64)
	go w.run(ctx, workerHalf, pid)
	m := newMonitor(monitorHalf, w.logger())
	m.pid = pid
	return m
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

type session struct {
	w        *Worker
	ch       *Channel
	pid      *atomic.Int64
	log      *slog.Logger
	app      string
	opts     Options
	lastSent time.Time
}

func (w *Worker) run(ctx context.Context, ch *Channel, pid *atomic.Int64) {
	if pid == nil {
		pid = new(atomic.Int64)
	}
	s := &session{
		w:    w,
		ch:   ch,
		pid:  pid,
		app:  w.Spec.DisplayName(),
		opts: w.Options.withDefaults(),
	}
	s.log = w.logger().With("app", s.app, "session", w.SessionID)

	var (
		child   *process.Child
		started time.Time
		open    bool
	)
	defer ch.Close()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("supervisor worker panicked", "panic", r)
			if child != nil {
				_ = child.Kill()
			}
			if open {
				metrics.SessionEnded(s.app, reasonCrash, time.Since(started).Seconds())
			}
		}
	}()

	rec, found, err := w.Backend.Latest()
	if err != nil {
		s.spawnFailed(ctx, fmt.Errorf("load last state: %w", err))
		return
	}
	value := state.EmptyValue
	if found {
		value = rec.State
		s.emit(ctx, Restarted(rec))
	}
	arg, err := s.opts.InputMode.argument(value)
	if err != nil {
		s.spawnFailed(ctx, err)
		return
	}

	child, err = process.Start(w.Spec, arg)
	if err != nil {
		s.spawnFailed(ctx, fmt.Errorf("start %s: %w", s.app, err))
		return
	}
	started = time.Now()
	pid.Store(int64(child.PID()))
	s.log.Info("application started", "pid", child.PID(), "resumed", found)
	metrics.SessionStarted(s.app)
	open = true

	sampleCtx, stopSampling := context.WithCancel(context.Background())
	go metrics.ChildSampler{Interval: s.opts.SampleInterval, Logger: s.log}.Run(sampleCtx, s.app, int32(child.PID()))

	stopPump := make(chan struct{})
	chunks, pumpDone := pump(child.Stdout(), stopPump)

	reason := s.loop(ctx, child, chunks)
	close(stopPump)
	open = false
	metrics.SessionEnded(s.app, reason, time.Since(started).Seconds())

	if reason != reasonIdle || s.opts.StopOnIdle {
		_ = child.Stop(s.opts.StopWait)
	} else if child.Alive() {
		s.log.Info("application still running after idle timeout; leaving it", "pid", child.PID())
	}
	go s.reap(child, pumpDone, stopSampling)

	if reason == reasonCancel {
		s.log.Info("supervision cancelled", "error", ctx.Err())
		sendCtx, cancel := context.WithTimeout(context.Background(), terminalTimeout)
		defer cancel()
		if err := ch.Send(sendCtx, Msg{Kind: MsgKill}); err != nil {
			s.log.Warn("could not deliver kill to monitor", "error", err)
		}
		return
	}
	s.log.Info("application terminated", "reason", reason)
	s.emit(context.WithoutCancel(ctx), Terminated())
}

func (s *session) spawnFailed(ctx context.Context, err error) {
	s.log.Error("failed to run application", "error", err)
	metrics.SpawnFailed(s.app)
	s.emit(context.WithoutCancel(ctx), Failure(KindSpawnFailure, err))
}

// reap waits for the child to exit, logs its status and releases the pipe.
func (s *session) reap(child *process.Child, pumpDone <-chan struct{}, stopSampling context.CancelFunc) {
	<-child.Done()
	s.pid.Store(0)
	stopSampling()
	select {
	case <-pumpDone:
	case <-time.After(time.Second):
	}
	_ = child.Close()
	st := child.Snapshot()
	if st.ExitErr != nil {
		s.log.Info("application exited", "pid", st.PID, "exit_code", st.ExitCode, "error", st.ExitErr)
		return
	}
	s.log.Debug("application exited", "pid", st.PID, "exit_code", st.ExitCode)
}

// loop is the decode loop. It returns the termination reason.
func (s *session) loop(ctx context.Context, child *process.Child, chunks <-chan []byte) string {
	var (
		dec          Decoder
		eof          bool
		inbound      = s.ch.in
		lastProgress = time.Now()
	)
	s.lastSent = lastProgress

	for {
		if killed := drainInbound(&inbound); killed {
			return reasonKill
		}
		if ctx.Err() != nil {
			return reasonCancel
		}

	read:
		for {
			select {
			case b, ok := <-chunks:
				if !ok {
					eof = true
					chunks = nil
					break read
				}
				dec.Write(b)
			default:
				break read
			}
		}

		for {
			v, res := dec.Next(eof)
			if res == NeedMore {
				break
			}
			if res == Malformed {
				metrics.IncMalformedOutput(s.app)
				s.log.Warn("malformed application output")
				s.emit(ctx, Failure(KindMalformedOutput, fmt.Errorf("undecodable output from %s (pid %d)", s.app, child.PID())))
				continue
			}
			lastProgress = time.Now()
			rec, err := s.w.Backend.RecordState(v)
			if err != nil {
				kind := PersistKind(err)
				metrics.IncPersistErrors(s.app, kind.String())
				s.log.Error("failed to persist state", "kind", kind, "error", err)
				s.emit(ctx, Failure(kind, err))
				continue
			}
			metrics.IncStatesRecorded(s.app)
			s.emit(ctx, StateRecorded(rec))
		}

		idle := time.Since(lastProgress)
		if idle > s.opts.IdleTimeout {
			if n := dec.Buffered(); n > 0 {
				s.log.Warn("discarding incomplete application output", "bytes", n)
			}
			return reasonIdle
		}
		if time.Since(s.lastSent) >= s.opts.HeartbeatInterval {
			s.send(ctx, Msg{Kind: MsgStillActive})
		}

		wait := idle / time.Duration(s.opts.PollDivisor)
		if wait < minPoll {
			wait = minPoll
		}
		if rest := s.opts.IdleTimeout - idle; rest > 0 && wait > rest {
			wait = rest + minPoll
		}
		if killed := s.sleep(ctx, wait, &inbound, &chunks, &eof, &dec); killed {
			return reasonKill
		}
	}
}

// sleep waits up to d, waking early for output, a Kill or cancellation.
func (s *session) sleep(ctx context.Context, d time.Duration, inbound *<-chan Msg, chunks *<-chan []byte, eof *bool, dec *Decoder) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case b, ok := <-*chunks:
		if !ok {
			*eof = true
			*chunks = nil
			break
		}
		dec.Write(b)
	case m, ok := <-*inbound:
		if !ok {
			*inbound = nil
			break
		}
		return m.Kind == MsgKill
	}
	return false
}

// drainInbound consumes pending monitor messages and reports whether one was Kill.
// A closed inbound direction is set to nil so it is never selected again.
func drainInbound(inbound *<-chan Msg) bool {
	killed := false
	for {
		select {
		case m, ok := <-*inbound:
			if !ok {
				*inbound = nil
				return killed
			}
			if m.Kind == MsgKill {
				killed = true
			}
		default:
			return killed
		}
	}
}

func (s *session) emit(ctx context.Context, ev Event) {
	ev.At = time.Now()
	s.log.Debug("lifecycle event", "event", ev.String())
	if len(s.w.Sinks) > 0 {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
		history.Broadcast(hctx, s.w.Sinks, ev.History(s.w.SessionID, s.app), s.log)
		cancel()
	}
	s.send(ctx, Msg{Kind: MsgEvent, Event: ev})
}

func (s *session) send(ctx context.Context, m Msg) {
	if err := s.ch.Send(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("signal channel send failed", "msg", m.Kind, "error", err)
	}
	s.lastSent = time.Now()
}

// pump copies r into a channel so the decode loop never blocks on the pipe.
// After stop is closed, output is read and discarded until EOF so a child left
// running never blocks on a full pipe.
func pump(r io.Reader, stop <-chan struct{}) (<-chan []byte, <-chan struct{}) {
	out := make(chan []byte, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		buf := make([]byte, pumpChunk)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				select {
				case out <- b:
				case <-stop:
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out, done
}
