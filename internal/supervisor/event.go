package supervisor

import (
	"fmt"
	"time"

	"github.com/loykin/statekeep/internal/backend"
	"github.com/loykin/statekeep/internal/history"
	"github.com/loykin/statekeep/internal/state"
)

// EventType is the closed set of lifecycle notifications a worker emits.
type EventType int

const (
	EventApplicationTerminated EventType = iota + 1
	EventApplicationRestarted
	EventStateRecorded
	EventLogRecorded
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventApplicationTerminated:
		return "application_terminated"
	case EventApplicationRestarted:
		return "application_restarted"
	case EventStateRecorded:
		return "state_recorded"
	case EventLogRecorded:
		return "log_recorded"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// ErrorKind classifies failures. Only KindSpawnFailure and KindSupervisorCrashed
// end supervision; the rest are reported and the loop carries on.
type ErrorKind int

const (
	KindSpawnFailure ErrorKind = iota + 1
	KindPersistIOFailure
	KindPersistEncodeFailure
	KindMalformedOutput
	KindSupervisorCrashed
	KindUnknownCommand
	KindFailToRun
)

func (k ErrorKind) String() string {
	switch k {
	case KindSpawnFailure:
		return "spawn_failure"
	case KindPersistIOFailure:
		return "persist_io_failure"
	case KindPersistEncodeFailure:
		return "persist_encode_failure"
	case KindMalformedOutput:
		return "malformed_output"
	case KindSupervisorCrashed:
		return "supervisor_crashed"
	case KindUnknownCommand:
		return "unknown_command"
	case KindFailToRun:
		return "fail_to_run"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the error type returned by the monitor and the dispatcher.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// PersistKind maps a backend failure onto the matching persist kind.
func PersistKind(err error) ErrorKind {
	if backend.IsEncode(err) {
		return KindPersistEncodeFailure
	}
	return KindPersistIOFailure
}

// Event is one lifecycle notification. Kind and Err are set for EventError only;
// Record is set for EventStateRecorded and EventApplicationRestarted, Log for
// EventLogRecorded.
type Event struct {
	Type   EventType
	Kind   ErrorKind
	Err    error
	Record *state.StateRecord
	Log    *state.LogRecord
	At     time.Time
}

func Terminated() Event { return Event{Type: EventApplicationTerminated} }

func Restarted(rec state.StateRecord) Event {
	return Event{Type: EventApplicationRestarted, Record: &rec}
}

func StateRecorded(rec state.StateRecord) Event {
	return Event{Type: EventStateRecorded, Record: &rec}
}

func LogRecorded(rec state.LogRecord) Event {
	return Event{Type: EventLogRecorded, Log: &rec, At: rec.RecordedAt}
}

func Failure(kind ErrorKind, err error) Event {
	return Event{Type: EventError, Kind: kind, Err: err}
}

// Is reports whether e is an error event of the given kind.
func (e Event) Is(kind ErrorKind) bool {
	return e.Type == EventError && e.Kind == kind
}

func (e Event) String() string {
	if e.Type == EventError {
		if e.Err != nil {
			return fmt.Sprintf("error(%s): %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("error(%s)", e.Kind)
	}
	return e.Type.String()
}

func (e Event) historyType() history.EventType {
	switch e.Type {
	case EventApplicationTerminated:
		return history.EventTerminated
	case EventApplicationRestarted:
		return history.EventRestarted
	case EventStateRecorded:
		return history.EventRecorded
	case EventLogRecorded:
		return history.EventLogged
	case EventError:
		return history.EventError
	default:
		return history.EventType(e.Type.String())
	}
}

// History converts e into the record exported to history sinks.
func (e Event) History(session, application string) history.Event {
	h := history.Event{
		Session:     session,
		Application: application,
		Type:        e.historyType(),
		OccurredAt:  e.At,
	}
	switch {
	case e.Type == EventError:
		h.Kind = e.Kind.String()
		if e.Err != nil {
			h.Message = e.Err.Error()
		}
	case e.Log != nil:
		h.Message = e.Log.Message
	}
	return h
}
