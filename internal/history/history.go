package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType mirrors the supervisor's lifecycle event names.
type EventType string

const (
	EventRestarted  EventType = "application_restarted"
	EventRecorded   EventType = "state_recorded"
	EventLogged     EventType = "log_recorded"
	EventError      EventType = "error"
	EventTerminated EventType = "application_terminated"
)

// Event is one supervision lifecycle notification exported to external systems.
// Kind is set only for EventError.
type Event struct {
	Session     string    `json:"session"`
	Application string    `json:"application"`
	Type        EventType `json:"type"`
	Kind        string    `json:"kind,omitempty"`
	Message     string    `json:"message,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Validate reports whether the event carries the fields every sink stores.
func (e Event) Validate() error {
	switch {
	case e.Type == "":
		return errors.New("history event: empty type")
	case e.OccurredAt.IsZero():
		return errors.New("history event: zero occurred_at")
	case e.Application == "":
		return errors.New("history event: empty application")
	}
	return nil
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Broadcast sends e to every sink. Failures are logged and otherwise ignored;
// history is best effort and must never stall supervision.
func Broadcast(ctx context.Context, sinks []Sink, e Event, logger *slog.Logger) {
	if len(sinks) == 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			logger.Warn("history sink send failed", "type", e.Type, "session", e.Session, "error", err)
		}
	}
}

// CloseAll closes every sink that implements io.Closer and joins the errors.
func CloseAll(sinks []Sink) error {
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
