package state

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// LogEventType tags a persisted log record.
type LogEventType int

const (
	LogApplicationTerminated LogEventType = iota + 1
	LogSignalReceived
)

const (
	applicationTerminatedTag = "applicationTerminated"
	signalReceivedTag        = "signalReceived"
)

// LogEvent is the closed set of events stored alongside log messages.
// Code is meaningful only for LogSignalReceived.
type LogEvent struct {
	Type LogEventType
	Code uint8
}

func ApplicationTerminated() *LogEvent {
	return &LogEvent{Type: LogApplicationTerminated}
}

func SignalReceived(code uint8) *LogEvent {
	return &LogEvent{Type: LogSignalReceived, Code: code}
}

func (e LogEvent) String() string {
	switch e.Type {
	case LogApplicationTerminated:
		return "terminated"
	case LogSignalReceived:
		return "signal:" + strconv.Itoa(int(e.Code))
	default:
		return "unknown"
	}
}

// ParseLogEvent accepts the CLI forms "terminated" and "signal:<n>".
// An empty string yields nil.
func ParseLogEvent(s string) (*LogEvent, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return nil, nil
	case s == "terminated" || s == applicationTerminatedTag:
		return ApplicationTerminated(), nil
	case strings.HasPrefix(s, "signal:"):
		n, err := strconv.ParseUint(strings.TrimPrefix(s, "signal:"), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid signal code in %q: %w", s, err)
		}
		return SignalReceived(uint8(n)), nil
	default:
		return nil, fmt.Errorf("unknown log event %q (want terminated or signal:<n>)", s)
	}
}

// MarshalJSON encodes "applicationTerminated" or {"signalReceived": <code>}.
func (e LogEvent) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case LogApplicationTerminated:
		return json.Marshal(applicationTerminatedTag)
	case LogSignalReceived:
		return json.Marshal(map[string]uint8{signalReceivedTag: e.Code})
	default:
		return nil, fmt.Errorf("cannot encode log event type %d", e.Type)
	}
}

func (e *LogEvent) UnmarshalJSON(b []byte) error {
	var tag string
	if err := json.Unmarshal(b, &tag); err == nil {
		if tag != applicationTerminatedTag {
			return fmt.Errorf("unknown log event %q", tag)
		}
		*e = LogEvent{Type: LogApplicationTerminated}
		return nil
	}
	var obj map[string]uint8
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	code, ok := obj[signalReceivedTag]
	if !ok || len(obj) != 1 {
		return fmt.Errorf("unknown log event %s", string(b))
	}
	*e = LogEvent{Type: LogSignalReceived, Code: code}
	return nil
}
