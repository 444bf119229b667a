package state

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// Value is one opaque snapshot of the supervised application's state.
// It is kept as raw JSON so nested maps, arrays and scalars survive untouched.
type Value = json.RawMessage

// EmptyValue is what a child receives when nothing has been recorded yet.
var EmptyValue = Value(`{}`)

// StateRecord is a timestamped snapshot. Records are never mutated after creation.
type StateRecord struct {
	RecordedAt time.Time `json:"recorded_at"`
	State      Value     `json:"state"`
}

// UnmarshalJSON compacts State, so a value read back from an indented file is
// the same bytes that were recorded.
func (r *StateRecord) UnmarshalJSON(b []byte) error {
	type plain StateRecord
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if len(p.State) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, p.State); err != nil {
			return err
		}
		p.State = buf.Bytes()
	}
	*r = StateRecord(p)
	return nil
}

// LogRecord is a free-form message, optionally tagged with a LogEvent.
type LogRecord struct {
	RecordedAt time.Time `json:"recorded_at"`
	Event      *LogEvent `json:"event,omitempty"`
	Message    string    `json:"message"`
}

// Document is the whole persisted file.
type Document struct {
	States []StateRecord `json:"states"`
	Logs   []LogRecord   `json:"logs"`
}

// NewDocument returns a document with empty, non-nil sequences.
func NewDocument() Document {
	return Document{States: []StateRecord{}, Logs: []LogRecord{}}
}

// Latest returns the record with the greatest RecordedAt.
// States are sorted on read; the document itself is left in insertion order.
func (d Document) Latest() (StateRecord, bool) {
	if len(d.States) == 0 {
		return StateRecord{}, false
	}
	sorted := make([]StateRecord, len(d.States))
	copy(sorted, d.States)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RecordedAt.Before(sorted[j].RecordedAt)
	})
	return sorted[len(sorted)-1], true
}

// normalize replaces nil sequences so the file always carries both keys as arrays.
func (d *Document) normalize() {
	if d.States == nil {
		d.States = []StateRecord{}
	}
	if d.Logs == nil {
		d.Logs = []LogRecord{}
	}
}

// UnmarshalJSON fills in missing sequences after decoding.
func (d *Document) UnmarshalJSON(b []byte) error {
	type plain Document
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*d = Document(p)
	d.normalize()
	return nil
}

// MarshalJSON writes empty arrays rather than null.
func (d Document) MarshalJSON() ([]byte, error) {
	type plain Document
	d.normalize()
	return json.Marshal(plain(d))
}
