package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/loykin/statekeep/internal/state"
)

// DefaultPath is used when no state file is configured.
const DefaultPath = ".state.json"

// File persists a state.Document as a single JSON file.
// Every mutation is a full load-modify-save cycle held under a mutex, so
// goroutines sharing a File never lose each other's records. There is no
// locking between processes: across processes the last writer wins.
type File struct {
	Path string
	// Clock stamps new records; defaults to time.Now in UTC.
	Clock func() time.Time

	mu sync.Mutex
}

func New(path string) *File {
	if path == "" {
		path = DefaultPath
	}
	return &File{Path: path}
}

func (f *File) now() time.Time {
	if f.Clock != nil {
		return f.Clock().UTC()
	}
	return time.Now().UTC()
}

// Load reads the document. A missing file yields an empty document; a file that
// exists but does not decode is reported as KindEncode wrapping ErrInvalid.
func (f *File) Load() (state.Document, error) {
	// Mitigate G304: the path comes from configuration.
	b, err := os.ReadFile(filepath.Clean(f.Path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return state.NewDocument(), nil
		}
		return state.Document{}, ioErr("load", f.Path, err)
	}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return state.Document{}, encodeErr("load", f.Path, fmt.Errorf("%w: not a JSON object", ErrInvalid))
	}
	var doc state.Document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return state.Document{}, encodeErr("load", f.Path, fmt.Errorf("%w: %v", ErrInvalid, err))
	}
	return doc, nil
}

// Save rewrites the whole file. The content goes to a temp file in the same
// directory which is then renamed over the target, so readers never see a
// partial document. Missing directories are not created.
func (f *File) Save(doc state.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return encodeErr("save", f.Path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return ioErr("save", f.Path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return ioErr("save", f.Path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return ioErr("save", f.Path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return ioErr("save", f.Path, err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		cleanup()
		return ioErr("save", f.Path, err)
	}
	if err := os.Rename(tmpPath, f.Path); err != nil {
		cleanup()
		return ioErr("save", f.Path, err)
	}
	return nil
}

// RecordState appends value as a new StateRecord stamped with the current time.
func (f *File) RecordState(value state.Value) (state.StateRecord, error) {
	if !json.Valid(value) {
		return state.StateRecord{}, encodeErr("record state", f.Path, errors.New("value is not valid JSON"))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.Load()
	if err != nil {
		return state.StateRecord{}, err
	}
	rec := state.StateRecord{RecordedAt: f.now(), State: append(state.Value(nil), value...)}
	doc.States = append(doc.States, rec)
	if err := f.Save(doc); err != nil {
		return state.StateRecord{}, err
	}
	return rec, nil
}

// RecordLog appends a LogRecord.
func (f *File) RecordLog(message string, event *state.LogEvent) (state.LogRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.Load()
	if err != nil {
		return state.LogRecord{}, err
	}
	rec := state.LogRecord{RecordedAt: f.now(), Event: event, Message: message}
	doc.Logs = append(doc.Logs, rec)
	if err := f.Save(doc); err != nil {
		return state.LogRecord{}, err
	}
	return rec, nil
}

// Latest returns the most recent state record, if any.
func (f *File) Latest() (state.StateRecord, bool, error) {
	doc, err := f.Load()
	if err != nil {
		return state.StateRecord{}, false, err
	}
	rec, ok := doc.Latest()
	return rec, ok, nil
}

// States returns up to limit of the most recent records in insertion order.
// limit <= 0 returns all of them.
func (f *File) States(limit int) ([]state.StateRecord, error) {
	doc, err := f.Load()
	if err != nil {
		return nil, err
	}
	return tail(doc.States, limit), nil
}

// Logs returns up to limit of the most recent log records.
func (f *File) Logs(limit int) ([]state.LogRecord, error) {
	doc, err := f.Load()
	if err != nil {
		return nil, err
	}
	return tail(doc.Logs, limit), nil
}

// Prune keeps the keepStates most recent states and the keepLogs most recent
// logs, by RecordedAt. Zero or less keeps everything of that kind. The file is
// only rewritten when something was removed.
func (f *File) Prune(keepStates, keepLogs int) (removedStates, removedLogs int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.Load()
	if err != nil {
		return 0, 0, err
	}
	if keepStates > 0 && len(doc.States) > keepStates {
		sort.SliceStable(doc.States, func(i, j int) bool {
			return doc.States[i].RecordedAt.Before(doc.States[j].RecordedAt)
		})
		removedStates = len(doc.States) - keepStates
		doc.States = doc.States[removedStates:]
	}
	if keepLogs > 0 && len(doc.Logs) > keepLogs {
		sort.SliceStable(doc.Logs, func(i, j int) bool {
			return doc.Logs[i].RecordedAt.Before(doc.Logs[j].RecordedAt)
		})
		removedLogs = len(doc.Logs) - keepLogs
		doc.Logs = doc.Logs[removedLogs:]
	}
	if removedStates == 0 && removedLogs == 0 {
		return 0, 0, nil
	}
	if err := f.Save(doc); err != nil {
		return 0, 0, err
	}
	return removedStates, removedLogs, nil
}

func tail[T any](s []T, limit int) []T {
	if limit <= 0 || limit >= len(s) {
		return s
	}
	return s[len(s)-limit:]
}
