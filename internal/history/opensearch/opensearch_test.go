package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/statekeep/internal/history"
)

type captured struct {
	method, path, user, pass string
	body                     map[string]any
}

func recordingServer(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.method, c.path = r.Method, r.URL.Path
		c.user, c.pass, _ = r.BasicAuth()
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &c.body)
		w.WriteHeader(status)
		if status >= 300 {
			_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestSink_IndexesDocument(t *testing.T) {
	srv, got := recordingServer(t, http.StatusCreated)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sink := New(srv.URL+"/", "", Options{Username: "admin", Password: "pw"})
	require.NoError(t, sink.Send(context.Background(), history.Event{
		Session:     "abc",
		Application: "./counter",
		Type:        history.EventError,
		Kind:        "malformed_output",
		OccurredAt:  at,
	}))

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/"+DefaultIndex+"/_doc", got.path)
	assert.Equal(t, "admin", got.user)
	assert.Equal(t, "pw", got.pass)
	assert.Equal(t, "error", got.body["type"])
	assert.Equal(t, "malformed_output", got.body["kind"])
	assert.Equal(t, "abc", got.body["session"])
	assert.Equal(t, "2026-03-01T12:00:00Z", got.body["@timestamp"])
	assert.NotContains(t, got.body, "message")
}

func TestSink_RejectsInvalidEvent(t *testing.T) {
	srv, got := recordingServer(t, http.StatusCreated)
	err := New(srv.URL, "idx", Options{}).Send(context.Background(), history.Event{Type: history.EventTerminated})
	require.Error(t, err)
	assert.Empty(t, got.method, "invalid events are not sent")
}

func TestSink_StatusError(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusBadRequest)
	err := New(srv.URL, "idx", Options{}).Send(context.Background(), history.Event{
		Application: "app", Type: history.EventTerminated, OccurredAt: time.Now(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opensearch sink status 400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}
