package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/statekeep/internal/auth"
	"github.com/loykin/statekeep/internal/backend"
	"github.com/loykin/statekeep/internal/metrics"
	"github.com/loykin/statekeep/internal/state"
	tlsx "github.com/loykin/statekeep/internal/tls"
)

// fileLogs records straight into the backend.
type fileLogs struct{ f *backend.File }

func (l fileLogs) Log(_ context.Context, message string, ev *state.LogEvent) (state.LogRecord, error) {
	return l.f.RecordLog(message, ev)
}

func setup(t *testing.T, base string) (http.Handler, *backend.File) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := backend.New(filepath.Join(t.TempDir(), "state.json"))
	r := NewRouter(Options{BasePath: base, Store: f, Logs: fileLogs{f}})
	return r.Handler(), f
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLatest_EmptyIs404(t *testing.T) {
	h, _ := setup(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLatest_AndStates(t *testing.T) {
	h, f := setup(t, "/api")
	for _, v := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		_, err := f.RecordState(state.Value(v))
		require.NoError(t, err)
	}

	rec := doReq(t, h, http.MethodGet, "/api/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var latest state.StateRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.JSONEq(t, `{"n":3}`, string(latest.State))

	rec = doReq(t, h, http.MethodGet, "/api/states?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []state.StateRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 2)
	assert.JSONEq(t, `{"n":2}`, string(recs[0].State))

	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/api/states?limit=x", nil).Code)
}

func TestAppendAndListLogs(t *testing.T) {
	h, f := setup(t, "")
	rec := doReq(t, h, http.MethodPost, "/logs", AppendLogRequest{Message: "stopping", Event: "signal:15"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	logs, err := f.Logs(0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "stopping", logs[0].Message)
	require.NotNil(t, logs[0].Event)
	assert.Equal(t, state.LogSignalReceived, logs[0].Event.Type)
	assert.EqualValues(t, 15, logs[0].Event.Code)

	rec = doReq(t, h, http.MethodGet, "/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"signalReceived":15`)
}

func TestAppendLog_BadRequests(t *testing.T) {
	h, _ := setup(t, "")
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/logs", AppendLogRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/logs", AppendLogRequest{Message: "x", Event: "exploded"}).Code)

	req := httptest.NewRequest(http.MethodPost, "/logs", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCorruptStateFileIs500(t *testing.T) {
	h, f := setup(t, "")
	require.NoError(t, os.WriteFile(f.Path, []byte("{broken"), 0o600))
	assert.Equal(t, http.StatusInternalServerError, doReq(t, h, http.MethodGet, "/latest", nil).Code)
	assert.Equal(t, http.StatusInternalServerError, doReq(t, h, http.MethodGet, "/states", nil).Code)
}

func TestChild(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := backend.New(filepath.Join(t.TempDir(), "state.json"))

	h := NewRouter(Options{Store: f}).Handler()
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/child", nil).Code)

	h = NewRouter(Options{Store: f, ChildPID: os.Getpid}).Handler()
	rec := doReq(t, h, http.MethodGet, "/child", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var u metrics.ChildUsage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.EqualValues(t, os.Getpid(), u.PID)
	assert.NotZero(t, u.MemoryRSS)
}

func TestHealthzAndMetrics(t *testing.T) {
	h, _ := setup(t, "/api")
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/api/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/api/metrics", nil).Code)
}

func TestAuthGuardsAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	svc, err := auth.NewService(auth.Config{Users: []auth.User{{Name: "ops", PasswordHash: string(hash)}}})
	require.NoError(t, err)

	f := backend.New(filepath.Join(t.TempDir(), "state.json"))
	_, err = f.RecordState(state.Value(`{"a":1}`))
	require.NoError(t, err)
	h := NewRouter(Options{BasePath: "/api", Store: f, Auth: auth.NewMiddleware(svc, true)}).Handler()

	assert.Equal(t, http.StatusUnauthorized, doReq(t, h, http.MethodGet, "/api/latest", nil).Code)
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/api/healthz", nil).Code)

	login := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	login.SetBasicAuth("ops", "pw")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, login)
	require.Equal(t, http.StatusOK, rec.Code)
	var tok auth.Token
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))

	req := httptest.NewRequest(http.MethodGet, "/api/latest", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServe_TLSAndShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tlsCfg, err := tlsx.Setup(tlsx.Development(t.TempDir()))
	require.NoError(t, err)

	h, _ := setup(t, "/api")
	srv := NewServer("127.0.0.1:0", h, tlsCfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv, ln) }()

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			// #nosec G402 self-signed test certificate
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	resp, err := client.Get("https://" + ln.Addr().String() + "/api/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, resp.TLS)

	cancel()
	select {
	case err := <-done:
		assert.True(t, err == nil || errors.Is(err, http.ErrServerClosed), "%v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
