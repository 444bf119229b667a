package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/statekeep/internal/auth"
	"github.com/loykin/statekeep/internal/config"
	"github.com/loykin/statekeep/internal/dispatch"
	"github.com/loykin/statekeep/internal/server"
	"github.com/loykin/statekeep/internal/state"
)

func newAPI(t *testing.T, mw *auth.Middleware) (*httptest.Server, *dispatch.Dispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.StateFile = filepath.Join(t.TempDir(), "state.json")
	d := dispatch.New(cfg, nil, nil)
	h := server.NewRouter(server.Options{BasePath: "/api", Store: d.Backend, Logs: d, Auth: mw}).Handler()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts, d
}

func newClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestClient_LatestStatesLogs(t *testing.T) {
	ts, d := newAPI(t, nil)
	c := newClient(t, Config{BaseURL: ts.URL + "/api/"})
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))

	_, err := c.Latest(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	for _, v := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		_, err := d.Backend.RecordState(state.Value(v))
		require.NoError(t, err)
	}
	rec, err := c.Latest(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, string(rec.State))

	states, err := c.States(ctx, 2)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.JSONEq(t, `{"n":2}`, string(states[0].State))

	all, err := c.States(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	logRec, err := c.AppendLog(ctx, "stopping", "signal:15")
	require.NoError(t, err)
	require.NotNil(t, logRec.Event)
	assert.Equal(t, state.LogSignalReceived, logRec.Event.Type)
	assert.Equal(t, uint8(15), logRec.Event.Code)

	logs, err := c.Logs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "stopping", logs[0].Message)
}

func TestClient_AppendLogRejected(t *testing.T) {
	ts, _ := newAPI(t, nil)
	c := newClient(t, Config{BaseURL: ts.URL + "/api"})

	_, err := c.AppendLog(context.Background(), "x", "bogus")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, apiErr.Message, "unknown log event")
}

func TestClient_ChildNotRunning(t *testing.T) {
	ts, _ := newAPI(t, nil)
	c := newClient(t, Config{BaseURL: ts.URL + "/api"})
	_, err := c.Child(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_Auth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	svc, err := auth.NewService(auth.Config{Users: []auth.User{{Name: "ops", PasswordHash: string(hash)}}})
	require.NoError(t, err)
	ts, d := newAPI(t, auth.NewMiddleware(svc, true))
	_, err = d.Backend.RecordState(state.Value(`{}`))
	require.NoError(t, err)
	ctx := context.Background()

	anon := newClient(t, Config{BaseURL: ts.URL + "/api"})
	_, err = anon.Latest(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	basic := newClient(t, Config{BaseURL: ts.URL + "/api", Username: "ops", Password: "pw"})
	_, err = basic.Latest(ctx)
	require.NoError(t, err)

	tok, err := basic.Login(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.Type)
	assert.NotEmpty(t, tok.Value)

	bearer := newClient(t, Config{BaseURL: ts.URL + "/api", Token: tok.Value})
	_, err = bearer.Latest(ctx)
	require.NoError(t, err)

	wrong := newClient(t, Config{BaseURL: ts.URL + "/api", Username: "ops", Password: "nope"})
	_, err = wrong.Login(ctx)
	assert.Error(t, err)
}

func TestNew_TLSErrors(t *testing.T) {
	_, err := New(Config{TLS: &TLSClientConfig{Enabled: true, CACert: filepath.Join(t.TempDir(), "missing.pem")}})
	assert.ErrorContains(t, err, "CA certificate")

	c, err := New(Config{Insecure: true})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
}

func TestClient_TLSWithSkipVerify(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	strict := newClient(t, Config{BaseURL: ts.URL, TLS: &TLSClientConfig{Enabled: true}})
	assert.False(t, strict.IsReachable(context.Background()))

	loose := newClient(t, Config{BaseURL: ts.URL, TLS: &TLSClientConfig{Enabled: true, SkipVerify: true}})
	assert.True(t, loose.IsReachable(context.Background()))
}
