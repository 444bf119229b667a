package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/statekeep/internal/auth"
	"github.com/loykin/statekeep/internal/metrics"
	"github.com/loykin/statekeep/internal/state"
)

// Router provides embeddable HTTP handlers for inspecting the state file.
// Endpoints, relative to basePath:
//
//	GET  /healthz              liveness, never authenticated
//	GET  /metrics              Prometheus exposition
//	POST /login                basic credentials in, bearer token out
//	GET  /latest               most recent state record, 404 when none
//	GET  /states?limit=N       most recent N state records (0 = all)
//	GET  /logs?limit=N         most recent N log records
//	POST /logs                 body: {"message": "...", "event": "terminated"|"signal:N"}
//	GET  /child                resource usage of the running application
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	opts     Options
	basePath string
	logger   *slog.Logger
}

// Store is the read side of the state file.
type Store interface {
	Latest() (state.StateRecord, bool, error)
	States(limit int) ([]state.StateRecord, error)
	Logs(limit int) ([]state.LogRecord, error)
}

// LogRecorder appends a log record.
type LogRecorder interface {
	Log(ctx context.Context, message string, event *state.LogEvent) (state.LogRecord, error)
}

type Options struct {
	BasePath string
	Store    Store
	Logs     LogRecorder
	// Auth guards everything but /healthz, /metrics and /login. Nil disables it.
	Auth *auth.Middleware
	// ChildPID reports the supervised application's pid, 0 when none runs.
	ChildPID func() int
	Logger   *slog.Logger
}

// NewRouter constructs a new Router.
func NewRouter(opts Options) *Router {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Router{opts: opts, basePath: sanitizeBase(opts.BasePath), logger: l.With("component", "http")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	base := g.Group(r.basePath)
	base.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	base.GET("/metrics", gin.WrapH(metrics.Handler()))

	authMW := r.opts.Auth
	if authMW == nil {
		authMW = auth.NewMiddleware(nil, false)
	}
	base.POST("/login", authMW.Login)

	api := base.Group("", authMW.GinAuth())
	api.GET("/latest", r.handleLatest)
	api.GET("/states", r.handleStates)
	api.GET("/logs", r.handleLogs)
	api.POST("/logs", r.handleAppendLog)
	api.GET("/child", r.handleChild)
	return g
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

// NewServer builds an http.Server for handler. tlsConfig may be nil.
func NewServer(addr string, handler http.Handler, tlsConfig *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ListenAndServe listens on srv.Addr and serves until ctx is done.
func ListenAndServe(ctx context.Context, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	return Serve(ctx, srv, ln)
}

// Serve serves on ln, over TLS when srv.TLSConfig is set, and shuts down
// gracefully when ctx is done.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errc <- srv.ServeTLS(ln, "", "")
			return
		}
		errc <- srv.Serve(ln)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// AppendLogRequest is the body of POST /logs.
type AppendLogRequest struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

func (r *Router) storeError(c *gin.Context, err error) {
	r.logger.Error("state file unavailable", "error", err)
	writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
}

func (r *Router) handleLatest(c *gin.Context) {
	rec, ok, err := r.opts.Store.Latest()
	if err != nil {
		r.storeError(c, err)
		return
	}
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no state recorded"})
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleStates(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	recs, err := r.opts.Store.States(limit)
	if err != nil {
		r.storeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleLogs(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	recs, err := r.opts.Store.Logs(limit)
	if err != nil {
		r.storeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleAppendLog(c *gin.Context) {
	if r.opts.Logs == nil {
		writeJSON(c, http.StatusMethodNotAllowed, errorResp{Error: "log recording disabled"})
		return
	}
	var req AppendLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Message == "" && req.Event == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "message or event required"})
		return
	}
	ev, err := state.ParseLogEvent(req.Event)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	rec, err := r.opts.Logs.Log(c.Request.Context(), req.Message, ev)
	if err != nil {
		r.storeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, rec)
}

func (r *Router) handleChild(c *gin.Context) {
	pid := 0
	if r.opts.ChildPID != nil {
		pid = r.opts.ChildPID()
	}
	if pid <= 0 {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no application running"})
		return
	}
	u, err := metrics.Sample(int32(pid))
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, u)
}
