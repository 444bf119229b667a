package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/statekeep/internal/auth"
	"github.com/loykin/statekeep/internal/config"
	"github.com/loykin/statekeep/internal/dispatch"
	"github.com/loykin/statekeep/internal/retention"
	"github.com/loykin/statekeep/internal/server"
	"github.com/loykin/statekeep/internal/state"
	"github.com/loykin/statekeep/internal/supervisor"
	tlsx "github.com/loykin/statekeep/internal/tls"
	"github.com/loykin/statekeep/pkg/client"
)

// defaultListen is used by serve when neither --listen nor server.listen is set.
const defaultListen = ":8080"

// command holds the output streams so tests can capture what the CLI prints.
type command struct {
	out    io.Writer
	global *GlobalFlags
}

// eventView is the printed form of a lifecycle event.
type eventView struct {
	Type  string             `json:"type"`
	Kind  string             `json:"kind,omitempty"`
	Error string             `json:"error,omitempty"`
	State *state.StateRecord `json:"state,omitempty"`
	Log   *state.LogRecord   `json:"log,omitempty"`
	At    time.Time          `json:"at"`
}

type runSummary struct {
	Application string      `json:"application"`
	Terminated  bool        `json:"terminated"`
	Events      []eventView `json:"events"`
}

func viewEvents(events []supervisor.Event) []eventView {
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		v := eventView{Type: e.Type.String(), State: e.Record, Log: e.Log, At: e.At}
		if e.Type == supervisor.EventError {
			v.Kind = e.Kind.String()
			if e.Err != nil {
				v.Error = e.Err.Error()
			}
		}
		out = append(out, v)
	}
	return out
}

// signalCode maps a received os.Signal onto its numeric code.
func signalCode(sig os.Signal) uint8 {
	if s, ok := sig.(syscall.Signal); ok {
		return uint8(s)
	}
	return 0
}

// Run supervises app until it terminates. SIGINT/SIGTERM are recorded as
// SignalReceived logs and kill the application.
func (c *command) Run(ctx context.Context, f RunFlags, app string) error {
	cfg, err := loadConfig(c.global)
	if err != nil {
		return err
	}
	if f.IdleTimeout > 0 {
		cfg.Supervisor.IdleTimeout = f.IdleTimeout
	}
	if f.InputMode != "" {
		cfg.InputMode = f.InputMode
	}
	if f.StopOnIdle {
		cfg.Supervisor.StopOnIdle = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	d := s.dispatcher()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	serveErr := make(chan error, 1)
	serving := false
	sum, err := d.Supervise(ctx, app, func(m *supervisor.Monitor) {
		if f.HTTPAddr != "" {
			srv, err := newAPIServer(s, d, f.HTTPAddr, m.PID)
			if err != nil {
				s.logger.Error("inspect API disabled", "error", err)
			} else {
				serving = true
				go func() { serveErr <- server.ListenAndServe(ctx, srv) }()
				s.logger.Info("inspect API listening", "addr", f.HTTPAddr)
			}
		}
		go func() {
			select {
			case sig := <-sigs:
				s.logger.Info("signal received, stopping application", "signal", sig.String())
				if _, err := d.Log(ctx, "received "+sig.String(), state.SignalReceived(signalCode(sig))); err != nil {
					s.logger.Warn("could not record signal", "error", err)
				}
				m.Kill()
			case <-ctx.Done():
			}
		}()
	})
	cancel()
	if serving {
		select {
		case serr := <-serveErr:
			if serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				s.logger.Warn("inspect API stopped with error", "error", serr)
			}
		case <-time.After(6 * time.Second):
		}
	}
	if len(sum.Events) > 0 {
		printJSON(c.out, runSummary{Application: app, Terminated: sum.Terminated, Events: viewEvents(sum.Events)})
	}
	return err
}

// Log appends a log record locally, or through the API when --api-url is set.
func (c *command) Log(ctx context.Context, f LogFlags, message string) error {
	if f.API.APIUrl != "" {
		cl, err := newAPIClient(f.API)
		if err != nil {
			return err
		}
		rec, err := cl.AppendLog(ctx, message, f.Event)
		if err != nil {
			return err
		}
		printJSON(c.out, rec)
		return nil
	}

	ev, err := state.ParseLogEvent(f.Event)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c.global)
	if err != nil {
		return err
	}
	s, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	rec, err := s.dispatcher().Log(ctx, message, ev)
	if err != nil {
		return err
	}
	printJSON(c.out, rec)
	return nil
}

// latestView is what latest prints when --states or --logs ask for more.
type latestView struct {
	Latest *state.StateRecord  `json:"latest"`
	States []state.StateRecord `json:"states,omitempty"`
	Logs   []state.LogRecord   `json:"logs,omitempty"`
}

// Latest prints the most recent state record, plus recent states and logs
// when requested.
func (c *command) Latest(ctx context.Context, f LatestFlags) error {
	var view latestView
	if f.API.APIUrl != "" {
		cl, err := newAPIClient(f.API)
		if err != nil {
			return err
		}
		rec, err := cl.Latest(ctx)
		switch {
		case err == nil:
			view.Latest = &rec
		case !errors.Is(err, client.ErrNotFound):
			return err
		}
		if f.States > 0 {
			if view.States, err = cl.States(ctx, f.States); err != nil {
				return err
			}
		}
		if f.Logs > 0 {
			if view.Logs, err = cl.Logs(ctx, f.Logs); err != nil {
				return err
			}
		}
	} else {
		cfg, err := loadConfig(c.global)
		if err != nil {
			return err
		}
		d := dispatch.New(cfg, nil, nil)
		rec, ok, err := d.Backend.Latest()
		if err != nil {
			return err
		}
		if ok {
			view.Latest = &rec
		}
		if f.States > 0 {
			if view.States, err = d.Backend.States(f.States); err != nil {
				return err
			}
		}
		if f.Logs > 0 {
			if view.Logs, err = d.Backend.Logs(f.Logs); err != nil {
				return err
			}
		}
	}

	if f.States == 0 && f.Logs == 0 {
		if view.Latest == nil {
			return errors.New("no state recorded yet")
		}
		printJSON(c.out, view.Latest)
		return nil
	}
	printJSON(c.out, view)
	return nil
}

// Serve runs the inspect API with auth, TLS and the retention scheduler until
// ctx is done.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	cfg, err := loadConfig(c.global)
	if err != nil {
		return err
	}
	s, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	d := s.dispatcher()

	addr := f.Listen
	if addr == "" {
		addr = cfg.Server.Listen
	}
	if addr == "" {
		addr = defaultListen
	}
	srv, err := newAPIServer(s, d, addr, nil)
	if err != nil {
		return err
	}

	if cfg.Retention.Enabled() {
		sched, err := retention.NewScheduler(cfg.Retention, d.Backend, s.logger)
		if err != nil {
			return err
		}
		sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = sched.Stop(stopCtx)
		}()
		s.logger.Info("retention scheduled", "schedule", cfg.Retention.Schedule, "next", sched.Next())
	}

	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	s.logger.Info("serving inspect API", "addr", addr, "base_path", cfg.Server.BasePath,
		"tls", srv.TLSConfig != nil, "auth", cfg.Server.Auth.Enabled)
	err = server.ListenAndServe(ctx, srv)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// newAPIServer wires the router over d with the configured auth and TLS.
func newAPIServer(s *session, d *dispatch.Dispatcher, addr string, childPID func() int) (*http.Server, error) {
	var mw *auth.Middleware
	if s.cfg.Server.Auth.Enabled {
		svc, err := auth.NewService(s.cfg.Server.Auth)
		if err != nil {
			return nil, err
		}
		mw = auth.NewMiddleware(svc, true)
	}
	tlsConfig, err := tlsx.Setup(s.cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	r := server.NewRouter(server.Options{
		BasePath: s.cfg.Server.BasePath,
		Store:    d.Backend,
		Logs:     d,
		Auth:     mw,
		ChildPID: childPID,
		Logger:   s.logger,
	})
	return server.NewServer(addr, r.Handler(), tlsConfig), nil
}

func newAPIClient(f APIFlags) (*client.Client, error) {
	cfg := client.DefaultConfig()
	cfg.BaseURL = f.APIUrl
	if f.APITimeout > 0 {
		cfg.Timeout = f.APITimeout
	}
	cfg.Token = f.Token
	cfg.Username = f.Username
	cfg.Password = f.Password
	cfg.Insecure = f.Insecure
	return client.New(cfg)
}

// AuthHash prints the bcrypt hash for a users entry.
func (c *command) AuthHash(password string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, hash)
	return err
}

// AuthToken issues a bearer token for a configured user. A jwt_secret must be
// configured, otherwise the serving process could not verify it.
func (c *command) AuthToken(f AuthTokenFlags, user string) error {
	cfg, err := loadConfig(c.global)
	if err != nil {
		return err
	}
	return issueToken(c.out, cfg, user, f.TTL)
}

func issueToken(w io.Writer, cfg *config.Config, user string, ttl time.Duration) error {
	if cfg.Server.Auth.JWTSecret == "" {
		return errors.New("server.auth.jwt_secret must be set to issue tokens")
	}
	svc, err := auth.NewService(cfg.Server.Auth)
	if err != nil {
		return err
	}
	if !svc.HasUser(user) {
		return fmt.Errorf("%w: %s", auth.ErrUnknownUser, user)
	}
	tok, err := svc.IssueToken(user, ttl)
	if err != nil {
		return err
	}
	printJSON(w, tok)
	return nil
}
