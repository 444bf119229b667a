package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/statekeep/internal/config"
	"github.com/loykin/statekeep/internal/dispatch"
	"github.com/loykin/statekeep/internal/history"
	"github.com/loykin/statekeep/internal/history/factory"
	"github.com/loykin/statekeep/internal/logger"
	"github.com/loykin/statekeep/internal/metrics"
)

// session is the per-invocation wiring built from the config file and the
// persistent flags.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	sinks  []history.Sink

	logCloser io.Closer
}

// loadConfig reads the config file and applies the persistent flag overrides.
func loadConfig(g *GlobalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	if g.StateFile != "" {
		cfg.StateFile = g.StateFile
	}
	if g.LogLevel != "" {
		if _, err := logger.ParseLevel(g.LogLevel); err != nil {
			return nil, err
		}
		cfg.Log.Level = g.LogLevel
	}
	return cfg, nil
}

// openSession builds the logger, registers metrics and opens history sinks.
func openSession(cfg *config.Config) (*session, error) {
	l, closer, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	slog.SetDefault(l)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			_ = closer.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	sinks, err := factory.NewSinks(cfg.History)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("history: %w", err)
	}
	return &session{cfg: cfg, logger: l, sinks: sinks, logCloser: closer}, nil
}

func (s *session) dispatcher() *dispatch.Dispatcher {
	return dispatch.New(s.cfg, s.logger, s.sinks)
}

func (s *session) Close() error {
	return errors.Join(history.CloseAll(s.sinks), s.logCloser.Close())
}
