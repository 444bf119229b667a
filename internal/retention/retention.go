// Package retention trims the state file on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/statekeep/internal/metrics"
)

// Parser accepts standard five-field specs, an optional leading seconds field
// and descriptors such as @daily or @every 1h.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Policy says when to prune and how much to keep. Zero keeps everything of
// that kind; an empty Schedule disables retention.
type Policy struct {
	Schedule   string `mapstructure:"schedule"`
	TimeZone   string `mapstructure:"time_zone"`
	KeepStates int    `mapstructure:"keep_states"`
	KeepLogs   int    `mapstructure:"keep_logs"`
}

// Enabled reports whether a schedule is set.
func (p Policy) Enabled() bool { return p.Schedule != "" }

// Validate parses the schedule and time zone.
func (p Policy) Validate() error {
	if p.KeepStates < 0 || p.KeepLogs < 0 {
		return errors.New("retention keep counts must not be negative")
	}
	if !p.Enabled() {
		return nil
	}
	if _, err := Parser.Parse(p.Schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", p.Schedule, err)
	}
	if _, err := p.location(); err != nil {
		return err
	}
	return nil
}

func (p Policy) location() (*time.Location, error) {
	if p.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(p.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid retention time_zone %q: %w", p.TimeZone, err)
	}
	return loc, nil
}

// Pruner is the part of the backend retention drives.
type Pruner interface {
	Prune(keepStates, keepLogs int) (removedStates, removedLogs int, err error)
}

// Result describes one run.
type Result struct {
	At            time.Time
	RemovedStates int
	RemovedLogs   int
	Err           error
}

// Scheduler runs Prune on the policy's schedule. Overlapping runs are skipped.
type Scheduler struct {
	policy Policy
	target Pruner
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	last    *Result
}

func NewScheduler(policy Policy, target Pruner, logger *slog.Logger) (*Scheduler, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if !policy.Enabled() {
		return nil, errors.New("retention schedule is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := policy.location()
	if err != nil {
		return nil, err
	}
	l := logger.With("component", "retention")
	s := &Scheduler{policy: policy, target: target, logger: l}
	s.cron = cron.New(
		cron.WithParser(Parser),
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{l}),
		cron.WithChain(cron.Recover(cronLogger{l}), cron.SkipIfStillRunning(cronLogger{l})),
	)
	id, err := s.cron.AddFunc(policy.Schedule, func() { s.RunOnce() })
	if err != nil {
		return nil, fmt.Errorf("failed to schedule retention: %w", err)
	}
	s.entryID = id
	return s, nil
}

// Start begins scheduling in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.publishNext()
	s.logger.Info("retention scheduled", "schedule", s.policy.Schedule,
		"keep_states", s.policy.KeepStates, "keep_logs", s.policy.KeepLogs)
}

// Stop stops scheduling and waits for a running prune to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next scheduled run, zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// Last returns the most recent run, if any.
func (s *Scheduler) Last() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

// RunOnce prunes immediately.
func (s *Scheduler) RunOnce() Result {
	rs, rl, err := s.target.Prune(s.policy.KeepStates, s.policy.KeepLogs)
	res := Result{At: time.Now(), RemovedStates: rs, RemovedLogs: rl, Err: err}
	if err != nil {
		s.logger.Error("retention run failed", "error", err)
	} else if rs+rl > 0 {
		s.logger.Info("retention pruned records", "states", rs, "logs", rl)
		metrics.RetentionPruned(rs, rl)
	} else {
		s.logger.Debug("retention found nothing to prune")
	}
	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()
	s.publishNext()
	return res
}

func (s *Scheduler) publishNext() {
	if next := s.Next(); !next.IsZero() {
		metrics.SetRetentionNextRun(float64(next.Unix()))
	}
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
