// Package jobs runs periodic maintenance on a gocron scheduler.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Task is one periodic job
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler owns the gocron scheduler and the context its tasks run in
type Scheduler struct {
	s      gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// New creates a scheduler. clock may be nil.
func New(clock clockwork.Clock, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []gocron.SchedulerOption{
		gocron.WithLogger(zapLogger{logger.Sugar()}),
		gocron.WithStopTimeout(10 * time.Second),
	}
	if clock != nil {
		opts = append(opts, gocron.WithClock(clock))
	}

	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{s: s, ctx: ctx, cancel: cancel, logger: logger}, nil
}

// Add registers a task. Tasks with a non-positive interval are skipped.
// A run that outlasts its interval delays the next one instead of overlapping.
func (s *Scheduler) Add(t Task) error {
	if t.Every <= 0 {
		s.logger.Info("job disabled", zap.String("job", t.Name))
		return nil
	}
	_, err := s.s.NewJob(
		gocron.DurationJob(t.Every),
		gocron.NewTask(s.wrap(t)),
		gocron.WithName(t.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("add job %s: %w", t.Name, err)
	}
	return nil
}

func (s *Scheduler) wrap(t Task) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("job panicked", zap.String("job", t.Name), zap.Any("panic", r))
			}
		}()
		start := time.Now()
		if err := t.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("job failed", zap.String("job", t.Name), zap.Error(err))
			return
		}
		s.logger.Debug("job finished", zap.String("job", t.Name), zap.Duration("took", time.Since(start)))
	}
}

// Start begins running jobs
func (s *Scheduler) Start() {
	s.s.Start()
	s.logger.Info("job scheduler started", zap.Int("jobs", len(s.s.Jobs())))
}

// Stop cancels running tasks and shuts the scheduler down
func (s *Scheduler) Stop() error {
	s.cancel()
	if err := s.s.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

// zapLogger adapts a sugared logger to gocron.Logger
type zapLogger struct {
	l *zap.SugaredLogger
}

func (z zapLogger) Debug(msg string, args ...any) { z.l.Debugw(msg, args...) }
func (z zapLogger) Error(msg string, args ...any) { z.l.Errorw(msg, args...) }
func (z zapLogger) Info(msg string, args ...any)  { z.l.Infow(msg, args...) }
func (z zapLogger) Warn(msg string, args ...any)  { z.l.Warnw(msg, args...) }
