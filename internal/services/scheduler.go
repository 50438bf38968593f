package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultSweepSpec = "@hourly"
	DefaultStatsSpec = "0 6 * * *"

	jobTimeout = 10 * time.Minute
)

// Scheduler runs the janitor on cron schedules
type Scheduler struct {
	cron    *cron.Cron
	janitor *Janitor
	logger  *zap.Logger
}

func NewScheduler(janitor *Janitor, logger *zap.Logger, sweepSpec, statsSpec string) (*Scheduler, error) {
	if sweepSpec == "" {
		sweepSpec = DefaultSweepSpec
	}
	if statsSpec == "" {
		statsSpec = DefaultStatsSpec
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.SkipIfStillRunning(cronLogger))),
		janitor: janitor,
		logger:  logger,
	}

	if _, err := s.cron.AddFunc(sweepSpec, s.runSweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", sweepSpec, err)
	}
	if _, err := s.cron.AddFunc(statsSpec, s.runStats); err != nil {
		return nil, fmt.Errorf("invalid stats schedule %q: %w", statsSpec, err)
	}
	return s, nil
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := s.janitor.Sweep(ctx, false); err != nil {
		s.logger.Error("scheduled sweep failed", zap.Error(err))
	}
}

func (s *Scheduler) runStats() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := s.janitor.Sweep(ctx, true); err != nil {
		s.logger.Error("scheduled dry run failed", zap.Error(err))
		return
	}
	if _, err := s.janitor.Stats(ctx); err != nil {
		s.logger.Error("scheduled stats failed", zap.Error(err))
	}
}

func (s *Scheduler) Start() {
	s.logger.Info("⏰ Starting janitor scheduler...")
	s.cron.Start()
}

// Stop halts scheduling and waits for a running job to finish or ctx to expire
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with a job still running")
	}
}
