package services

import (
	"context"
	"sync"
	"time"

	"diagram-collab/internal/middleware"
	"diagram-collab/internal/models"
	"diagram-collab/internal/telemetry"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	defaultSweepWorkers = 4
	// DefaultEventRetention is how many log entries an ended session keeps
	DefaultEventRetention = 200
)

// SweepReport summarizes one janitor pass
type SweepReport struct {
	DryRun     bool              `json:"dry_run"`
	Candidates []string          `json:"candidates"`
	Ended      []string          `json:"ended"`
	Failed     map[string]string `json:"failed,omitempty"`
	Compacted  int64             `json:"compacted_events"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// HasFailures reports whether any session could not be ended
func (r *SweepReport) HasFailures() bool { return len(r.Failed) > 0 }

// Janitor ends active sessions whose invite has expired
type Janitor struct {
	sessions  SessionRepository
	events    EventRepository
	lifecycle *LifecycleManager
	logger    *zap.Logger
	now       func() time.Time

	workers        int
	eventRetention int
}

type JanitorOption func(*Janitor)

func WithSweepWorkers(n int) JanitorOption {
	return func(j *Janitor) {
		if n > 0 {
			j.workers = n
		}
	}
}

// WithEventRetention sets how many log entries survive compaction; negative disables compaction
func WithEventRetention(n int) JanitorOption {
	return func(j *Janitor) { j.eventRetention = n }
}

func WithJanitorClock(now func() time.Time) JanitorOption {
	return func(j *Janitor) { j.now = now }
}

func NewJanitor(sessions SessionRepository, events EventRepository, lifecycle *LifecycleManager, logger *zap.Logger, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		sessions:       sessions,
		events:         events,
		lifecycle:      lifecycle,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
		workers:        defaultSweepWorkers,
		eventRetention: DefaultEventRetention,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Sweep finds expired active sessions and ends them. Paused sessions,
// sessions without an expiry and ended sessions are never touched.
// A failure on one session is logged and the sweep moves on; the returned
// error is reserved for the candidate scan itself.
func (j *Janitor) Sweep(ctx context.Context, dryRun bool) (*SweepReport, error) {
	ctx, span := middleware.StartSpan(ctx, "Janitor.Sweep", attribute.Bool("dry_run", dryRun))
	defer span.End()

	mode := "live"
	if dryRun {
		mode = "dry_run"
	}
	telemetry.JanitorSweeps.WithLabelValues(mode).Inc()

	report := &SweepReport{
		DryRun:     dryRun,
		Candidates: []string{},
		Ended:      []string{},
		Failed:     map[string]string{},
		StartedAt:  j.now(),
	}

	expired, err := j.sessions.ListExpiredActive(ctx, report.StartedAt)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		j.logger.Error("janitor scan failed", zap.Error(err))
		return nil, err
	}
	for _, s := range expired {
		report.Candidates = append(report.Candidates, s.SessionID)
	}

	if dryRun || len(expired) == 0 {
		report.FinishedAt = j.now()
		j.logger.Info("🧹 Janitor sweep complete",
			zap.Bool("dry_run", dryRun),
			zap.Int("candidates", len(report.Candidates)),
		)
		return report, nil
	}

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(j.workers)
	for _, s := range expired {
		p.Go(func() {
			if err := j.lifecycle.endSession(ctx, s.SessionID, "expired"); err != nil {
				telemetry.JanitorFailures.Inc()
				j.logger.Error("failed to end expired session",
					zap.String("session_id", s.SessionID),
					zap.Error(err),
				)
				mu.Lock()
				report.Failed[s.SessionID] = err.Error()
				mu.Unlock()
				return
			}

			compacted := j.compact(ctx, s)

			mu.Lock()
			report.Ended = append(report.Ended, s.SessionID)
			report.Compacted += compacted
			mu.Unlock()
		})
	}
	p.Wait()

	report.FinishedAt = j.now()
	j.logger.Info("🧹 Janitor sweep complete",
		zap.Int("candidates", len(report.Candidates)),
		zap.Int("ended", len(report.Ended)),
		zap.Int("failed", len(report.Failed)),
		zap.Int64("compacted_events", report.Compacted),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

func (j *Janitor) compact(ctx context.Context, s *models.Session) int64 {
	if j.events == nil || j.eventRetention < 0 {
		return 0
	}
	n, err := j.events.DeleteOldEvents(ctx, s.SessionID, j.eventRetention)
	if err != nil {
		j.logger.Warn("failed to compact session events",
			zap.String("session_id", s.SessionID),
			zap.Error(err),
		)
		return 0
	}
	return n
}

// Stats returns the dry-run statistics snapshot
func (j *Janitor) Stats(ctx context.Context) (*models.SessionStats, error) {
	stats, err := j.sessions.Stats(ctx, j.now())
	if err != nil {
		return nil, err
	}
	j.logger.Info("📊 Session stats",
		zap.Int64("active", stats.ActiveSessions),
		zap.Int64("paused", stats.PausedSessions),
		zap.Int64("ended", stats.EndedSessions),
		zap.Int64("expired_active", stats.ExpiredActive),
		zap.Int64("online_collaborators", stats.OnlineCollaborators),
	)
	return stats, nil
}
