package pulse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ReportFunc produces and delivers one status report.
type ReportFunc func(ctx context.Context) (Report, error)

// ReportScheduler dispatches status reports on a cron schedule.
//
// Common schedules:
//   - "0 9 * * *"    daily at 09:00
//   - "0 */6 * * *"  every 6 hours
//   - "0 9 * * 1"    Mondays at 09:00
type ReportScheduler struct {
	schedule string
	send     ReportFunc
	logger   *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewReportScheduler creates a scheduler for the standard 5-field cron
// expression schedule. An empty schedule disables reporting.
func NewReportScheduler(schedule string, send ReportFunc, logger *zap.Logger) *ReportScheduler {
	return &ReportScheduler{
		schedule: schedule,
		send:     send,
		logger:   logger,
		cron:     cron.New(),
	}
}

// ValidateSchedule reports whether schedule parses as a standard cron
// expression. The empty schedule is valid and means "disabled".
func ValidateSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// Start registers the report job and starts the cron loop. Jobs run with
// ctx; cancelling ctx stops the scheduler.
func (s *ReportScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("report schedule not configured, skipping scheduler")
		return nil
	}
	if err := ValidateSchedule(s.schedule); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("schedule report: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("report scheduler started", zap.String("schedule", s.schedule))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *ReportScheduler) run(ctx context.Context) {
	r, err := s.send(ctx)
	if err != nil {
		s.logger.Error("scheduled report failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled report sent",
		zap.Int("targets", r.Summary.TotalTargets),
		zap.Int("failed", r.Summary.Failed),
		zap.Float64("success_rate", r.Summary.SuccessRate),
	)
}

// Stop stops the cron loop and waits for a running report to finish.
func (s *ReportScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("report scheduler stopped")
}

// Running reports whether the scheduler is active.
func (s *ReportScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled report time, or nil when disabled.
func (s *ReportScheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
