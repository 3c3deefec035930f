package pulse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/keyproxy/internal/config"
)

// SweepExecutor is called by the scheduler for each target on every tick.
type SweepExecutor func(ctx context.Context, target config.Target)

// Scheduler periodically visits every target with a bounded worker pool.
// It covers targets that receive no traffic and would otherwise never be
// probed.
type Scheduler struct {
	registry *config.Registry
	executor SweepExecutor
	interval time.Duration
	workers  int
	logger   *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a sweep over registry's targets.
func NewScheduler(registry *config.Registry, executor SweepExecutor, interval time.Duration, workers int, logger *zap.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		registry: registry,
		executor: executor,
		interval: interval,
		workers:  workers,
		logger:   logger,
	}
}

// NewProbeSweep returns a scheduler that calls ProbeIfDue on every target.
// Targets probed recently through traffic are skipped by ProbeIfDue itself.
func NewProbeSweep(m *Monitor, interval time.Duration, workers int, logger *zap.Logger) *Scheduler {
	exec := func(ctx context.Context, t config.Target) {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
		if _, _, err := m.ProbeIfDue(pctx, t.ID); err != nil && ctx.Err() == nil {
			logger.Warn("sweep probe failed", zap.String("target_id", t.ID), zap.Error(err))
		}
	}
	return NewScheduler(m.registry, exec, interval, workers, logger)
}

// Start begins the sweep loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil && s.ctx.Err() == nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.tick(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()
	s.logger.Info("probe sweep started",
		zap.Duration("interval", s.interval),
		zap.Int("workers", s.workers),
	)
}

// Stop signals the loop to stop and waits for in-flight work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Running reports whether the sweep loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx != nil && s.ctx.Err() == nil
}

// tick dispatches every target to the worker pool and waits for them.
func (s *Scheduler) tick(ctx context.Context) {
	targets := s.registry.All()
	if len(targets) == 0 {
		return
	}

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

dispatch:
	for i := range targets {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(t config.Target) {
			defer wg.Done()
			defer func() { <-sem }()
			s.executor(ctx, t)
		}(targets[i])
	}
	wg.Wait()
}
