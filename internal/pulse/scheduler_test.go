package pulse

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/keyproxy/internal/config"
	"github.com/HerbHall/keyproxy/internal/testutil"
)

func sweepRegistry(n int) *config.Registry {
	targets := make([]config.Target, n)
	for i := range n {
		targets[i] = testutil.NewTarget(fmt.Sprintf("svc%d", i+1))
	}
	return testutil.NewRegistry(targets...)
}

func TestScheduler_StartStop(t *testing.T) {
	executor := func(_ context.Context, _ config.Target) {}

	s := NewScheduler(sweepRegistry(1), executor, 50*time.Millisecond, 2, zap.NewNop())
	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()
}

func TestScheduler_Running(t *testing.T) {
	executor := func(_ context.Context, _ config.Target) {}
	s := NewScheduler(sweepRegistry(1), executor, 50*time.Millisecond, 2, zap.NewNop())

	if s.Running() {
		t.Error("Running() = true before Start, want false")
	}
	s.Start(context.Background())
	if !s.Running() {
		t.Error("Running() = false after Start, want true")
	}
	s.Stop()
	if s.Running() {
		t.Error("Running() = true after Stop, want false")
	}
}

func TestScheduler_VisitsEveryTarget(t *testing.T) {
	var counter atomic.Int64
	executor := func(_ context.Context, _ config.Target) {
		counter.Add(1)
	}

	s := NewScheduler(sweepRegistry(2), executor, 50*time.Millisecond, 4, zap.NewNop())
	s.Start(context.Background())
	// The first tick fires immediately on Start.
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	if got := counter.Load(); got < 2 {
		t.Errorf("executor called %d times, want >= 2", got)
	}
}

func TestScheduler_WorkerConcurrencyLimit(t *testing.T) {
	var current atomic.Int64
	var peak atomic.Int64

	executor := func(_ context.Context, _ config.Target) {
		cur := current.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		current.Add(-1)
	}

	maxWorkers := 2
	s := NewScheduler(sweepRegistry(5), executor, 5*time.Second, maxWorkers, zap.NewNop())
	s.Start(context.Background())
	// 5 targets / 2 workers * 50ms = ~150ms; wait 500ms for margin.
	time.Sleep(500 * time.Millisecond)
	s.Stop()

	peakVal := peak.Load()
	if peakVal > int64(maxWorkers) {
		t.Errorf("peak concurrency = %d, want <= %d", peakVal, maxWorkers)
	}
	if peakVal == 0 {
		t.Error("peak concurrency = 0, executor was never called")
	}
}

func TestProbeSweep_ProbesDueTargets(t *testing.T) {
	checker := &fakeChecker{}
	checker.set(true)
	h := newHarness(t, 3, checker, testutil.NewTarget("svc1"), testutil.NewTarget("svc2"))

	s := NewProbeSweep(h.monitor, time.Hour, 2, zap.NewNop())
	s.Start(context.Background())
	waitFor(t, func() bool { return checker.calls.Load() >= 2 })
	s.Stop()

	if got := checker.calls.Load(); got != 2 {
		t.Errorf("probe calls = %d, want 2 (one per target)", got)
	}
}
