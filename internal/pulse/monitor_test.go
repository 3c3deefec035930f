package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/keyproxy/internal/clock"
	"github.com/HerbHall/keyproxy/internal/config"
	"github.com/HerbHall/keyproxy/internal/event"
	"github.com/HerbHall/keyproxy/internal/state"
	"github.com/HerbHall/keyproxy/internal/testutil"
)

// fakeChecker returns a configurable result and counts calls. When block is
// set, Check waits for ctx to end and reports a transport failure.
type fakeChecker struct {
	calls   atomic.Int32
	healthy atomic.Bool
	block   atomic.Bool
}

func (f *fakeChecker) set(healthy bool) { f.healthy.Store(healthy) }

func (f *fakeChecker) Check(ctx context.Context, _ string) CheckResult {
	f.calls.Add(1)
	if f.block.Load() {
		<-ctx.Done()
		return CheckResult{ErrorMessage: ctx.Err().Error()}
	}
	if f.healthy.Load() {
		return CheckResult{Success: true, StatusCode: 200}
	}
	return CheckResult{StatusCode: 503, ErrorMessage: "HTTP 503 Service Unavailable"}
}

// recordingNotifier captures every notification. failNext makes the next
// n calls return an error.
type recordingNotifier struct {
	mu       sync.Mutex
	sent     []Notification
	attempts int
	failNext int
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.failNext > 0 {
		r.failNext--
		return errors.New("smtp unreachable")
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) Type() string { return "recording" }

func (r *recordingNotifier) failNextCalls(n int) {
	r.mu.Lock()
	r.failNext = n
	r.mu.Unlock()
}

func (r *recordingNotifier) count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Kind == k {
			n++
		}
	}
	return n
}

type harness struct {
	monitor  *Monitor
	store    state.Store
	clock    *clock.Fake
	notifier *recordingNotifier
	reg      *prometheus.Registry
}

func newHarness(t *testing.T, threshold int, checker Checker, targets ...config.Target) *harness {
	t.Helper()
	return newHarnessWithStore(t, threshold, checker, state.NewMemoryStore(), targets...)
}

func newHarnessWithStore(t *testing.T, threshold int, checker Checker, st state.Store, targets ...config.Target) *harness {
	t.Helper()
	if len(targets) == 0 {
		targets = []config.Target{testutil.NewTarget("svc1")}
	}
	h := &harness{
		store:    st,
		clock:    clock.NewFake(testutil.Epoch),
		notifier: &recordingNotifier{},
		reg:      prometheus.NewRegistry(),
	}
	cfg := DefaultConfig()
	cfg.FailThreshold = threshold
	cfg.ProbeTimeout = 2 * time.Second
	cfg.NotifyTimeout = time.Second
	h.monitor = NewMonitor(cfg, testutil.NewRegistry(targets...), st, checker, h.notifier, zap.NewNop(),
		WithClock(h.clock),
		WithCollectors(NewCollectors(h.reg)),
	)
	h.monitor.Start()
	t.Cleanup(h.monitor.Stop)
	return h
}

func (h *harness) observe(t *testing.T, id string, success bool) state.HealthRecord {
	t.Helper()
	obs := Observation{Success: success, Source: state.SourceForward, Detail: "GET /"}
	if !success {
		obs.Outcome = "connection refused"
	}
	_, err := h.monitor.Observe(context.Background(), id, obs)
	require.NoError(t, err)
	return h.settle(t, id)
}

// settle waits until every notification result was applied and returns the
// target's record.
func (h *harness) settle(t *testing.T, id string) state.HealthRecord {
	t.Helper()
	waitFor(t, func() bool { return h.monitor.inFlight.Load() == 0 })
	s, err := h.monitor.Status(context.Background(), id)
	require.NoError(t, err)
	return s.Record
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMonitor_ThreeConnectionErrorsRaiseOneAlert(t *testing.T) {
	h := newHarness(t, 3, &fakeChecker{})

	var rec state.HealthRecord
	for range 3 {
		rec = h.observe(t, "svc1", false)
	}

	assert.Equal(t, 3, rec.Fails)
	assert.True(t, rec.Notified)
	assert.False(t, rec.RecoveryNotified)
	assert.Equal(t, testutil.Epoch.Unix(), rec.LastNotifyTime)
	assert.Equal(t, 1, h.notifier.count(KindAlert))

	sent := h.notifier.sent[0]
	assert.Equal(t, "svc1", sent.TargetID)
	require.NotNil(t, sent.Target)
	assert.Equal(t, "svc1", sent.Target.ID)
	require.NotNil(t, sent.Health)
	assert.Equal(t, 3, sent.Health.Fails)
	assert.Equal(t, 3, sent.Threshold)
}

func TestMonitor_SuccessAfterAlertSendsOneRecovery(t *testing.T) {
	h := newHarness(t, 3, &fakeChecker{})
	for range 3 {
		h.observe(t, "svc1", false)
	}

	rec := h.observe(t, "svc1", true)
	assert.Equal(t, 0, rec.Fails)
	assert.False(t, rec.Notified)
	assert.True(t, rec.RecoveryNotified)
	assert.Equal(t, 1, h.notifier.count(KindRecovery))

	// A second success leaves both flags and the notification count alone.
	rec = h.observe(t, "svc1", true)
	assert.False(t, rec.Notified)
	assert.True(t, rec.RecoveryNotified)
	assert.Equal(t, 1, h.notifier.count(KindRecovery))
}

func TestMonitor_NoDuplicateAlertsWithinStreak(t *testing.T) {
	h := newHarness(t, 3, &fakeChecker{})

	for range 20 {
		h.observe(t, "svc1", false)
	}
	assert.Equal(t, 1, h.notifier.count(KindAlert))

	// A new streak after recovery alerts again, once.
	h.observe(t, "svc1", true)
	for range 5 {
		h.observe(t, "svc1", false)
	}
	assert.Equal(t, 2, h.notifier.count(KindAlert))
	assert.Equal(t, 1, h.notifier.count(KindRecovery))
}

func TestMonitor_DegradedStreakBelowThresholdSendsNothing(t *testing.T) {
	h := newHarness(t, 3, &fakeChecker{})
	h.observe(t, "svc1", false)
	h.observe(t, "svc1", false)

	rec := h.observe(t, "svc1", true)
	assert.Equal(t, 0, rec.Fails)
	assert.False(t, rec.RecoveryNotified)
	assert.Equal(t, 0, h.notifier.count(KindAlert))
	assert.Equal(t, 0, h.notifier.count(KindRecovery))
}

func TestMonitor_AlertRetriedAfterNotifierFailure(t *testing.T) {
	h := newHarness(t, 3, &fakeChecker{})
	h.notifier.failNextCalls(1)

	var rec state.HealthRecord
	for range 3 {
		rec = h.observe(t, "svc1", false)
	}
	assert.False(t, rec.Notified, "failed delivery must leave the target unnotified")
	assert.Equal(t, 0, h.notifier.count(KindAlert))

	rec = h.observe(t, "svc1", false)
	assert.True(t, rec.Notified)
	assert.Equal(t, 4, rec.Fails)
	assert.Equal(t, 1, h.notifier.count(KindAlert))
	assert.Equal(t, 2, h.notifier.attempts)
}

func TestMonitor_RecoveryNotifierFailureClearsNotified(t *testing.T) {
	h := newHarness(t, 3, &fakeChecker{})
	for range 3 {
		h.observe(t, "svc1", false)
	}
	h.notifier.failNextCalls(1)

	rec := h.observe(t, "svc1", true)
	assert.Equal(t, 0, rec.Fails)
	assert.False(t, rec.Notified)
	assert.False(t, rec.RecoveryNotified)
	assert.Equal(t, 0, h.notifier.count(KindRecovery))
}

func TestMonitor_ResetSendsNoRecovery(t *testing.T) {
	bus := event.NewBus(zap.NewNop())
	var resets atomic.Int32
	bus.Subscribe(TopicTargetReset, func(context.Context, event.Event) { resets.Add(1) })

	h := newHarness(t, 3, &fakeChecker{})
	h.monitor.bus = bus
	for range 4 {
		h.observe(t, "svc1", false)
	}

	rec, err := h.monitor.Reset(context.Background(), "svc1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Fails)
	assert.False(t, rec.Notified)
	assert.False(t, rec.RecoveryNotified)
	assert.Equal(t, 0, h.notifier.count(KindRecovery))
	waitFor(t, func() bool { return resets.Load() == 1 })

	stored, ok, err := h.store.GetHealth(context.Background(), "svc1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, stored.Fails)
	assert.Len(t, stored.History, 4, "reset keeps history")
}

func TestMonitor_HistoryIsBounded(t *testing.T) {
	h := newHarness(t, 1000, &fakeChecker{})

	var rec state.HealthRecord
	for range state.MaxHistory + 50 {
		h.clock.Advance(time.Second)
		rec = h.observe(t, "svc1", false)
	}
	require.Len(t, rec.History, state.MaxHistory)
	assert.Equal(t, testutil.Epoch.Add(51*time.Second).Unix(), rec.History[0].Time, "oldest entries evicted first")
	assert.Equal(t, h.clock.Now().Unix(), rec.History[state.MaxHistory-1].Time)
}

func TestMonitor_ObservationUpdatesTimes(t *testing.T) {
	h := newHarness(t, 3, &fakeChecker{})

	rec := h.observe(t, "svc1", false)
	assert.Equal(t, testutil.Epoch.Unix(), rec.LastCheckTime)
	assert.Equal(t, testutil.Epoch.Unix(), rec.LastFailTime)
	assert.Zero(t, rec.LastSuccessTime)
	require.Len(t, rec.History, 1)
	assert.Equal(t, state.HistoryEntry{
		Time:    testutil.Epoch.Unix(),
		Source:  state.SourceForward,
		Detail:  "GET /",
		Outcome: "connection refused",
	}, rec.History[0])

	h.clock.Advance(time.Minute)
	rec = h.observe(t, "svc1", true)
	assert.Equal(t, h.clock.Now().Unix(), rec.LastCheckTime)
	assert.Equal(t, h.clock.Now().Unix(), rec.LastSuccessTime)
	assert.Len(t, rec.History, 1, "successes are not recorded in history")
}

func TestMonitor_ConcurrentObservationsLoseNoUpdates(t *testing.T) {
	h := newHarness(t, 10000, &fakeChecker{}, testutil.NewTarget("svc1"), testutil.NewTarget("svc2"))

	const n = 200
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "svc1"
			if i%2 == 1 {
				id = "svc2"
			}
			_, err := h.monitor.Observe(context.Background(), id, Observation{Source: state.SourceForward})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, id := range []string{"svc1", "svc2"} {
		s, err := h.monitor.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, n/2, s.Record.Fails, id)
	}
}

func TestMonitor_SubmitAppliesInOrder(t *testing.T) {
	h := newHarness(t, 3, &fakeChecker{})

	for range 5 {
		require.NoError(t, h.monitor.Submit("svc1", Observation{Source: state.SourceForward}))
	}
	require.NoError(t, h.monitor.Submit("svc1", Observation{Success: true, Source: state.SourceForward}))

	rec := h.settle(t, "svc1")
	assert.Equal(t, 0, rec.Fails)
	assert.False(t, rec.Notified)
	assert.True(t, rec.RecoveryNotified)
	assert.Equal(t, 1, h.notifier.count(KindAlert))
	assert.Equal(t, 1, h.notifier.count(KindRecovery))
}

func TestMonitor_UnknownTarget(t *testing.T) {
	h := newHarness(t, 3, &fakeChecker{})

	_, err := h.monitor.Observe(context.Background(), "nope", Observation{})
	assert.ErrorIs(t, err, ErrUnknownTarget)
	assert.ErrorIs(t, h.monitor.Submit("nope", Observation{}), ErrUnknownTarget)
	_, err = h.monitor.Reset(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestMonitor_StoppedRejectsWork(t *testing.T) {
	h := newHarness(t, 3, &fakeChecker{})
	h.monitor.Stop()

	_, err := h.monitor.Observe(context.Background(), "svc1", Observation{})
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, h.monitor.Submit("svc1", Observation{}), ErrStopped)
	h.monitor.TriggerProbe("svc1") // no-op once stopped
}

func TestMonitor_LoadsPersistedRecord(t *testing.T) {
	st := state.NewMemoryStore()
	prior := testutil.NewHealthRecord(testutil.WithFails(2))
	require.NoError(t, st.PutHealth(context.Background(), "svc1", prior))

	h := newHarnessWithStore(t, 3, &fakeChecker{}, st)
	rec := h.observe(t, "svc1", false)
	assert.Equal(t, 3, rec.Fails)
	assert.True(t, rec.Notified)
	assert.Equal(t, 1, h.notifier.count(KindAlert))
}

// failingStore fails every health write.
type failingStore struct {
	state.Store
}

func (failingStore) PutHealth(context.Context, string, state.HealthRecord) error {
	return errors.New("disk full")
}

func TestMonitor_PersistenceFailureKeepsInMemoryState(t *testing.T) {
	h := newHarnessWithStore(t, 3, &fakeChecker{}, failingStore{Store: state.NewMemoryStore()})

	for range 3 {
		h.observe(t, "svc1", false)
	}
	s, err := h.monitor.Status(context.Background(), "svc1")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Record.Fails)
	assert.True(t, s.Record.Notified)
}

func TestMonitor_ProbeSkippedWithinInterval(t *testing.T) {
	checker := &fakeChecker{}
	checker.set(true)
	h := newHarness(t, 3, checker, testutil.NewTarget("svc1", testutil.WithProbeInterval(60*time.Second)))
	ctx := context.Background()

	probed, healthy, err := h.monitor.ProbeIfDue(ctx, "svc1")
	require.NoError(t, err)
	assert.True(t, probed)
	assert.True(t, healthy)

	h.clock.Advance(10 * time.Second)
	probed, healthy, err = h.monitor.ProbeIfDue(ctx, "svc1")
	require.NoError(t, err)
	assert.False(t, probed, "second request inside the interval reuses the cached classification")
	assert.True(t, healthy)
	assert.EqualValues(t, 1, checker.calls.Load())

	h.clock.Advance(50 * time.Second)
	probed, _, err = h.monitor.ProbeIfDue(ctx, "svc1")
	require.NoError(t, err)
	assert.True(t, probed)
	assert.EqualValues(t, 2, checker.calls.Load())
}

func TestMonitor_FailedProbeCountsAsFailure(t *testing.T) {
	checker := &fakeChecker{}
	h := newHarness(t, 3, checker)

	probed, healthy, err := h.monitor.ProbeIfDue(context.Background(), "svc1")
	require.NoError(t, err)
	assert.True(t, probed)
	assert.False(t, healthy)

	s, err := h.monitor.Status(context.Background(), "svc1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Record.Fails)
	assert.Equal(t, StateDegraded, s.State)
	require.Len(t, s.Record.History, 1)
	assert.Equal(t, state.SourceProbe, s.Record.History[0].Source)
	assert.Equal(t, "http://127.0.0.1:1/health", s.Record.History[0].Detail)
	assert.Equal(t, float64(1), promtest.ToFloat64(h.monitor.metrics.probes.WithLabelValues("svc1", "failure")))
}

func TestMonitor_CancelledProbeIsNotAFailure(t *testing.T) {
	checker := &fakeChecker{}
	checker.block.Store(true)
	h := newHarness(t, 3, checker)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for checker.calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	_, _, err := h.monitor.ProbeIfDue(ctx, "svc1")
	assert.ErrorIs(t, err, context.Canceled)

	s, err := h.monitor.Status(context.Background(), "svc1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Record.Fails)
	assert.Equal(t, testutil.Epoch.Unix(), s.Record.LastCheckTime, "claim still consumed the probe slot")
}

func TestMonitor_TimedOutProbeIsAFailure(t *testing.T) {
	checker := &fakeChecker{}
	checker.block.Store(true)
	h := newHarness(t, 3, checker)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	probed, healthy, err := h.monitor.ProbeIfDue(ctx, "svc1")
	require.NoError(t, err)
	assert.True(t, probed)
	assert.False(t, healthy)

	s, err := h.monitor.Status(context.Background(), "svc1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Record.Fails)
}

func TestMonitor_TriggerProbeRunsInBackground(t *testing.T) {
	checker := &fakeChecker{}
	checker.set(true)
	h := newHarness(t, 3, checker)

	h.monitor.TriggerProbe("svc1")
	h.monitor.TriggerProbe("svc1")
	waitFor(t, func() bool {
		s, err := h.monitor.Status(context.Background(), "svc1")
		return err == nil && s.Record.LastSuccessTime != 0
	})
	assert.EqualValues(t, 1, checker.calls.Load(), "the probe claim prevents a double probe")
}

func TestMonitor_EventsPublished(t *testing.T) {
	bus := event.NewBus(zap.NewNop())
	var mu sync.Mutex
	topics := map[string]int{}
	bus.SubscribeAll(func(_ context.Context, e event.Event) {
		mu.Lock()
		topics[e.Topic]++
		mu.Unlock()
	})

	h := newHarness(t, 2, &fakeChecker{})
	h.monitor.bus = bus
	h.observe(t, "svc1", false)
	h.observe(t, "svc1", false)
	h.observe(t, "svc1", true)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return topics[TopicHealthObserved] == 3 &&
			topics[TopicAlertTriggered] == 1 &&
			topics[TopicAlertResolved] == 1
	})
}

func TestMonitor_Collectors(t *testing.T) {
	h := newHarness(t, 3, &fakeChecker{})
	for range 3 {
		h.observe(t, "svc1", false)
	}

	c := h.monitor.metrics
	assert.Equal(t, float64(3), promtest.ToFloat64(c.consecutiveFailures.WithLabelValues("svc1")))
	assert.Equal(t, float64(1), promtest.ToFloat64(c.notifications.WithLabelValues("alert", "success")))

	h.observe(t, "svc1", true)
	assert.Equal(t, float64(0), promtest.ToFloat64(c.consecutiveFailures.WithLabelValues("svc1")))
	assert.Equal(t, float64(1), promtest.ToFloat64(c.notifications.WithLabelValues("recovery", "success")))
}

func TestMonitor_Snapshot(t *testing.T) {
	h := newHarness(t, 2, &fakeChecker{},
		testutil.NewTarget("a"), testutil.NewTarget("b"), testutil.NewTarget("c"))
	h.observe(t, "b", false)
	h.observe(t, "c", false)
	h.observe(t, "c", false)

	got, err := h.monitor.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)

	want := []State{StateHealthy, StateDegraded, StateFailed}
	for i, s := range got {
		assert.Equal(t, string(rune('a'+i)), s.TargetID)
		assert.Equal(t, want[i], s.State, fmt.Sprintf("target %s", s.TargetID))
	}
}

// blockingNotifier holds every call until its context ends.
type blockingNotifier struct {
	calls atomic.Int32
}

func (b *blockingNotifier) Notify(ctx context.Context, _ Notification) error {
	b.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingNotifier) Type() string { return "blocking" }

func TestMonitor_SlowNotifierDoesNotBlockSubmit(t *testing.T) {
	notifier := &blockingNotifier{}
	cfg := DefaultConfig()
	cfg.FailThreshold = 1
	cfg.QueueSize = 4
	cfg.NotifyTimeout = 500 * time.Millisecond
	m := NewMonitor(cfg, testutil.NewRegistry(testutil.NewTarget("svc1")), state.NewMemoryStore(),
		&fakeChecker{}, notifier, zap.NewNop())
	m.Start()

	for i := range 10 {
		start := time.Now()
		err := m.Submit("svc1", Observation{Source: state.SourceForward, Outcome: "connection refused"})
		if err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
		}
		assert.Less(t, time.Since(start).Milliseconds(), int64(50), "submit %d waited", i+1)
	}

	waitFor(t, func() bool { return notifier.calls.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, notifier.calls.Load(), "an alert in flight is not retried")

	start := time.Now()
	m.Stop()
	assert.Less(t, time.Since(start).Milliseconds(), int64(2000))

	rec, ok, err := m.store.GetHealth(context.Background(), "svc1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, rec.Notified, "a timed-out alert leaves the target unnotified")
	assert.Positive(t, rec.Fails)
}

func TestMonitor_SubmitDropsWhenQueueFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.QueueSize = 2
	// Not started, so nothing drains the queue.
	m := NewMonitor(cfg, testutil.NewRegistry(testutil.NewTarget("svc1")), state.NewMemoryStore(),
		&fakeChecker{}, &recordingNotifier{}, zap.NewNop(), WithCollectors(NewCollectors(reg)))
	defer m.Stop()

	obs := Observation{Source: state.SourceForward}
	require.NoError(t, m.Submit("svc1", obs))
	require.NoError(t, m.Submit("svc1", obs))

	start := time.Now()
	assert.ErrorIs(t, m.Submit("svc1", obs), ErrQueueFull)
	assert.Less(t, time.Since(start).Milliseconds(), int64(50))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.metrics.droppedObs.WithLabelValues("svc1")))
}

// gatedNotifier blocks alerts until release is closed.
type gatedNotifier struct {
	recordingNotifier
	release chan struct{}
}

func (g *gatedNotifier) Notify(ctx context.Context, n Notification) error {
	if n.Kind == KindAlert {
		<-g.release
	}
	return g.recordingNotifier.Notify(ctx, n)
}

func TestMonitor_RecoveryDuringAlertSendIsReported(t *testing.T) {
	notifier := &gatedNotifier{release: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.FailThreshold = 2
	m := NewMonitor(cfg, testutil.NewRegistry(testutil.NewTarget("svc1")), state.NewMemoryStore(),
		&fakeChecker{}, notifier, zap.NewNop())
	m.Start()
	t.Cleanup(m.Stop)
	h := &harness{monitor: m}

	ctx := context.Background()
	for range 2 {
		_, err := m.Observe(ctx, "svc1", Observation{Source: state.SourceForward})
		require.NoError(t, err)
	}
	rec, err := m.Observe(ctx, "svc1", Observation{Success: true, Source: state.SourceForward})
	require.NoError(t, err)
	assert.False(t, rec.Notified)

	close(notifier.release)
	rec = h.settle(t, "svc1")
	assert.Equal(t, 0, rec.Fails)
	assert.False(t, rec.Notified)
	assert.True(t, rec.RecoveryNotified)
	assert.Equal(t, 1, notifier.count(KindAlert))
	assert.Equal(t, 1, notifier.count(KindRecovery))
}

func TestMonitor_ResetDuringAlertSendSendsNoRecovery(t *testing.T) {
	notifier := &gatedNotifier{release: make(chan struct{})}
	cfg := DefaultConfig()
	cfg.FailThreshold = 1
	m := NewMonitor(cfg, testutil.NewRegistry(testutil.NewTarget("svc1")), state.NewMemoryStore(),
		&fakeChecker{}, notifier, zap.NewNop())
	m.Start()
	t.Cleanup(m.Stop)
	h := &harness{monitor: m}

	_, err := m.Observe(context.Background(), "svc1", Observation{Source: state.SourceForward})
	require.NoError(t, err)
	_, err = m.Reset(context.Background(), "svc1")
	require.NoError(t, err)

	close(notifier.release)
	rec := h.settle(t, "svc1")
	assert.Equal(t, 0, rec.Fails)
	assert.False(t, rec.Notified)
	assert.False(t, rec.RecoveryNotified)
	assert.Equal(t, 0, notifier.count(KindRecovery))
}
