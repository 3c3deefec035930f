package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/keyproxy/internal/clock"
	"github.com/HerbHall/keyproxy/internal/config"
	"github.com/HerbHall/keyproxy/internal/event"
	"github.com/HerbHall/keyproxy/internal/state"
)

var (
	// ErrUnknownTarget is returned for ids missing from the registry.
	ErrUnknownTarget = errors.New("pulse: unknown target")
	// ErrStopped is returned once the monitor is shutting down.
	ErrStopped = errors.New("pulse: monitor stopped")
	// ErrQueueFull is returned by Submit when the target's queue has no room.
	ErrQueueFull = errors.New("pulse: observation queue full")
)

// Monitor owns the health state machine of every configured target.
//
// Each target has one actor goroutine consuming a FIFO queue of
// operations, so every read-modify-write of a target's HealthRecord runs on
// a single writer in submission order. Notifications are sent from their
// own goroutine, bounded by Config.NotifyTimeout, and the delivery result
// is applied back on the actor. At most one notification per kind and
// target is in flight.
type Monitor struct {
	cfg      Config
	registry *config.Registry
	store    state.Store
	checker  Checker
	notifier Notifier
	bus      event.Publisher
	clock    clock.Clock
	metrics  *Collectors
	logger   *zap.Logger

	actors map[string]*actor

	probeCtx    context.Context
	probeCancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopping bool
	probes   sync.WaitGroup
	notifies sync.WaitGroup
	actorsWG sync.WaitGroup
	// inFlight counts notifications whose result is not applied yet.
	inFlight atomic.Int32
	done     chan struct{} // closed when actors must drain and exit
	exited   chan struct{} // closed after every actor returned
	stopOnce sync.Once
}

type actor struct {
	target config.Target
	ops    chan func()

	// Owned by the actor goroutine.
	rec    state.HealthRecord
	loaded bool
	// sending marks kinds with a notification in flight.
	sending map[Kind]bool
	// streak is bumped whenever a failure streak ends; resetEnd tells
	// whether the last one ended by a manual reset.
	streak   uint64
	resetEnd bool
}

// Option configures optional Monitor collaborators.
type Option func(*Monitor)

// WithBus publishes health events on bus.
func WithBus(bus event.Publisher) Option {
	return func(m *Monitor) { m.bus = bus }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithCollectors records Prometheus metrics.
func WithCollectors(c *Collectors) Option {
	return func(m *Monitor) { m.metrics = c }
}

// NewMonitor creates a monitor with one actor per registered target. Call
// Start before submitting work.
func NewMonitor(cfg Config, registry *config.Registry, st state.Store, checker Checker, notifier Notifier, logger *zap.Logger, opts ...Option) *Monitor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = DefaultConfig().FailThreshold
	}
	m := &Monitor{
		cfg:      cfg,
		registry: registry,
		store:    st,
		checker:  checker,
		notifier: notifier,
		clock:    clock.Real(),
		logger:   logger,
		actors:   make(map[string]*actor, registry.Len()),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, t := range registry.All() {
		m.actors[t.ID] = &actor{target: t, ops: make(chan func(), cfg.QueueSize), sending: make(map[Kind]bool, 2)}
	}
	m.probeCtx, m.probeCancel = context.WithCancel(context.Background())
	return m
}

// Start launches the actor goroutines.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopping {
		return
	}
	m.started = true
	for _, a := range m.actors {
		m.actorsWG.Add(1)
		go m.run(a)
	}
}

// Stop cancels in-flight probes, waits for in-flight notifications (each
// bounded by NotifyTimeout), drains queued operations and waits for every
// actor to exit. No new notification starts once Stop was called.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopping = true
		started := m.started
		m.mu.Unlock()

		m.probeCancel()
		m.probes.Wait()
		m.notifies.Wait()
		close(m.done)
		if started {
			m.actorsWG.Wait()
		}
		close(m.exited)
	})
}

// Threshold returns the configured failure threshold.
func (m *Monitor) Threshold() int {
	return m.cfg.FailThreshold
}

func (m *Monitor) run(a *actor) {
	defer m.actorsWG.Done()
	for {
		select {
		case op := <-a.ops:
			m.safeRun(a, op)
		case <-m.done:
			for {
				select {
				case op := <-a.ops:
					m.safeRun(a, op)
				default:
					return
				}
			}
		}
	}
}

func (m *Monitor) safeRun(a *actor, op func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health operation panicked",
				zap.String("target_id", a.target.ID),
				zap.Any("panic", r),
			)
		}
	}()
	op()
}

func (m *Monitor) actorFor(id string) (*actor, error) {
	a, ok := m.actors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, id)
	}
	return a, nil
}

func (m *Monitor) enqueue(ctx context.Context, a *actor, op func()) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	select {
	case a.ops <- op:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the target's actor and waits for its result.
func call[T any](ctx context.Context, m *Monitor, id string, fn func(a *actor) T) (T, error) {
	var zero T
	a, err := m.actorFor(id)
	if err != nil {
		return zero, err
	}
	res := make(chan T, 1)
	if err := m.enqueue(ctx, a, func() { res <- fn(a) }); err != nil {
		return zero, err
	}
	select {
	case v := <-res:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.exited:
		return zero, ErrStopped
	}
}

// Observe applies obs to the target and returns the resulting record. The
// update and any notification complete even if ctx is cancelled after the
// observation was queued.
func (m *Monitor) Observe(ctx context.Context, id string, obs Observation) (state.HealthRecord, error) {
	bg := context.WithoutCancel(ctx)
	return call(ctx, m, id, func(a *actor) state.HealthRecord {
		return m.observe(bg, a, obs)
	})
}

// Submit queues obs without waiting for it to be applied. It never
// blocks: when the target's queue is full the observation is dropped,
// counted and ErrQueueFull returned.
func (m *Monitor) Submit(id string, obs Observation) error {
	a, err := m.actorFor(id)
	if err != nil {
		return err
	}
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	select {
	case a.ops <- func() { m.observe(context.Background(), a, obs) }:
		return nil
	default:
		m.metrics.dropped(id)
		return ErrQueueFull
	}
}

// Reset clears the target's failure streak and both notification flags.
// No recovery notification is sent.
func (m *Monitor) Reset(ctx context.Context, id string) (state.HealthRecord, error) {
	bg := context.WithoutCancel(ctx)
	return call(ctx, m, id, func(a *actor) state.HealthRecord {
		rec := m.record(bg, a)
		prev := rec.Fails
		if prev > 0 {
			a.streak++
			a.resetEnd = true
		}
		resetRecord(rec)
		m.persist(bg, a)
		m.metrics.setFails(a.target.ID, 0)
		m.logger.Info("target failure counter reset",
			zap.String("target_id", a.target.ID),
			zap.Int("previous_fails", prev),
		)
		m.publish(bg, TopicTargetReset, HealthEvent{
			TargetID: a.target.ID,
			State:    StateHealthy,
			Success:  true,
		})
		return rec.Clone()
	})
}

// Status returns the target's current record and classification.
func (m *Monitor) Status(ctx context.Context, id string) (TargetStatus, error) {
	return call(ctx, m, id, func(a *actor) TargetStatus {
		return m.status(ctx, a)
	})
}

// Snapshot returns the status of every target in configuration order.
func (m *Monitor) Snapshot(ctx context.Context) ([]TargetStatus, error) {
	targets := m.registry.All()
	out := make([]TargetStatus, 0, len(targets))
	for _, t := range targets {
		s, err := m.Status(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

type probeClaim struct {
	due     bool
	healthy bool
}

// ProbeIfDue probes the target when its probe interval has elapsed since
// the last check. Otherwise it answers from the cached classification
// without network I/O. The claim updates last_check_time before probing so
// concurrent callers do not probe twice.
func (m *Monitor) ProbeIfDue(ctx context.Context, id string) (probed, healthy bool, err error) {
	bg := context.WithoutCancel(ctx)
	claim, err := call(ctx, m, id, func(a *actor) probeClaim {
		rec := m.record(bg, a)
		now := m.clock.Now()
		interval := a.target.HealthCheckInterval
		if !probeDue(*rec, now, interval) {
			return probeClaim{healthy: cachedHealthy(*rec, interval, m.cfg.FailThreshold)}
		}
		rec.LastCheckTime = now.Unix()
		m.persist(bg, a)
		return probeClaim{due: true}
	})
	if err != nil || !claim.due {
		return false, claim.healthy, err
	}

	target := m.actors[id].target
	url := target.ProbeURL()
	res := m.checker.Check(ctx, url)
	if !res.Success && errors.Is(ctx.Err(), context.Canceled) {
		// Cancellation (shutdown or caller gone) says nothing about the
		// target; only a deadline counts as a probe timeout.
		return true, false, ctx.Err()
	}
	m.metrics.probe(id, res.Success)

	obs := Observation{Success: res.Success, Source: state.SourceProbe, Detail: url, Outcome: res.ErrorMessage}
	if _, err := m.Observe(bg, id, obs); err != nil {
		return true, res.Success, err
	}
	if res.Success {
		m.logger.Info("health probe succeeded",
			zap.String("target_id", id),
			zap.Float64("latency_ms", res.LatencyMs),
		)
	} else {
		m.logger.Warn("health probe failed",
			zap.String("target_id", id),
			zap.String("url", url),
			zap.Int("status_code", res.StatusCode),
			zap.String("error", res.ErrorMessage),
		)
	}
	return true, res.Success, nil
}

// TriggerProbe runs ProbeIfDue in the background with its own
// ProbeTimeout, detached from any client request.
func (m *Monitor) TriggerProbe(id string) {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return
	}
	m.probes.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.probes.Done()
		ctx, cancel := context.WithTimeout(m.probeCtx, m.cfg.ProbeTimeout)
		defer cancel()
		_, _, err := m.ProbeIfDue(ctx, id)
		if err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
			m.logger.Warn("background probe failed", zap.String("target_id", id), zap.Error(err))
		}
	}()
}

// record returns the actor's record, loading it from the store once.
func (m *Monitor) record(ctx context.Context, a *actor) *state.HealthRecord {
	if !a.loaded {
		rec, ok, err := m.store.GetHealth(ctx, a.target.ID)
		if err != nil {
			m.logger.Error("load health record failed",
				zap.String("target_id", a.target.ID),
				zap.Error(err),
			)
		}
		if err != nil || !ok {
			rec = state.NewHealthRecord()
		}
		a.rec = rec
		a.loaded = true
	}
	return &a.rec
}

// persist writes the actor's record. Failures are logged and the in-memory
// record stays authoritative.
func (m *Monitor) persist(ctx context.Context, a *actor) {
	if err := m.store.PutHealth(ctx, a.target.ID, a.rec); err != nil {
		m.logger.Error("persist health record failed",
			zap.String("target_id", a.target.ID),
			zap.Error(err),
		)
	}
}

func (m *Monitor) observe(ctx context.Context, a *actor, obs Observation) state.HealthRecord {
	rec := m.record(ctx, a)
	now := m.clock.Now()
	if obs.Success && rec.Fails > 0 {
		a.streak++
		a.resetEnd = false
	}
	tr := applyObservation(rec, obs, now.Unix(), m.cfg.FailThreshold)

	id := a.target.ID
	if !obs.Success {
		m.logger.Warn("target failure observed",
			zap.String("target_id", id),
			zap.String("source", obs.Source),
			zap.String("outcome", obs.Outcome),
			zap.Int("fails", rec.Fails),
			zap.Int("threshold", m.cfg.FailThreshold),
		)
	}

	m.persist(ctx, a)
	m.metrics.setFails(id, rec.Fails)

	switch tr {
	case alertTransition:
		m.startNotify(a, KindAlert, now)
	case recoveryTransition:
		m.startNotify(a, KindRecovery, now)
	}

	m.publish(ctx, TopicHealthObserved, HealthEvent{
		TargetID: id,
		State:    Classify(rec.Fails, m.cfg.FailThreshold),
		Fails:    rec.Fails,
		Source:   obs.Source,
		Success:  obs.Success,
		Outcome:  obs.Outcome,
	})
	return rec.Clone()
}

// startNotify sends a notification of kind for the actor's current record
// from a separate goroutine. It must run on the actor. A kind already in
// flight is not sent twice, and nothing starts once Stop was called; the
// flags stay unset so the next qualifying observation retries.
func (m *Monitor) startNotify(a *actor, kind Kind, now time.Time) {
	if a.sending[kind] {
		return
	}
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		m.logger.Warn("notification skipped during shutdown",
			zap.String("target_id", a.target.ID),
			zap.String("kind", string(kind)),
		)
		return
	}
	m.notifies.Add(1)
	m.mu.Unlock()

	a.sending[kind] = true
	m.inFlight.Add(1)
	streak := a.streak
	target := a.target
	health := a.rec.Clone()
	n := Notification{
		Kind:      kind,
		TargetID:  target.ID,
		Target:    &target,
		Health:    &health,
		Threshold: m.cfg.FailThreshold,
		Timestamp: now.UTC(),
	}

	go func() {
		defer m.notifies.Done()
		delivered := m.send(n)
		err := m.enqueue(context.Background(), a, func() {
			m.applyDelivery(a, kind, streak, now, delivered)
		})
		if err != nil {
			m.inFlight.Add(-1)
		}
	}()
}

// send delivers n within NotifyTimeout and reports whether it was accepted.
func (m *Monitor) send(n Notification) bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.NotifyTimeout)
	defer cancel()

	err := m.notifier.Notify(ctx, n)
	m.metrics.notification(n.Kind, err == nil)
	if err != nil {
		m.logger.Warn("notification failed; will retry on next qualifying observation",
			zap.String("target_id", n.TargetID),
			zap.String("kind", string(n.Kind)),
			zap.Error(err),
		)
		return false
	}
	m.logger.Info("notification sent",
		zap.String("target_id", n.TargetID),
		zap.String("kind", string(n.Kind)),
		zap.Int("fails", n.Health.Fails),
	)
	return true
}

// applyDelivery records the result of a notification started during
// streak. It runs on the actor.
func (m *Monitor) applyDelivery(a *actor, kind Kind, streak uint64, sentAt time.Time, delivered bool) {
	defer m.inFlight.Add(-1)
	a.sending[kind] = false

	ctx := context.Background()
	rec := m.record(ctx, a)
	topic := TopicAlertResolved
	switch kind {
	case KindAlert:
		topic = TopicAlertTriggered
		switch {
		case !delivered:
		case streak == a.streak:
			markAlerted(rec, sentAt.Unix())
		case rec.Fails == 0 && !a.resetEnd:
			// The target recovered while the alert was being sent.
			m.startNotify(a, KindRecovery, m.clock.Now())
		}
	case KindRecovery:
		if delivered && rec.Fails == 0 {
			markRecovered(rec)
		}
	}
	m.persist(ctx, a)

	m.publish(ctx, topic, HealthEvent{
		TargetID:  a.target.ID,
		State:     Classify(rec.Fails, m.cfg.FailThreshold),
		Fails:     rec.Fails,
		Success:   kind == KindRecovery,
		Delivered: delivered,
	})
}

func (m *Monitor) status(_ context.Context, a *actor) TargetStatus {
	var rec state.HealthRecord
	if a.loaded {
		rec = a.rec.Clone()
	} else {
		stored, ok, err := m.store.GetHealth(context.Background(), a.target.ID)
		if err != nil || !ok {
			stored = state.NewHealthRecord()
		}
		rec = stored
	}

	healthy := rec.Fails < m.cfg.FailThreshold
	if !probeDue(rec, m.clock.Now(), a.target.HealthCheckInterval) {
		healthy = cachedHealthy(rec, a.target.HealthCheckInterval, m.cfg.FailThreshold)
	}
	return TargetStatus{
		TargetID: a.target.ID,
		Name:     a.target.Name,
		State:    Classify(rec.Fails, m.cfg.FailThreshold),
		Healthy:  healthy,
		Record:   rec,
	}
}

func (m *Monitor) publish(ctx context.Context, topic string, ev HealthEvent) {
	if m.bus == nil {
		return
	}
	m.bus.PublishAsync(ctx, event.Event{
		Topic:     topic,
		Source:    "pulse",
		Timestamp: m.clock.Now().UTC(),
		Payload:   ev,
	})
}
