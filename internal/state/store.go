package state

import (
	"context"
	"fmt"
	"sync"
)

// Store is the persistence boundary for the proxy core. Snapshots and
// returned records are deep copies; callers never share mutable state with
// the store.
//
// Update callbacks run atomically with respect to every other writer of the
// same collection. A callback returning an error discards its changes.
type Store interface {
	GetHealth(ctx context.Context, id string) (HealthRecord, bool, error)
	PutHealth(ctx context.Context, id string, rec HealthRecord) error
	HealthSnapshot(ctx context.Context) (map[string]HealthRecord, error)

	UpdateMetrics(ctx context.Context, fn func(map[string]MetricsRecord) error) error
	MetricsSnapshot(ctx context.Context) (map[string]MetricsRecord, error)

	UpdateInvalidKeys(ctx context.Context, fn func(map[string]InvalidKeyEntry) error) error
	InvalidKeysSnapshot(ctx context.Context) (map[string]InvalidKeyEntry, error)

	// Ping reports whether the backing medium is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// persister writes collection changes to a backing medium.
type persister[V any] interface {
	putOne(ctx context.Context, id string, v V, all map[string]V) error
	replace(ctx context.Context, old, next map[string]V) error
}

type noPersist[V any] struct{}

func (noPersist[V]) putOne(context.Context, string, V, map[string]V) error { return nil }
func (noPersist[V]) replace(context.Context, map[string]V, map[string]V) error {
	return nil
}

// collection is an in-memory map with write-through persistence. A failed
// write keeps the in-memory change so the process continues with
// best-effort values; the error is returned for the caller to log.
type collection[V any] struct {
	name    string
	clone   func(V) V
	persist persister[V]

	mu   sync.Mutex
	data map[string]V
}

func newCollection[V any](name string, initial map[string]V, clone func(V) V, p persister[V]) *collection[V] {
	if initial == nil {
		initial = make(map[string]V)
	}
	return &collection[V]{name: name, clone: clone, persist: p, data: initial}
}

func (c *collection[V]) get(id string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[id]
	if !ok {
		var zero V
		return zero, false
	}
	return c.clone(v), true
}

func (c *collection[V]) put(ctx context.Context, id string, v V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[id] = c.clone(v)
	if err := c.persist.putOne(ctx, id, v, c.data); err != nil {
		return fmt.Errorf("state: put %s %q: %w", c.name, id, err)
	}
	return nil
}

func (c *collection[V]) update(ctx context.Context, fn func(map[string]V) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := copyMap(c.data, c.clone)
	if err := fn(next); err != nil {
		return err
	}
	old := c.data
	c.data = next
	if err := c.persist.replace(ctx, old, next); err != nil {
		return fmt.Errorf("state: update %s: %w", c.name, err)
	}
	return nil
}

func (c *collection[V]) snapshot() map[string]V {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyMap(c.data, c.clone)
}

// cachedStore implements Store over three collections. Backends differ only
// in their persisters and in Ping/Close.
type cachedStore struct {
	health  *collection[HealthRecord]
	metrics *collection[MetricsRecord]
	invalid *collection[InvalidKeyEntry]
}

func (s *cachedStore) GetHealth(_ context.Context, id string) (HealthRecord, bool, error) {
	rec, ok := s.health.get(id)
	return rec, ok, nil
}

func (s *cachedStore) PutHealth(ctx context.Context, id string, rec HealthRecord) error {
	if rec.History == nil {
		rec.History = []HistoryEntry{}
	}
	return s.health.put(ctx, id, rec)
}

func (s *cachedStore) HealthSnapshot(context.Context) (map[string]HealthRecord, error) {
	return s.health.snapshot(), nil
}

func (s *cachedStore) UpdateMetrics(ctx context.Context, fn func(map[string]MetricsRecord) error) error {
	return s.metrics.update(ctx, fn)
}

func (s *cachedStore) MetricsSnapshot(context.Context) (map[string]MetricsRecord, error) {
	return s.metrics.snapshot(), nil
}

func (s *cachedStore) UpdateInvalidKeys(ctx context.Context, fn func(map[string]InvalidKeyEntry) error) error {
	return s.invalid.update(ctx, fn)
}

func (s *cachedStore) InvalidKeysSnapshot(context.Context) (map[string]InvalidKeyEntry, error) {
	return s.invalid.snapshot(), nil
}
