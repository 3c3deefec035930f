package state

import "context"

// MemoryStore keeps all state in process memory. Used for tests and
// ephemeral deployments.
type MemoryStore struct {
	cachedStore
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cachedStore{
		health:  newCollection[HealthRecord]("health", nil, cloneHealth, noPersist[HealthRecord]{}),
		metrics: newCollection[MetricsRecord]("metrics", nil, cloneValue[MetricsRecord], noPersist[MetricsRecord]{}),
		invalid: newCollection[InvalidKeyEntry]("invalid keys", nil, cloneValue[InvalidKeyEntry], noPersist[InvalidKeyEntry]{}),
	}}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
