package proxy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/keyproxy/internal/clock"
	"github.com/HerbHall/keyproxy/internal/state"
)

// MissingKey is the cache key used when a request carried no routing key.
const MissingKey = "missing"

// Invalid-key suppression limits.
const (
	SuppressWindow = 24 * time.Hour
	MaxLogged      = 2
)

// Guard rate-limits log noise for bad routing keys: each key is logged at
// most MaxLogged times per SuppressWindow.
type Guard struct {
	store  state.Store
	clock  clock.Clock
	logger *zap.Logger
}

// NewGuard creates a guard persisting its cache in st.
func NewGuard(st state.Store, clk clock.Clock, logger *zap.Logger) *Guard {
	return &Guard{store: st, clock: clk, logger: logger}
}

// Report records one occurrence of key (empty for "no key") and logs it
// unless the key is suppressed. Entries older than SuppressWindow are
// evicted on every call.
func (g *Guard) Report(ctx context.Context, key string, fields ...zap.Field) {
	if key == "" {
		key = MissingKey
	}
	now := g.clock.Now()
	cutoff := now.Add(-SuppressWindow).Unix()

	occurrence := 0
	err := g.store.UpdateInvalidKeys(ctx, func(cache map[string]state.InvalidKeyEntry) error {
		for k, e := range cache {
			if e.LastTime < cutoff {
				delete(cache, k)
			}
		}
		e := cache[key]
		if e.Count >= MaxLogged {
			return nil
		}
		e.Count++
		e.LastTime = now.Unix()
		cache[key] = e
		occurrence = e.Count
		return nil
	})
	if err != nil {
		g.logger.Error("persist invalid key cache failed", zap.String("key", key), zap.Error(err))
	}

	fields = append(fields, zap.String("key", key))
	switch occurrence {
	case 1:
		g.logger.Warn(`invalid routing key "`+key+`" (first occurrence)`, fields...)
	case 2:
		g.logger.Warn(`invalid routing key "`+key+`" (second occurrence, suppressed for 24h)`, fields...)
	}
}
