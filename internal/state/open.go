package state

import (
	"context"
	"fmt"

	"github.com/HerbHall/keyproxy/internal/config"
)

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StateConfig, appVersion string) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "json", "":
		return OpenJSON(cfg.Dir, cfg.FlushInterval)
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN, appVersion)
	default:
		return nil, fmt.Errorf("state: unknown driver %q", cfg.Driver)
	}
}
