package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/HerbHall/keyproxy/internal/store"
)

const (
	tableHealth      = "kp_health"
	tableMetrics     = "kp_metrics"
	tableInvalidKeys = "kp_invalid_keys"
)

func migrations() []store.Migration {
	create := func(table string) func(tx *sql.Tx) error {
		return func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE ` + table + ` (
				id         TEXT    PRIMARY KEY,
				doc        TEXT    NOT NULL,
				updated_at INTEGER NOT NULL
			)`)
			return err
		}
	}
	return []store.Migration{
		{Version: 1, Description: "create health table", Up: create(tableHealth)},
		{Version: 2, Description: "create metrics table", Up: create(tableMetrics)},
		{Version: 3, Description: "create invalid key table", Up: create(tableInvalidKeys)},
	}
}

// SQLiteStore keeps each record as a JSON document in a row keyed by id,
// so the stored shape matches the JSON file backend.
type SQLiteStore struct {
	cachedStore
	db *store.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens the database at path, applies migrations and loads the
// current state. appVersion guards against opening a database written by a
// newer binary.
func OpenSQLite(ctx context.Context, path, appVersion string) (*SQLiteStore, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	s, err := initSQLite(ctx, db, appVersion)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func initSQLite(ctx context.Context, db *store.DB, appVersion string) (*SQLiteStore, error) {
	if err := db.CheckVersion(ctx, appVersion); err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	if err := db.Migrate(ctx, "state", migrations()); err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}

	health, err := loadTable[HealthRecord](ctx, db, tableHealth)
	if err != nil {
		return nil, err
	}
	for id, rec := range health {
		if rec.History == nil {
			rec.History = []HistoryEntry{}
			health[id] = rec
		}
	}
	metrics, err := loadTable[MetricsRecord](ctx, db, tableMetrics)
	if err != nil {
		return nil, err
	}
	invalid, err := loadTable[InvalidKeyEntry](ctx, db, tableInvalidKeys)
	if err != nil {
		return nil, err
	}

	return &SQLiteStore{
		db: db,
		cachedStore: cachedStore{
			health: newCollection[HealthRecord]("health", health, cloneHealth,
				sqlPersister[HealthRecord]{db: db, table: tableHealth}),
			metrics: newCollection[MetricsRecord]("metrics", metrics, cloneValue[MetricsRecord],
				sqlPersister[MetricsRecord]{db: db, table: tableMetrics, equal: func(a, b MetricsRecord) bool { return a == b }}),
			invalid: newCollection[InvalidKeyEntry]("invalid keys", invalid, cloneValue[InvalidKeyEntry],
				sqlPersister[InvalidKeyEntry]{db: db, table: tableInvalidKeys, equal: func(a, b InvalidKeyEntry) bool { return a == b }}),
		},
	}, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.SQL().PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func loadTable[V any](ctx context.Context, db *store.DB, table string) (map[string]V, error) {
	rows, err := db.SQL().QueryContext(ctx, "SELECT id, doc FROM "+table) //nolint:gosec // G202: table is a package constant
	if err != nil {
		return nil, fmt.Errorf("state: load %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]V)
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("state: scan %s: %w", table, err)
		}
		var v V
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("state: decode %s/%s: %w", table, id, err)
		}
		out[id] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterate %s: %w", table, err)
	}
	return out, nil
}

type sqlPersister[V any] struct {
	db    *store.DB
	table string
	// equal, when set, skips rewriting unchanged rows on replace.
	equal func(a, b V) bool
}

func (p sqlPersister[V]) upsert(ctx context.Context, tx *sql.Tx, id string, v V) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", p.table, id, err)
	}
	_, err = tx.ExecContext(ctx, //nolint:gosec // G202: table is a package constant
		`INSERT INTO `+p.table+` (id, doc, updated_at) VALUES (?, ?, strftime('%s','now'))
		 ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		id, string(doc))
	return err
}

func (p sqlPersister[V]) putOne(ctx context.Context, id string, v V, _ map[string]V) error {
	return p.db.Tx(ctx, func(tx *sql.Tx) error {
		return p.upsert(ctx, tx, id, v)
	})
}

func (p sqlPersister[V]) replace(ctx context.Context, old, next map[string]V) error {
	return p.db.Tx(ctx, func(tx *sql.Tx) error {
		for id := range old {
			if _, ok := next[id]; ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+p.table+" WHERE id = ?", id); err != nil { //nolint:gosec // G202: table is a package constant
				return err
			}
		}
		for id, v := range next {
			if prev, ok := old[id]; ok && p.equal != nil && p.equal(prev, v) {
				continue
			}
			if err := p.upsert(ctx, tx, id, v); err != nil {
				return err
			}
		}
		return nil
	})
}
