package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File names inside the state directory. Dashboards read these directly.
const (
	HealthFile      = "health_check.json"
	MetricsFile     = "metrics.json"
	InvalidKeysFile = "invalid_id_cache.json"
)

// JSONStore persists each collection as a pretty-printed JSON object keyed
// by id. Files are replaced atomically so readers never see a torn write.
//
// Health records are written through. Request metrics and the invalid key
// cache change on every request, so with a flush interval their files are
// rewritten at most once per interval and on Close; a crash loses at most
// one interval of counts.
type JSONStore struct {
	cachedStore
	dir      string
	deferred []interface{ close() error }
}

var _ Store = (*JSONStore)(nil)

// OpenJSON loads existing state files from dir, creating dir if needed.
// Missing files start empty. A flushInterval of zero writes every change
// through.
func OpenJSON(dir string, flushInterval time.Duration) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("state: create dir %q: %w", dir, err)
	}

	health, err := loadJSONFile[HealthRecord](filepath.Join(dir, HealthFile))
	if err != nil {
		return nil, err
	}
	for id, rec := range health {
		if rec.History == nil {
			rec.History = []HistoryEntry{}
			health[id] = rec
		}
	}
	metrics, err := loadJSONFile[MetricsRecord](filepath.Join(dir, MetricsFile))
	if err != nil {
		return nil, err
	}
	invalid, err := loadJSONFile[InvalidKeyEntry](filepath.Join(dir, InvalidKeysFile))
	if err != nil {
		return nil, err
	}

	s := &JSONStore{dir: dir}
	s.health = newCollection[HealthRecord]("health", health, cloneHealth, jsonPersister[HealthRecord]{filepath.Join(dir, HealthFile)})
	s.metrics = openBatched(s, "metrics", MetricsFile, metrics, cloneValue[MetricsRecord], flushInterval)
	s.invalid = openBatched(s, "invalid keys", InvalidKeysFile, invalid, cloneValue[InvalidKeyEntry], flushInterval)
	return s, nil
}

func openBatched[V any](s *JSONStore, name, file string, initial map[string]V, clone func(V) V, interval time.Duration) *collection[V] {
	path := filepath.Join(s.dir, file)
	if interval <= 0 {
		return newCollection[V](name, initial, clone, jsonPersister[V]{path})
	}
	p := newBatchedPersister[V](path, interval)
	c := newCollection[V](name, initial, clone, p)
	p.start(c.snapshot)
	s.deferred = append(s.deferred, p)
	return c
}

// Dir returns the state directory.
func (s *JSONStore) Dir() string { return s.dir }

// Ping checks that the state directory still exists.
func (s *JSONStore) Ping(context.Context) error {
	fi, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("state: stat %q: %w", s.dir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("state: %q is not a directory", s.dir)
	}
	return nil
}

// Close writes pending batched changes and stops the flush loops.
func (s *JSONStore) Close() error {
	var errs []error
	for _, p := range s.deferred {
		if err := p.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type jsonPersister[V any] struct {
	path string
}

func (p jsonPersister[V]) putOne(_ context.Context, _ string, _ V, all map[string]V) error {
	return writeJSONFile(p.path, all)
}

func (p jsonPersister[V]) replace(_ context.Context, _, next map[string]V) error {
	return writeJSONFile(p.path, next)
}

// batchedPersister marks its file dirty on change. A loop writes the latest
// snapshot once per interval when dirty. A failed write stays dirty and is
// reported to the next writer.
type batchedPersister[V any] struct {
	path     string
	interval time.Duration
	snapshot func() map[string]V

	flushMu sync.Mutex // orders file writes

	mu     sync.Mutex
	dirty  bool
	err    error
	writes int

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newBatchedPersister[V any](path string, interval time.Duration) *batchedPersister[V] {
	return &batchedPersister[V]{
		path:     path,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *batchedPersister[V]) start(snapshot func() map[string]V) {
	p.snapshot = snapshot
	go p.loop()
}

func (p *batchedPersister[V]) putOne(context.Context, string, V, map[string]V) error {
	return p.markDirty()
}

func (p *batchedPersister[V]) replace(context.Context, map[string]V, map[string]V) error {
	return p.markDirty()
}

func (p *batchedPersister[V]) markDirty() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = true
	err := p.err
	p.err = nil
	return err
}

func (p *batchedPersister[V]) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = p.flush()
		case <-p.stop:
			return
		}
	}
}

func (p *batchedPersister[V]) flush() error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return nil
	}
	p.dirty = false
	p.mu.Unlock()

	err := writeJSONFile(p.path, p.snapshot())

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.dirty = true
		p.err = err
		return fmt.Errorf("state: flush %s: %w", filepath.Base(p.path), err)
	}
	p.writes++
	return nil
}

func (p *batchedPersister[V]) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func (p *batchedPersister[V]) close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
	return p.flush()
}

func loadJSONFile[V any](path string) (map[string]V, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path built from configured state dir
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]V), nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %q: %w", path, err)
	}

	// An empty collection may have been written as a JSON array.
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[]")) || bytes.Equal(trimmed, []byte("null")) {
		return make(map[string]V), nil
	}

	out := make(map[string]V)
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("state: decode %q: %w", path, err)
	}
	return out, nil
}

func writeJSONFile[V any](path string, m map[string]V) error {
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
