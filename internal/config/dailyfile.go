package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/HerbHall/keyproxy/internal/clock"
)

// DailyFile is an io.Writer that appends to <dir>/YYYY-MM-DD.log and
// switches files when the local date changes.
type DailyFile struct {
	dir   string
	clock clock.Clock

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewDailyFile returns a writer rooted at dir. The directory and file are
// created lazily on the first write.
func NewDailyFile(dir string, clk clock.Clock) *DailyFile {
	return &DailyFile{dir: dir, clock: clk}
}

// Write implements io.Writer.
func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := d.clock.Now().Format("2006-01-02")
	if d.file == nil || day != d.day {
		if err := d.rotate(day); err != nil {
			return 0, err
		}
	}
	return d.file.Write(p)
}

func (d *DailyFile) rotate(day string) error {
	if d.file != nil {
		_ = d.file.Close()
		d.file = nil
	}
	if err := os.MkdirAll(d.dir, 0o750); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(d.dir, day+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // G304: path built from configured dir
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	d.file = f
	d.day = day
	return nil
}

// Path returns the file currently written to, or "" before the first write.
func (d *DailyFile) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return ""
	}
	return d.file.Name()
}

// Sync flushes the current file.
func (d *DailyFile) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	return d.file.Sync()
}

// Close closes the current file.
func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
