// Package journal holds the collector's append-only files: daily server
// logs and per-peer daily metrics logs. Every record is emitted with a
// single write while holding the journal's lock, so concurrent workers
// never interleave partial lines.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ssd-technologies/archivist/internal/storage"
)

// DailyWriter is an io.Writer that appends to <dir>/<prefix>_YYYYMMDD<ext>,
// switching files when the date changes.
type DailyWriter struct {
	mu     sync.Mutex
	dir    string
	prefix string
	ext    string
	now    func() time.Time
	day    string
	f      *os.File
}

// NewDailyWriter creates a writer for dir. Files are opened lazily.
func NewDailyWriter(dir, prefix, ext string) *DailyWriter {
	return &DailyWriter{dir: dir, prefix: prefix, ext: ext, now: time.Now}
}

// Write appends p to the current day's file.
func (w *DailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := w.now().Format("20060102")
	if w.f == nil || day != w.day {
		if w.f != nil {
			w.f.Close()
			w.f = nil
		}
		path := filepath.Join(w.dir, fmt.Sprintf("%s_%s%s", w.prefix, day, w.ext))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return 0, fmt.Errorf("open log %s: %w", path, err)
		}
		w.f, w.day = f, day
	}
	return w.f.Write(p)
}

// Close closes the current file.
func (w *DailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// MetricsRecord is one line of a metrics log.
type MetricsRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	IP        string          `json:"ip"`
	Metrics   json.RawMessage `json:"metrics"`
}

// MetricsLog appends agent metrics as newline-delimited JSON, one file per
// peer per day.
type MetricsLog struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewMetricsLog writes into dir.
func NewMetricsLog(dir string) *MetricsLog {
	return &MetricsLog{dir: dir, now: time.Now}
}

// Append records metrics reported by peer and returns the file written.
func (m *MetricsLog) Append(peer string, metrics json.RawMessage) (string, error) {
	now := m.now()
	line, err := json.Marshal(MetricsRecord{Timestamp: now, IP: peer, Metrics: metrics})
	if err != nil {
		return "", fmt.Errorf("marshal metrics: %w", err)
	}
	line = append(line, '\n')

	name := fmt.Sprintf("metrics_%s_%s.json", storage.SanitizeName(peer), now.Format("20060102"))
	path := filepath.Join(m.dir, name)

	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return "", fmt.Errorf("open metrics log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return "", fmt.Errorf("append metrics: %w", err)
	}
	return path, nil
}
