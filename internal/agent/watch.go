package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPattern matches the archives the exporter writes.
const DefaultPattern = "*.zip"

type fileState struct {
	size int64
	mod  int64
}

// Watcher polls a directory and sends every archive that has stopped
// changing. Failed sends are retried on the next tick; a file that was
// delivered but not verified is not sent again until it changes.
type Watcher struct {
	Client   *Client
	Dir      string
	Pattern  string
	Interval time.Duration
	// Legacy sends TELEGRAM transfers instead of SECURE_FILE.
	Legacy bool
	// MetricsEvery enables periodic METRICS reports. Zero disables them.
	MetricsEvery time.Duration
	Log          zerolog.Logger

	seen        map[string]fileState
	delivered   map[string]fileState
	lastMetrics time.Time
}

// Run scans immediately and then once per Interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	w.Log.Info().Str("dir", w.Dir).Dur("interval", interval).Msg("watching")
	for {
		if _, _, err := w.Scan(ctx); err != nil {
			return err
		}
		w.maybeSendMetrics(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// Scan makes one pass over Dir. A file is sent once two consecutive scans
// see the same size and modification time.
func (w *Watcher) Scan(ctx context.Context) (sent, failed int, err error) {
	if w.seen == nil {
		w.seen = make(map[string]fileState)
		w.delivered = make(map[string]fileState)
	}
	pattern := w.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	matches, err := filepath.Glob(filepath.Join(w.Dir, pattern))
	if err != nil {
		return 0, 0, fmt.Errorf("scan %s: %w", w.Dir, err)
	}

	current := make(map[string]fileState, len(matches))
	for _, path := range matches {
		if ctx.Err() != nil {
			break
		}
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		st := fileState{size: fi.Size(), mod: fi.ModTime().UnixNano()}
		current[path] = st
		if prev, ok := w.seen[path]; !ok || prev != st {
			continue
		}
		if d, ok := w.delivered[path]; ok && d == st {
			continue
		}

		var out *Outcome
		if w.Legacy {
			out, err = w.Client.SendLegacy(ctx, path)
		} else {
			out, err = w.Client.SendFile(ctx, path)
		}
		if err != nil {
			failed++
			w.Log.Warn().Err(err).Str("file", filepath.Base(path)).Msg("send failed, will retry")
			continue
		}
		sent++
		if out.Delete == nil || out.DeleteErr != nil {
			w.delivered[path] = st
		}
	}

	w.seen = current
	for path := range w.delivered {
		if _, ok := current[path]; !ok {
			delete(w.delivered, path)
		}
	}
	return sent, failed, nil
}

func (w *Watcher) maybeSendMetrics(ctx context.Context) {
	if w.MetricsEvery <= 0 || time.Since(w.lastMetrics) < w.MetricsEvery {
		return
	}
	w.lastMetrics = time.Now()
	m, err := CollectMetrics(ctx, w.Client.AgentID, w.Dir)
	if err != nil {
		w.Log.Debug().Err(err).Msg("partial metrics")
	}
	if err := w.Client.SendMetrics(ctx, m); err != nil {
		w.Log.Warn().Err(err).Msg("metrics not sent")
	}
}
