package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestDailyWriter_RollsOverByDate(t *testing.T) {
	dir := t.TempDir()
	w := NewDailyWriter(dir, "server", ".log")
	defer w.Close()

	day := time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return day }
	if _, err := w.Write([]byte("first\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	day = day.Add(2 * time.Minute)
	if _, err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	a, err := os.ReadFile(filepath.Join(dir, "server_20240101.log"))
	if err != nil || string(a) != "first\n" {
		t.Fatalf("day one = %q, %v", a, err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "server_20240102.log"))
	if err != nil || string(b) != "second\n" {
		t.Fatalf("day two = %q, %v", b, err)
	}
}

func TestMetricsLog_ConcurrentAppendsStayWhole(t *testing.T) {
	dir := t.TempDir()
	m := NewMetricsLog(dir)
	m.now = func() time.Time { return time.Date(2024, 2, 3, 10, 0, 0, 0, time.UTC) }

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := json.RawMessage(fmt.Sprintf(`{"cpu_percent": %d}`, i))
			if _, err := m.Append("10.0.0.7", payload); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	f, err := os.Open(filepath.Join(dir, "metrics_10.0.0.7_20240203.json"))
	if err != nil {
		t.Fatalf("open metrics log: %v", err)
	}
	defer f.Close()

	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec MetricsRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		if rec.IP != "10.0.0.7" {
			t.Fatalf("ip = %q", rec.IP)
		}
		lines++
	}
	if lines != n {
		t.Fatalf("lines = %d, want %d", lines, n)
	}
}
