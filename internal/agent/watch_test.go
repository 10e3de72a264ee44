package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/archivist/internal/crypto"
)

func TestWatcher_SendsStableArchives(t *testing.T) {
	k := newTestKey(t)
	ring := crypto.NewKeyRing("")
	ring.Add("agent_pc2", k)
	addr, _ := startCollector(t, ring)

	dir := t.TempDir()
	path, _ := randomFile(t, dir, "export_1.zip", 2048)
	randomFile(t, dir, "notes.txt", 10)

	w := &Watcher{Client: newTestClient(addr, &k), Dir: dir, Log: zerolog.Nop()}
	ctx := context.Background()

	if sent, _, err := w.Scan(ctx); err != nil || sent != 0 {
		t.Fatalf("first scan sent %d (err %v), want 0 until the file is stable", sent, err)
	}
	sent, failed, err := w.Scan(ctx)
	if err != nil || sent != 1 || failed != 0 {
		t.Fatalf("second scan: sent %d failed %d err %v", sent, failed, err)
	}
	assertGone(t, path)
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("non-archive touched: %v", err)
	}
	if sent, _, _ := w.Scan(ctx); sent != 0 {
		t.Fatalf("third scan sent %d, want 0", sent)
	}
}

func TestWatcher_RetriesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	randomFile(t, dir, "export.zip", 64)

	c := newTestClient("127.0.0.1:1", nil)
	w := &Watcher{Client: c, Dir: dir, Log: zerolog.Nop()}
	ctx := context.Background()
	w.Scan(ctx)
	if _, failed, _ := w.Scan(ctx); failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}

	addr, _ := startCollector(t, crypto.NewKeyRing(""))
	c.Addr = addr
	if sent, _, _ := w.Scan(ctx); sent != 1 {
		t.Fatalf("retry sent %d, want 1", sent)
	}
}
