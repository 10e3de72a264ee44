package agent

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/archivist/internal/collector"
	"github.com/ssd-technologies/archivist/internal/crypto"
	"github.com/ssd-technologies/archivist/internal/storage"
)

// startCollector runs a real collector on loopback and returns its address
// and vault.
func startCollector(t *testing.T, ring *crypto.KeyRing) (string, *storage.Vault) {
	t.Helper()
	vault, err := storage.OpenVault(t.TempDir())
	if err != nil {
		t.Fatalf("OpenVault: %v", err)
	}
	srv := collector.New(collector.Config{IOTimeout: 2 * time.Second, MaxBody: 8 << 20}, vault, ring, zerolog.Nop())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String(), vault
}

func newTestKey(t *testing.T) crypto.Key {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

func newTestClient(addr string, key *crypto.Key) *Client {
	c := NewClient(addr, "agent_pc2", key, zerolog.Nop())
	c.DialTimeout = 2 * time.Second
	c.IOTimeout = 2 * time.Second
	return c
}

func randomFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path, data
}

func readOnly(t *testing.T, dir string) []byte {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("%s holds %d files, want 1", dir, len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return data
}

func TestSendFile_VerifiedThenShredded(t *testing.T) {
	k1, k2 := newTestKey(t), newTestKey(t)
	ring := crypto.NewKeyRing("")
	ring.Add("k1", k1)
	ring.Add("k2", k2)
	addr, vault := startCollector(t, ring)

	path, data := randomFile(t, t.TempDir(), "export.zip", 10000)
	out, err := newTestClient(addr, &k1).SendFile(context.Background(), path)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if !out.Ack.OK() || !out.Ack.Decrypted || !out.Ack.Verified {
		t.Fatalf("ack = %+v", out.Ack)
	}
	if !out.Encrypted || out.Size != 10000 || out.Digest != crypto.Digest(data) {
		t.Fatalf("outcome = %+v", out)
	}
	if out.DeleteErr != nil || out.Delete == nil || out.Delete.Passes != DefaultShredPasses {
		t.Fatalf("delete = %+v, %v", out.Delete, out.DeleteErr)
	}
	assertGone(t, path)
	if got := readOnly(t, vault.Plaintext); !bytes.Equal(got, data) {
		t.Fatal("collector plaintext differs from source")
	}
}

func TestSendFile_UnverifiedKeepsSource(t *testing.T) {
	ring := crypto.NewKeyRing("")
	ring.Add("someone_else", newTestKey(t))
	addr, _ := startCollector(t, ring)

	k := newTestKey(t)
	path, _ := randomFile(t, t.TempDir(), "export.zip", 128)
	out, err := newTestClient(addr, &k).SendFile(context.Background(), path)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if out.Ack.Verified || out.Delete != nil {
		t.Fatalf("outcome = %+v, want unverified and untouched", out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("source removed: %v", err)
	}
}

func TestSendFile_NoKeySendsPlaintext(t *testing.T) {
	addr, vault := startCollector(t, crypto.NewKeyRing(""))
	path, data := randomFile(t, t.TempDir(), "plain.zip", 300)

	c := newTestClient(addr, nil)
	c.ShredPasses = -1
	out, err := c.SendFile(context.Background(), path)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if out.Encrypted || !out.Ack.Verified {
		t.Fatalf("outcome = %+v ack = %+v", out, out.Ack)
	}
	if out.Delete != nil {
		t.Fatal("negative ShredPasses should disable deletion")
	}
	if got := readOnly(t, vault.Ciphertext); !bytes.Equal(got, data) {
		t.Fatal("raw payload should be the plaintext")
	}
}

func TestSendLegacy(t *testing.T) {
	addr, vault := startCollector(t, crypto.NewKeyRing(""))
	path, data := randomFile(t, t.TempDir(), strings.Repeat("n", 150)+".zip", 37)

	out, err := newTestClient(addr, nil).SendLegacy(context.Background(), path)
	if err != nil {
		t.Fatalf("SendLegacy: %v", err)
	}
	if !out.Ack.OK() || out.Ack.Warning == "" {
		t.Fatalf("ack = %+v, want success with warning", out.Ack)
	}
	if got := readOnly(t, vault.Legacy); !bytes.Equal(got, data) {
		t.Fatal("legacy body differs")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("legacy source removed: %v", err)
	}
}

func TestSendMetrics(t *testing.T) {
	addr, vault := startCollector(t, crypto.NewKeyRing(""))
	c := newTestClient(addr, nil)

	if err := c.SendMetrics(context.Background(), map[string]any{"cpu_percent": 3.5}); err != nil {
		t.Fatalf("SendMetrics: %v", err)
	}
	big := map[string]string{"blob": strings.Repeat("x", MaxMetricsSize)}
	if err := c.SendMetrics(context.Background(), big); !errors.Is(err, ErrMetricsTooLarge) {
		t.Fatalf("err = %v, want ErrMetricsTooLarge", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m, _ := filepath.Glob(filepath.Join(vault.Logs, "metrics_*.json")); len(m) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("metrics file never written")
}

func TestPing(t *testing.T) {
	addr, _ := startCollector(t, crypto.NewKeyRing(""))
	if _, err := newTestClient(addr, nil).Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closed := ln.Addr().String()
	ln.Close()
	if _, err := newTestClient(closed, nil).Ping(context.Background()); err == nil {
		t.Fatal("Ping to a closed port succeeded")
	}
}

func TestSendFile_CancelledContext(t *testing.T) {
	addr, _ := startCollector(t, crypto.NewKeyRing(""))
	path, _ := randomFile(t, t.TempDir(), "a.zip", 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestClient(addr, nil).SendFile(ctx, path); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("source removed: %v", err)
	}
}
