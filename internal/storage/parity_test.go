package storage

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeRandom(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	path := filepath.Join(t.TempDir(), "payload.enc")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := WriteParity(path); err != nil {
		t.Fatalf("WriteParity: %v", err)
	}
	return path, data
}

func TestParity_IntactFileNeedsNoRepair(t *testing.T) {
	path, _ := writeRandom(t, 10000)
	n, err := RepairFile(path)
	if err != nil || n != 0 {
		t.Fatalf("RepairFile = %d, %v; want 0, nil", n, err)
	}
}

func TestParity_RepairsCorruption(t *testing.T) {
	path, orig := writeRandom(t, 10000)

	damaged := bytes.Clone(orig)
	damaged[10] ^= 0xff   // shard 0
	damaged[5000] ^= 0xff // shard 5
	if err := os.WriteFile(path, damaged, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	n, err := RepairFile(path)
	if err != nil {
		t.Fatalf("RepairFile: %v", err)
	}
	if n != 2 {
		t.Fatalf("rebuilt %d shards, want 2", n)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, orig) {
		t.Fatal("repaired file differs from original")
	}
}

func TestParity_RepairsTruncation(t *testing.T) {
	path, orig := writeRandom(t, 3000)
	if err := os.Truncate(path, 2900); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if _, err := RepairFile(path); err != nil {
		t.Fatalf("RepairFile: %v", err)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, orig) {
		t.Fatal("truncated file not restored")
	}
}

func TestParity_TooMuchDamage(t *testing.T) {
	path, orig := writeRandom(t, 10000)
	damaged := bytes.Clone(orig)
	for _, off := range []int{0, 1000, 2000, 3000} {
		damaged[off] ^= 0xff
	}
	os.WriteFile(path, damaged, 0600)

	if _, err := RepairFile(path); !errors.Is(err, ErrUnrecoverable) {
		t.Fatalf("err = %v, want ErrUnrecoverable", err)
	}
}

func TestParity_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.enc")
	os.WriteFile(path, nil, 0600)
	out, err := WriteParity(path)
	if err != nil || out != "" {
		t.Fatalf("WriteParity = %q, %v; want no sidecar", out, err)
	}
}
