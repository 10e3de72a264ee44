package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	v, err := OpenVault(filepath.Join(t.TempDir(), "secure_storage"))
	if err != nil {
		t.Fatalf("OpenVault: %v", err)
	}
	return v
}

func TestOpenVault_CreatesLayout(t *testing.T) {
	v := testVault(t)
	for _, dir := range []string{v.Ciphertext, v.Plaintext, v.Legacy, v.Keys, v.Logs} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("%s not created: %v", dir, err)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"chat.zip":             "chat.zip",
		"../../etc/passwd":     "passwd",
		`..\..\windows\x.txt`:  "x.txt",
		"..":                   "unnamed",
		"":                     "unnamed",
		".hidden":              "hidden",
		"a:b\x00c":             "a_b_c",
		"line\nbreak.txt":      "linebreak.txt",
		"Новости канала.zip":   "Новости канала.zip",
	}
	for in, want := range tests {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
	long := strings.Repeat("я", 200)
	if got := SanitizeName(long); len(got) > maxNameLen || !strings.HasPrefix(long, got) {
		t.Errorf("long name not cut on a rune boundary: %d bytes", len(got))
	}
}

func TestJoinName(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	got := JoinName("agent_pc2", Stamp(ts), "../chat.zip") + ".enc"
	if got != "agent_pc2_20240506_070809_chat.zip.enc" {
		t.Fatalf("JoinName = %q", got)
	}
}

func TestVault_StoreNeverOverwrites(t *testing.T) {
	v := testVault(t)
	p1, err := v.Store(v.Plaintext, "same.zip", []byte("one"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	p2, err := v.Store(v.Plaintext, "same.zip", []byte("two"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if p1 == p2 {
		t.Fatal("second store reused the same path")
	}
	if !strings.HasSuffix(p2, ".zip") {
		t.Fatalf("collision path lost extension: %s", p2)
	}
	b1, _ := os.ReadFile(p1)
	b2, _ := os.ReadFile(p2)
	if string(b1) != "one" || string(b2) != "two" {
		t.Fatalf("contents = %q, %q", b1, b2)
	}
}

func TestVault_StoreStream(t *testing.T) {
	v := testVault(t)
	body := bytes.Repeat([]byte("z"), 37)

	path, err := v.StoreStream(v.Legacy, "legacy_x.zip", func(w io.Writer) error {
		_, err := w.Write(body)
		return err
	})
	if err != nil {
		t.Fatalf("StoreStream: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(got, body) {
		t.Fatalf("stored = %d bytes, err %v", len(got), err)
	}
}

func TestVault_StoreStreamFailureLeavesNothing(t *testing.T) {
	v := testVault(t)
	boom := errors.New("truncated")

	_, err := v.StoreStream(v.Legacy, "partial.zip", func(w io.Writer) error {
		w.Write([]byte("half"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want fill error", err)
	}
	entries, err := os.ReadDir(v.Legacy)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("legacy dir has %d entries after failed stream", len(entries))
	}
}
