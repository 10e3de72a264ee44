package agent

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func assertGone(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("%s still exists (stat err %v)", path, err)
	}
}

func TestSecureDelete_Overwrites(t *testing.T) {
	path := writeFile(t, t.TempDir(), "archive.zip", 64<<10)
	res, err := SecureDelete(path, 3)
	if err != nil {
		t.Fatalf("SecureDelete: %v", err)
	}
	if res.Passes != 3 || res.FellBack || res.Missing {
		t.Fatalf("result = %+v, want 3 clean passes", res)
	}
	assertGone(t, path)
}

func TestSecureDelete_MissingIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-existed")
	for i := 0; i < 2; i++ {
		res, err := SecureDelete(path, 3)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !res.Missing {
			t.Fatalf("call %d: result = %+v, want Missing", i, res)
		}
	}
}

func TestSecureDelete_ZeroBytes(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty", 0)
	res, err := SecureDelete(path, 3)
	if err != nil {
		t.Fatalf("SecureDelete: %v", err)
	}
	if res.Passes != 0 || res.FellBack {
		t.Fatalf("result = %+v, want zero passes", res)
	}
	assertGone(t, path)
}

func TestSecureDelete_SymlinkRemovesLinkOnly(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, dir, "target", 10)
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	res, err := SecureDelete(link, 3)
	if err != nil {
		t.Fatalf("SecureDelete: %v", err)
	}
	if !res.FellBack || res.Passes != 0 {
		t.Fatalf("result = %+v, want plain delete", res)
	}
	assertGone(t, link)
	data, err := os.ReadFile(target)
	if err != nil || data[1] != 1 {
		t.Fatalf("target modified: %v %v", data, err)
	}
}
