package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxNameLen keeps joined names (agent, stamp, file, suffix) under the
// usual 255 byte file name limit.
const maxNameLen = 96

// Vault is the collector's on-disk layout.
type Vault struct {
	Root       string
	Ciphertext string // raw payloads exactly as received
	Plaintext  string // recovered files
	Legacy     string // unencrypted TELEGRAM bodies
	Keys       string
	Logs       string
}

// OpenVault creates the directory tree under root.
func OpenVault(root string) (*Vault, error) {
	v := &Vault{
		Root:       root,
		Ciphertext: filepath.Join(root, "telegram"),
		Plaintext:  filepath.Join(root, "decrypted"),
		Legacy:     filepath.Join(root, "legacy"),
		Keys:       filepath.Join(root, "keys"),
		Logs:       filepath.Join(root, "logs"),
	}
	for _, dir := range []string{v.Root, v.Ciphertext, v.Plaintext, v.Legacy, v.Keys, v.Logs} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return v, nil
}

// LedgerPath is where the transfer ledger lives.
func (v *Vault) LedgerPath() string {
	return filepath.Join(v.Root, "ledger.db")
}

// Stamp formats t the way stored file names embed it.
func Stamp(t time.Time) string {
	return t.Format("20060102_150405")
}

// SanitizeName reduces a remote supplied name to a single safe path
// element: directories are dropped, separators and control characters are
// replaced and leading dots removed.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == ':' || r == 0:
			return '_'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, name)
	name = strings.TrimLeft(strings.TrimSpace(name), ".")
	if len(name) > maxNameLen {
		cut := maxNameLen
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	if name == "" {
		return "unnamed"
	}
	return name
}

// JoinName builds a stored file name from sanitized parts joined with '_'.
func JoinName(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		clean = append(clean, SanitizeName(p))
	}
	return strings.Join(clean, "_")
}

// createUnique opens a new file named name in dir. An existing file is never
// overwritten; a short unique suffix is inserted before the extension instead.
func createUnique(dir, name string) (*os.File, string, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err == nil {
		return f, path, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, "", fmt.Errorf("create %s: %w", name, err)
	}
	ext := filepath.Ext(name)
	alt := strings.TrimSuffix(name, ext) + "_" + uuid.NewString()[:8] + ext
	path = filepath.Join(dir, alt)
	f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, "", fmt.Errorf("create %s: %w", alt, err)
	}
	return f, path, nil
}

// Store writes data to a new file in dir and returns its path. The file is
// synced before Store returns; on failure nothing is left behind.
func (v *Vault) Store(dir, name string, data []byte) (string, error) {
	f, path, err := createUnique(dir, name)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

// StoreStream lets fill write the file body. The data goes to a hidden
// partial file that is renamed into place only when fill succeeds, so a
// truncated transfer never leaves a file that looks complete.
func (v *Vault) StoreStream(dir, name string, fill func(io.Writer) error) (string, error) {
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("create partial: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync partial: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close partial: %w", err)
	}

	// Reserve the final name first so concurrent writers cannot collide.
	f, path, err := createUnique(dir, name)
	if err != nil {
		return "", err
	}
	f.Close()
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("install %s: %w", path, err)
	}
	return path, nil
}
