package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// KeySize is the length of an agent key in bytes.
const KeySize = 32

// Key is a symmetric agent key.
type Key [KeySize]byte

var ErrBadKey = errors.New("invalid key encoding")

// GenerateKey returns a fresh random key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

// Encode returns the key file representation of k.
func (k Key) Encode() string {
	return base64.URLEncoding.EncodeToString(k[:])
}

// Fingerprint is a short, non-secret identifier for logs.
func (k Key) Fingerprint() string {
	sum := sha256.Sum256(k[:])
	return hex.EncodeToString(sum[:4])
}

// ParseKey decodes a key file body. Both base64 alphabets are accepted and
// surrounding whitespace is ignored.
func ParseKey(data []byte) (Key, error) {
	var k Key
	s := string(bytes.TrimSpace(data))
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.StdEncoding} {
		b, err := enc.DecodeString(s)
		if err == nil && len(b) == KeySize {
			copy(k[:], b)
			return k, nil
		}
	}
	return k, ErrBadKey
}

// LoadKeyFile reads a key from path.
func LoadKeyFile(path string) (Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Key{}, fmt.Errorf("read key %s: %w", path, err)
	}
	k, err := ParseKey(data)
	if err != nil {
		return Key{}, fmt.Errorf("parse key %s: %w", path, err)
	}
	return k, nil
}

// WriteKeyFile stores k at path with owner-only permissions. The file is
// written under a temporary name and renamed so readers never see a
// partial key.
func WriteKeyFile(path string, k Key) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".key-*")
	if err != nil {
		return fmt.Errorf("create temp key: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod key: %w", err)
	}
	if _, err := tmp.WriteString(k.Encode() + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write key: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close key: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install key: %w", err)
	}
	return nil
}

// LoadOrGenerateKey loads the key at path, creating and persisting a new
// one when the file does not exist. created reports which happened.
func LoadOrGenerateKey(path string) (k Key, created bool, err error) {
	k, err = LoadKeyFile(path)
	if err == nil {
		return k, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Key{}, false, err
	}

	k, err = GenerateKey()
	if err != nil {
		return Key{}, false, err
	}
	if err := WriteKeyFile(path, k); err != nil {
		return Key{}, false, err
	}
	return k, true, nil
}
