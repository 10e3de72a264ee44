package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

const keyExt = ".key"

var (
	ErrBadKeyID  = errors.New("invalid key id")
	ErrKeyExists = errors.New("a different key is already registered for this id")
)

var keyIDPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,127}$`)

// ValidKeyID reports whether id can name a key file.
func ValidKeyID(id string) bool {
	return keyIDPattern.MatchString(id)
}

// Entry is one KeyRing member.
type Entry struct {
	ID  string
	Key Key
}

// KeyRing holds the collector's known agent keys. Keys are only ever added;
// every addition is persisted before it becomes visible. Reads may run
// concurrently with each other and with a registration.
type KeyRing struct {
	mu   sync.RWMutex
	dir  string
	keys map[string]Key
}

// NewKeyRing returns an empty ring persisting to dir. An empty dir keeps the
// ring in memory only.
func NewKeyRing(dir string) *KeyRing {
	return &KeyRing{dir: dir, keys: make(map[string]Key)}
}

// LoadKeyRing reads every *.key file in dir; the key id is the file's base
// name. Unreadable files are skipped and reported in skipped; err is set
// only when the directory itself is unusable.
func LoadKeyRing(dir string) (ring *KeyRing, skipped []error, err error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, fmt.Errorf("create key dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read key dir: %w", err)
	}

	ring = NewKeyRing(dir)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, keyExt) {
			continue
		}
		id := strings.TrimSuffix(name, keyExt)
		if !ValidKeyID(id) {
			skipped = append(skipped, fmt.Errorf("%s: %w", name, ErrBadKeyID))
			continue
		}
		k, err := LoadKeyFile(filepath.Join(dir, name))
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		ring.keys[id] = k
	}
	return ring, skipped, nil
}

// Add registers key under id and persists it. Re-adding the same key is a
// no-op; a different key for an existing id is refused.
func (r *KeyRing) Add(id string, key Key) error {
	if !ValidKeyID(id) {
		return fmt.Errorf("%w: %q", ErrBadKeyID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.keys[id]; ok {
		if old == key {
			return nil
		}
		return fmt.Errorf("%s: %w", id, ErrKeyExists)
	}
	if r.dir != "" {
		if err := WriteKeyFile(filepath.Join(r.dir, id+keyExt), key); err != nil {
			return err
		}
	}
	r.keys[id] = key
	return nil
}

// Get returns the key registered for id.
func (r *KeyRing) Get(id string) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[id]
	return k, ok
}

// Len returns the number of keys.
func (r *KeyRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// IDs returns the registered ids in sorted order.
func (r *KeyRing) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Entries returns a sorted snapshot of the ring.
func (r *KeyRing) Entries() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.keys))
	for id, k := range r.keys {
		out = append(out, Entry{ID: id, Key: k})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
