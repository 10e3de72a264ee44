package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
)

// DeriveKey turns an operator passphrase into an agent key. The salt is
// bound to the agent id so the same passphrase gives each agent its own key,
// and the collector can re-derive it without copying key files around.
func DeriveKey(passphrase, agentID string) Key {
	salt := sha256.Sum256([]byte("archivist/agent-key/" + agentID))
	var k Key
	copy(k[:], argon2.IDKey([]byte(passphrase), salt[:], argonTime, argonMemory, argonThreads, KeySize))
	return k
}

// subkey expands key into the cipher specific key for cipherName.
func subkey(key Key, cipherName string) ([]byte, error) {
	r := hkdf.New(sha256.New, key[:], nil, []byte("archivist/"+cipherName))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive %s subkey: %w", cipherName, err)
	}
	return out, nil
}
