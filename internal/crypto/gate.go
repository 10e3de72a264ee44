package crypto

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Marker prefixes every sealed payload so receivers can tell it apart from
// unmarked legacy payloads.
var Marker = []byte("ENCRYPTED::")

// ErrNoMatchingKey means no key in the ring both authenticated the payload
// and reproduced the declared digest.
var ErrNoMatchingKey = errors.New("no key decrypts payload with matching digest")

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Seal encrypts plaintext and prepends Marker.
func Seal(key Key, cipherName string, plaintext []byte) ([]byte, error) {
	sealed, err := Encrypt(plaintext, key, cipherName)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(Marker)+len(sealed))
	out = append(out, Marker...)
	return append(out, sealed...), nil
}

// StripMarker removes Marker from p if present.
func StripMarker(p []byte) []byte {
	return bytes.TrimPrefix(p, Marker)
}

// Open reverses Seal for a single key.
func Open(key Key, cipherName string, payload []byte) ([]byte, error) {
	return Decrypt(StripMarker(payload), key, cipherName)
}

// DecryptResult is the outcome of a decrypt-by-trial run.
type DecryptResult struct {
	Plaintext []byte
	KeyID     string
	// Attempts counts keys tried, including the winning one.
	Attempts int
	// DigestMismatches counts keys that authenticated but produced a
	// plaintext with the wrong digest.
	DigestMismatches int
}

// DecryptByTrial tries every key in ring, in id order, until one opens
// payload and the plaintext digest equals wantHash.
//
// The digest check after a successful AEAD open is redundant with the
// authentication tag; it is kept so a transfer is accepted only when both
// agree, and can be dropped once the tag alone is trusted.
func DecryptByTrial(ring *KeyRing, payload []byte, cipherName, wantHash string) (*DecryptResult, error) {
	res := &DecryptResult{}
	if err := CheckCipher(cipherName); err != nil {
		return res, err
	}

	want := []byte(strings.ToLower(strings.TrimSpace(wantHash)))
	sealed := StripMarker(payload)
	for _, e := range ring.Entries() {
		res.Attempts++
		plaintext, err := Decrypt(sealed, e.Key, cipherName)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(Digest(plaintext)), want) != 1 {
			res.DigestMismatches++
			continue
		}
		res.Plaintext = plaintext
		res.KeyID = e.ID
		return res, nil
	}
	return res, fmt.Errorf("%w (%d keys tried)", ErrNoMatchingKey, res.Attempts)
}
