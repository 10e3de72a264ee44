package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	CipherAES     = "aes-256-gcm"
	CipherXChaCha = "xchacha20-poly1305"

	DefaultCipher = CipherXChaCha
)

var (
	ErrUnknownCipher = errors.New("unknown cipher")
	ErrAuth          = errors.New("message authentication failed")
)

// normalizeCipher maps an empty name to DefaultCipher.
func normalizeCipher(name string) string {
	if name == "" {
		return DefaultCipher
	}
	return name
}

// CheckCipher reports whether cipherName is supported. An empty name
// selects DefaultCipher.
func CheckCipher(cipherName string) error {
	switch normalizeCipher(cipherName) {
	case CipherAES, CipherXChaCha:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownCipher, cipherName)
}

// newAEAD builds the AEAD for cipherName from a subkey of key, so one agent
// key never feeds two different ciphers directly.
func newAEAD(key Key, cipherName string) (cipher.AEAD, error) {
	cipherName = normalizeCipher(cipherName)
	if err := CheckCipher(cipherName); err != nil {
		return nil, err
	}

	sub, err := subkey(key, cipherName)
	if err != nil {
		return nil, err
	}
	if cipherName == CipherAES {
		return newAESGCM(sub)
	}
	aead, err := chacha20poly1305.NewX(sub)
	if err != nil {
		return nil, fmt.Errorf("new xchacha20-poly1305: %w", err)
	}
	return aead, nil
}

// Encrypt seals plaintext under key. The result is nonce || ciphertext || tag.
func Encrypt(plaintext []byte, key Key, cipherName string) ([]byte, error) {
	aead, err := newAEAD(key, cipherName)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt. Any tampering yields ErrAuth.
func Decrypt(sealed []byte, key Key, cipherName string) ([]byte, error) {
	aead, err := newAEAD(key, cipherName)
	if err != nil {
		return nil, err
	}

	ns := aead.NonceSize()
	if len(sealed) < ns+aead.Overhead() {
		return nil, fmt.Errorf("%w: sealed data too short", ErrAuth)
	}
	plaintext, err := aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, ErrAuth
	}
	return plaintext, nil
}
