package wire

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the payload carried by a connection. It is decoded once
// from the header field and matched exhaustively by the receiver.
type Kind uint8

const (
	KindSecureFile Kind = iota + 1
	KindTelegram
	KindMetrics
)

// ErrUnknownKind is returned when the header token names no known Kind.
var ErrUnknownKind = errors.New("unknown transfer kind")

var kindTokens = map[Kind]string{
	KindSecureFile: "SECURE_FILE",
	KindTelegram:   "TELEGRAM",
	KindMetrics:    "METRICS",
}

// String returns the header token for k.
func (k Kind) String() string {
	if tok, ok := kindTokens[k]; ok {
		return tok
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// HasLength reports whether a body of this kind is preceded by a length field.
func (k Kind) HasLength() bool {
	return k == KindSecureFile || k == KindTelegram
}

// HasName reports whether the legacy filename field follows the length field.
func (k Kind) HasName() bool {
	return k == KindTelegram
}

// ParseKind maps a trimmed header token to its Kind.
func ParseKind(token string) (Kind, error) {
	token = strings.TrimRight(token, " \x00\r\n\t")
	for k, tok := range kindTokens {
		if tok == token {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, token)
}
