// Package envelope encodes the metadata+payload unit sent as the body of a
// SECURE_FILE transfer. The payload travels base64 encoded inside the same
// JSON document as its metadata.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Metadata describes the file carried by an envelope. JSON keys match the
// names existing agents already send.
type Metadata struct {
	Filename      string    `json:"filename"`
	OriginalSize  uint64    `json:"original_size"`
	EncryptedSize uint64    `json:"encrypted_size"`
	IsEncrypted   bool      `json:"encrypted"`
	ContentHash   string    `json:"hash"`
	CreatedAt     time.Time `json:"timestamp"`
	AgentID       string    `json:"agent_id"`
	Cipher        string    `json:"cipher,omitempty"`
}

// Envelope is the decoded form of a SECURE_FILE body.
type Envelope struct {
	Metadata Metadata
	Payload  []byte
}

// CodecError reports a malformed envelope. It is distinct from crypto
// failures: a CodecError means the body could not even be interpreted.
type CodecError struct {
	Field string
	Err   error
}

func (e *CodecError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("envelope: %v", e.Err)
	}
	return fmt.Sprintf("envelope: %s: %v", e.Field, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

var (
	ErrMissing   = errors.New("missing required field")
	ErrWrongType = errors.New("wrong type")
)

type wireEnvelope struct {
	Metadata Metadata `json:"metadata"`
	Data     string   `json:"data"`
}

// Encode renders env as JSON.
func Encode(env *Envelope) ([]byte, error) {
	w := wireEnvelope{
		Metadata: env.Metadata,
		Data:     base64.StdEncoding.EncodeToString(env.Payload),
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, &CodecError{Err: err}
	}
	return data, nil
}

// Decode parses a SECURE_FILE body. Metadata is validated before the
// payload is decoded. An empty agent_id is replaced by fallbackAgent,
// normally the peer address.
func Decode(body []byte, fallbackAgent string) (*Envelope, error) {
	var raw struct {
		Metadata map[string]json.RawMessage `json:"metadata"`
		Data     json.RawMessage            `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &CodecError{Err: err}
	}
	if raw.Metadata == nil {
		return nil, &CodecError{Field: "metadata", Err: ErrMissing}
	}

	md, err := decodeMetadata(raw.Metadata)
	if err != nil {
		return nil, err
	}
	if md.AgentID == "" {
		md.AgentID = fallbackAgent
	}

	if len(raw.Data) == 0 {
		return nil, &CodecError{Field: "data", Err: ErrMissing}
	}
	var b64 string
	if err := json.Unmarshal(raw.Data, &b64); err != nil {
		return nil, &CodecError{Field: "data", Err: ErrWrongType}
	}
	payload, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, &CodecError{Field: "data", Err: err}
	}
	return &Envelope{Metadata: *md, Payload: payload}, nil
}

func decodeMetadata(m map[string]json.RawMessage) (*Metadata, error) {
	md := &Metadata{}
	required := []struct {
		key string
		dst any
	}{
		{"filename", &md.Filename},
		{"original_size", &md.OriginalSize},
		{"encrypted", &md.IsEncrypted},
		{"hash", &md.ContentHash},
	}
	for _, f := range required {
		v, ok := m[f.key]
		if !ok || isNull(v) {
			return nil, &CodecError{Field: f.key, Err: ErrMissing}
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return nil, &CodecError{Field: f.key, Err: ErrWrongType}
		}
	}
	if md.Filename == "" {
		return nil, &CodecError{Field: "filename", Err: ErrMissing}
	}

	optional := []struct {
		key string
		dst any
	}{
		{"encrypted_size", &md.EncryptedSize},
		{"agent_id", &md.AgentID},
		{"cipher", &md.Cipher},
	}
	for _, f := range optional {
		v, ok := m[f.key]
		if !ok || isNull(v) {
			continue
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return nil, &CodecError{Field: f.key, Err: ErrWrongType}
		}
	}

	// Older agents write naive local timestamps; an unparseable value is
	// recorded as zero rather than rejecting the file.
	if v, ok := m["timestamp"]; ok && !isNull(v) {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, &CodecError{Field: "timestamp", Err: ErrWrongType}
		}
		md.CreatedAt = parseTimestamp(s)
	}
	return md, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
