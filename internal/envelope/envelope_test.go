package envelope

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		Metadata: Metadata{
			Filename:      "channel_20240101_120000.zip",
			OriginalSize:  5,
			EncryptedSize: 5,
			ContentHash:   "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
			CreatedAt:     time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
			AgentID:       "agent_pc2",
		},
		Payload: []byte("hello"),
	}
}

func TestEnvelope_EncodeDecode(t *testing.T) {
	env := sampleEnvelope()
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data, "10.0.0.2")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Metadata.CreatedAt.Equal(env.Metadata.CreatedAt) {
		t.Fatalf("timestamp = %v, want %v", got.Metadata.CreatedAt, env.Metadata.CreatedAt)
	}
	gotMD, wantMD := got.Metadata, env.Metadata
	gotMD.CreatedAt, wantMD.CreatedAt = time.Time{}, time.Time{}
	if gotMD != wantMD {
		t.Fatalf("metadata = %+v, want %+v", gotMD, wantMD)
	}
	if !bytes.Equal(got.Payload, env.Payload) {
		t.Fatalf("payload = %q", got.Payload)
	}
}

func TestDecode_AgentFallback(t *testing.T) {
	body := []byte(`{"metadata":{"filename":"a.zip","original_size":1,"encrypted":false,"hash":"x"},"data":"YQ=="}`)
	env, err := Decode(body, "192.168.1.20")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Metadata.AgentID != "192.168.1.20" {
		t.Fatalf("agent = %q, want peer fallback", env.Metadata.AgentID)
	}
	if string(env.Payload) != "a" {
		t.Fatalf("payload = %q", env.Payload)
	}
}

func TestDecode_LegacyTimestamp(t *testing.T) {
	body := []byte(`{"metadata":{"filename":"a.zip","original_size":1,"encrypted":false,"hash":"x","timestamp":"2024-03-05T10:11:12.123456"},"data":"YQ=="}`)
	env, err := Decode(body, "peer")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Metadata.CreatedAt.Year() != 2024 || env.Metadata.CreatedAt.Month() != time.March {
		t.Fatalf("timestamp = %v", env.Metadata.CreatedAt)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
		err   error
	}{
		{"not json", `{"metadata":`, "", nil},
		{"no metadata", `{"data":"YQ=="}`, "metadata", ErrMissing},
		{"no filename", `{"metadata":{"original_size":1,"encrypted":false,"hash":"x"},"data":"YQ=="}`, "filename", ErrMissing},
		{"empty filename", `{"metadata":{"filename":"","original_size":1,"encrypted":false,"hash":"x"},"data":"YQ=="}`, "filename", ErrMissing},
		{"size is string", `{"metadata":{"filename":"a","original_size":"1","encrypted":false,"hash":"x"},"data":"YQ=="}`, "original_size", ErrWrongType},
		{"negative size", `{"metadata":{"filename":"a","original_size":-1,"encrypted":false,"hash":"x"},"data":"YQ=="}`, "original_size", ErrWrongType},
		{"encrypted is string", `{"metadata":{"filename":"a","original_size":1,"encrypted":"yes","hash":"x"},"data":"YQ=="}`, "encrypted", ErrWrongType},
		{"hash null", `{"metadata":{"filename":"a","original_size":1,"encrypted":true,"hash":null},"data":"YQ=="}`, "hash", ErrMissing},
		{"agent is number", `{"metadata":{"filename":"a","original_size":1,"encrypted":true,"hash":"x","agent_id":5},"data":"YQ=="}`, "agent_id", ErrWrongType},
		{"no data", `{"metadata":{"filename":"a","original_size":1,"encrypted":true,"hash":"x"}}`, "data", ErrMissing},
		{"data not string", `{"metadata":{"filename":"a","original_size":1,"encrypted":true,"hash":"x"},"data":12}`, "data", ErrWrongType},
		{"bad base64", `{"metadata":{"filename":"a","original_size":1,"encrypted":true,"hash":"x"},"data":"!!!not base64"}`, "data", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body), "peer")
			var ce *CodecError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v (%T), want *CodecError", err, err)
			}
			if ce.Field != tt.field {
				t.Fatalf("field = %q, want %q", ce.Field, tt.field)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
		})
	}
}
