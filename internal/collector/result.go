package collector

import (
	"path/filepath"
	"time"

	"github.com/ssd-technologies/archivist/internal/events"
	"github.com/ssd-technologies/archivist/internal/storage"
	"github.com/ssd-technologies/archivist/internal/wire"
)

// Warnings attached to accepted transfers.
const (
	WarnNotEncrypted = "file was not encrypted"
	WarnSizeMismatch = "decrypted size does not match original_size"
	WarnHashMismatch = "content hash does not match payload"
	WarnNotDecrypted = "no known key decrypts this file; ciphertext kept"
)

// Result is the outcome of one transfer. It becomes the ack, the ledger
// row and the published event.
type Result struct {
	ID       string
	Kind     wire.Kind
	Peer     string
	AgentID  string
	Filename string
	Size     int64
	At       time.Time

	// Accepted is false when the transfer could not be processed at all.
	Accepted       bool
	CiphertextPath string
	PlaintextPath  string
	KeyID          string
	Decrypted      bool
	Verified       bool
	Message        string
	Warning        string
	Err            error
}

func (r *Result) fail(err error) *Result {
	r.Accepted = false
	r.Err = err
	r.Message = err.Error()
	return r
}

// Ack renders the result for the sender.
func (r *Result) Ack() wire.Ack {
	if !r.Accepted {
		a := wire.ErrorAck(r.Err)
		a.TransferID = r.ID
		return a
	}
	a := wire.Ack{
		Status:     wire.StatusSuccess,
		Message:    r.Message,
		Decrypted:  r.Decrypted,
		Verified:   r.Verified,
		Warning:    r.Warning,
		TransferID: r.ID,
	}
	if r.CiphertextPath != "" {
		a.EncryptedFile = filepath.Base(r.CiphertextPath)
	}
	return a
}

// Outcome is the metrics label for the result.
func (r *Result) Outcome() string {
	switch {
	case !r.Accepted:
		return "error"
	case r.Verified:
		return "verified"
	case r.Kind == wire.KindSecureFile && !r.Decrypted:
		return "undecrypted"
	default:
		return "unverified"
	}
}

func (r *Result) status() string {
	if r.Accepted {
		return wire.StatusSuccess
	}
	return wire.StatusError
}

// Transfer converts the result into a ledger row.
func (r *Result) Transfer() *storage.Transfer {
	return &storage.Transfer{
		ID:             r.ID,
		Kind:           r.Kind.String(),
		Peer:           r.Peer,
		AgentID:        r.AgentID,
		Filename:       r.Filename,
		Size:           r.Size,
		CiphertextPath: r.CiphertextPath,
		PlaintextPath:  r.PlaintextPath,
		KeyID:          r.KeyID,
		Status:         r.status(),
		Message:        r.Message,
		Warning:        r.Warning,
		Decrypted:      r.Decrypted,
		Verified:       r.Verified,
		CreatedAt:      r.At.Unix(),
	}
}

// Event converts the result into a feed event.
func (r *Result) Event() events.Event {
	return events.Event{
		Type:       "transfer",
		TransferID: r.ID,
		Kind:       r.Kind.String(),
		Peer:       r.Peer,
		AgentID:    r.AgentID,
		Filename:   r.Filename,
		Size:       r.Size,
		Status:     r.status(),
		Decrypted:  r.Decrypted,
		Verified:   r.Verified,
		Warning:    r.Warning,
		At:         r.At,
	}
}
