// Package agent sends archives to a collector. Every call is a single
// attempt on a fresh connection; retrying is the caller's decision.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/archivist/internal/crypto"
	"github.com/ssd-technologies/archivist/internal/envelope"
	"github.com/ssd-technologies/archivist/internal/wire"
)

const (
	DefaultDialTimeout = 10 * time.Second
	DefaultIOTimeout   = 30 * time.Second
	DefaultShredPasses = 3

	// MaxMetricsSize matches the collector's METRICS cap.
	MaxMetricsSize = 4096
)

var (
	ErrRejected        = errors.New("collector rejected transfer")
	ErrMetricsTooLarge = errors.New("metrics object exceeds size cap")
)

// Client talks to one collector.
type Client struct {
	Addr    string
	AgentID string
	// Key seals payloads. A nil Key sends plaintext with encrypted=false.
	Key         *crypto.Key
	Cipher      string
	DialTimeout time.Duration
	IOTimeout   time.Duration
	// ShredPasses is the number of overwrite passes before a verified
	// source file is unlinked. Negative disables deletion.
	ShredPasses int
	Log         zerolog.Logger
}

// NewClient returns a Client with default timeouts.
func NewClient(addr, agentID string, key *crypto.Key, log zerolog.Logger) *Client {
	return &Client{
		Addr:        addr,
		AgentID:     agentID,
		Key:         key,
		Cipher:      crypto.DefaultCipher,
		DialTimeout: DefaultDialTimeout,
		IOTimeout:   DefaultIOTimeout,
		ShredPasses: DefaultShredPasses,
		Log:         log,
	}
}

// Outcome reports what happened to one file.
type Outcome struct {
	Path      string
	Size      int64
	Digest    string
	Encrypted bool
	Ack       *wire.Ack
	// Delete is set when the source was scheduled for secure delete.
	Delete    *DeleteResult
	DeleteErr error
}

// SendFile seals path into an envelope, sends it as SECURE_FILE and, when
// the collector verifies it, securely deletes the source. A failed delete
// is reported in the Outcome, not as an error.
func (c *Client) SendFile(ctx context.Context, path string) (*Outcome, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out := &Outcome{
		Path:   path,
		Size:   int64(len(data)),
		Digest: crypto.Digest(data),
	}
	log := c.Log.With().Str("file", filepath.Base(path)).Logger()

	payload := data
	cipherName := ""
	if c.Key != nil {
		payload, err = crypto.Seal(*c.Key, c.Cipher, data)
		if err != nil {
			return out, fmt.Errorf("seal: %w", err)
		}
		out.Encrypted = true
		cipherName = c.Cipher
	} else {
		log.Warn().Msg("no key configured, sending plaintext")
	}

	body, err := envelope.Encode(&envelope.Envelope{
		Metadata: envelope.Metadata{
			Filename:      filepath.Base(path),
			OriginalSize:  uint64(len(data)),
			EncryptedSize: uint64(len(payload)),
			IsEncrypted:   out.Encrypted,
			ContentHash:   out.Digest,
			CreatedAt:     time.Now().UTC(),
			AgentID:       c.AgentID,
			Cipher:        cipherName,
		},
		Payload: payload,
	})
	if err != nil {
		return out, err
	}

	req := wire.Request{Kind: wire.KindSecureFile, Length: int64(len(body))}
	out.Ack, err = c.exchange(ctx, req, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	if !out.Ack.OK() {
		return out, fmt.Errorf("%w: %s", ErrRejected, out.Ack.Message)
	}
	log.Info().
		Str("transfer_id", out.Ack.TransferID).
		Bool("decrypted", out.Ack.Decrypted).
		Bool("verified", out.Ack.Verified).
		Str("warning", out.Ack.Warning).
		Msg("file delivered")

	if out.Ack.Verified && c.ShredPasses >= 0 {
		out.Delete, out.DeleteErr = SecureDelete(path, c.ShredPasses)
		if out.DeleteErr != nil {
			log.Error().Err(out.DeleteErr).Msg("source not deleted")
		} else {
			log.Info().Int("passes", out.Delete.Passes).Bool("fallback", out.Delete.FellBack).Msg("source deleted")
		}
	}
	return out, nil
}

// SendLegacy streams path as an unencrypted TELEGRAM transfer for
// collectors that predate envelopes. The source is never deleted.
func (c *Client) SendLegacy(ctx context.Context, path string) (*Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	out := &Outcome{Path: path, Size: fi.Size()}
	req := wire.Request{
		Kind:   wire.KindTelegram,
		Length: fi.Size(),
		Name:   wire.FitName(filepath.Base(path), wire.NameWidth),
	}
	out.Ack, err = c.exchange(ctx, req, f)
	if err != nil {
		return out, err
	}
	if !out.Ack.OK() {
		return out, fmt.Errorf("%w: %s", ErrRejected, out.Ack.Message)
	}
	return out, nil
}

// SendMetrics sends v as one METRICS object. The collector does not reply.
func (c *Client) SendMetrics(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if len(data) > MaxMetricsSize {
		return fmt.Errorf("%w: %d bytes", ErrMetricsTooLarge, len(data))
	}
	conn, f, stop, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer stop()
	return f.Send(wire.Request{Kind: wire.KindMetrics}, bytes.NewReader(data))
}

// Ping checks that the collector accepts connections and returns the
// connect latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	conn.Close()
	return time.Since(start), nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("dial %s: %w", c.Addr, err))
	}
	return conn, nil
}

// open dials and wraps the connection. stop releases the cancellation hook
// that aborts blocked I/O when ctx ends.
func (c *Client) open(ctx context.Context) (net.Conn, *wire.Framer, func() bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	return conn, wire.NewFramer(conn, c.IOTimeout), stop, nil
}

// exchange runs one request/ack round trip on a fresh connection.
func (c *Client) exchange(ctx context.Context, req wire.Request, body io.Reader) (*wire.Ack, error) {
	conn, f, stop, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	defer stop()

	if err := f.Send(req, body); err != nil {
		return nil, ctxErr(ctx, err)
	}
	ack, err := f.ReadAck()
	if err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("read ack: %w", err))
	}
	return ack, nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}
