// Package wire implements the fixed-width framing shared by agents and the
// collector. A connection carries exactly one transfer:
//
//	header  HeaderWidth bytes, ASCII token, left-justified, space padded
//	length  LengthWidth bytes, decimal body size (SECURE_FILE, TELEGRAM)
//	name    NameWidth bytes, filename (TELEGRAM only)
//	body    exactly length bytes
//
// followed by a single JSON Ack written by the receiver. METRICS carries no
// length field; its body is one JSON object read under a byte cap.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	HeaderWidth = 12
	LengthWidth = 20
	NameWidth   = 100

	// AckLimit caps how much the sender will read while decoding an ack.
	AckLimit = 64 << 10

	// DefaultMinRate is the slowest body transfer, in bytes per second, a
	// read phase tolerates once its initial Timeout allowance is spent.
	DefaultMinRate = 64 << 10

	chunkSize = 32 << 10
	// bodyPrealloc caps what ReadBody reserves before data arrives.
	bodyPrealloc = 1 << 20
)

var (
	ErrTruncated     = errors.New("connection closed before declared length")
	ErrBadLength     = errors.New("invalid length field")
	ErrBodyTooLarge  = errors.New("declared body exceeds limit")
	ErrFieldOverflow = errors.New("value does not fit field")
)

// ProtocolError describes a framing failure. Want and Got are byte counts
// for the phase named by Op; no data from a failed phase should be trusted.
type ProtocolError struct {
	Op   string
	Want int64
	Got  int64
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Want > 0 {
		return fmt.Sprintf("wire %s: read %d of %d bytes: %v", e.Op, e.Got, e.Want, e.Err)
	}
	return fmt.Sprintf("wire %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Request is the decoded preamble of a transfer.
type Request struct {
	Kind   Kind
	Length int64
	Name   string
}

// Field pads value with spaces to exactly width bytes. Values longer than
// width are rejected instead of truncated.
func Field(value string, width int) ([]byte, error) {
	if len(value) > width {
		return nil, fmt.Errorf("%w: %d bytes into %d", ErrFieldOverflow, len(value), width)
	}
	b := make([]byte, width)
	copy(b, value)
	for i := len(value); i < width; i++ {
		b[i] = ' '
	}
	return b, nil
}

// FitName shortens name to at most width bytes without splitting a rune.
// The extension is kept when there is room for it.
func FitName(name string, width int) string {
	if len(name) <= width {
		return name
	}
	ext := ""
	if i := strings.LastIndexByte(name, '.'); i > 0 && len(name)-i <= 16 {
		ext = name[i:]
	}
	if len(ext) >= width {
		ext = ""
	}
	limit := width - len(ext)
	base := name[:len(name)-len(ext)]
	for limit > 0 && !utf8.RuneStart(base[limit]) {
		limit--
	}
	return base[:limit] + ext
}

// EncodeRequest renders the preamble for req.
func EncodeRequest(req Request) ([]byte, error) {
	var buf bytes.Buffer
	hdr, err := Field(req.Kind.String(), HeaderWidth)
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	buf.Write(hdr)
	if req.Kind.HasLength() {
		if req.Length < 0 {
			return nil, fmt.Errorf("length %d: %w", req.Length, ErrBadLength)
		}
		lf, err := Field(strconv.FormatInt(req.Length, 10), LengthWidth)
		if err != nil {
			return nil, fmt.Errorf("length: %w", err)
		}
		buf.Write(lf)
	}
	if req.Kind.HasName() {
		nf, err := Field(req.Name, NameWidth)
		if err != nil {
			return nil, fmt.Errorf("name: %w", err)
		}
		buf.Write(nf)
	}
	return buf.Bytes(), nil
}

// ParseLength parses a length field. max <= 0 disables the upper bound.
func ParseLength(field []byte, max int64) (int64, error) {
	s := strings.TrimSpace(strings.TrimRight(string(field), "\x00"))
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrBadLength)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadLength, s)
	}
	if max > 0 && n > max {
		return 0, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, n, max)
	}
	return n, nil
}

func trimField(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

// ReadExact fills buf from r. Short reads are retried; EOF or a read that
// returns no bytes and no error ends the loop with ErrTruncated. It returns
// the number of bytes placed in buf.
func ReadExact(r io.Reader, buf []byte) (int, error) {
	got := 0
	for got < len(buf) {
		n, err := r.Read(buf[got:])
		got += n
		if got == len(buf) {
			return got, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return got, ErrTruncated
			}
			return got, err
		}
		if n == 0 {
			return got, ErrTruncated
		}
	}
	return got, nil
}

// CopyExact moves exactly n bytes from src to dst in bounded chunks.
func CopyExact(dst io.Writer, src io.Reader, n int64) (int64, error) {
	buf := make([]byte, chunkSize)
	var done int64
	for done < n {
		want := n - done
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		got, err := ReadExact(src, buf[:want])
		if got > 0 {
			if _, werr := dst.Write(buf[:got]); werr != nil {
				return done, fmt.Errorf("write: %w", werr)
			}
			done += int64(got)
		}
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

// Ack is the single JSON object a receiver writes after a transfer.
type Ack struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	EncryptedFile string `json:"encrypted_file,omitempty"`
	Decrypted     bool   `json:"decrypted"`
	Verified      bool   `json:"verified"`
	Warning       string `json:"warning,omitempty"`
	TransferID    string `json:"transfer_id,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// OK reports whether the receiver accepted the transfer.
func (a *Ack) OK() bool { return a.Status == StatusSuccess }

// ErrorAck builds the ack sent when a transfer could not be processed.
func ErrorAck(err error) Ack {
	return Ack{Status: StatusError, Message: err.Error()}
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// Framer reads and writes framed transfers over one stream. When the
// stream supports deadlines each read phase (header, length, name, body,
// object) gets one deadline of Timeout from the phase start, extended by
// one second per MinRate bytes received. A peer trickling bytes fails the
// phase instead of pinning the worker. Writes are bounded per call.
type Framer struct {
	rw      io.ReadWriter
	Timeout time.Duration
	MaxBody int64
	MinRate int64

	phaseStart time.Time
	phaseGot   int64
}

// NewFramer wraps rw. A zero timeout disables deadlines.
func NewFramer(rw io.ReadWriter, timeout time.Duration) *Framer {
	return &Framer{rw: rw, Timeout: timeout, MinRate: DefaultMinRate}
}

// beginPhase starts the deadline budget for the next read phase.
func (f *Framer) beginPhase() {
	f.phaseStart = time.Now()
	f.phaseGot = 0
}

func (f *Framer) readDeadline() time.Time {
	if f.phaseStart.IsZero() {
		return time.Now().Add(f.Timeout)
	}
	allow := f.Timeout
	if f.MinRate > 0 {
		secs, rem := f.phaseGot/f.MinRate, f.phaseGot%f.MinRate
		allow += time.Duration(secs)*time.Second + time.Duration(rem*int64(time.Second)/f.MinRate)
	}
	return f.phaseStart.Add(allow)
}

func (f *Framer) Read(p []byte) (int, error) {
	if d, ok := f.rw.(readDeadliner); ok && f.Timeout > 0 {
		_ = d.SetReadDeadline(f.readDeadline())
	}
	n, err := f.rw.Read(p)
	f.phaseGot += int64(n)
	return n, err
}

func (f *Framer) Write(p []byte) (int, error) {
	if d, ok := f.rw.(writeDeadliner); ok && f.Timeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(f.Timeout))
	}
	return f.rw.Write(p)
}

func (f *Framer) readField(op string, width int) ([]byte, error) {
	f.beginPhase()
	buf := make([]byte, width)
	n, err := ReadExact(f, buf)
	if err != nil {
		return nil, &ProtocolError{Op: op, Want: int64(width), Got: int64(n), Err: err}
	}
	return buf, nil
}

// ReadRequest reads the header and, for kinds that carry them, the length
// and name fields.
func (f *Framer) ReadRequest() (*Request, error) {
	hdr, err := f.readField("header", HeaderWidth)
	if err != nil {
		return nil, err
	}
	kind, err := ParseKind(trimField(hdr))
	if err != nil {
		return nil, &ProtocolError{Op: "header", Err: err}
	}
	req := &Request{Kind: kind}
	if kind.HasLength() {
		lf, err := f.readField("length", LengthWidth)
		if err != nil {
			return nil, err
		}
		req.Length, err = ParseLength(lf, f.MaxBody)
		if err != nil {
			return nil, &ProtocolError{Op: "length", Err: err}
		}
	}
	if kind.HasName() {
		nf, err := f.readField("name", NameWidth)
		if err != nil {
			return nil, err
		}
		req.Name = strings.TrimSpace(trimField(nf))
	}
	return req, nil
}

// ReadBody reads exactly n body bytes into memory. The buffer grows with
// the bytes actually received, not with the declared length.
func (f *Framer) ReadBody(n int64) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(min(n, bodyPrealloc)))
	if _, err := f.CopyBody(&buf, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CopyBody streams exactly n body bytes into dst.
func (f *Framer) CopyBody(dst io.Writer, n int64) (int64, error) {
	f.beginPhase()
	got, err := CopyExact(dst, f, n)
	if err != nil {
		return got, &ProtocolError{Op: "body", Want: n, Got: got, Err: err}
	}
	return got, nil
}

// ReadObject decodes a single JSON object of at most limit bytes.
func (f *Framer) ReadObject(op string, limit int64, v any) error {
	f.beginPhase()
	dec := json.NewDecoder(io.LimitReader(f, limit))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = ErrTruncated
		}
		return &ProtocolError{Op: op, Err: err}
	}
	return nil
}

// Send writes the preamble for req followed by exactly req.Length bytes of
// body. Kinds without a length field send whatever body yields.
func (f *Framer) Send(req Request, body io.Reader) error {
	pre, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	if _, err := f.Write(pre); err != nil {
		return fmt.Errorf("write preamble: %w", err)
	}
	if body == nil {
		return nil
	}
	if !req.Kind.HasLength() {
		if _, err := io.Copy(f, body); err != nil {
			return fmt.Errorf("write body: %w", err)
		}
		return nil
	}
	n, err := CopyExact(f, body, req.Length)
	if err != nil {
		return fmt.Errorf("write body: sent %d of %d: %w", n, req.Length, err)
	}
	return nil
}

// WriteAck writes a as one JSON object.
func (f *Framer) WriteAck(a Ack) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal ack: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	return nil
}

// ReadAck decodes the receiver's ack.
func (f *Framer) ReadAck() (*Ack, error) {
	var a Ack
	if err := f.ReadObject("ack", AckLimit, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
