package collector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/archivist/internal/crypto"
	"github.com/ssd-technologies/archivist/internal/envelope"
	"github.com/ssd-technologies/archivist/internal/metrics"
	"github.com/ssd-technologies/archivist/internal/storage"
	"github.com/ssd-technologies/archivist/internal/wire"
)

// ErrNotObject is returned when a METRICS body is valid JSON but not an
// object.
var ErrNotObject = errors.New("metrics body is not a JSON object")

// handleSecureFile receives an envelope, keeps the raw payload, and tries
// to recover and verify the plaintext.
func (s *Server) handleSecureFile(f *wire.Framer, req *wire.Request, res *Result, addr string, log zerolog.Logger) {
	body, err := f.ReadBody(req.Length)
	if err != nil {
		res.fail(err)
		return
	}
	res.Size = int64(len(body))
	metrics.BytesReceived.WithLabelValues(req.Kind.String()).Add(float64(len(body)))

	env, err := envelope.Decode(body, res.Peer)
	if err != nil {
		res.fail(err)
		return
	}
	md := env.Metadata
	res.AgentID = md.AgentID
	res.Filename = storage.SanitizeName(md.Filename)
	s.registry.Update(addr, func(c *ConnInfo) {
		c.AgentID = md.AgentID
		c.Filename = md.Filename
	})
	log = log.With().Str("agent", md.AgentID).Str("file", res.Filename).Str("transfer_id", res.ID).Logger()

	stamp := storage.Stamp(res.At)
	res.CiphertextPath, err = s.vault.Store(s.vault.Ciphertext, storage.JoinName(md.AgentID, stamp, md.Filename)+".enc", env.Payload)
	if err != nil {
		res.fail(fmt.Errorf("store ciphertext: %w", err))
		return
	}
	res.Accepted = true
	if s.cfg.Parity {
		if _, err := storage.WriteParity(res.CiphertextPath); err != nil {
			log.Warn().Err(err).Msg("parity sidecar not written")
		}
	}

	var plaintext []byte
	hashOK := true
	if md.IsEncrypted {
		dr, err := crypto.DecryptByTrial(s.keys, env.Payload, md.Cipher, md.ContentHash)
		metrics.DecryptAttempts.Observe(float64(dr.Attempts))
		if err != nil {
			log.Warn().Err(err).Int("digest_mismatches", dr.DigestMismatches).Msg("decrypt failed")
			res.Message = fmt.Sprintf("file received: %s; not decrypted: %v", filepath.Base(res.CiphertextPath), err)
			res.Warning = WarnNotDecrypted
			return
		}
		log.Debug().Str("key", dr.KeyID).Int("attempts", dr.Attempts).Msg("decrypted")
		res.KeyID = dr.KeyID
		plaintext = dr.Plaintext
	} else {
		log.Warn().Msg("payload arrived unencrypted")
		plaintext = env.Payload
		hashOK = crypto.Digest(plaintext) == normalizeHash(md.ContentHash)
	}
	res.Decrypted = true

	res.PlaintextPath, err = s.vault.Store(s.vault.Plaintext, storage.JoinName(md.AgentID, stamp, md.Filename), plaintext)
	if err != nil {
		res.fail(fmt.Errorf("store plaintext: %w", err))
		return
	}

	sizeOK := uint64(len(plaintext)) == md.OriginalSize
	switch {
	case !sizeOK:
		res.Warning = fmt.Sprintf("%s: got %d, want %d", WarnSizeMismatch, len(plaintext), md.OriginalSize)
	case !hashOK:
		res.Warning = WarnHashMismatch
	case !md.IsEncrypted:
		res.Warning = WarnNotEncrypted
	}
	res.Verified = sizeOK && hashOK
	res.Message = "file received: " + filepath.Base(res.CiphertextPath)
}

// handleLegacy streams a TELEGRAM body into the legacy store.
func (s *Server) handleLegacy(f *wire.Framer, req *wire.Request, res *Result) {
	res.AgentID = res.Peer
	res.Filename = storage.SanitizeName(req.Name)
	name := storage.JoinName("legacy", res.Peer, storage.Stamp(res.At), req.Name)

	var n int64
	path, err := s.vault.StoreStream(s.vault.Legacy, name, func(w io.Writer) error {
		var err error
		n, err = f.CopyBody(w, req.Length)
		return err
	})
	res.Size = n
	metrics.BytesReceived.WithLabelValues(req.Kind.String()).Add(float64(n))
	if err != nil {
		res.fail(err)
		return
	}

	res.Accepted = true
	res.PlaintextPath = path
	res.Message = "legacy file stored: " + filepath.Base(path)
	res.Warning = WarnNotEncrypted
}

// handleMetrics appends one bounded JSON object to the peer's daily log.
func (s *Server) handleMetrics(f *wire.Framer, peer string, log zerolog.Logger) {
	var raw json.RawMessage
	if err := f.ReadObject("metrics", s.cfg.MetricsLimit, &raw); err != nil {
		metrics.TransfersTotal.WithLabelValues(wire.KindMetrics.String(), "error").Inc()
		log.Warn().Err(err).Msg("metrics rejected")
		return
	}
	if t := bytes.TrimSpace(raw); len(t) == 0 || t[0] != '{' {
		metrics.TransfersTotal.WithLabelValues(wire.KindMetrics.String(), "error").Inc()
		log.Warn().Err(ErrNotObject).Msg("metrics rejected")
		return
	}
	path, err := s.metrics.Append(peer, raw)
	if err != nil {
		metrics.TransfersTotal.WithLabelValues(wire.KindMetrics.String(), "error").Inc()
		log.Error().Err(err).Msg("metrics append")
		return
	}
	metrics.TransfersTotal.WithLabelValues(wire.KindMetrics.String(), "verified").Inc()
	metrics.BytesReceived.WithLabelValues(wire.KindMetrics.String()).Add(float64(len(raw)))
	log.Debug().Str("path", path).Msg("metrics appended")
}

func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
