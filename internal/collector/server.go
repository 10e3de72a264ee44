// Package collector receives framed transfers from agents. Each accepted
// connection is owned by one goroutine for its whole lifetime.
package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"github.com/ssd-technologies/archivist/internal/crypto"
	"github.com/ssd-technologies/archivist/internal/events"
	"github.com/ssd-technologies/archivist/internal/journal"
	"github.com/ssd-technologies/archivist/internal/metrics"
	"github.com/ssd-technologies/archivist/internal/ratelimit"
	"github.com/ssd-technologies/archivist/internal/storage"
	"github.com/ssd-technologies/archivist/internal/wire"
)

// DefaultMetricsLimit caps a METRICS body.
const DefaultMetricsLimit = 4096

// Config bounds the resources a single peer can consume.
type Config struct {
	// MaxBody is the largest declared body accepted. Zero means no limit.
	MaxBody int64
	// MaxConns caps concurrently served connections. Zero means no cap.
	MaxConns int
	// RatePerMinute limits new connections per peer IP. Zero disables it.
	RatePerMinute int
	// IOTimeout bounds every individual read and write.
	IOTimeout    time.Duration
	MetricsLimit int64
	// MinRate is the slowest accepted body rate in bytes per second once
	// IOTimeout is spent. Zero means wire.DefaultMinRate.
	MinRate int64
	// Parity writes a Reed-Solomon sidecar next to every stored ciphertext.
	Parity bool
}

// Server is the collector's TCP receiver.
type Server struct {
	cfg      Config
	vault    *storage.Vault
	keys     *crypto.KeyRing
	ledger   *storage.DB
	metrics  *journal.MetricsLog
	pub      events.Publisher
	registry *Registry
	limiter  *ratelimit.Keyed
	log      zerolog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// New creates a Server storing into vault and decrypting with keys.
func New(cfg Config, vault *storage.Vault, keys *crypto.KeyRing, log zerolog.Logger) *Server {
	if cfg.MetricsLimit <= 0 {
		cfg.MetricsLimit = DefaultMetricsLimit
	}
	metrics.KeysLoaded.Set(float64(keys.Len()))
	return &Server{
		cfg:      cfg,
		vault:    vault,
		keys:     keys,
		metrics:  journal.NewMetricsLog(vault.Logs),
		registry: NewRegistry(),
		limiter:  ratelimit.NewKeyed(cfg.RatePerMinute, time.Minute),
		log:      log,
		now:      time.Now,
	}
}

// SetLedger records every transfer in db.
func (s *Server) SetLedger(db *storage.DB) { s.ledger = db }

// SetPublisher sends every transfer outcome to p.
func (s *Server) SetPublisher(p events.Publisher) { s.pub = p }

// Registry exposes the live connection registry.
func (s *Server) Registry() *Registry { return s.registry }

// Keys exposes the key ring.
func (s *Server) Keys() *crypto.KeyRing { return s.keys }

// AddKey registers a key for agentID. It is visible to transfers that
// start decrypting after AddKey returns.
func (s *Server) AddKey(agentID string, key crypto.Key) error {
	if err := s.keys.Add(agentID, key); err != nil {
		return err
	}
	metrics.KeysLoaded.Set(float64(s.keys.Len()))
	s.log.Info().Str("key", agentID).Str("fingerprint", key.Fingerprint()).Msg("key registered")
	return nil
}

// Serve accepts connections on ln until ctx is cancelled. Cancelling stops
// accepting immediately; Serve then waits for in-flight transfers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}

	// Background helpers exit before Serve returns, whatever ends the loop.
	stop := make(chan struct{})
	var bg sync.WaitGroup
	defer func() {
		close(stop)
		bg.Wait()
	}()
	bg.Add(2)
	go func() {
		defer bg.Done()
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()
	go func() {
		defer bg.Done()
		s.runLimiterCleanup(ctx, stop)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Int("keys", s.keys.Len()).Msg("collector listening")

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("accept")
				time.Sleep(backoff)
				continue
			}
			ln.Close()
			s.wg.Wait()
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		peer := peerHost(conn.RemoteAddr())
		if !s.limiter.Allow(peer) {
			metrics.RejectedConnections.WithLabelValues("rate_limit").Inc()
			s.log.Warn().Str("peer", peer).Msg("rate limited")
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConn(ctx, conn, peer)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// runLimiterCleanup forgets idle peers once per minute until ctx ends or
// stop is closed.
func (s *Server) runLimiterCleanup(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(time.Minute):
			if n := s.limiter.Cleanup(); n > 0 {
				s.log.Debug().Int("peers", n).Msg("rate limiter pruned")
			}
		}
	}
}

func peerHost(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// handleConn owns conn until the transfer is acknowledged or abandoned.
// Failures end this worker only.
func (s *Server) handleConn(ctx context.Context, conn net.Conn, peer string) {
	defer s.wg.Done()
	defer conn.Close()

	addr := conn.RemoteAddr().String()
	log := s.log.With().Str("peer", peer).Logger()
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanics.Inc()
			log.Error().Interface("panic", r).Msg("worker recovered")
		}
	}()

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	s.registry.Open(addr, peer, s.now())
	defer s.registry.Close(addr)

	f := wire.NewFramer(conn, s.cfg.IOTimeout)
	f.MaxBody = s.cfg.MaxBody
	if s.cfg.MinRate > 0 {
		f.MinRate = s.cfg.MinRate
	}
	start := time.Now()

	req, err := f.ReadRequest()
	if err != nil {
		if errors.Is(err, wire.ErrUnknownKind) {
			metrics.RejectedConnections.WithLabelValues("unknown_kind").Inc()
			log.Warn().Err(err).Msg("unknown header, closing")
			return
		}
		metrics.RejectedConnections.WithLabelValues("protocol").Inc()
		log.Warn().Err(err).Msg("bad preamble")
		_ = f.WriteAck(wire.ErrorAck(err))
		return
	}
	s.registry.Update(addr, func(c *ConnInfo) {
		c.Kind = req.Kind.String()
		c.Declared = req.Length
		c.Filename = req.Name
	})
	log = log.With().Str("kind", req.Kind.String()).Logger()

	res := &Result{
		ID:   uuid.NewString(),
		Kind: req.Kind,
		Peer: peer,
		At:   s.now(),
	}
	switch req.Kind {
	case wire.KindSecureFile:
		s.handleSecureFile(f, req, res, addr, log)
	case wire.KindTelegram:
		s.handleLegacy(f, req, res)
	case wire.KindMetrics:
		// METRICS is fire-and-forget: no ack and no ledger row.
		s.handleMetrics(f, peer, log)
		return
	default:
		log.Error().Msg("unhandled kind")
		return
	}

	metrics.TransferDuration.WithLabelValues(req.Kind.String()).Observe(time.Since(start).Seconds())
	s.finish(ctx, res, log)
	if err := f.WriteAck(res.Ack()); err != nil {
		log.Warn().Err(err).Str("transfer_id", res.ID).Msg("ack not delivered")
	}
}

// finish logs the result and records it in the ledger and the feed.
func (s *Server) finish(ctx context.Context, res *Result, log zerolog.Logger) {
	metrics.TransfersTotal.WithLabelValues(res.Kind.String(), res.Outcome()).Inc()

	ev := log.Info()
	if !res.Accepted {
		ev = log.Error().Err(res.Err)
	} else if res.Warning != "" {
		ev = log.Warn().Str("warning", res.Warning)
	}
	ev.Str("transfer_id", res.ID).
		Str("agent", res.AgentID).
		Str("file", res.Filename).
		Int64("size", res.Size).
		Bool("decrypted", res.Decrypted).
		Bool("verified", res.Verified).
		Msg("transfer finished")

	if s.ledger != nil {
		if err := s.ledger.RecordTransfer(res.Transfer()); err != nil {
			log.Error().Err(err).Str("transfer_id", res.ID).Msg("ledger")
		}
	}
	if s.pub != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.pub.Publish(pctx, res.Event()); err != nil {
			log.Warn().Err(err).Str("transfer_id", res.ID).Msg("publish")
		}
	}
}
