// archivist-collector receives archives from agents over the framed TCP
// protocol, stores ciphertext and recovered plaintext, and serves a small
// admin API.
//
// Usage:
//
//	archivist-collector serve [--listen :9090] [--data-dir ./secure_storage] [--admin 127.0.0.1:8088]
//	archivist-collector add-key --id agent_pc2 (--key <base64> | --key-file path)
//	archivist-collector keys
//	archivist-collector repair FILE...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ssd-technologies/archivist/internal/api"
	"github.com/ssd-technologies/archivist/internal/collector"
	"github.com/ssd-technologies/archivist/internal/config"
	"github.com/ssd-technologies/archivist/internal/crypto"
	"github.com/ssd-technologies/archivist/internal/events"
	"github.com/ssd-technologies/archivist/internal/journal"
	"github.com/ssd-technologies/archivist/internal/logging"
	"github.com/ssd-technologies/archivist/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.LoadCollector()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(cfg, os.Args[2:])
	case "add-key":
		cmdAddKey(cfg, os.Args[2:])
	case "keys":
		cmdKeys(cfg, os.Args[2:])
	case "repair":
		cmdRepair(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: archivist-collector <command> [flags]

Commands:
  serve     Accept transfers and serve the admin API
  add-key   Register an agent key in the key directory
  keys      List registered key ids and fingerprints
  repair    Rebuild damaged ciphertext files from their parity sidecars

Keys added with add-key are picked up by a running collector on restart;
use POST /api/keys to register a key without restarting.

Run 'archivist-collector <command> --help' for details on each command.
`)
}

// cmdServe runs the receiver until SIGINT/SIGTERM. In-flight transfers are
// allowed to finish before the process exits.
func cmdServe(cfg *config.Collector, args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", cfg.Listen, "transfer listen address")
	dataDir := fs.String("data-dir", cfg.DataDir, "storage root")
	admin := fs.String("admin", cfg.AdminListen, "admin API address (empty disables)")
	maxConns := fs.Int("max-conns", cfg.MaxConns, "concurrent connection cap (0 = unlimited)")
	rate := fs.Int("rate", cfg.RatePerMin, "connections per minute per peer (0 = unlimited)")
	maxBody := fs.Int64("max-body", cfg.MaxBody, "largest accepted body in bytes")
	ioTimeout := fs.Duration("io-timeout", cfg.IOTimeout, "per read/write timeout")
	minRate := fs.Int64("min-rate", cfg.MinRate, "slowest accepted body rate in bytes/s after io-timeout")
	parity := fs.Bool("parity", cfg.Parity, "write Reed-Solomon parity next to stored ciphertext")
	fs.Parse(args)

	vault, err := storage.OpenVault(*dataDir)
	if err != nil {
		log.Fatalf("Open storage: %v", err)
	}

	daily := journal.NewDailyWriter(vault.Logs, "server", ".log")
	defer daily.Close()
	logger := logging.New(config.IsDevelopment(cfg.Env), logging.ParseLevel(cfg.LogLevel), daily)

	ring, skipped, err := crypto.LoadKeyRing(vault.Keys)
	if err != nil {
		logger.Fatal().Err(err).Msg("load keys")
	}
	for _, e := range skipped {
		logger.Warn().Err(e).Msg("key file skipped")
	}
	if ring.Len() == 0 {
		logger.Warn().Str("dir", vault.Keys).Msg("no keys loaded; encrypted transfers will be stored undecrypted")
	} else {
		logger.Info().Strs("keys", ring.IDs()).Msg("key ring loaded")
	}

	ledger, err := storage.NewDB(vault.LedgerPath())
	if err != nil {
		logger.Fatal().Err(err).Msg("open ledger")
	}
	defer ledger.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub(logger)
	pubs := events.Multi{hub}
	if cfg.RedisURL != "" {
		rp, err := events.NewRedisPublisher(ctx, cfg.RedisURL, events.DefaultChannel)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer rp.Close()
		pubs = append(pubs, rp)
		logger.Info().Str("channel", events.DefaultChannel).Msg("publishing transfers to Redis")
	}

	srv := collector.New(collector.Config{
		MaxBody:       *maxBody,
		MaxConns:      *maxConns,
		RatePerMinute: *rate,
		IOTimeout:     *ioTimeout,
		MinRate:       *minRate,
		Parity:        *parity,
	}, vault, ring, logger)
	srv.SetLedger(ledger)
	srv.SetPublisher(pubs)

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		logger.Fatal().Err(err).Msg("listen")
	}

	var adminServer *http.Server
	if *admin != "" {
		adminServer = &http.Server{
			Addr:              *admin,
			Handler:           api.NewRouter(logger, srv, ledger, hub, cfg.AdminToken),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", *admin).Msg("admin API listening")
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("admin API stopped")
			}
		}()
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down, waiting for in-flight transfers")
		cancel()
	}()

	if err := srv.Serve(ctx, ln); err != nil {
		logger.Error().Err(err).Msg("serve")
	}
	if adminServer != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		adminServer.Shutdown(shutdownCtx)
	}
	logger.Info().Msg("collector stopped")
}

// cmdAddKey stores a key file for an agent.
func cmdAddKey(cfg *config.Collector, args []string) {
	fs := flag.NewFlagSet("add-key", flag.ExitOnError)
	dataDir := fs.String("data-dir", cfg.DataDir, "storage root")
	id := fs.String("id", "", "agent id (required)")
	keyText := fs.String("key", "", "base64 key as printed by 'archivist-agent keygen'")
	keyFile := fs.String("key-file", "", "path to an agent key file")
	fs.Parse(args)

	if *id == "" || (*keyText == "") == (*keyFile == "") {
		fmt.Fprintf(os.Stderr, "Error: --id and exactly one of --key or --key-file are required\n")
		fs.Usage()
		os.Exit(1)
	}

	var key crypto.Key
	var err error
	if *keyFile != "" {
		key, err = crypto.LoadKeyFile(*keyFile)
	} else {
		key, err = crypto.ParseKey([]byte(strings.TrimSpace(*keyText)))
	}
	if err != nil {
		log.Fatalf("Read key: %v", err)
	}

	vault, err := storage.OpenVault(*dataDir)
	if err != nil {
		log.Fatalf("Open storage: %v", err)
	}
	ring, _, err := crypto.LoadKeyRing(vault.Keys)
	if err != nil {
		log.Fatalf("Load keys: %v", err)
	}
	if err := ring.Add(*id, key); err != nil {
		log.Fatalf("Add key: %v", err)
	}

	fmt.Printf("Key registered\n")
	fmt.Printf("  Agent:       %s\n", *id)
	fmt.Printf("  Fingerprint: %s\n", key.Fingerprint())
	fmt.Printf("  Keys:        %d\n", ring.Len())
}

// cmdKeys prints the key ring without revealing key material.
func cmdKeys(cfg *config.Collector, args []string) {
	fs := flag.NewFlagSet("keys", flag.ExitOnError)
	dataDir := fs.String("data-dir", cfg.DataDir, "storage root")
	fs.Parse(args)

	vault, err := storage.OpenVault(*dataDir)
	if err != nil {
		log.Fatalf("Open storage: %v", err)
	}
	ring, skipped, err := crypto.LoadKeyRing(vault.Keys)
	if err != nil {
		log.Fatalf("Load keys: %v", err)
	}
	for _, e := range ring.Entries() {
		fmt.Printf("%-32s %s\n", e.ID, e.Key.Fingerprint())
	}
	for _, e := range skipped {
		fmt.Fprintf(os.Stderr, "skipped: %v\n", e)
	}
	if ring.Len() == 0 {
		fmt.Println("no keys registered")
	}
}

// cmdRepair checks each file against its parity sidecar and rewrites it
// when the damage is recoverable.
func cmdRepair(args []string) {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one file is required\n")
		os.Exit(1)
	}

	failed := 0
	for _, path := range fs.Args() {
		n, err := storage.RepairFile(path)
		switch {
		case err != nil:
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		case n == 0:
			fmt.Printf("%s: intact\n", path)
		default:
			fmt.Printf("%s: rebuilt %d shards\n", path, n)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}
