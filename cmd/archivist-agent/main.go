// archivist-agent sends archives to an archivist collector.
//
// Usage:
//
//	archivist-agent send [--server addr] [--no-encrypt] FILE...
//	archivist-agent send-legacy FILE...
//	archivist-agent watch --dir ./telegram_archives [--interval 10s] [--metrics-every 1m]
//	archivist-agent metrics
//	archivist-agent keygen [--passphrase secret] [--force]
//	archivist-agent ping
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/archivist/internal/agent"
	"github.com/ssd-technologies/archivist/internal/config"
	"github.com/ssd-technologies/archivist/internal/crypto"
	"github.com/ssd-technologies/archivist/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	switch os.Args[1] {
	case "send":
		cmdSend(cfg, os.Args[2:], false)
	case "send-legacy":
		cmdSend(cfg, os.Args[2:], true)
	case "watch":
		cmdWatch(cfg, os.Args[2:])
	case "metrics":
		cmdMetrics(cfg, os.Args[2:])
	case "keygen":
		cmdKeygen(cfg, os.Args[2:])
	case "ping":
		cmdPing(cfg, os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: archivist-agent <command> [flags]

Commands:
  send          Encrypt and send files; verified files are securely deleted
  send-legacy   Send files unencrypted to an old collector (never deletes)
  watch         Send archives as they appear in a directory
  metrics       Send one host metrics report
  keygen        Create the agent key and print it for registration
  ping          Check that the collector is reachable

Run 'archivist-agent <command> --help' for details on each command.
`)
}

// clientFlags are shared by every command that talks to the collector.
type clientFlags struct {
	server    *string
	noEncrypt *bool
	passes    *int
}

func addClientFlags(fs *flag.FlagSet, cfg *config.Agent) clientFlags {
	return clientFlags{
		server:    fs.String("server", cfg.Server, "collector address"),
		noEncrypt: fs.Bool("no-encrypt", cfg.NoEncrypt, "send plaintext (degraded mode)"),
		passes:    fs.Int("passes", cfg.ShredPasses, "overwrite passes before deleting a verified file (-1 keeps files)"),
	}
}

func newLogger(cfg *config.Agent) zerolog.Logger {
	return logging.New(config.IsDevelopment(cfg.Env), logging.ParseLevel(cfg.LogLevel)).
		With().Str("agent", cfg.AgentID).Logger()
}

// keyPath is where the agent keeps its symmetric key.
func keyPath(cfg *config.Agent) string {
	return filepath.Join(cfg.Dir, "agent.key")
}

// loadOrGenerateKey returns the agent key, creating it on first use. A new
// key must be registered with the collector before its transfers decrypt.
func loadOrGenerateKey(cfg *config.Agent, logger zerolog.Logger) *crypto.Key {
	key, created, err := crypto.LoadOrGenerateKey(keyPath(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("load key")
	}
	if created {
		logger.Warn().Str("path", keyPath(cfg)).Msg("generated a new key")
		fmt.Fprintf(os.Stderr, "Register it on the collector:\n  archivist-collector add-key --id %s --key %s\n", cfg.AgentID, key.Encode())
	}
	return &key
}

func newClient(cfg *config.Agent, cf clientFlags, logger zerolog.Logger) *agent.Client {
	var key *crypto.Key
	if !*cf.noEncrypt {
		key = loadOrGenerateKey(cfg, logger)
	}
	c := agent.NewClient(*cf.server, cfg.AgentID, key, logger)
	if cfg.Cipher != "" {
		if err := crypto.CheckCipher(cfg.Cipher); err != nil {
			logger.Fatal().Err(err).Msg("ARCHIVIST_CIPHER")
		}
		c.Cipher = cfg.Cipher
	}
	c.ShredPasses = *cf.passes
	return c
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// cmdSend sends each file once. The exit status is non-zero if any file
// failed; retrying is left to the operator or to 'watch'.
func cmdSend(cfg *config.Agent, args []string, legacy bool) {
	name := "send"
	if legacy {
		name = "send-legacy"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cf := addClientFlags(fs, cfg)
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one file is required\n")
		fs.Usage()
		os.Exit(1)
	}

	logger := newLogger(cfg)
	if legacy {
		*cf.noEncrypt = true
	}
	c := newClient(cfg, cf, logger)
	ctx, cancel := signalContext()
	defer cancel()

	failed := 0
	for _, path := range fs.Args() {
		var out *agent.Outcome
		var err error
		if legacy {
			out, err = c.SendLegacy(ctx, path)
		} else {
			out, err = c.SendFile(ctx, path)
		}
		if err != nil {
			failed++
			fmt.Printf("FAIL  %s: %v\n", path, err)
			continue
		}
		printOutcome(out)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func printOutcome(out *agent.Outcome) {
	fmt.Printf("OK    %s (%d bytes)\n", out.Path, out.Size)
	fmt.Printf("  Transfer:  %s\n", out.Ack.TransferID)
	fmt.Printf("  Stored as: %s\n", out.Ack.EncryptedFile)
	fmt.Printf("  Decrypted: %t  Verified: %t\n", out.Ack.Decrypted, out.Ack.Verified)
	if out.Ack.Warning != "" {
		fmt.Printf("  Warning:   %s\n", out.Ack.Warning)
	}
	switch {
	case out.DeleteErr != nil:
		fmt.Printf("  Source:    kept (%v)\n", out.DeleteErr)
	case out.Delete != nil && out.Delete.FellBack:
		fmt.Printf("  Source:    deleted without overwrite\n")
	case out.Delete != nil:
		fmt.Printf("  Source:    shredded (%d passes)\n", out.Delete.Passes)
	}
}

// cmdWatch polls a directory until interrupted.
func cmdWatch(cfg *config.Agent, args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	cf := addClientFlags(fs, cfg)
	dir := fs.String("dir", "./telegram_archives", "directory to watch")
	pattern := fs.String("pattern", agent.DefaultPattern, "file name glob")
	interval := fs.Duration("interval", 10*time.Second, "scan interval")
	metricsEvery := fs.Duration("metrics-every", 0, "send host metrics this often (0 disables)")
	legacy := fs.Bool("legacy", false, "send TELEGRAM transfers instead of SECURE_FILE")
	fs.Parse(args)

	logger := newLogger(cfg)
	if *legacy {
		*cf.noEncrypt = true
	}
	w := &agent.Watcher{
		Client:       newClient(cfg, cf, logger),
		Dir:          *dir,
		Pattern:      *pattern,
		Interval:     *interval,
		Legacy:       *legacy,
		MetricsEvery: *metricsEvery,
		Log:          logger,
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := w.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("watch")
	}
	logger.Info().Msg("watch stopped")
}

// cmdMetrics sends a single host metrics report.
func cmdMetrics(cfg *config.Agent, args []string) {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	server := fs.String("server", cfg.Server, "collector address")
	disk := fs.String("disk", "/", "path whose filesystem usage is reported")
	printOnly := fs.Bool("print", false, "print the report instead of sending it")
	fs.Parse(args)

	logger := newLogger(cfg)
	ctx, cancel := signalContext()
	defer cancel()

	m, err := agent.CollectMetrics(ctx, cfg.AgentID, *disk)
	if err != nil {
		logger.Warn().Err(err).Msg("some probes failed")
	}
	if *printOnly {
		data, _ := json.MarshalIndent(m, "", "  ")
		fmt.Println(string(data))
		return
	}
	c := agent.NewClient(*server, cfg.AgentID, nil, logger)
	if err := c.SendMetrics(ctx, m); err != nil {
		logger.Fatal().Err(err).Msg("send metrics")
	}
	fmt.Println("Metrics sent")
}

// cmdKeygen creates the agent key, randomly or from a passphrase, and
// prints the add-key command for the collector.
func cmdKeygen(cfg *config.Agent, args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	passphrase := fs.String("passphrase", os.Getenv("ARCHIVIST_PASSPHRASE"), "derive the key from a passphrase and the agent id")
	force := fs.Bool("force", false, "replace an existing key")
	fs.Parse(args)

	path := keyPath(cfg)
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "Error: %s exists; use --force to replace it\n", path)
		os.Exit(1)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Stat key: %v", err)
	}

	var key crypto.Key
	if *passphrase != "" {
		key = crypto.DeriveKey(*passphrase, cfg.AgentID)
	} else {
		var err error
		if key, err = crypto.GenerateKey(); err != nil {
			log.Fatalf("Generate key: %v", err)
		}
	}
	if err := crypto.WriteKeyFile(path, key); err != nil {
		log.Fatalf("Write key: %v", err)
	}

	fmt.Printf("Agent key written\n")
	fmt.Printf("  Agent:       %s\n", cfg.AgentID)
	fmt.Printf("  Path:        %s\n", path)
	fmt.Printf("  Fingerprint: %s\n", key.Fingerprint())
	fmt.Printf("\nRegister it on the collector:\n  archivist-collector add-key --id %s --key %s\n", cfg.AgentID, key.Encode())
}

// cmdPing reports whether the collector accepts connections.
func cmdPing(cfg *config.Agent, args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	server := fs.String("server", cfg.Server, "collector address")
	fs.Parse(args)

	c := agent.NewClient(*server, cfg.AgentID, nil, zerolog.Nop())
	ctx, cancel := signalContext()
	defer cancel()
	rtt, err := c.Ping(ctx)
	if err != nil {
		fmt.Printf("Collector %s unreachable: %v\n", *server, err)
		os.Exit(1)
	}
	fmt.Printf("Collector %s reachable (%s)\n", *server, rtt.Round(time.Millisecond))
}
