// Package config reads collector and agent settings from the environment.
// A .env file in the working directory is loaded first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Collector holds the receiver's settings.
type Collector struct {
	Listen      string
	DataDir     string
	AdminListen string
	AdminToken  string
	MaxBody     int64
	MaxConns    int
	RatePerMin  int
	IOTimeout   time.Duration
	RedisURL    string
	Parity      bool
	MinRate     int64
	Env         string
	LogLevel    string
}

// Agent holds the sender's settings.
type Agent struct {
	Server      string
	AgentID     string
	Dir         string
	Cipher      string
	NoEncrypt   bool
	ShredPasses int
	Env         string
	LogLevel    string
}

// LoadCollector reads collector settings.
func LoadCollector() (*Collector, error) {
	_ = godotenv.Load()

	cfg := &Collector{
		Listen:      getEnv("ARCHIVIST_LISTEN", ":9090"),
		DataDir:     getEnv("ARCHIVIST_DATA_DIR", "./secure_storage"),
		AdminListen: getEnv("ARCHIVIST_ADMIN_LISTEN", "127.0.0.1:8088"),
		AdminToken:  os.Getenv("ARCHIVIST_ADMIN_TOKEN"),
		RedisURL:    os.Getenv("REDIS_URL"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}
	// An explicitly empty admin address disables the admin API.
	if v, ok := os.LookupEnv("ARCHIVIST_ADMIN_LISTEN"); ok && strings.TrimSpace(v) == "" {
		cfg.AdminListen = ""
	}

	var err error
	if cfg.MaxBody, err = getInt64("ARCHIVIST_MAX_BODY", 2<<30); err != nil {
		return nil, err
	}
	if cfg.MaxConns, err = getInt("ARCHIVIST_MAX_CONNS", 64); err != nil {
		return nil, err
	}
	if cfg.RatePerMin, err = getInt("ARCHIVIST_RATE", 30); err != nil {
		return nil, err
	}
	if cfg.IOTimeout, err = getDuration("ARCHIVIST_IO_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Parity, err = getBool("ARCHIVIST_PARITY", true); err != nil {
		return nil, err
	}
	if cfg.MinRate, err = getInt64("ARCHIVIST_MIN_RATE", 64<<10); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAgent reads agent settings.
func LoadAgent() (*Agent, error) {
	_ = godotenv.Load()

	cfg := &Agent{
		Server:   getEnv("ARCHIVIST_SERVER", "127.0.0.1:9090"),
		AgentID:  getEnv("ARCHIVIST_AGENT_ID", defaultAgentID()),
		Dir:      getEnv("ARCHIVIST_AGENT_DIR", "./agent"),
		Cipher:   os.Getenv("ARCHIVIST_CIPHER"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	var err error
	if cfg.NoEncrypt, err = getBool("ARCHIVIST_NO_ENCRYPT", false); err != nil {
		return nil, err
	}
	if cfg.ShredPasses, err = getInt("ARCHIVIST_SHRED_PASSES", 3); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether human-readable console logging is wanted.
func IsDevelopment(env string) bool {
	return env == "" || env == "development"
}

func defaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return "agent_" + host
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
