package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadCollector_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	for _, k := range []string{"ARCHIVIST_LISTEN", "ARCHIVIST_DATA_DIR", "ARCHIVIST_MAX_BODY", "ARCHIVIST_IO_TIMEOUT", "ARCHIVIST_ADMIN_TOKEN", "ARCHIVIST_PARITY", "ARCHIVIST_MIN_RATE"} {
		t.Setenv(k, "")
	}
	cfg, err := LoadCollector()
	if err != nil {
		t.Fatalf("LoadCollector: %v", err)
	}
	if cfg.Listen != ":9090" || cfg.DataDir != "./secure_storage" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.MaxBody != 2<<30 || cfg.IOTimeout != 30*time.Second || cfg.MaxConns != 64 {
		t.Fatalf("limits = %d %v %d", cfg.MaxBody, cfg.IOTimeout, cfg.MaxConns)
	}
	if !cfg.Parity {
		t.Fatal("parity sidecars should be on by default")
	}
	if cfg.MinRate != 64<<10 {
		t.Fatalf("MinRate = %d", cfg.MinRate)
	}
}

func TestLoadCollector_Overrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ARCHIVIST_LISTEN", "0.0.0.0:7000")
	t.Setenv("ARCHIVIST_MAX_BODY", "1024")
	t.Setenv("ARCHIVIST_IO_TIMEOUT", "5s")
	t.Setenv("ARCHIVIST_ADMIN_LISTEN", " ")

	cfg, err := LoadCollector()
	if err != nil {
		t.Fatalf("LoadCollector: %v", err)
	}
	if cfg.Listen != "0.0.0.0:7000" || cfg.MaxBody != 1024 || cfg.IOTimeout != 5*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.AdminListen != "" {
		t.Fatalf("AdminListen = %q, want disabled", cfg.AdminListen)
	}
}

func TestLoadCollector_BadValue(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ARCHIVIST_MAX_CONNS", "many")
	_, err := LoadCollector()
	if err == nil || !strings.Contains(err.Error(), "ARCHIVIST_MAX_CONNS") {
		t.Fatalf("err = %v, want ARCHIVIST_MAX_CONNS error", err)
	}
}

func TestLoadAgent(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ARCHIVIST_AGENT_ID", "")
	t.Setenv("ARCHIVIST_NO_ENCRYPT", "true")
	t.Setenv("ARCHIVIST_SHRED_PASSES", "7")

	cfg, err := LoadAgent()
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if !strings.HasPrefix(cfg.AgentID, "agent_") {
		t.Fatalf("AgentID = %q", cfg.AgentID)
	}
	if !cfg.NoEncrypt || cfg.ShredPasses != 7 || cfg.Server != "127.0.0.1:9090" {
		t.Fatalf("cfg = %+v", cfg)
	}
}
