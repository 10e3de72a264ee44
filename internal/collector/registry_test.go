package collector

import (
	"testing"
	"time"
)

func TestRegistry_Lifecycle(t *testing.T) {
	r := NewRegistry()
	t0 := time.Now()
	r.Open("10.0.0.2:5000", "10.0.0.2", t0.Add(time.Second))
	r.Open("10.0.0.1:4000", "10.0.0.1", t0)

	r.Update("10.0.0.2:5000", func(c *ConnInfo) { c.Kind = "SECURE_FILE" })
	r.Update("missing", func(c *ConnInfo) { t.Fatal("update called for unknown addr") })

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	if snap[0].Peer != "10.0.0.1" || snap[1].Kind != "SECURE_FILE" {
		t.Fatalf("snapshot = %+v", snap)
	}

	snap[1].Kind = "mutated"
	if r.Snapshot()[1].Kind != "SECURE_FILE" {
		t.Fatal("snapshot aliases registry state")
	}

	r.Close("10.0.0.1:4000")
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}
