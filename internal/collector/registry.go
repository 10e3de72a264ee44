package collector

import (
	"sort"
	"sync"
	"time"
)

// ConnInfo describes one connection currently owned by a worker.
type ConnInfo struct {
	Addr     string    `json:"addr"`
	Peer     string    `json:"peer"`
	Kind     string    `json:"kind,omitempty"`
	AgentID  string    `json:"agent_id,omitempty"`
	Filename string    `json:"filename,omitempty"`
	Declared int64     `json:"declared_bytes"`
	Started  time.Time `json:"started"`
}

// Registry tracks live connections keyed by remote address. It is the only
// shared view of connection state; callers get copies, never the map.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*ConnInfo
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*ConnInfo)}
}

// Open registers a connection.
func (r *Registry) Open(addr, peer string, started time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[addr] = &ConnInfo{Addr: addr, Peer: peer, Started: started}
}

// Update applies fn to the entry for addr, if it is still registered.
func (r *Registry) Update(addr string, fn func(*ConnInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[addr]; ok {
		fn(c)
	}
}

// Close removes the entry for addr.
func (r *Registry) Close(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, addr)
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Snapshot returns copies of all entries, oldest first.
func (r *Registry) Snapshot() []ConnInfo {
	r.mu.Lock()
	out := make([]ConnInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, *c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].Addr < out[j].Addr
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}
