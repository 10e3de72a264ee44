package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ssd-technologies/archivist/internal/crypto"
	"github.com/ssd-technologies/archivist/internal/storage"
)

const maxKeyRequest = 4 << 10

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"service":     "archivist-collector",
		"uptime":      time.Since(h.started).Round(time.Second).String(),
		"connections": h.col.Registry().Len(),
		"keys":        h.col.Keys().Len(),
	})
}

// Connections lists transfers currently in progress.
func (h *Handler) Connections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": h.col.Registry().Snapshot(),
	})
}

// ListTransfers returns recent ledger rows, optionally for one agent.
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	transfers, err := h.ledger.ListTransfers(r.URL.Query().Get("agent"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list transfers")
		return
	}
	if transfers == nil {
		transfers = []storage.Transfer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": transfers})
}

// GetTransfer returns one ledger row.
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger disabled")
		return
	}
	t, err := h.ledger.GetTransfer(chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "transfer not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get transfer")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Agents aggregates the ledger per agent.
func (h *Handler) Agents(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger disabled")
		return
	}
	agents, err := h.ledger.SummarizeAgents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to summarize agents")
		return
	}
	if agents == nil {
		agents = []storage.AgentSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// Events upgrades to the live transfer feed.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed disabled")
		return
	}
	h.hub.ServeHTTP(w, r)
}

type keyInfo struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
}

// ListKeys returns the registered key ids with fingerprints, never the keys.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	entries := h.col.Keys().Entries()
	out := make([]keyInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, keyInfo{ID: e.ID, Fingerprint: e.Key.Fingerprint()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

type addKeyRequest struct {
	AgentID string `json:"agent_id"`
	Key     string `json:"key"`
}

// AddKey registers an agent key.
func (h *Handler) AddKey(w http.ResponseWriter, r *http.Request) {
	if !h.keyLimit.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many key registrations, try again later")
		return
	}
	var req addKeyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxKeyRequest)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !crypto.ValidKeyID(req.AgentID) {
		writeError(w, http.StatusBadRequest, "invalid agent_id")
		return
	}
	key, err := crypto.ParseKey([]byte(req.Key))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key")
		return
	}

	err = h.col.AddKey(req.AgentID, key)
	switch {
	case errors.Is(err, crypto.ErrKeyExists):
		writeError(w, http.StatusConflict, "a different key is registered for this agent")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to store key")
		return
	}
	writeJSON(w, http.StatusCreated, keyInfo{ID: req.AgentID, Fingerprint: key.Fingerprint()})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
