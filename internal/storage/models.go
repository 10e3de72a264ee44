// internal/storage/models.go
package storage

// Transfer is one ledger row: the outcome of a single received transfer.
type Transfer struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Peer           string `json:"peer"`
	AgentID        string `json:"agent_id"`
	Filename       string `json:"filename"`
	Size           int64  `json:"size"`
	CiphertextPath string `json:"ciphertext_path,omitempty"`
	PlaintextPath  string `json:"plaintext_path,omitempty"`
	KeyID          string `json:"key_id,omitempty"`
	Status         string `json:"status"`
	Message        string `json:"message"`
	Warning        string `json:"warning,omitempty"`
	Decrypted      bool   `json:"decrypted"`
	Verified       bool   `json:"verified"`
	CreatedAt      int64  `json:"created_at"`
}

// AgentSummary aggregates ledger rows per agent.
type AgentSummary struct {
	AgentID   string `json:"agent_id"`
	Transfers int    `json:"transfers"`
	Verified  int    `json:"verified"`
	Bytes     int64  `json:"bytes"`
	LastSeen  int64  `json:"last_seen"`
}
