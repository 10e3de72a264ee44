package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a ledger row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a sql.DB connection to the SQLite transfer ledger.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS transfers (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    peer TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    filename TEXT NOT NULL,
    size INTEGER NOT NULL,
    ciphertext_path TEXT,
    plaintext_path TEXT,
    key_id TEXT,
    status TEXT NOT NULL,
    message TEXT,
    warning TEXT,
    decrypted INTEGER DEFAULT 0,
    verified INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transfers_agent ON transfers(agent_id);
CREATE INDEX IF NOT EXISTS idx_transfers_created ON transfers(created_at);`
	_, err := d.db.Exec(schema)
	return err
}

// --- Transfer ledger ---

const transferColumns = `id, kind, peer, agent_id, filename, size, ciphertext_path, plaintext_path,
    key_id, status, message, warning, decrypted, verified, created_at`

// RecordTransfer inserts a ledger row.
func (d *DB) RecordTransfer(t *Transfer) error {
	_, err := d.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Kind, t.Peer, t.AgentID, t.Filename, t.Size, t.CiphertextPath, t.PlaintextPath,
		t.KeyID, t.Status, t.Message, t.Warning, boolToInt(t.Decrypted), boolToInt(t.Verified), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(s scanner) (*Transfer, error) {
	t := &Transfer{}
	var cipherPath, plainPath, keyID, message, warning sql.NullString
	var decrypted, verified int
	err := s.Scan(&t.ID, &t.Kind, &t.Peer, &t.AgentID, &t.Filename, &t.Size, &cipherPath, &plainPath,
		&keyID, &t.Status, &message, &warning, &decrypted, &verified, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.CiphertextPath = cipherPath.String
	t.PlaintextPath = plainPath.String
	t.KeyID = keyID.String
	t.Message = message.String
	t.Warning = warning.String
	t.Decrypted = decrypted == 1
	t.Verified = verified == 1
	return t, nil
}

// GetTransfer retrieves a ledger row by ID.
func (d *DB) GetTransfer(id string) (*Transfer, error) {
	row := d.db.QueryRow(`SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get transfer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return t, nil
}

// ListTransfers returns the most recent transfers, newest first. An empty
// agentID lists every agent.
func (d *DB) ListTransfers(agentID string, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(
		`SELECT `+transferColumns+` FROM transfers
		 WHERE (? = '' OR agent_id = ?)
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		agentID, agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SummarizeAgents aggregates the ledger per agent.
func (d *DB) SummarizeAgents() ([]AgentSummary, error) {
	rows, err := d.db.Query(
		`SELECT agent_id, COUNT(*), SUM(verified), SUM(size), MAX(created_at)
		 FROM transfers GROUP BY agent_id ORDER BY agent_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("summarize agents: %w", err)
	}
	defer rows.Close()

	var out []AgentSummary
	for rows.Next() {
		var s AgentSummary
		if err := rows.Scan(&s.AgentID, &s.Transfers, &s.Verified, &s.Bytes, &s.LastSeen); err != nil {
			return nil, fmt.Errorf("scan agent summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// boolToInt converts a Go bool to SQLite integer (0 or 1).
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
