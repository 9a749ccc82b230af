package storage

import (
	"context"
	"errors"
	"time"

	"automemer/internal/backlog"
	"automemer/internal/ledger"
	"automemer/internal/settings"
)

var (
	ErrClosed = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON documents replaced atomically (temp file + rename)
//   - "sqlite": SQLite database file, one transaction per commit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Commit is the persisted outcome of one locked pipeline section.
//
// Items are merged into the stored ledger with ledger.Join, so a commit can
// never lower a high-water mark or clear a delivered flag. Backlog replaces
// the stored backlog wholesale.
type Commit struct {
	Items   []ledger.Item
	Backlog []backlog.Entry
}

// Store is the persistence API used by the pipeline and the operator commands.
type Store interface {
	LoadLedger(ctx context.Context) ([]ledger.Item, error)
	LoadBacklog(ctx context.Context) ([]backlog.Entry, error)
	Commit(ctx context.Context, c Commit) error

	// LoadSettings reports ok=false when no settings were ever saved.
	LoadSettings(ctx context.Context) (s settings.Settings, ok bool, err error)
	SaveSettings(ctx context.Context, s settings.Settings) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}
