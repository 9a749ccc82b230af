package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"automemer/internal/backlog"
	"automemer/internal/ledger"
	"automemer/internal/settings"
	logx "automemer/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const settingsKey = "settings"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// afterLedger runs inside the commit transaction after the item upserts.
	afterLedger func() error
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const itemColumns = `id, url, source, restricted, score, high_water_score, score_ratio, title, permalink, author, created_at, first_seen_at, last_updated_at, delivered`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (ledger.Item, error) {
	var (
		it                          ledger.Item
		restricted, delivered       int
		created, firstSeen, updated int64
	)
	err := r.Scan(&it.ID, &it.URL, &it.Source, &restricted, &it.Score, &it.HighWater, &it.Ratio,
		&it.Title, &it.Permalink, &it.Author, &created, &firstSeen, &updated, &delivered)
	if err != nil {
		return ledger.Item{}, err
	}
	it.Restricted = restricted != 0
	it.Delivered = delivered != 0
	it.CreatedAt = fromMilli(created)
	it.FirstSeenAt = fromMilli(firstSeen)
	it.LastUpdatedAt = fromMilli(updated)
	return it, nil
}

func (s *sqliteStore) LoadLedger(ctx context.Context) ([]ledger.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LoadBacklog(ctx context.Context) ([]backlog.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, id, source, score, high_water_score, title, permalink, author, first_seen_at FROM backlog ORDER BY url`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backlog.Entry
	for rows.Next() {
		var (
			e  backlog.Entry
			fs int64
		)
		if err := rows.Scan(&e.URL, &e.ID, &e.Source, &e.Score, &e.HighWater, &e.Title, &e.Permalink, &e.Author, &fs); err != nil {
			return nil, err
		}
		e.FirstSeenAt = fromMilli(fs)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Commit(ctx context.Context, c Commit) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, it := range c.Items {
		prev, qerr := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, it.ID))
		switch {
		case qerr == nil:
			it = ledger.Join(prev, it)
		case errors.Is(qerr, sql.ErrNoRows):
		default:
			return fmt.Errorf("read item %s: %w", it.ID, qerr)
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO items(`+itemColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			it.ID, it.URL, it.Source, boolInt(it.Restricted), it.Score, it.HighWater, it.Ratio,
			it.Title, it.Permalink, it.Author, toMilli(it.CreatedAt), toMilli(it.FirstSeenAt),
			toMilli(it.LastUpdatedAt), boolInt(it.Delivered),
		); err != nil {
			return fmt.Errorf("write item %s: %w", it.ID, err)
		}
	}

	if s.afterLedger != nil {
		if err = s.afterLedger(); err != nil {
			return err
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM backlog`); err != nil {
		return err
	}
	for _, e := range c.Backlog {
		if _, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO backlog(url, id, source, score, high_water_score, title, permalink, author, first_seen_at)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			e.URL, e.ID, e.Source, e.Score, e.HighWater, e.Title, e.Permalink, e.Author, toMilli(e.FirstSeenAt),
		); err != nil {
			return fmt.Errorf("write backlog %s: %w", e.URL, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadSettings(ctx context.Context) (settings.Settings, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM settings WHERE key = ?`, settingsKey).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.Settings{}, false, nil
	}
	if err != nil {
		return settings.Settings{}, false, err
	}
	var st settings.Settings
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		return settings.Settings{}, false, fmt.Errorf("decode settings: %w", err)
	}
	return st, true, nil
}

func (s *sqliteStore) SaveSettings(ctx context.Context, st settings.Settings) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings(key, doc) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET doc=excluded.doc`,
		settingsKey, string(b),
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, action, target, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Action, nullStr(e.Target), nullStr(e.Error), e.TookMS,
	)
	return err
}

func toMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
