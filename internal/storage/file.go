package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"automemer/internal/backlog"
	"automemer/internal/ledger"
	"automemer/internal/settings"
	logx "automemer/pkg/logx"
)

// fileStore keeps each document in its own JSON file.
//
// Files:
//   - <prefix>.ledger.json    (id -> item)
//   - <prefix>.backlog.json   (url -> entry)
//   - <prefix>.settings.json
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	ledgerPath   string
	backlogPath  string
	settingsPath string
	auditFile    *os.File

	// afterLedger runs between the ledger and backlog writes of a commit.
	afterLedger func() error
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		ledgerPath:   prefix + ".ledger.json",
		backlogPath:  prefix + ".backlog.json",
		settingsPath: prefix + ".settings.json",
		auditFile:    af,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) LoadLedger(ctx context.Context) ([]ledger.Item, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.readLedgerLocked()
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Item, 0, len(m))
	for _, it := range m {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) LoadBacklog(ctx context.Context) ([]backlog.Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var m map[string]backlog.Entry
	if err := readJSON(s.backlogPath, &m); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]backlog.Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (s *fileStore) Commit(ctx context.Context, c Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}

	if len(c.Items) > 0 {
		// An unreadable ledger must not be overwritten by a partial one.
		cur, err := s.readLedgerLocked()
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
		for _, it := range c.Items {
			if prev, ok := cur[it.ID]; ok {
				it = ledger.Join(prev, it)
			}
			cur[it.ID] = it
		}
		if err := writeJSONAtomic(s.ledgerPath, cur); err != nil {
			return fmt.Errorf("write ledger: %w", err)
		}
	}

	if s.afterLedger != nil {
		if err := s.afterLedger(); err != nil {
			return err
		}
	}

	bl := make(map[string]backlog.Entry, len(c.Backlog))
	for _, e := range c.Backlog {
		bl[e.URL] = e
	}
	if err := writeJSONAtomic(s.backlogPath, bl); err != nil {
		return fmt.Errorf("write backlog: %w", err)
	}
	return nil
}

func (s *fileStore) LoadSettings(ctx context.Context) (settings.Settings, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var st settings.Settings
	if err := readJSON(s.settingsPath, &st); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return settings.Settings{}, false, nil
		}
		return settings.Settings{}, false, err
	}
	return st, true, nil
}

func (s *fileStore) SaveSettings(ctx context.Context, st settings.Settings) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.settingsPath, st)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) readLedgerLocked() (map[string]ledger.Item, error) {
	m := map[string]ledger.Item{}
	if err := readJSON(s.ledgerPath, &m); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]ledger.Item{}, nil
		}
		return nil, err
	}
	if m == nil {
		m = map[string]ledger.Item{}
	}
	return m, nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSONAtomic writes v next to path and renames it into place, so
// readers see either the old document or the new one.
func writeJSONAtomic(path string, v any) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
