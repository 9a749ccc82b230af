package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"automemer/internal/backlog"
	"automemer/internal/ledger"
	"automemer/internal/outbound"
	"automemer/internal/settings"
	"automemer/internal/storage"
)

var errInjected = errors.New("injected failure")

// memStore mirrors the storage drivers: items are joined on commit and the
// backlog is replaced.
type memStore struct {
	mu       sync.Mutex
	items    map[string]ledger.Item
	backlog  map[string]backlog.Entry
	settings *settings.Settings
	audit    []storage.AuditEntry

	failLoadLedger   bool
	failLoadSettings bool
	failCommit       bool
	// crashAfterLedger applies the items and then fails before the backlog.
	crashAfterLedger bool
}

func newMemStore() *memStore {
	return &memStore{items: map[string]ledger.Item{}, backlog: map[string]backlog.Entry{}}
}

func (m *memStore) LoadLedger(context.Context) ([]ledger.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLoadLedger {
		return nil, errInjected
	}
	out := make([]ledger.Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) LoadBacklog(context.Context) ([]backlog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]backlog.Entry, 0, len(m.backlog))
	for _, e := range m.backlog {
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) Commit(_ context.Context, c storage.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCommit {
		return errInjected
	}
	for _, it := range c.Items {
		if prev, ok := m.items[it.ID]; ok {
			it = ledger.Join(prev, it)
		}
		m.items[it.ID] = it
	}
	if m.crashAfterLedger {
		return errInjected
	}
	m.backlog = map[string]backlog.Entry{}
	for _, e := range c.Backlog {
		m.backlog[e.URL] = e
	}
	return nil
}

func (m *memStore) LoadSettings(context.Context) (settings.Settings, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLoadSettings {
		return settings.Settings{}, false, errInjected
	}
	if m.settings == nil {
		return settings.Settings{}, false, nil
	}
	return m.settings.Clone(), true, nil
}

func (m *memStore) SaveSettings(_ context.Context, s settings.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s.Clone()
	m.settings = &cp
	return nil
}

func (m *memStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) item(id string) ledger.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id]
}

func (m *memStore) backlogURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.backlog))
	for u := range m.backlog {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// fakeSource serves fixed batches per source name.
type fakeSource struct {
	mu      sync.Mutex
	batches map[string][]ledger.Observation
	errs    map[string]error
	calls   []string
}

func (f *fakeSource) FetchHot(_ context.Context, name string, limit int) ([]ledger.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	obs := f.batches[name]
	if len(obs) > limit {
		obs = obs[:limit]
	}
	return append([]ledger.Observation(nil), obs...), nil
}

func (f *fakeSource) Lookup(_ context.Context, ids []string) ([]ledger.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []ledger.Observation
	for _, batch := range f.batches {
		for _, ob := range batch {
			if want[ob.ID] {
				out = append(out, ob)
			}
		}
	}
	return out, nil
}

type recordingQueue struct {
	mu   sync.Mutex
	msgs []outbound.Message
}

func (q *recordingQueue) Push(msgs ...outbound.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msgs...)
	return nil
}

func (q *recordingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func obs(id, url, source string, score int, at time.Time) ledger.Observation {
	return ledger.Observation{
		ID:         id,
		URL:        url,
		Source:     source,
		Score:      score,
		Title:      "title " + id,
		Permalink:  "https://redd.it/" + id,
		ObservedAt: at,
	}
}

func backlogEntry(title, source string, score int, url string) backlog.Entry {
	return backlog.Entry{ID: "x", URL: url, Source: source, Score: score, HighWater: score, Title: title}
}
