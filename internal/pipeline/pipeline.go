// Package pipeline owns the ledger, the candidate backlog and the settings
// behind one lock, and implements the scrape and drain cycles on top of
// them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"automemer/internal/backlog"
	"automemer/internal/ledger"
	"automemer/internal/outbound"
	"automemer/internal/settings"
	"automemer/internal/source"
	"automemer/internal/storage"
	kit "automemer/internal/transport"
	logx "automemer/pkg/logx"
)

var (
	ErrNoRecords = errors.New("no records for url")
	ErrNoTarget  = errors.New("no posting target configured")
)

// Enqueuer accepts outbound messages. *outbound.Queue implements it.
type Enqueuer interface {
	Push(msgs ...outbound.Message) error
}

type Config struct {
	// DefaultSource is scraped when settings cannot be loaded.
	DefaultSource string
	// Defaults seeds the settings until the operator saves any.
	Defaults settings.Settings
	// Target is the chat that receives posts.
	Target kit.ChatTarget
}

type Pipeline struct {
	mu sync.Mutex

	cfg   Config
	store storage.Store
	src   source.Client
	out   Enqueuer
	log   logx.Logger
	now   func() time.Time
}

func New(cfg Config, store storage.Store, src source.Client, out Enqueuer, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DefaultSource == "" {
		cfg.DefaultSource = settings.DefaultSource
	}
	if len(cfg.Defaults.Sources) == 0 {
		cfg.Defaults.Sources = []string{cfg.DefaultSource}
	}
	if len(cfg.Defaults.Thresholds) == 0 {
		cfg.Defaults.Thresholds = settings.Default().Thresholds
	}
	cfg.Defaults = cfg.Defaults.Normalize()
	return &Pipeline{
		cfg:   cfg,
		store: store,
		src:   src,
		out:   out,
		log:   log,
		now:   time.Now,
	}
}

// SetTarget changes where posts go. Messages already queued keep their
// original target.
func (p *Pipeline) SetTarget(t kit.ChatTarget) {
	p.mu.Lock()
	p.cfg.Target = t
	p.mu.Unlock()
}

func (p *Pipeline) Target() kit.ChatTarget {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Target
}

// Settings returns the current settings. When they cannot be loaded the
// fallback settings are returned together with the load error.
func (p *Pipeline) Settings(ctx context.Context) (settings.Settings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadSettingsLocked(ctx)
}

// UpdateSettings applies fn to the stored settings and saves the result.
// Nothing is saved if loading fails, fn fails or the result is invalid.
func (p *Pipeline) UpdateSettings(ctx context.Context, fn func(*settings.Settings) error) (settings.Settings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, err := p.loadSettingsLocked(ctx)
	if err != nil {
		return st, err
	}
	if err := fn(&st); err != nil {
		return st, err
	}
	st = st.Normalize()
	if err := st.Validate(); err != nil {
		return st, err
	}
	if err := p.store.SaveSettings(ctx, st); err != nil {
		return st, fmt.Errorf("save settings: %w", err)
	}
	return st, nil
}

func (p *Pipeline) loadSettingsLocked(ctx context.Context) (settings.Settings, error) {
	st, ok, err := p.store.LoadSettings(ctx)
	if err != nil {
		return settings.Fallback(p.cfg.DefaultSource), fmt.Errorf("load settings: %w", err)
	}
	if !ok {
		return p.cfg.Defaults.Clone(), nil
	}
	return st.Normalize(), nil
}

// settingsForCycle never fails: a load error is logged and the fallback
// settings are used.
func (p *Pipeline) settingsForCycle(ctx context.Context, cycle string) settings.Settings {
	st, err := p.loadSettingsLocked(ctx)
	if err != nil {
		p.log.Warn("settings unavailable, using fallback",
			logx.String("cycle", cycle),
			logx.Strings("sources", st.Sources),
			logx.Int("fetch_limit", st.FetchLimit),
			logx.Err(err),
		)
	}
	return st
}

// loadStateLocked reads ledger and backlog. With strict=false a read
// failure is logged and replaced by an empty state; with strict=true it is
// returned.
func (p *Pipeline) loadStateLocked(ctx context.Context, strict bool) (*ledger.Ledger, *backlog.Backlog, error) {
	items, err := p.store.LoadLedger(ctx)
	if err != nil {
		if strict {
			return nil, nil, fmt.Errorf("load ledger: %w", err)
		}
		p.log.Warn("ledger unreadable, continuing with an empty one", logx.Err(err))
		items = nil
	}
	entries, err := p.store.LoadBacklog(ctx)
	if err != nil {
		if strict {
			return nil, nil, fmt.Errorf("load backlog: %w", err)
		}
		p.log.Warn("backlog unreadable, continuing with an empty one", logx.Err(err))
		entries = nil
	}
	led := ledger.New(items)
	led.SetClock(p.now)
	return led, backlog.New(entries), nil
}

func (p *Pipeline) commitLocked(ctx context.Context, led *ledger.Ledger, bl *backlog.Backlog) error {
	err := p.store.Commit(ctx, storage.Commit{Items: led.Dirty(), Backlog: bl.Entries()})
	if err != nil {
		return err
	}
	led.ClearDirty()
	return nil
}

func entryFromItem(it ledger.Item) backlog.Entry {
	return backlog.Entry{
		ID:          it.ID,
		URL:         it.URL,
		Source:      it.Source,
		Score:       it.Score,
		HighWater:   it.HighWater,
		Title:       it.Title,
		Permalink:   it.Permalink,
		Author:      it.Author,
		FirstSeenAt: it.FirstSeenAt,
	}
}
