package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"automemer/internal/ledger"
	logx "automemer/pkg/logx"
)

type SourceCount struct {
	Source   string
	Total    int
	Postable int
}

// Counts describes the backlog. Postable entries are those that would be
// posted by a drain right now.
type Counts struct {
	Total    int
	Postable int
	// BySource is ordered by source name.
	BySource []SourceCount
}

func (p *Pipeline) Counts(ctx context.Context) (Counts, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.settingsForCycle(ctx, "count")
	led, bl, err := p.loadStateLocked(ctx, true)
	if err != nil {
		return Counts{}, err
	}

	per := map[string]*SourceCount{}
	var c Counts
	for _, e := range bl.Entries() {
		key := strings.ToLower(e.Source)
		sc := per[key]
		if sc == nil {
			sc = &SourceCount{Source: key}
			per[key] = sc
		}
		sc.Total++
		c.Total++
		if drainable(led, e, st.Thresholds) {
			sc.Postable++
			c.Postable++
		}
	}
	for _, sc := range per {
		c.BySource = append(c.BySource, *sc)
	}
	sort.Slice(c.BySource, func(i, j int) bool { return c.BySource[i].Source < c.BySource[j].Source })
	return c, nil
}

// Details returns every ledger record for url after refreshing them from
// the source. If the refresh fails the stored records are returned along
// with the error.
func (p *Pipeline) Details(ctx context.Context, url string) ([]ledger.Item, error) {
	url = strings.TrimSpace(url)
	p.mu.Lock()
	led, _, err := p.loadStateLocked(ctx, true)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	known := led.ByURL(url)
	if len(known) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRecords, url)
	}

	ids := make([]string, 0, len(known))
	for _, it := range known {
		ids = append(ids, it.ID)
	}
	obs, ferr := p.src.Lookup(ctx, ids)
	if ferr != nil {
		p.log.Warn("details refresh failed", logx.String("url", url), logx.Err(ferr))
		return known, fmt.Errorf("refresh: %w", ferr)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	led, bl, err := p.loadStateLocked(ctx, true)
	if err != nil {
		return known, err
	}
	for _, rep := range led.Upsert(obs) {
		if rep.Err != nil || !rep.Eligible {
			continue
		}
		// refresh the snapshot of a candidate that is still waiting
		if e, ok := bl.Get(rep.URL); ok && e.ID == rep.ID {
			if it, ok := led.Get(rep.ID); ok {
				bl.Put(entryFromItem(it))
			}
		}
	}
	if err := p.commitLocked(ctx, led, bl); err != nil {
		p.log.Error("details commit failed", logx.Err(err))
		return known, fmt.Errorf("details: commit: %w", err)
	}
	return led.ByURL(url), nil
}
