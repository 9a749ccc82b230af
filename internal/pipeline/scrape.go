package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"automemer/internal/backlog"
	"automemer/internal/classify"
	"automemer/internal/ledger"
	logx "automemer/pkg/logx"
)

// SourceResult summarizes one source in a scrape cycle.
type SourceResult struct {
	Source     string
	Fetched    int
	New        int
	Updated    int
	Invalid    int
	Candidates int
	Err        error
}

type ScrapeResult struct {
	Sources []SourceResult
	// Backlog is the backlog size after the cycle.
	Backlog int
	Took    time.Duration
}

// Failed reports the sources whose fetch failed.
func (r ScrapeResult) Failed() []SourceResult {
	var out []SourceResult
	for _, s := range r.Sources {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

type fetched struct {
	source string
	obs    []ledger.Observation
	err    error
}

// Scrape runs one reconciliation cycle: fetch every configured source
// without holding the lock, then merge the batches into the ledger, admit
// the eligible and postable items into the backlog and commit both.
//
// A failing source is recorded in the result and does not stop the others.
// The returned error is only set when the commit fails, in which case
// nothing of this cycle is persisted.
func (p *Pipeline) Scrape(ctx context.Context) (ScrapeResult, error) {
	start := time.Now()

	p.mu.Lock()
	st := p.settingsForCycle(ctx, "scrape")
	p.mu.Unlock()

	batches := make([]fetched, 0, len(st.Sources))
	for _, name := range st.Sources {
		if err := ctx.Err(); err != nil {
			batches = append(batches, fetched{source: name, err: err})
			continue
		}
		obs, err := p.src.FetchHot(ctx, name, st.FetchLimit)
		batches = append(batches, fetched{source: name, obs: obs, err: err})
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	led, bl, _ := p.loadStateLocked(ctx, false)
	res := ScrapeResult{Sources: make([]SourceResult, 0, len(batches))}
	for _, b := range batches {
		res.Sources = append(res.Sources, p.mergeSource(b, st.Thresholds, led, bl))
	}

	res.Backlog = bl.Len()
	res.Took = time.Since(start)
	if err := p.commitLocked(ctx, led, bl); err != nil {
		p.log.Error("scrape commit failed, cycle dropped", logx.Err(err))
		return res, fmt.Errorf("scrape: commit: %w", err)
	}

	p.log.Info("scrape done",
		logx.Int("sources", len(res.Sources)),
		logx.Int("failed", len(res.Failed())),
		logx.Int("backlog", res.Backlog),
		logx.Duration("took", res.Took),
	)
	return res, nil
}

func (p *Pipeline) mergeSource(b fetched, thresholds map[string]int, led *ledger.Ledger, bl *backlog.Backlog) SourceResult {
	r := SourceResult{Source: b.source, Fetched: len(b.obs), Err: b.err}
	log := p.log.With(logx.String("source", b.source))
	if b.err != nil {
		lvl := log.Warn
		if errors.Is(b.err, context.Canceled) {
			lvl = log.Debug
		}
		lvl("fetch failed", logx.Err(b.err))
		return r
	}

	for _, rep := range led.Upsert(b.obs) {
		if rep.Err != nil {
			r.Invalid++
			log.Debug("observation skipped", logx.Err(rep.Err))
			continue
		}
		if rep.Created {
			r.New++
		} else {
			r.Updated++
		}
		if !rep.Eligible {
			// An id that turned restricted takes its pending entry with it.
			if e, ok := bl.Get(rep.URL); ok && e.ID == rep.ID {
				bl.Remove(rep.URL)
			}
			continue
		}
		it, ok := led.Get(rep.ID)
		if !ok || !classify.IsPostable(it.Source, it.HighWater, thresholds) {
			continue
		}
		bl.Put(entryFromItem(it))
		r.Candidates++
	}
	if r.Invalid > 0 {
		log.Warn("invalid observations skipped", logx.Int("count", r.Invalid))
	}
	return r
}
