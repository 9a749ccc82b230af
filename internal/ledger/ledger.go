package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Ledger is the in-memory view of every observed item.
//
// It is not safe for concurrent use; callers serialize access (the pipeline
// holds its lock for the whole load-merge-commit section).
type Ledger struct {
	items map[string]*Item
	byURL map[string]map[string]struct{}
	dirty map[string]struct{}

	now func() time.Time
}

// New builds a ledger from persisted records. Records with an empty id are
// ignored; duplicates are folded with Join.
func New(items []Item) *Ledger {
	l := &Ledger{
		items: make(map[string]*Item, len(items)),
		byURL: make(map[string]map[string]struct{}, len(items)),
		dirty: map[string]struct{}{},
		now:   time.Now,
	}
	for _, it := range items {
		if strings.TrimSpace(it.ID) == "" {
			continue
		}
		if prev, ok := l.items[it.ID]; ok {
			l.unindex(prev)
			it = Join(*prev, it)
		}
		cp := it
		l.items[it.ID] = &cp
		l.index(&cp)
	}
	return l
}

// SetClock overrides the time source used for FirstSeenAt/LastUpdatedAt
// when an observation carries no timestamp.
func (l *Ledger) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

func (l *Ledger) Len() int { return len(l.items) }

func (l *Ledger) Get(id string) (Item, bool) {
	it, ok := l.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// ByURL returns every record sharing url, ordered by id.
func (l *Ledger) ByURL(url string) []Item {
	ids := l.byURL[url]
	out := make([]Item, 0, len(ids))
	for id := range ids {
		if it, ok := l.items[id]; ok {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Upsert folds a batch of observations into the ledger and returns one
// report per observation, in input order.
func (l *Ledger) Upsert(batch []Observation) []Report {
	out := make([]Report, 0, len(batch))
	for _, ob := range batch {
		out = append(out, l.upsertOne(ob))
	}
	return out
}

func (l *Ledger) upsertOne(ob Observation) Report {
	rep := Report{ID: ob.ID, URL: ob.URL, Source: ob.Source}
	if strings.TrimSpace(ob.ID) == "" {
		rep.Err = fmt.Errorf("%w: empty id", ErrInvalidObservation)
		return rep
	}
	if strings.TrimSpace(ob.URL) == "" {
		rep.Err = fmt.Errorf("%w: empty url for id %s", ErrInvalidObservation, ob.ID)
		return rep
	}

	at := ob.ObservedAt
	if at.IsZero() {
		at = l.now()
	}

	it, ok := l.items[ob.ID]
	if !ok {
		it = &Item{
			ID:            ob.ID,
			URL:           ob.URL,
			Source:        ob.Source,
			Restricted:    ob.Restricted,
			Score:         ob.Score,
			HighWater:     ob.Score,
			Ratio:         ob.Ratio,
			Title:         ob.Title,
			Permalink:     ob.Permalink,
			Author:        ob.Author,
			CreatedAt:     ob.CreatedAt,
			FirstSeenAt:   at,
			LastUpdatedAt: at,
		}
		l.items[ob.ID] = it
		l.index(it)
		rep.Created = true
	} else {
		it.HighWater = maxInt(it.HighWater, it.Score, ob.Score)
		it.Score = ob.Score
		it.Ratio = ob.Ratio
		it.LastUpdatedAt = at
		// Restricted only ever latches on.
		it.Restricted = it.Restricted || ob.Restricted
		if ob.Title != "" {
			it.Title = ob.Title
		}
		if ob.Permalink != "" {
			it.Permalink = ob.Permalink
		}
		if ob.Author != "" {
			it.Author = ob.Author
		}
		if ob.URL != it.URL {
			l.unindex(it)
			it.URL = ob.URL
			l.index(it)
		}
	}
	l.dirty[it.ID] = struct{}{}

	rep.Source = it.Source
	rep.Eligible = !it.Restricted && !it.Delivered && !l.HasURLBeenDelivered(it.URL)
	return rep
}

// MarkDelivered flags id as delivered. It is idempotent and reports whether
// the id is known.
func (l *Ledger) MarkDelivered(id string) bool {
	it, ok := l.items[id]
	if !ok {
		return false
	}
	if !it.Delivered {
		it.Delivered = true
		l.dirty[id] = struct{}{}
	}
	return true
}

// HasURLBeenDelivered reports whether any id sharing url was delivered.
func (l *Ledger) HasURLBeenDelivered(url string) bool {
	for id := range l.byURL[url] {
		if it, ok := l.items[id]; ok && it.Delivered {
			return true
		}
	}
	return false
}

// Dirty returns the records touched since construction or the last
// ClearDirty, ordered by id.
func (l *Ledger) Dirty() []Item {
	out := make([]Item, 0, len(l.dirty))
	for id := range l.dirty {
		if it, ok := l.items[id]; ok {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Ledger) ClearDirty() { l.dirty = map[string]struct{}{} }

func (l *Ledger) index(it *Item) {
	ids := l.byURL[it.URL]
	if ids == nil {
		ids = map[string]struct{}{}
		l.byURL[it.URL] = ids
	}
	ids[it.ID] = struct{}{}
}

func (l *Ledger) unindex(it *Item) {
	ids := l.byURL[it.URL]
	delete(ids, it.ID)
	if len(ids) == 0 {
		delete(l.byURL, it.URL)
	}
}

// Join merges two versions of the same record without ever regressing the
// monotonic fields: HighWater is the max of both scores and high-water marks,
// Delivered and Restricted are OR-ed, FirstSeenAt keeps the earliest value.
// Mutable fields come from whichever side was updated last (b on ties).
func Join(a, b Item) Item {
	out := b
	if a.LastUpdatedAt.After(b.LastUpdatedAt) {
		out = a
	}
	if a.ID != "" {
		out.ID = a.ID
		out.Source = a.Source
	}
	out.HighWater = maxInt(a.HighWater, a.Score, b.HighWater, b.Score)
	out.Delivered = a.Delivered || b.Delivered
	out.Restricted = a.Restricted || b.Restricted
	out.FirstSeenAt = earliest(a.FirstSeenAt, b.FirstSeenAt)
	if out.CreatedAt.IsZero() {
		out.CreatedAt = earliest(a.CreatedAt, b.CreatedAt)
	}
	return out
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}

func maxInt(v int, rest ...int) int {
	for _, x := range rest {
		if x > v {
			v = x
		}
	}
	return v
}
