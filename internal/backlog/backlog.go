// Package backlog holds the candidates waiting to be drained, one per url.
package backlog

import (
	"sort"
	"strings"
	"time"
)

// Entry is a snapshot of an item taken when it was last seen eligible.
type Entry struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	Score       int       `json:"score"`
	HighWater   int       `json:"high_water_score"`
	Title       string    `json:"title"`
	Permalink   string    `json:"permalink"`
	Author      string    `json:"author,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// Backlog is keyed by url. Not safe for concurrent use.
type Backlog struct {
	entries map[string]Entry
}

func New(entries []Entry) *Backlog {
	b := &Backlog{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		b.Put(e)
	}
	return b
}

// Put inserts e or overwrites the entry already held for its url.
func (b *Backlog) Put(e Entry) {
	if strings.TrimSpace(e.URL) == "" {
		return
	}
	b.entries[e.URL] = e
}

func (b *Backlog) Get(url string) (Entry, bool) {
	e, ok := b.entries[url]
	return e, ok
}

func (b *Backlog) Remove(url string) bool {
	if _, ok := b.entries[url]; !ok {
		return false
	}
	delete(b.entries, url)
	return true
}

func (b *Backlog) Len() int { return len(b.entries) }

// Entries returns all entries ordered by source, then age, then url.
func (b *Backlog) Entries() []Entry {
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := sourceKey(out[i].Source), sourceKey(out[j].Source)
		if si != sj {
			return si < sj
		}
		return older(out[i], out[j])
	})
	return out
}

// Groups returns the entries grouped by lowercased source, each group
// ordered oldest first.
func (b *Backlog) Groups() map[string][]Entry {
	out := map[string][]Entry{}
	for _, e := range b.entries {
		k := sourceKey(e.Source)
		out[k] = append(out[k], e)
	}
	for _, g := range out {
		sort.Slice(g, func(i, j int) bool { return older(g[i], g[j]) })
	}
	return out
}

func sourceKey(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func older(a, b Entry) bool {
	if !a.FirstSeenAt.Equal(b.FirstSeenAt) {
		return a.FirstSeenAt.Before(b.FirstSeenAt)
	}
	return a.URL < b.URL
}
