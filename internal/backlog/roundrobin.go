package backlog

import "sort"

// RoundRobin pops entries one source at a time, cycling through sources in
// lexical order and skipping sources whose group is exhausted.
type RoundRobin struct {
	order  []string
	groups map[string][]Entry
	next   int
}

func NewRoundRobin(groups map[string][]Entry) *RoundRobin {
	order := make([]string, 0, len(groups))
	cp := make(map[string][]Entry, len(groups))
	for k, g := range groups {
		if len(g) == 0 {
			continue
		}
		order = append(order, k)
		cp[k] = append([]Entry(nil), g...)
	}
	sort.Strings(order)
	return &RoundRobin{order: order, groups: cp}
}

// Next returns the oldest entry of the next source in turn.
func (r *RoundRobin) Next() (Entry, bool) {
	for len(r.order) > 0 {
		if r.next >= len(r.order) {
			r.next = 0
		}
		src := r.order[r.next]
		g := r.groups[src]
		if len(g) == 0 {
			r.order = append(r.order[:r.next], r.order[r.next+1:]...)
			continue
		}
		e := g[0]
		r.groups[src] = g[1:]
		r.next++
		return e, true
	}
	return Entry{}, false
}

// Remaining reports how many entries are left per source.
func (r *RoundRobin) Remaining() map[string]int {
	out := make(map[string]int, len(r.groups))
	for k, g := range r.groups {
		out[k] = len(g)
	}
	return out
}
