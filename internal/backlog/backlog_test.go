package backlog

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(url, source string, age int) Entry {
	return Entry{ID: "id-" + url, URL: url, Source: source, FirstSeenAt: t0.Add(time.Duration(age) * time.Minute)}
}

func TestPutOverwritesByURL(t *testing.T) {
	t.Parallel()
	b := New(nil)
	b.Put(Entry{URL: "u", Source: "memes", Score: 1})
	b.Put(Entry{URL: "u", Source: "memes", Score: 7})
	b.Put(Entry{URL: "", Source: "memes"})
	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1", b.Len())
	}
	if e, _ := b.Get("u"); e.Score != 7 {
		t.Fatalf("Score = %d, want latest 7", e.Score)
	}
	if !b.Remove("u") || b.Remove("u") {
		t.Fatal("Remove should succeed once")
	}
}

func TestGroupsOldestFirst(t *testing.T) {
	t.Parallel()
	b := New([]Entry{
		entry("c", "Memes", 3),
		entry("a", "memes", 1),
		entry("b", "news", 2),
		entry("d", "memes", 2),
	})
	g := b.Groups()
	if len(g) != 2 {
		t.Fatalf("groups = %d, want 2", len(g))
	}
	m := g["memes"]
	if len(m) != 3 || m[0].URL != "a" || m[1].URL != "d" || m[2].URL != "c" {
		t.Fatalf("memes group order = %+v", m)
	}
}

func TestRoundRobinCyclesSources(t *testing.T) {
	t.Parallel()
	b := New([]Entry{
		entry("x1", "x", 1),
		entry("x2", "x", 2),
		entry("x3", "x", 3),
		entry("y1", "y", 1),
	})
	rr := NewRoundRobin(b.Groups())

	var got []string
	for i := 0; i < 2; i++ {
		e, ok := rr.Next()
		if !ok {
			t.Fatalf("Next %d: exhausted early", i)
		}
		got = append(got, e.URL)
	}
	if got[0] != "x1" || got[1] != "y1" {
		t.Fatalf("visit order = %v, want [x1 y1]", got)
	}
	rem := rr.Remaining()
	if rem["x"] != 2 || rem["y"] != 0 {
		t.Fatalf("Remaining = %v, want x:2 y:0", rem)
	}

	// Y is exhausted, so X keeps coming.
	for _, want := range []string{"x2", "x3"} {
		e, ok := rr.Next()
		if !ok || e.URL != want {
			t.Fatalf("Next = %q (%v), want %q", e.URL, ok, want)
		}
	}
	if _, ok := rr.Next(); ok {
		t.Fatal("expected exhaustion")
	}
}

func TestRoundRobinThreeSources(t *testing.T) {
	t.Parallel()
	b := New([]Entry{
		entry("a1", "a", 1), entry("a2", "a", 2),
		entry("b1", "b", 1),
		entry("c1", "c", 1), entry("c2", "c", 2),
	})
	rr := NewRoundRobin(b.Groups())
	want := []string{"a1", "b1", "c1", "a2", "c2"}
	for i, w := range want {
		e, ok := rr.Next()
		if !ok || e.URL != w {
			t.Fatalf("step %d: got %q, want %q", i, e.URL, w)
		}
	}
}
