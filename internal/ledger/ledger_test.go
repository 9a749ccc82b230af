package ledger

import (
	"errors"
	"testing"
	"time"
)

func obs(id, url, source string, score int) Observation {
	return Observation{ID: id, URL: url, Source: source, Score: score, Title: "t-" + id}
}

func TestUpsertHighWaterIsMonotonic(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		scores []int
		want   int
	}{
		{name: "rising", scores: []int{1, 5, 9}, want: 9},
		{name: "falling", scores: []int{90, 40, 3}, want: 90},
		{name: "dip and recover", scores: []int{10, 2, 8}, want: 10},
		{name: "peak in middle", scores: []int{3, 70, 1, 69}, want: 70},
		{name: "deleted upstream", scores: []int{500, 0}, want: 500},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l := New(nil)
			for i, s := range tt.scores {
				reps := l.Upsert([]Observation{obs("a", "u", "memes", s)})
				if got := reps[0].Created; got != (i == 0) {
					t.Fatalf("step %d: Created = %v", i, got)
				}
			}
			it, ok := l.Get("a")
			if !ok {
				t.Fatal("item missing")
			}
			if it.HighWater != tt.want {
				t.Fatalf("HighWater = %d, want %d", it.HighWater, tt.want)
			}
			if last := tt.scores[len(tt.scores)-1]; it.Score != last {
				t.Fatalf("Score = %d, want latest %d", it.Score, last)
			}
		})
	}
}

func TestMarkDeliveredIsStickyAndIdempotent(t *testing.T) {
	t.Parallel()
	l := New(nil)
	l.Upsert([]Observation{obs("a", "u", "memes", 10)})

	if !l.MarkDelivered("a") || !l.MarkDelivered("a") {
		t.Fatal("MarkDelivered on known id should report true")
	}
	if l.MarkDelivered("missing") {
		t.Fatal("MarkDelivered on unknown id should report false")
	}

	reps := l.Upsert([]Observation{obs("a", "u", "memes", 99)})
	if reps[0].Eligible {
		t.Fatal("delivered item reported eligible")
	}
	it, _ := l.Get("a")
	if !it.Delivered {
		t.Fatal("delivered flag was reset by a later observation")
	}
}

func TestSiblingURLNeverEligibleAfterDelivery(t *testing.T) {
	t.Parallel()
	l := New(nil)
	l.Upsert([]Observation{obs("a", "https://i.example/x.png", "memes", 10)})
	l.MarkDelivered("a")

	reps := l.Upsert([]Observation{obs("b", "https://i.example/x.png", "dank", 900)})
	if !reps[0].Created {
		t.Fatal("repost under a new id should be created")
	}
	if reps[0].Eligible {
		t.Fatal("repost of a delivered url must not be eligible")
	}
	if !l.HasURLBeenDelivered("https://i.example/x.png") {
		t.Fatal("HasURLBeenDelivered = false")
	}
	if got := len(l.ByURL("https://i.example/x.png")); got != 2 {
		t.Fatalf("ByURL len = %d, want 2", got)
	}
}

func TestRestrictedNeverEligible(t *testing.T) {
	t.Parallel()
	l := New(nil)
	ob := obs("a", "u", "memes", 10)
	ob.Restricted = true
	if reps := l.Upsert([]Observation{ob}); reps[0].Eligible {
		t.Fatal("restricted item reported eligible")
	}
	ob.Restricted = false
	if reps := l.Upsert([]Observation{ob}); reps[0].Eligible {
		t.Fatal("restricted flag should latch")
	}
}

func TestUpsertRejectsInvalidObservations(t *testing.T) {
	t.Parallel()
	l := New(nil)
	reps := l.Upsert([]Observation{
		obs("", "u", "memes", 1),
		obs("b", "", "memes", 1),
		obs("c", "u", "memes", 1),
	})
	for i := 0; i < 2; i++ {
		if !errors.Is(reps[i].Err, ErrInvalidObservation) {
			t.Fatalf("report %d: err = %v, want ErrInvalidObservation", i, reps[i].Err)
		}
	}
	if reps[2].Err != nil || !reps[2].Created {
		t.Fatalf("valid observation not inserted: %+v", reps[2])
	}
	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}
}

func TestUpsertKeepsIdentityFields(t *testing.T) {
	t.Parallel()
	l := New(nil)
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ob := obs("a", "u1", "memes", 1)
	ob.ObservedAt = first
	l.Upsert([]Observation{ob})

	ob2 := obs("a", "u2", "other", 2)
	ob2.ObservedAt = first.Add(time.Hour)
	l.Upsert([]Observation{ob2})

	it, _ := l.Get("a")
	if it.Source != "memes" {
		t.Fatalf("Source = %q, want immutable memes", it.Source)
	}
	if !it.FirstSeenAt.Equal(first) {
		t.Fatalf("FirstSeenAt = %v, want %v", it.FirstSeenAt, first)
	}
	if it.URL != "u2" || len(l.ByURL("u1")) != 0 || len(l.ByURL("u2")) != 1 {
		t.Fatal("url index not moved with the record")
	}
}

func TestDirtyTracksTouchedRecords(t *testing.T) {
	t.Parallel()
	l := New([]Item{{ID: "old", URL: "o", Source: "memes"}})
	if len(l.Dirty()) != 0 {
		t.Fatal("loaded records should not be dirty")
	}
	l.Upsert([]Observation{obs("new", "n", "memes", 1)})
	l.MarkDelivered("old")
	d := l.Dirty()
	if len(d) != 2 || d[0].ID != "new" || d[1].ID != "old" {
		t.Fatalf("Dirty = %+v", d)
	}
	l.ClearDirty()
	if len(l.Dirty()) != 0 {
		t.Fatal("ClearDirty did not reset")
	}
}

func TestJoinNeverRegresses(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stored := Item{ID: "a", Source: "memes", Score: 50, HighWater: 300, Delivered: true, FirstSeenAt: t0, LastUpdatedAt: t0}
	// A degraded cycle re-inserted the item from scratch.
	fresh := Item{ID: "a", Source: "memes", Score: 40, HighWater: 40, FirstSeenAt: t0.Add(time.Hour), LastUpdatedAt: t0.Add(time.Hour)}

	got := Join(stored, fresh)
	if got.HighWater != 300 {
		t.Fatalf("HighWater = %d, want 300", got.HighWater)
	}
	if !got.Delivered {
		t.Fatal("Delivered regressed")
	}
	if got.Score != 40 {
		t.Fatalf("Score = %d, want latest 40", got.Score)
	}
	if !got.FirstSeenAt.Equal(t0) {
		t.Fatalf("FirstSeenAt = %v, want %v", got.FirstSeenAt, t0)
	}
}
