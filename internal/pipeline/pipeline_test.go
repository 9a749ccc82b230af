package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"automemer/internal/backlog"
	"automemer/internal/ledger"
	"automemer/internal/settings"
	kit "automemer/internal/transport"
	logx "automemer/pkg/logx"
)

func newTestPipeline(t *testing.T, st *memStore, src *fakeSource, sources []string, thresholds map[string]int) (*Pipeline, *recordingQueue) {
	t.Helper()
	q := &recordingQueue{}
	p := New(Config{
		DefaultSource: "me_irl",
		Defaults:      settings.Settings{Sources: sources, Thresholds: thresholds},
		Target:        kit.ChatTarget{ChatID: -100},
	}, st, src, q, logx.Nop())
	p.now = func() time.Time { return t0 }
	return p, q
}

func intp(n int) *int { return &n }

func TestEndToEndMemesAndNews(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	src := &fakeSource{batches: map[string][]ledger.Observation{
		"memes": {obs("a", "https://i/a.jpg", "memes", 120, t0), obs("b", "https://i/b.jpg", "memes", 120, t0)},
		"news":  {obs("c", "https://i/c.jpg", "news", 10, t0)},
	}}
	p, q := newTestPipeline(t, st, src, []string{"memes", "news"}, map[string]int{"global": 100})

	res, err := p.Scrape(context.Background())
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if res.Backlog != 2 {
		t.Fatalf("backlog after scrape = %d, want 2", res.Backlog)
	}
	if got := st.backlogURLs(); !reflect.DeepEqual(got, []string{"https://i/a.jpg", "https://i/b.jpg"}) {
		t.Fatalf("backlog = %v", got)
	}

	n, err := p.Drain(context.Background(), intp(1))
	if err != nil || n != 1 {
		t.Fatalf("Drain = %d, %v; want 1", n, err)
	}
	if q.len() != 1 {
		t.Fatalf("queued %d messages, want 1", q.len())
	}
	if !st.item("a").Delivered || st.item("b").Delivered || st.item("c").Delivered {
		t.Fatalf("delivered flags a=%v b=%v c=%v", st.item("a").Delivered, st.item("b").Delivered, st.item("c").Delivered)
	}
	if got := st.backlogURLs(); !reflect.DeepEqual(got, []string{"https://i/b.jpg"}) {
		t.Fatalf("backlog after drain = %v", got)
	}
	msg := q.msgs[0]
	if msg.Target.ChatID != -100 || !strings.Contains(msg.Text, "https://i/a.jpg") || !strings.Contains(msg.Text, "/r/memes") {
		t.Fatalf("message = %+v", msg)
	}
}

func TestDrainRoundRobinAcrossSources(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	src := &fakeSource{batches: map[string][]ledger.Observation{
		"x": {
			obs("x1", "u/x1", "x", 5, t0),
			obs("x2", "u/x2", "x", 5, t0.Add(time.Minute)),
			obs("x3", "u/x3", "x", 5, t0.Add(2*time.Minute)),
		},
		"y": {obs("y1", "u/y1", "y", 5, t0.Add(3*time.Minute))},
	}}
	p, q := newTestPipeline(t, st, src, []string{"x", "y"}, map[string]int{"global": 0})
	if _, err := p.Scrape(context.Background()); err != nil {
		t.Fatal(err)
	}

	n, err := p.Drain(context.Background(), intp(2))
	if err != nil || n != 2 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	if !strings.Contains(q.msgs[0].Text, "u/x1") || !strings.Contains(q.msgs[1].Text, "u/y1") {
		t.Fatalf("posted %q then %q, want x1 then y1", q.msgs[0].Text, q.msgs[1].Text)
	}
	if got := st.backlogURLs(); !reflect.DeepEqual(got, []string{"u/x2", "u/x3"}) {
		t.Fatalf("remaining backlog = %v", got)
	}
}

func TestDrainDefaultLimitIsHalfRoundedUp(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	src := &fakeSource{batches: map[string][]ledger.Observation{
		"m": {obs("1", "u1", "m", 50, t0), obs("2", "u2", "m", 50, t0), obs("3", "u3", "m", 50, t0)},
	}}
	p, _ := newTestPipeline(t, st, src, []string{"m"}, map[string]int{"global": 10})
	if _, err := p.Scrape(context.Background()); err != nil {
		t.Fatal(err)
	}
	n, err := p.Drain(context.Background(), nil)
	if err != nil || n != 2 {
		t.Fatalf("Drain(nil) = %d, %v; want 2", n, err)
	}
}

func TestSiblingURLIsNeverRequeued(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	src := &fakeSource{batches: map[string][]ledger.Observation{
		"m": {obs("A", "https://same", "m", 500, t0)},
	}}
	p, q := newTestPipeline(t, st, src, []string{"m"}, map[string]int{"global": 100})
	if _, err := p.Scrape(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n, _ := p.Drain(context.Background(), intp(5)); n != 1 {
		t.Fatalf("first drain posted %d", n)
	}

	// a repost under a new id, and A seen again
	src.batches["m"] = []ledger.Observation{
		obs("B", "https://same", "m", 900, t0.Add(time.Hour)),
		obs("A", "https://same", "m", 700, t0.Add(time.Hour)),
	}
	res, err := p.Scrape(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Backlog != 0 || res.Sources[0].Candidates != 0 {
		t.Fatalf("sibling re-entered backlog: %+v", res)
	}
	if n, _ := p.Drain(context.Background(), intp(5)); n != 0 {
		t.Fatalf("second drain posted %d", n)
	}
	if q.len() != 1 {
		t.Fatalf("queued %d messages in total, want 1", q.len())
	}
	if hw := st.item("A").HighWater; hw != 700 {
		t.Fatalf("A high water = %d, want 700", hw)
	}
}

func TestScrapeCrashBetweenLedgerAndBacklogIsIdempotent(t *testing.T) {
	t.Parallel()
	batches := map[string][]ledger.Observation{
		"m": {obs("1", "u1", "m", 150, t0), obs("2", "u2", "m", 90, t0), obs("3", "u1", "m", 300, t0)},
	}

	clean := newMemStore()
	pc, _ := newTestPipeline(t, clean, &fakeSource{batches: batches}, []string{"m"}, map[string]int{"global": 100})
	if _, err := pc.Scrape(context.Background()); err != nil {
		t.Fatal(err)
	}

	crashed := newMemStore()
	crashed.crashAfterLedger = true
	pr, _ := newTestPipeline(t, crashed, &fakeSource{batches: batches}, []string{"m"}, map[string]int{"global": 100})
	if _, err := pr.Scrape(context.Background()); !errors.Is(err, errInjected) {
		t.Fatalf("crashed scrape err = %v", err)
	}
	crashed.crashAfterLedger = false
	if _, err := pr.Scrape(context.Background()); err != nil {
		t.Fatalf("re-run: %v", err)
	}

	if !reflect.DeepEqual(clean.items, crashed.items) {
		t.Fatalf("ledger differs after re-run:\nclean   %+v\ncrashed %+v", clean.items, crashed.items)
	}
	if !reflect.DeepEqual(clean.backlog, crashed.backlog) {
		t.Fatalf("backlog differs after re-run:\nclean   %+v\ncrashed %+v", clean.backlog, crashed.backlog)
	}
	if len(crashed.backlog) != 1 {
		t.Fatalf("backlog has %d entries, want 1 (one per url)", len(crashed.backlog))
	}
}

func TestScrapeIsolatesFailingSource(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	src := &fakeSource{
		batches: map[string][]ledger.Observation{"good": {obs("g", "ug", "good", 200, t0), {ID: "", URL: "x"}}},
		errs:    map[string]error{"bad": errors.New("timeout")},
	}
	p, _ := newTestPipeline(t, st, src, []string{"bad", "good"}, map[string]int{"global": 100})

	res, err := p.Scrape(context.Background())
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	failed := res.Failed()
	if len(failed) != 1 || failed[0].Source != "bad" {
		t.Fatalf("failed = %+v", failed)
	}
	var good SourceResult
	for _, r := range res.Sources {
		if r.Source == "good" {
			good = r
		}
	}
	if good.New != 1 || good.Invalid != 1 || good.Candidates != 1 {
		t.Fatalf("good result = %+v", good)
	}
}

func TestScrapeFallsBackWhenSettingsUnreadable(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	st.failLoadSettings = true
	src := &fakeSource{}
	p, _ := newTestPipeline(t, st, src, []string{"memes", "news"}, map[string]int{"global": 100})

	if _, err := p.Scrape(context.Background()); err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if !reflect.DeepEqual(src.calls, []string{"me_irl"}) {
		t.Fatalf("fetched %v, want only the default source", src.calls)
	}
}

func TestDrainCommitFailureEnqueuesNothing(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	src := &fakeSource{batches: map[string][]ledger.Observation{"m": {obs("1", "u1", "m", 500, t0)}}}
	p, q := newTestPipeline(t, st, src, []string{"m"}, map[string]int{"global": 100})
	if _, err := p.Scrape(context.Background()); err != nil {
		t.Fatal(err)
	}

	st.failCommit = true
	if _, err := p.Drain(context.Background(), intp(1)); !errors.Is(err, errInjected) {
		t.Fatalf("Drain err = %v", err)
	}
	if q.len() != 0 {
		t.Fatalf("queued %d messages after failed commit", q.len())
	}
	if st.item("1").Delivered {
		t.Fatal("delivered flag persisted despite failed commit")
	}

	st.failCommit = false
	if n, err := p.Drain(context.Background(), intp(1)); err != nil || n != 1 {
		t.Fatalf("retry Drain = %d, %v", n, err)
	}
}

func TestDrainRefusesUnreadableLedger(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	src := &fakeSource{batches: map[string][]ledger.Observation{"m": {obs("1", "u1", "m", 500, t0)}}}
	p, q := newTestPipeline(t, st, src, []string{"m"}, map[string]int{"global": 100})
	if _, err := p.Scrape(context.Background()); err != nil {
		t.Fatal(err)
	}
	st.failLoadLedger = true
	if _, err := p.Drain(context.Background(), intp(1)); err == nil {
		t.Fatal("Drain succeeded on an unreadable ledger")
	}
	if q.len() != 0 || len(st.backlogURLs()) != 1 {
		t.Fatalf("queue=%d backlog=%v", q.len(), st.backlogURLs())
	}
}

func TestDrainDiscardsNonPostable(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	src := &fakeSource{batches: map[string][]ledger.Observation{"m": {obs("1", "u1", "m", 150, t0), obs("2", "u2", "m", 150, t0)}}}
	p, q := newTestPipeline(t, st, src, []string{"m"}, map[string]int{"global": 100})
	if _, err := p.Scrape(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.UpdateSettings(context.Background(), func(s *settings.Settings) error {
		return s.SetThreshold("m", 1000)
	}); err != nil {
		t.Fatal(err)
	}

	n, ranOut, err := p.Pop(context.Background(), 5)
	if err != nil || n != 0 || !ranOut {
		t.Fatalf("Pop = %d, %v, %v", n, ranOut, err)
	}
	if q.len() != 0 || len(st.backlogURLs()) != 0 {
		t.Fatalf("queue=%d backlog=%v, want both empty", q.len(), st.backlogURLs())
	}
}

func TestDrainWithoutTarget(t *testing.T) {
	t.Parallel()
	p, _ := newTestPipeline(t, newMemStore(), &fakeSource{}, nil, nil)
	p.SetTarget(kit.ChatTarget{})
	if _, err := p.Drain(context.Background(), nil); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("err = %v, want ErrNoTarget", err)
	}
}

func TestUpdateSettingsValidates(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	p, _ := newTestPipeline(t, st, &fakeSource{}, []string{"memes"}, map[string]int{"global": 100})

	if _, err := p.UpdateSettings(context.Background(), func(s *settings.Settings) error {
		s.PostIntervalMinutes = 5000
		return nil
	}); !errors.Is(err, settings.ErrInvalidInterval) {
		t.Fatalf("err = %v, want ErrInvalidInterval", err)
	}
	if st.settings != nil {
		t.Fatal("invalid settings were saved")
	}

	got, err := p.UpdateSettings(context.Background(), func(s *settings.Settings) error { return s.AddSource("R/Dankmemes") })
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Sources, []string{"dankmemes", "memes"}) {
		t.Fatalf("sources = %v", got.Sources)
	}
	cur, err := p.Settings(context.Background())
	if err != nil || !cur.HasSource("dankmemes") {
		t.Fatalf("Settings = %+v, %v", cur, err)
	}
}

func TestCountsAndDetails(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	src := &fakeSource{batches: map[string][]ledger.Observation{
		"a": {obs("1", "u1", "a", 150, t0), obs("2", "u2", "a", 150, t0)},
		"b": {obs("3", "u3", "b", 60, t0)},
	}}
	p, _ := newTestPipeline(t, st, src, []string{"a", "b"}, map[string]int{"global": 100, "b": 50})
	if _, err := p.Scrape(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.UpdateSettings(context.Background(), func(s *settings.Settings) error {
		return s.SetThreshold("b", 70)
	}); err != nil {
		t.Fatal(err)
	}

	c, err := p.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c.Total != 3 || c.Postable != 2 {
		t.Fatalf("counts = %+v", c)
	}
	want := []SourceCount{{Source: "a", Total: 2, Postable: 2}, {Source: "b", Total: 1, Postable: 0}}
	if !reflect.DeepEqual(c.BySource, want) {
		t.Fatalf("by source = %+v", c.BySource)
	}

	src.batches["b"] = []ledger.Observation{obs("3", "u3", "b", 80, t0.Add(time.Hour))}
	items, err := p.Details(context.Background(), "u3")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Score != 80 || items[0].HighWater != 80 {
		t.Fatalf("details = %+v", items)
	}
	if _, err := p.Details(context.Background(), "nope"); !errors.Is(err, ErrNoRecords) {
		t.Fatalf("unknown url err = %v", err)
	}
}

func TestFormatPostStripsMarkup(t *testing.T) {
	t.Parallel()
	got := FormatPost(backlogEntry("<script>x</script>me & <b>you</b>", "memes", 42, "https://i/x.jpg?a=1&b=2"))
	if strings.Contains(got, "<script>") || strings.Contains(got, "<b>you") {
		t.Fatalf("markup leaked: %q", got)
	}
	if !strings.Contains(got, "me &amp; you") || !strings.Contains(got, "<code>42</code>") || !strings.Contains(got, "a=1&amp;b=2") {
		t.Fatalf("FormatPost = %q", got)
	}
}

func TestDrainNeedsScoreAboveThreshold(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	src := &fakeSource{batches: map[string][]ledger.Observation{
		"m": {obs("1", "u1", "m", 100, t0), obs("2", "u2", "m", 101, t0)},
	}}
	p, q := newTestPipeline(t, st, src, []string{"m"}, map[string]int{"global": 100})
	if _, err := p.Scrape(context.Background()); err != nil {
		t.Fatal(err)
	}

	c, err := p.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c.Total != 2 || c.Postable != 1 {
		t.Fatalf("counts = %+v, want total 2 postable 1", c)
	}

	n, err := p.Drain(context.Background(), intp(5))
	if err != nil || n != 1 {
		t.Fatalf("Drain = %d, %v; want 1", n, err)
	}
	if st.item("1").Delivered || !st.item("2").Delivered {
		t.Fatalf("delivered 1=%v 2=%v", st.item("1").Delivered, st.item("2").Delivered)
	}
	if q.len() != 1 || !strings.Contains(q.msgs[0].Text, "u2") {
		t.Fatalf("queued %d messages: %+v", q.len(), q.msgs)
	}
	if got := st.backlogURLs(); len(got) != 0 {
		t.Fatalf("backlog = %v, want empty", got)
	}
}

func TestRestrictedItemLeavesBacklog(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	src := &fakeSource{batches: map[string][]ledger.Observation{"m": {obs("1", "u1", "m", 500, t0)}}}
	p, q := newTestPipeline(t, st, src, []string{"m"}, map[string]int{"global": 100})
	if _, err := p.Scrape(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := st.backlogURLs(); len(got) != 1 {
		t.Fatalf("backlog after first scrape = %v", got)
	}

	restricted := obs("1", "u1", "m", 600, t0.Add(time.Hour))
	restricted.Restricted = true
	src.batches["m"] = []ledger.Observation{restricted}
	if _, err := p.Scrape(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := st.backlogURLs(); len(got) != 0 {
		t.Fatalf("backlog after restricted scrape = %v, want empty", got)
	}
	if n, err := p.Drain(context.Background(), intp(5)); err != nil || n != 0 {
		t.Fatalf("Drain = %d, %v; want 0", n, err)
	}
	if q.len() != 0 || st.item("1").Delivered {
		t.Fatalf("queue=%d delivered=%v", q.len(), st.item("1").Delivered)
	}
}

func TestDrainSkipsRestrictedLedgerEntry(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	st.items["r"] = ledger.Item{ID: "r", URL: "ur", Source: "m", Score: 500, HighWater: 500, Restricted: true}
	st.backlog["ur"] = backlog.Entry{ID: "r", URL: "ur", Source: "m", Score: 500, HighWater: 500, FirstSeenAt: t0}
	p, q := newTestPipeline(t, st, &fakeSource{}, []string{"m"}, map[string]int{"global": 100})

	c, err := p.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c.Total != 1 || c.Postable != 0 {
		t.Fatalf("counts = %+v", c)
	}
	if n, err := p.Drain(context.Background(), intp(5)); err != nil || n != 0 {
		t.Fatalf("Drain = %d, %v; want 0", n, err)
	}
	if q.len() != 0 || st.item("r").Delivered || len(st.backlogURLs()) != 0 {
		t.Fatalf("queue=%d delivered=%v backlog=%v", q.len(), st.item("r").Delivered, st.backlogURLs())
	}
}

func TestScrapeWithUnreadableLedgerKeepsDeliveredFlags(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	src := &fakeSource{batches: map[string][]ledger.Observation{"m": {obs("1", "u1", "m", 500, t0)}}}
	p, q := newTestPipeline(t, st, src, []string{"m"}, map[string]int{"global": 100})
	if _, err := p.Scrape(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n, err := p.Drain(context.Background(), intp(1)); err != nil || n != 1 {
		t.Fatalf("first Drain = %d, %v", n, err)
	}

	st.mu.Lock()
	st.failLoadLedger = true
	st.mu.Unlock()
	src.batches["m"] = []ledger.Observation{obs("1", "u1", "m", 200, t0.Add(time.Hour))}
	if _, err := p.Scrape(context.Background()); err != nil {
		t.Fatalf("Scrape on unreadable ledger: %v", err)
	}
	st.mu.Lock()
	st.failLoadLedger = false
	st.mu.Unlock()

	it := st.item("1")
	if !it.Delivered || it.HighWater != 500 {
		t.Fatalf("item after degraded scrape = %+v, want delivered with high water 500", it)
	}
	if n, err := p.Drain(context.Background(), intp(5)); err != nil || n != 0 {
		t.Fatalf("Drain after degraded scrape = %d, %v; want 0", n, err)
	}
	if q.len() != 1 {
		t.Fatalf("queued %d messages, want only the first post", q.len())
	}
}
