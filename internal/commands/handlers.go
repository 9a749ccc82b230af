package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"automemer/internal/classify"
	"automemer/internal/ledger"
	"automemer/internal/pipeline"
	"automemer/internal/settings"
)

var errUnavailable = errors.New("not available")

// usageError makes the error reply print the command's usage.
type usageError struct{ usage string }

func (e usageError) Error() string { return "usage: " + e.usage }

const ranOutText = "Sorry, we ran out of memes :("

// Builtins returns the operator commands backed by svc.
func Builtins(svc Services) []Command {
	h := handlers{svc: svc}
	return []Command{
		{
			Route:       "sources",
			Aliases:     []string{"list_subreddits"},
			Description: "list the sources being scraped",
			Usage:       "/sources",
			Handle:      h.sources,
		},
		{
			Route:       "addsource",
			Aliases:     []string{"add_subreddit"},
			Description: "start scraping a source",
			Usage:       "/addsource <name>",
			Access:      AccessOwnerOnly,
			Audit:       true,
			Handle:      h.addSource,
		},
		{
			Route:       "rmsource",
			Aliases:     []string{"delete_subreddit"},
			Description: "stop scraping a source",
			Usage:       "/rmsource <name>",
			Access:      AccessOwnerOnly,
			Audit:       true,
			Handle:      h.removeSource,
		},
		{
			Route:       "settings",
			Aliases:     []string{"list_settings"},
			Description: "print all settings",
			Usage:       "/settings",
			Handle:      h.showSettings,
		},
		{
			Route:       "threshold",
			Aliases:     []string{"set_threshold"},
			Description: "set the score a post needs, globally or per source",
			Usage:       "/threshold <n|none> [source|global]",
			Access:      AccessOwnerOnly,
			Audit:       true,
			Handle:      h.threshold,
		},
		{
			Route:       "interval scrape",
			Aliases:     []string{"set_scrape_interval"},
			Description: "set the scrape interval in minutes",
			Usage:       "/interval scrape <1-1439>",
			Access:      AccessOwnerOnly,
			Audit:       true,
			Handle:      h.interval("scrape"),
		},
		{
			Route:       "interval post",
			Aliases:     []string{"set_post_interval"},
			Description: "set the post interval in minutes",
			Usage:       "/interval post <1-1439>",
			Access:      AccessOwnerOnly,
			Audit:       true,
			Handle:      h.interval("post"),
		},
		{
			Route:       "details",
			Description: "show what is known about a url",
			Usage:       "/details <url>",
			Handle:      h.details,
		},
		{
			Route:       "scrape",
			Description: "scrape all sources now",
			Usage:       "/scrape",
			Access:      AccessOwnerOnly,
			Audit:       true,
			Timeout:     5 * time.Minute,
			Handle:      h.scrape,
		},
		{
			Route:       "pop",
			Description: "post n memes now (default: half of the postable ones)",
			Usage:       "/pop [n]",
			Access:      AccessOwnerOnly,
			Audit:       true,
			Handle:      h.pop,
		},
		{
			Route:       "count",
			Aliases:     []string{"num_memes"},
			Description: "count the memes waiting to be posted",
			Usage:       "/count [postable] [bysource]",
			Handle:      h.count,
		},
		{
			Route:       "status",
			Description: "queue, recent sends and goroutines",
			Usage:       "/status",
			Handle:      h.status,
		},
		{
			Route:       "echo",
			Description: "repeat the text back",
			Usage:       "/echo <text>",
			Handle:      h.echo,
		},
		{
			Route:       "kill",
			Description: "stop automemer: no scraping, no posting",
			Usage:       "/kill",
			Access:      AccessOwnerOnly,
			Audit:       true,
			Handle:      h.kill,
		},
	}
}

type handlers struct {
	svc Services
}

func (h handlers) pipe() (Pipeline, error) {
	if h.svc.Pipeline == nil {
		return nil, fmt.Errorf("pipeline %w", errUnavailable)
	}
	return h.svc.Pipeline, nil
}

func (h handlers) sources(ctx context.Context, req *Request) error {
	p, err := h.pipe()
	if err != nil {
		return err
	}
	st, err := p.Settings(ctx)
	if err != nil {
		return err
	}
	if len(st.Sources) == 0 {
		return req.Reply("No sources are being collected.")
	}
	return req.Replyf("The following sources are currently being collected: <code>%s</code>", strings.Join(st.Sources, ", "))
}

func (h handlers) addSource(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usageError{"/addsource <name>"}
	}
	p, err := h.pipe()
	if err != nil {
		return err
	}
	name := strings.ToLower(req.Args[0])
	if _, err := p.UpdateSettings(ctx, func(s *settings.Settings) error { return s.AddSource(name) }); err != nil {
		if errors.Is(err, settings.ErrDuplicateSource) {
			return req.Replyf("<code>%s</code> is already being collected.", name)
		}
		return err
	}
	return req.Replyf("<code>%s</code> has been added!", name)
}

func (h handlers) removeSource(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usageError{"/rmsource <name>"}
	}
	p, err := h.pipe()
	if err != nil {
		return err
	}
	name := strings.ToLower(req.Args[0])
	if _, err := p.UpdateSettings(ctx, func(s *settings.Settings) error { return s.RemoveSource(name) }); err != nil {
		if errors.Is(err, settings.ErrUnknownSource) {
			return req.Replyf("<code>%s</code> is not currently being followed, nothing was done.", name)
		}
		return err
	}
	return req.Replyf("<code>%s</code> has been removed.", name)
}

func (h handlers) showSettings(ctx context.Context, req *Request) error {
	p, err := h.pipe()
	if err != nil {
		return err
	}
	st, loadErr := p.Settings(ctx)

	var b strings.Builder
	if loadErr != nil {
		b.WriteString("<i>stored settings are unreadable; showing the fallback</i>\n")
	}
	fmt.Fprintf(&b, "<b>sources</b>: %s\n", html.EscapeString(strings.Join(st.Sources, ", ")))
	keys := make([]string, 0, len(st.Thresholds))
	for k := range st.Thresholds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%d", k, st.Thresholds[k]))
	}
	fmt.Fprintf(&b, "<b>thresholds</b>: %s\n", html.EscapeString(strings.Join(pairs, ", ")))
	fmt.Fprintf(&b, "<b>scrape_interval_minutes</b>: %d\n", st.ScrapeIntervalMinutes)
	fmt.Fprintf(&b, "<b>post_interval_minutes</b>: %d\n", st.PostIntervalMinutes)
	fmt.Fprintf(&b, "<b>fetch_limit</b>: %d", st.FetchLimit)
	return req.ReplyHTML(b.String())
}

func (h handlers) threshold(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 || len(req.Args) > 2 {
		return usageError{"/threshold <n|none> [source|global]"}
	}
	p, err := h.pipe()
	if err != nil {
		return err
	}
	target := classify.GlobalKey
	if len(req.Args) == 2 {
		target = strings.ToLower(req.Args[1])
	}
	raw := strings.ToLower(req.Args[0])

	unset := raw == "none"
	n := 0
	if !unset {
		n, err = strconv.Atoi(raw)
		if err != nil {
			return req.Replyf("<code>%s</code> is not a valid integer.", req.Args[0])
		}
	}

	_, err = p.UpdateSettings(ctx, func(s *settings.Settings) error {
		if target != classify.GlobalKey && !s.HasSource(target) {
			return fmt.Errorf("%w: %s", settings.ErrUnknownSource, target)
		}
		if unset {
			return s.ClearThreshold(target)
		}
		return s.SetThreshold(target, n)
	})
	switch {
	case errors.Is(err, settings.ErrUnknownSource) && !unset:
		return req.Replyf("<code>%s</code> is not in the list of sources. Run /sources to view it.", target)
	case err != nil:
		return err
	case unset:
		return req.Replyf("The threshold for <i>%s</i> has been removed; it now uses the global one.", target)
	case target == classify.GlobalKey:
		return req.Replyf("The global threshold has been set to <b>%s</b>!", strconv.Itoa(n))
	default:
		return req.Replyf("The threshold for <i>%s</i> has been set to <b>%s</b>!", target, strconv.Itoa(n))
	}
}

func (h handlers) interval(which string) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if len(req.Args) != 1 {
			return usageError{"/interval " + which + " <minutes>"}
		}
		p, err := h.pipe()
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(req.Args[0])
		switch {
		case err != nil:
			return req.Replyf("<code>%s</code> is not an integer.", req.Args[0])
		case n > settings.MaxIntervalMinutes:
			return req.Reply("Too many minutes! A day only has 1440.")
		case n <= 0:
			return req.Reply("Enter a number greater than 0.")
		}

		_, err = p.UpdateSettings(ctx, func(s *settings.Settings) error {
			if which == "scrape" {
				return s.SetScrapeInterval(n)
			}
			return s.SetPostInterval(n)
		})
		if err != nil {
			return err
		}
		if l := h.svc.Loops[which]; l != nil {
			l.Reschedule()
		}
		return req.Replyf("The %s interval has been set to <b>%s</b> minutes!", which, strconv.Itoa(n))
	}
}

func (h handlers) details(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usageError{"/details <url>"}
	}
	p, err := h.pipe()
	if err != nil {
		return err
	}
	url := strings.Trim(req.Args[0], "<>")
	items, err := p.Details(ctx, url)
	if errors.Is(err, pipeline.ErrNoRecords) {
		return req.Replyf("I couldn't find any data for this url: <code>%s</code>, sorry.", url)
	}
	if err != nil {
		return err
	}
	blocks := make([]string, 0, len(items))
	for _, it := range items {
		blocks = append(blocks, formatItem(it))
	}
	return req.ReplyHTML(strings.Join(blocks, "\n\n"))
}

func formatItem(it ledger.Item) string {
	rows := []struct{ k, v string }{
		{"id", it.ID},
		{"title", it.Title},
		{"source", it.Source},
		{"author", it.Author},
		{"score", strconv.Itoa(it.Score)},
		{"high_water_score", strconv.Itoa(it.HighWater)},
		{"score_ratio", strconv.FormatFloat(it.Ratio, 'f', 2, 64)},
		{"restricted", strconv.FormatBool(it.Restricted)},
		{"delivered", strconv.FormatBool(it.Delivered)},
		{"permalink", it.Permalink},
		{"created_at", formatTime(it.CreatedAt)},
		{"first_seen_at", formatTime(it.FirstSeenAt)},
		{"last_updated_at", formatTime(it.LastUpdatedAt)},
	}
	var b strings.Builder
	for _, r := range rows {
		if r.v == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("<b>" + r.k + "</b>: " + html.EscapeString(r.v))
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (h handlers) scrape(ctx context.Context, req *Request) error {
	p, err := h.pipe()
	if err != nil {
		return err
	}
	res, err := p.Scrape(ctx)
	if err != nil {
		return err
	}
	var fetched, fresh, candidates int
	for _, s := range res.Sources {
		fetched += s.Fetched
		fresh += s.New
		candidates += s.Candidates
	}
	lines := []string{fmt.Sprintf("Scraped %d sources in %s: %d fetched, %d new, %d candidates. Backlog: %d.",
		len(res.Sources), res.Took.Round(time.Millisecond), fetched, fresh, candidates, res.Backlog)}
	for _, f := range res.Failed() {
		lines = append(lines, fmt.Sprintf("failed: %s (%v)", f.Source, f.Err))
	}
	return req.Reply(strings.Join(lines, "\n"))
}

func (h handlers) pop(ctx context.Context, req *Request) error {
	if len(req.Args) > 1 {
		return usageError{"/pop [n]"}
	}
	p, err := h.pipe()
	if err != nil {
		return err
	}

	var (
		posted int
		ranOut bool
	)
	if len(req.Args) == 1 {
		n, perr := strconv.Atoi(req.Args[0])
		if perr != nil {
			return req.Replyf("<code>%s</code> isn't a number!", req.Args[0])
		}
		if n <= 0 {
			return req.Reply("You can't pop 0 or fewer memes.")
		}
		posted, ranOut, err = p.Pop(ctx, n)
	} else {
		posted, err = p.Drain(ctx, nil)
		ranOut = posted == 0
	}
	if err != nil {
		return err
	}
	if ranOut {
		if posted > 0 {
			return req.Reply(fmt.Sprintf("Queued %d. %s", posted, ranOutText))
		}
		return req.Reply(ranOutText)
	}
	return req.Reply(fmt.Sprintf("Queued %d.", posted))
}

func (h handlers) count(ctx context.Context, req *Request) error {
	p, err := h.pipe()
	if err != nil {
		return err
	}
	c, err := p.Counts(ctx)
	if err != nil {
		return err
	}
	postableOnly := hasWord(req.Args, "postable", "dank_only")
	bySource := hasWord(req.Args, "bysource", "by_sub", "by_source")

	var lines []string
	if bySource {
		for _, s := range c.BySource {
			if postableOnly {
				lines = append(lines, fmt.Sprintf("<b>%s</b>: %d", html.EscapeString(s.Source), s.Postable))
			} else {
				lines = append(lines, fmt.Sprintf("<b>%s</b>: %d   (%d)", html.EscapeString(s.Source), s.Postable, s.Total))
			}
		}
		lines = append(lines, "")
		if postableOnly {
			lines = append(lines, fmt.Sprintf("<b>Combined</b>: %d", c.Postable))
		} else {
			lines = append(lines, fmt.Sprintf("<b>Combined</b>: %d   (%d)", c.Postable, c.Total))
		}
		return req.ReplyHTML(strings.Join(lines, "\n"))
	}
	if postableOnly {
		return req.Reply(fmt.Sprintf("Postable memes: %d", c.Postable))
	}
	return req.Reply(fmt.Sprintf("Total memes: %d\nPostable memes: %d", c.Total, c.Postable))
}

func (h handlers) status(_ context.Context, req *Request) error {
	if h.svc.Status == nil {
		return fmt.Errorf("status %w", errUnavailable)
	}
	st := h.svc.Status()

	var b strings.Builder
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(&b, "<b>uptime</b>: %s\n", time.Since(st.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(&b, "<b>outbound queue</b>: %d\n", st.QueueLen)
	fmt.Fprintf(&b, "<b>sent</b>: %d, <b>failed</b>: %d\n", st.Sent, st.Failed)
	if len(st.Recent) > 0 {
		b.WriteString("\n<b>recent</b>\n")
		for _, it := range st.Recent {
			res := "ok"
			if it.Err != "" {
				res = "failed: " + it.Err
			}
			fmt.Fprintf(&b, "%s %s %s - %s\n", it.At.UTC().Format("15:04:05"), it.Kind, html.EscapeString(res), html.EscapeString(firstLine(it.Text, 60)))
		}
	}
	if len(st.Supervisors) > 0 {
		b.WriteString("\n<b>goroutines</b>\n")
		names := make([]string, 0, len(st.Supervisors))
		for n := range st.Supervisors {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			snap := st.Supervisors[n]
			fmt.Fprintf(&b, "%s: %d active / %d started", html.EscapeString(n), snap.Counters.Active, snap.Counters.Started)
			if snap.FirstError != "" {
				fmt.Fprintf(&b, " (first error: %s)", html.EscapeString(snap.FirstError))
			}
			b.WriteByte('\n')
		}
	}
	return req.ReplyHTML(strings.TrimRight(b.String(), "\n"))
}

func firstLine(s string, maxN int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > maxN {
		s = s[:maxN] + "..."
	}
	return s
}

func (h handlers) echo(_ context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return usageError{"/echo <text>"}
	}
	return req.Reply(strings.Join(req.Args, " "))
}

func (h handlers) kill(_ context.Context, req *Request) error {
	if h.svc.Kill == nil {
		return fmt.Errorf("kill %w", errUnavailable)
	}
	_ = req.Reply("have it your way")
	h.svc.Kill("kill command from " + strconv.FormatInt(req.FromID, 10))
	return nil
}
