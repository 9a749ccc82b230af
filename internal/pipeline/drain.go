package pipeline

import (
	"context"
	"fmt"

	"automemer/internal/backlog"
	"automemer/internal/classify"
	"automemer/internal/ledger"
	"automemer/internal/outbound"
	logx "automemer/pkg/logx"
)

// Drain posts up to limit backlog candidates, visiting sources round-robin
// and each source's candidates oldest first. A nil limit means half of the
// currently postable candidates, rounded up.
//
// Every visited entry leaves the backlog whether it is posted or not. The
// delivered flags and the reduced backlog are committed before anything is
// queued, so a crash can only lose posts, never repeat them.
func (p *Pipeline) Drain(ctx context.Context, limit *int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	target := p.cfg.Target
	if target.ChatID == 0 {
		return 0, ErrNoTarget
	}
	st := p.settingsForCycle(ctx, "drain")

	// Posting from a degraded view could repeat a delivered url.
	led, bl, err := p.loadStateLocked(ctx, true)
	if err != nil {
		p.log.Error("drain skipped", logx.Err(err))
		return 0, fmt.Errorf("drain: %w", err)
	}

	budget := 0
	if limit != nil {
		budget = max(*limit, 0)
	} else {
		budget = (countPostable(led, bl, st.Thresholds) + 1) / 2
	}
	if budget == 0 || bl.Len() == 0 {
		return 0, nil
	}

	var (
		staged    []outbound.Message
		discarded int
	)
	rr := backlog.NewRoundRobin(bl.Groups())
	for budget > 0 {
		e, ok := rr.Next()
		if !ok {
			break
		}
		bl.Remove(e.URL)
		if !drainable(led, e, st.Thresholds) {
			discarded++
			continue
		}
		if !p.markDelivered(led, e) {
			discarded++
			continue
		}
		budget--
		staged = append(staged, outbound.Message{
			Kind:    outbound.KindPost,
			Target:  target,
			Text:    FormatPost(e),
			Options: postOptions(),
		})
	}

	if err := p.commitLocked(ctx, led, bl); err != nil {
		p.log.Error("drain commit failed, nothing posted", logx.Int("staged", len(staged)), logx.Err(err))
		return 0, fmt.Errorf("drain: commit: %w", err)
	}
	if len(staged) > 0 {
		if err := p.out.Push(staged...); err != nil {
			// Already recorded as delivered; these posts are lost.
			p.log.Error("outbound queue rejected posts", logx.Int("lost", len(staged)), logx.Err(err))
			return 0, fmt.Errorf("drain: enqueue: %w", err)
		}
	}

	p.log.Info("drain done",
		logx.Int("posted", len(staged)),
		logx.Int("discarded", discarded),
		logx.Int("backlog", bl.Len()),
	)
	return len(staged), nil
}

// Pop is the operator variant of Drain with an explicit count. ranOut
// reports that fewer than n posts were available.
func (p *Pipeline) Pop(ctx context.Context, n int) (posted int, ranOut bool, err error) {
	if n < 1 {
		n = 1
	}
	posted, err = p.Drain(ctx, &n)
	return posted, err == nil && posted < n, err
}

// markDelivered flags the entry's id. An entry whose id is missing from the
// ledger (an old backlog, or a ledger rebuilt after loss) is first recorded
// from its own snapshot so the delivery is never lost.
func (p *Pipeline) markDelivered(led *ledger.Ledger, e backlog.Entry) bool {
	if led.MarkDelivered(e.ID) {
		return true
	}
	reps := led.Upsert([]ledger.Observation{{
		ID:         e.ID,
		URL:        e.URL,
		Source:     e.Source,
		Score:      e.Score,
		Title:      e.Title,
		Permalink:  e.Permalink,
		Author:     e.Author,
		ObservedAt: e.FirstSeenAt,
	}})
	if len(reps) != 1 || reps[0].Err != nil {
		p.log.Warn("backlog entry without a usable id dropped", logx.String("url", e.URL), logx.String("id", e.ID))
		return false
	}
	return led.MarkDelivered(e.ID)
}

func countPostable(led *ledger.Ledger, bl *backlog.Backlog, thresholds map[string]int) int {
	n := 0
	for _, e := range bl.Entries() {
		if drainable(led, e, thresholds) {
			n++
		}
	}
	return n
}

// drainable reports whether a drain would post e now: its url was never
// delivered, its id is not restricted, and its high-water score is above
// the threshold.
func drainable(led *ledger.Ledger, e backlog.Entry, thresholds map[string]int) bool {
	if led.HasURLBeenDelivered(e.URL) {
		return false
	}
	if it, ok := led.Get(e.ID); ok && it.Restricted {
		return false
	}
	return classify.Exceeds(e.Source, e.HighWater, thresholds)
}
