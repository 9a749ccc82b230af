package schedule

import (
	"context"
	"time"

	logx "automemer/pkg/logx"
)

// Loop runs Cycle at every tick of the interval returned by Interval. The
// interval is re-read before every wait, so a settings change applies from
// the next tick on (or immediately after Reschedule).
type Loop struct {
	Name string
	// Interval returns the current interval in minutes.
	Interval func() int
	// Fallback is used when Interval returns an unusable value.
	Fallback int
	Cycle    func(ctx context.Context) error
	// Timeout bounds one cycle. Zero means 5 minutes.
	Timeout  time.Duration
	Location *time.Location
	Log      logx.Logger

	now    func() time.Time
	after  func(d time.Duration) <-chan time.Time
	resets chan struct{}
}

func (l *Loop) init() {
	if l.now == nil {
		l.now = time.Now
	}
	if l.after == nil {
		l.after = time.After
	}
	if l.resets == nil {
		l.resets = make(chan struct{}, 1)
	}
	if l.Location == nil {
		l.Location = time.Local
	}
	if l.Timeout <= 0 {
		l.Timeout = 5 * time.Minute
	}
	if l.Log.IsZero() {
		l.Log = logx.Nop()
	}
}

// Reschedule makes a waiting loop recompute its next fire time.
func (l *Loop) Reschedule() {
	if l.resets == nil {
		return
	}
	select {
	case l.resets <- struct{}{}:
	default:
	}
}

// NewLoop returns a ready Loop; the zero Loop is initialized on Run.
func NewLoop(name string, interval func() int, fallback int, cycle func(ctx context.Context) error, log logx.Logger) *Loop {
	l := &Loop{Name: name, Interval: interval, Fallback: fallback, Cycle: cycle, Log: log}
	l.init()
	return l
}

// Run blocks until ctx is canceled. A cycle that already started runs to
// completion (bounded by Timeout) even if ctx is canceled meanwhile.
func (l *Loop) Run(ctx context.Context) error {
	l.init()
	log := l.Log.With(logx.String("loop", l.Name))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		minutes := l.Fallback
		if l.Interval != nil {
			minutes = l.Interval()
		}
		sched, err := Every(minutes)
		if err != nil {
			log.Warn("bad interval, using fallback", logx.Int("minutes", minutes), logx.Int("fallback", l.Fallback), logx.Err(err))
			if sched, err = Every(l.Fallback); err != nil {
				return err
			}
		}

		now := l.now().In(l.Location)
		next := sched.Next(now)
		log.Debug("next cycle", logx.Time("at", next), logx.Int("interval_min", minutes))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.resets:
			continue
		case <-l.after(next.Sub(now)):
		}

		l.runOnce(ctx, log)
	}
}

func (l *Loop) runOnce(ctx context.Context, log logx.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.Timeout)
	defer cancel()

	start := time.Now()
	if err := l.Cycle(cctx); err != nil {
		log.Error("cycle failed", logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	log.Debug("cycle done", logx.Duration("took", time.Since(start)))
}
