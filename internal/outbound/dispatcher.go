package outbound

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	rtsup "automemer/internal/runtime/supervisor"
	kit "automemer/internal/transport"
	logx "automemer/pkg/logx"
)

type Config struct {
	RatePerSec  float64
	SendTimeout time.Duration
}

const historyLimit = 300

type HistoryItem struct {
	At   time.Time
	Kind Kind
	Text string
	Err  string
}

// Dispatcher drains a Queue into a chat sender, one message at a time,
// no faster than the configured rate. A failed send is logged and dropped.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sup     *rtsup.Supervisor

	q      *Queue
	sender kit.Sender
	log    logx.Logger

	hmu     sync.Mutex
	history []HistoryItem
	sent    uint64
	failed  uint64
}

func NewDispatcher(cfg Config, q *Queue, sender kit.Sender, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{q: q, sender: sender, log: log}
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	if d.limiter == nil {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	} else {
		d.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		d.limiter.SetBurst(burst)
	}
	d.cfg = cfg
}

// Supervisor returns the dispatcher's supervisor (nil if not started).
func (d *Dispatcher) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.sup != nil {
		d.mu.Unlock()
		return
	}
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "outbound"))),
		rtsup.WithCancelOnError(false),
	)
	sup := d.sup
	d.mu.Unlock()

	// loop returns nil once the queue is closed and empty.
	sup.GoRestart("dispatch", d.loop, rtsup.WithPublishFirstError(true))
}

// Stop closes the queue and waits for queued messages to go out until ctx
// is done; whatever is left after that is dropped.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	d.mu.Unlock()

	d.q.Close()
	if sup == nil {
		return
	}
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		d.log.Warn("outbound stop timed out", logx.Int("dropped", d.q.Len()))
		sup.Cancel()
	}
}

func (d *Dispatcher) loop(ctx context.Context) error {
	for {
		if d.q.Len() == 0 {
			if d.q.Closed() {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.q.Ready():
			}
			continue
		}

		d.mu.Lock()
		lim := d.limiter
		timeout := d.cfg.SendTimeout
		d.mu.Unlock()
		if err := lim.Wait(ctx); err != nil {
			return ctx.Err()
		}

		msg, ok := d.q.Pop()
		if !ok {
			continue
		}
		d.send(ctx, msg, timeout)
	}
}

func (d *Dispatcher) send(ctx context.Context, msg Message, timeout time.Duration) {
	if msg.Text == "" || d.sender == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	_, err := d.sender.SendText(cctx, msg.Target, msg.Text, msg.Options)
	cancel()

	h := HistoryItem{At: time.Now(), Kind: msg.Kind, Text: msg.Text}
	d.hmu.Lock()
	if err != nil {
		d.failed++
		h.Err = err.Error()
	} else {
		d.sent++
	}
	d.history = append(d.history, h)
	if len(d.history) > historyLimit {
		d.history = d.history[len(d.history)-historyLimit:]
	}
	d.hmu.Unlock()

	if err != nil {
		d.log.Warn("send failed, message dropped",
			logx.String("kind", string(msg.Kind)),
			logx.Int64("chat_id", msg.Target.ChatID),
			logx.Err(err),
		)
		return
	}
	d.log.Debug("message sent", logx.String("kind", string(msg.Kind)), logx.Int64("chat_id", msg.Target.ChatID))
}

// History returns the most recent n sends, newest last. n <= 0 means all
// that are kept.
func (d *Dispatcher) History(n int) []HistoryItem {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	h := d.history
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]HistoryItem(nil), h...)
}

// Stats returns total sent and failed counts since start.
func (d *Dispatcher) Stats() (sent, failed uint64) {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return d.sent, d.failed
}
