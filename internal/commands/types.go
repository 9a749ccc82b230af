// Package commands routes operator text commands ("/pop 3") received from
// the chat adapter to handlers and sends their replies through the
// outbound queue.
package commands

import (
	"context"
	"fmt"
	"html"
	"time"

	"automemer/internal/ledger"
	"automemer/internal/outbound"
	"automemer/internal/pipeline"
	rtsup "automemer/internal/runtime/supervisor"
	"automemer/internal/settings"
	"automemer/internal/storage"
	kit "automemer/internal/transport"
	logx "automemer/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	// Route is a space-separated command path, e.g. "pop" or "interval post".
	Route string
	// Aliases are single-token shortcuts, e.g. "list_subreddits".
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// Audit records each invocation in storage.
	Audit   bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	// Path is the matched command path; Args is what follows it.
	Path    []string
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	m *Manager
}

// Reply queues a plain text reply to the chat the command came from.
func (r *Request) Reply(text string) error {
	return r.m.reply(r.Chat, text, nil)
}

// ReplyHTML queues an HTML reply. Callers escape user data themselves.
func (r *Request) ReplyHTML(text string) error {
	return r.m.reply(r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

// Replyf escapes args and formats them into an HTML reply.
func (r *Request) Replyf(format string, args ...string) error {
	esc := make([]any, len(args))
	for i, a := range args {
		esc[i] = html.EscapeString(a)
	}
	return r.ReplyHTML(fmt.Sprintf(format, esc...))
}

// Enqueuer accepts outbound messages. *outbound.Queue implements it.
type Enqueuer interface {
	Push(msgs ...outbound.Message) error
}

// Pipeline is the part of *pipeline.Pipeline the commands drive.
type Pipeline interface {
	Settings(ctx context.Context) (settings.Settings, error)
	UpdateSettings(ctx context.Context, fn func(*settings.Settings) error) (settings.Settings, error)
	Scrape(ctx context.Context) (pipeline.ScrapeResult, error)
	Drain(ctx context.Context, limit *int) (int, error)
	Pop(ctx context.Context, n int) (posted int, ranOut bool, err error)
	Counts(ctx context.Context) (pipeline.Counts, error)
	Details(ctx context.Context, url string) ([]ledger.Item, error)
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Rescheduler interface {
	Reschedule()
}

// Status is what the status command prints.
type Status struct {
	StartedAt   time.Time
	QueueLen    int
	Sent        uint64
	Failed      uint64
	Recent      []outbound.HistoryItem
	Supervisors map[string]rtsup.Snapshot
}

// Services are the dependencies of the built-in commands. Any of them may
// be nil in tests; the affected commands then report that they are
// unavailable.
type Services struct {
	Pipeline Pipeline
	Audit    Auditor
	// Loops are keyed by "scrape" and "post".
	Loops  map[string]Rescheduler
	Status func() Status
	// Kill stops the process.
	Kill func(reason string)
}
