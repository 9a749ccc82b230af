package commands

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"automemer/internal/outbound"
	rtsup "automemer/internal/runtime/supervisor"
	kit "automemer/internal/transport"
	logx "automemer/pkg/logx"
)

type Config struct {
	Owners []int64
	// Workers defaults to NumCPU, at least 2.
	Workers int
	// QueueCap bounds pending commands; excess ones are refused.
	QueueCap int
	// Timeout applies to commands without their own.
	Timeout time.Duration
}

// Manager owns the command registry and a bounded worker pool that runs
// the handlers.
type Manager struct {
	cfg  Config
	out  Enqueuer
	menu kit.CommandMenuUpdater
	log  logx.Logger

	mu       sync.RWMutex
	root     *cmdNode
	alias    map[string]*cmdNode
	owners   []int64
	menuCmds []kit.BotCommand
	audit    Auditor

	jobs chan func(context.Context)

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

// NewManager creates a manager that replies through out. menu may be nil.
func NewManager(cfg Config, out Enqueuer, menu kit.CommandMenuUpdater, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = max(runtime.NumCPU(), 2)
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		out:    out,
		menu:   menu,
		log:    log,
		root:   newRoot(),
		alias:  map[string]*cmdNode{},
		owners: slices.Clone(cfg.Owners),
		jobs:   make(chan func(context.Context), cfg.QueueCap),
	}
}

// SetOwners replaces the owner list. Safe during a config reload.
func (m *Manager) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Manager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// SetAuditor sets where commands marked Audit are recorded.
func (m *Manager) SetAuditor(a Auditor) {
	m.mu.Lock()
	m.audit = a
	m.mu.Unlock()
}

// Supervisor is nil unless Run is active.
func (m *Manager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.sup
}

// Register replaces the registry with cmds plus the built-in help.
func (m *Manager) Register(cmds []Command) {
	cmds = append(slices.Clone(cmds), Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "list commands, or describe one",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(m.helpText(req.Args))
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		// "/interval_post" reaches "interval post"; a single-token route
		// must not alias itself or it would shadow its subcommands.
		if len(route) > 1 {
			if name := menuName(c.Route); name != "" {
				alias[name] = leaf
			}
		}
		for _, a := range c.Aliases {
			if name := menuName(a); name != "" {
				alias[name] = leaf
			}
		}
	}
	menu := buildMenu(root, cmds)

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.menuCmds = menu
	m.mu.Unlock()

	if sup := m.Supervisor(); sup != nil {
		sup.Go0("menu.update", m.pushMenu)
	}
}

func (m *Manager) pushMenu(ctx context.Context) {
	if m.menu == nil {
		return
	}
	m.mu.RLock()
	cmds := m.menuCmds
	m.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.menu.UpdateMenuCommands(ctx, cmds); err != nil {
		m.log.Warn("menu update failed", logx.Err(err))
	}
}

// Run consumes updates until ctx is done or updates is closed. Handlers
// run on the worker pool; Run waits briefly for running ones on return.
func (m *Manager) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log.With(logx.String("comp", "commands.pool"))))
	m.runMu.Lock()
	m.sup = sup
	m.runMu.Unlock()

	for i := 0; i < m.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("worker."+strconv.Itoa(idx), func(c context.Context) error {
			return m.work(c, idx)
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}
	sup.Go0("menu.update", m.pushMenu)
	m.log.Info("command dispatcher started", logx.Int("workers", m.cfg.Workers), logx.Int("queue_cap", cap(m.jobs)))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.runMu.Lock()
		m.sup = nil
		m.runMu.Unlock()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(up)
		}
	}
}

func (m *Manager) work(ctx context.Context, idx int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-m.jobs:
			func() {
				// handlers are wrapped in withRecover; this keeps the
				// worker alive if something outside them panics
				defer func() {
					if r := recover(); r != nil {
						m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					}
				}()
				job(ctx)
			}()
		}
	}
}

func (m *Manager) route(up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenize(text)
	if len(parts) == 0 {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	word := commandWord(parts[0])
	args := parts[1:]

	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if leaf, ok := alias[word]; ok && leaf.cmd != nil {
		m.enqueue(msg, *leaf.cmd, splitRoute(leaf.cmd.Route), args)
		return
	}

	cur, ok := root.child(word)
	if !ok {
		_ = m.reply(chat, "I don't know this command. Try /help", nil)
		return
	}
	path := []string{word}
	for len(args) > 0 {
		next, ok := cur.child(strings.ToLower(args[0]))
		if !ok {
			break
		}
		cur = next
		path = append(path, next.name)
		args = args[1:]
	}
	if cur.cmd == nil {
		_ = m.reply(chat, m.helpText(path), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		return
	}
	m.enqueue(msg, *cur.cmd, path, args)
}

func (m *Manager) enqueue(msg *kit.Message, cmd Command, path, args []string) {
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		_ = m.reply(chat, "unauthorized", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Path:         path,
		Command:      strings.Join(path, " "),
		Args:         args,
		ReqID:        rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", strings.Join(path, " ")),
		),
		m: m,
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Timeout
	}
	mws := []Middleware{withRecover(), withRequestLog(), withErrorReply()}
	if cmd.Audit {
		mws = append(mws, withAudit(m.auditor()))
	}
	mws = append(mws, withTimeout(timeout))
	h := Chain(cmd.Handle, mws...)

	select {
	case m.jobs <- func(ctx context.Context) { _ = h(ctx, req) }:
	default:
		_ = m.reply(chat, "busy, try again", nil)
	}
}

func (m *Manager) auditor() Auditor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.audit
}

func (m *Manager) reply(to kit.ChatTarget, text string, opts *kit.SendOptions) error {
	if m.out == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	err := m.out.Push(outbound.Message{Kind: outbound.KindReply, Target: to, Text: text, Options: opts})
	if err != nil {
		m.log.Debug("reply dropped", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
	return err
}
