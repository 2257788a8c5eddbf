package core

import (
	"context"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"groupscout/internal/transport"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Command is one flat slash command. The surface is small enough that no
// subcommand tree is needed.
type Command struct {
	Name        string // without the leading slash
	Description string
	Usage       string
	OwnerOnly   bool
	Handle      HandlerFunc
}

type Request struct {
	Update transport.Update
	Chat   transport.ChatTarget
	FromID int64
	Args   []string
	// ArgText is everything after the command verb, whitespace-trimmed but
	// otherwise verbatim. Used by commands that take free text.
	ArgText string

	Client transport.Client
	Log    zerolog.Logger
}

func (r *Request) Reply(ctx context.Context, text string) {
	if _, err := r.Client.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true}); err != nil {
		r.Log.Warn().Err(err).Msg("reply failed")
	}
}

// CommandManager consumes the update stream: group messages feed the ingest
// sink, private commands run on a bounded worker pool.
type CommandManager struct {
	mu     sync.RWMutex
	cmds   map[string]Command
	order  []string
	owners []int64

	log    zerolog.Logger
	client transport.Client
	ingest func(transport.Message)

	jobs chan func()
}

func NewCommandManager(log zerolog.Logger, client transport.Client, ingest func(transport.Message), owners []int64) *CommandManager {
	return &CommandManager{
		cmds:   map[string]Command{},
		owners: append([]int64(nil), owners...),
		log:    log,
		client: client,
		ingest: ingest,
		jobs:   make(chan func(), 256),
	}
}

// SetOwners updates the owner list used for OwnerOnly checks. Safe to call
// during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

// SetRegistry installs the command set. /help is always injected.
func (m *CommandManager) SetRegistry(cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Description: "show available commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			req.Reply(ctx, m.helpText())
			return nil
		},
	})

	byName := make(map[string]Command, len(cmds))
	order := make([]string, 0, len(cmds))
	for _, c := range cmds {
		name := strings.TrimSpace(strings.TrimPrefix(c.Name, "/"))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		if _, dup := byName[name]; !dup {
			order = append(order, name)
		}
		byName[name] = c
	}

	m.mu.Lock()
	m.cmds = byName
	m.order = order
	m.mu.Unlock()
}

func (m *CommandManager) helpText() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b strings.Builder
	b.WriteString("commands:\n")
	for _, name := range m.order {
		c := m.cmds[name]
		b.WriteString(c.Usage)
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// DispatchLoop drains updates until ctx is done or the channel closes.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	m.log.Info().Int("workers", workers).Msg("dispatcher started")

	var (
		wg        sync.WaitGroup
		closeOnce sync.Once
	)
	closeJobs := func() { closeOnce.Do(func() { close(m.jobs) }) }

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("panic in command worker")
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-m.jobs:
					if !ok {
						return
					}
					if job != nil {
						job()
					}
				}
			}
		}()
	}
	defer func() {
		closeJobs()
		wg.Wait()
		m.log.Info().Msg("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *CommandManager) route(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateGroup:
		if m.ingest != nil {
			m.ingest(up.Message)
		}
	case transport.UpdateCommand:
		m.routeCommand(ctx, up)
	case transport.UpdatePrivate:
		// plain private text is not a conversation surface; ignore
	}
}

func (m *CommandManager) routeCommand(ctx context.Context, up transport.Update) {
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	verb := text[1:]
	rest := ""
	if i := strings.IndexAny(verb, " \t\n"); i >= 0 {
		verb, rest = verb[:i], strings.TrimSpace(verb[i:])
	}
	// strip bot mention: /cmd@mybot
	if i := strings.IndexByte(verb, '@'); i >= 0 {
		verb = verb[:i]
	}
	verb = strings.ToLower(verb)

	m.mu.RLock()
	cmd, ok := m.cmds[verb]
	owners := append([]int64(nil), m.owners...)
	m.mu.RUnlock()

	chat := transport.ChatTarget{ChatID: msg.ChatID}
	if !ok {
		_, _ = m.client.SendText(ctx, chat, "command not found. try /help", nil)
		return
	}
	if cmd.OwnerOnly && !isOwner(msg.FromID, owners) {
		_, _ = m.client.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Args:    strings.Fields(rest),
		ArgText: rest,
		Client:  m.client,
		Log:     m.log.With().Str("cmd", cmd.Name).Int64("from_id", msg.FromID).Logger(),
	}

	job := func() {
		if err := cmd.Handle(ctx, req); err != nil {
			req.Log.Warn().Err(err).Msg("command failed")
			req.Reply(ctx, "error: "+err.Error())
		}
	}
	select {
	case m.jobs <- job:
	default:
		m.log.Warn().Str("cmd", cmd.Name).Msg("command queue full; dropping")
		_, _ = m.client.SendText(ctx, chat, "busy, try again later", nil)
	}
}

// isOwner permits everyone when no owners are configured.
func isOwner(id int64, owners []int64) bool {
	if len(owners) == 0 {
		return true
	}
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
