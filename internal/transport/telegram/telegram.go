// Package telegram adapts the Bot API (via telebot) to the transport.Client
// boundary. The Bot API has no history or dialog-list calls, so the adapter
// keeps a bounded cache of observed traffic: GetMessages and GetDialogs
// answer from what the bot has seen since startup.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"groupscout/internal/transport"
)

// messages retained per chat; discovery samples far fewer
const cachePerChat = 128

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log zerolog.Logger

	bot       *tele.Bot
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop; logged periodically to avoid per-update spam.
	droppedUpdates uint64

	cacheMu sync.RWMutex
	recent  map[int64][]transport.Message
	chats   map[int64]transport.ChatInfo
	byName  map[string]int64
}

func New(cfg Config, log zerolog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		log:    log,
		bot:    b,
		recent: map[int64][]transport.Message{},
		chats:  map[int64]transport.ChatInfo{},
		byName: map[string]int64{},
	}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn().Uint64("count", n).Msg("incoming updates dropped (channel full)")
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn().Uint64("count", n).Msg("incoming updates dropped (channel full)")
				}
			}
		}
	}()

	handle := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		up := a.classify(m)
		if up.Kind == transport.UpdateGroup {
			a.observe(m)
		}
		select {
		case out <- up:
		default:
			atomic.AddUint64(&a.droppedUpdates, 1)
		}
		return nil
	}
	a.bot.Handle(tele.OnText, handle)
	a.bot.Handle(tele.OnChannelPost, handle)

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info().Msg("polling started")
		a.bot.Start() // blocks until Stop
	}()

	return nil
}

// classify sorts an inbound message at the edge: group traffic, a private
// slash command, or any other private message.
func (a *Adapter) classify(m *tele.Message) transport.Update {
	msg := transport.Message{
		ID:     m.ID,
		ChatID: m.Chat.ID,
		Text:   m.Text,
		Date:   m.Time(),
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.From = m.Sender.Username
	}

	kind := transport.UpdateGroup
	if m.Chat.Type == tele.ChatPrivate {
		kind = transport.UpdatePrivate
		if strings.HasPrefix(strings.TrimSpace(m.Text), "/") {
			kind = transport.UpdateCommand
		}
	}
	return transport.Update{Kind: kind, Message: msg}
}

func (a *Adapter) observe(m *tele.Message) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()

	id := m.Chat.ID
	info := transport.ChatInfo{ID: id, Name: m.Chat.Username, Title: m.Chat.Title}
	a.chats[id] = info
	if info.Name != "" {
		a.byName[strings.ToLower(info.Name)] = id
	}

	msgs := append(a.recent[id], transport.Message{
		ID:     m.ID,
		ChatID: id,
		FromID: senderID(m),
		Text:   m.Text,
		Date:   m.Time(),
	})
	if len(msgs) > cachePerChat {
		msgs = msgs[len(msgs)-cachePerChat:]
	}
	a.recent[id] = msgs
}

func senderID(m *tele.Message) int64 {
	if m.Sender == nil {
		return 0
	}
	return m.Sender.ID
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	go a.bot.Stop()

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// keep shutdown snappy even if the long-poll is still waiting
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info().Msg("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn().Msg("stop grace elapsed; continuing shutdown")
		return nil
	}
}

// GetMessages returns the most recent cached messages for the chat, newest
// last. An unknown chat yields an empty slice, not an error.
func (a *Adapter) GetMessages(ctx context.Context, ref transport.ChatRef, limit int) ([]transport.Message, error) {
	a.cacheMu.RLock()
	defer a.cacheMu.RUnlock()

	id := ref.ID
	if id == 0 {
		var ok bool
		if id, ok = a.byName[normalizeName(ref.Name)]; !ok {
			return nil, nil
		}
	}
	msgs := a.recent[id]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]transport.Message(nil), msgs...), nil
}

// GetDialogs lists every chat the bot has seen traffic in or confirmed
// membership of.
func (a *Adapter) GetDialogs(ctx context.Context) ([]transport.ChatInfo, error) {
	a.cacheMu.RLock()
	defer a.cacheMu.RUnlock()
	out := make([]transport.ChatInfo, 0, len(a.chats))
	for _, info := range a.chats {
		out = append(out, info)
	}
	return out, nil
}

func (a *Adapter) GetEntity(ctx context.Context, ref transport.ChatRef) (transport.ChatInfo, error) {
	chat, err := a.resolve(ref)
	if err != nil {
		return transport.ChatInfo{}, mapError(err)
	}
	return transport.ChatInfo{ID: chat.ID, Name: chat.Username, Title: chat.Title}, nil
}

// JoinChannel confirms the bot's membership in the chat. Bots cannot join on
// their own; an operator must invite the bot first, after which this call
// succeeds and the chat enters the dialog cache.
func (a *Adapter) JoinChannel(ctx context.Context, ref transport.ChatRef) error {
	chat, err := a.resolve(ref)
	if err != nil {
		return mapError(err)
	}
	member, err := a.bot.ChatMemberOf(chat, a.bot.Me)
	if err != nil {
		return mapError(err)
	}
	switch member.Role {
	case tele.Creator, tele.Administrator, tele.Member, tele.Restricted:
	default:
		return errors.New("bot is not a member of " + ref.String() + "; invite it first")
	}

	a.cacheMu.Lock()
	info := transport.ChatInfo{ID: chat.ID, Name: chat.Username, Title: chat.Title}
	a.chats[chat.ID] = info
	if info.Name != "" {
		a.byName[strings.ToLower(info.Name)] = chat.ID
	}
	a.cacheMu.Unlock()
	return nil
}

func (a *Adapter) Forward(ctx context.Context, msg transport.MessageRef, dest transport.ChatTarget) error {
	stored := tele.StoredMessage{
		MessageID: strconv.Itoa(msg.MessageID),
		ChatID:    msg.ChatID,
	}
	_, err := a.bot.Forward(&tele.Chat{ID: dest.ChatID}, stored)
	return mapError(err)
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, sendOpt)
	if err != nil {
		return transport.MessageRef{}, mapError(err)
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) resolve(ref transport.ChatRef) (*tele.Chat, error) {
	if ref.ID != 0 {
		return a.bot.ChatByID(ref.ID)
	}
	name := ref.Name
	if !strings.HasPrefix(name, "@") {
		name = "@" + name
	}
	return a.bot.ChatByUsername(name)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimPrefix(name, "@"))
}

// mapError converts telebot flood errors to the transport's RateLimitError
// so jobs can back off for the advertised duration.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &transport.RateLimitError{RetryAfter: time.Duration(fe.RetryAfter) * time.Second}
	}
	var fep *tele.FloodError
	if errors.As(err, &fep) {
		return &transport.RateLimitError{RetryAfter: time.Duration(fep.RetryAfter) * time.Second}
	}
	return err
}

var _ transport.Client = (*Adapter)(nil)
