package jobs

import (
	"context"
	"fmt"

	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"groupscout/internal/store"
	"groupscout/internal/transport"
)

// JoinConfig controls the join pass.
type JoinConfig struct {
	Cooldown time.Duration // pause between join attempts, default 30s
}

func (c JoinConfig) withDefaults() JoinConfig {
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// JoinSummary is the task result of one join run.
type JoinSummary struct {
	Joined        int
	AlreadyJoined int
	Failed        int
}

func (s JoinSummary) String() string {
	return fmt.Sprintf("joined=%d already_joined=%d failed=%d", s.Joined, s.AlreadyJoined, s.Failed)
}

// Join connects the bot to every chat promoted to "second": candidates
// already present in the dialog list are confirmed, the rest are joined with
// a cool-down between attempts. A failure on one candidate never aborts the
// others.
type Join struct {
	cfg       JoinConfig
	client    transport.Client
	openStore func() (store.Store, error)
	notify    func(ctx context.Context, text string)
	log       zerolog.Logger
}

func NewJoin(cfg JoinConfig, client transport.Client,
	openStore func() (store.Store, error),
	notify func(ctx context.Context, text string), log zerolog.Logger) *Join {
	if notify == nil {
		notify = func(context.Context, string) {}
	}
	return &Join{cfg: cfg.withDefaults(), client: client, openStore: openStore, notify: notify, log: log}
}

// Run executes one join pass. Shaped as a scheduler task body.
func (j *Join) Run(ctx context.Context) (any, error) {
	st, err := j.openStore()
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	var sum JoinSummary
	defer func() {
		if cerr := st.Close(); cerr != nil {
			j.log.Warn().Err(cerr).Msg("closing chat store")
		}
		j.log.Info().Str("summary", sum.String()).Msg("join pass finished")
		j.notify(ctx, "join pass finished: "+sum.String())
	}()

	chats, err := st.ListByStatus(ctx, store.StatusSecond)
	if err != nil {
		return nil, fmt.Errorf("list promoted chats: %w", err)
	}
	if len(chats) == 0 {
		return sum, nil
	}

	dialogs, err := j.client.GetDialogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list joined chats: %w", err)
	}
	byID := make(map[int64]struct{}, len(dialogs))
	byName := make(map[string]struct{}, len(dialogs))
	for _, d := range dialogs {
		if d.ID != 0 {
			byID[d.ID] = struct{}{}
		}
		if d.Name != "" {
			byName[d.Name] = struct{}{}
		}
	}

	// One join attempt per cooldown window; the first candidate goes straight through.
	limiter := rate.NewLimiter(rate.Every(j.cfg.Cooldown), 1)

	for _, chat := range chats {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}

		if _, ok := byID[chat.ChannelID]; ok {
			j.markConnected(ctx, st, chat, chat.ChannelID)
			sum.AlreadyJoined++
			continue
		}
		if _, ok := byName[chat.Name]; ok {
			j.markConnected(ctx, st, chat, chat.ChannelID)
			sum.AlreadyJoined++
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return sum, err
		}
		if err := j.client.JoinChannel(ctx, chatRef(chat)); err != nil {
			j.log.Warn().Err(err).Str("chat", chat.Name).Msg("join failed")
			sum.Failed++
			continue
		}

		channelID := chat.ChannelID
		if info, err := j.client.GetEntity(ctx, chatRef(chat)); err == nil && info.ID != 0 {
			channelID = info.ID
		}
		j.markConnected(ctx, st, chat, channelID)
		sum.Joined++
		j.log.Info().Str("chat", chat.Name).Int64("channel", channelID).Msg("chat joined")
	}
	return sum, nil
}

func (j *Join) markConnected(ctx context.Context, st store.Store, chat store.Chat, channelID int64) {
	connected := store.StatusConnected
	patch := store.Patch{Status: &connected}
	if channelID != 0 && channelID != chat.ChannelID {
		patch.ChannelID = &channelID
	}
	if _, err := st.Update(ctx, chat.ID, patch); err != nil {
		j.log.Error().Err(err).Str("chat", chat.Name).Msg("status update failed")
	}
}
