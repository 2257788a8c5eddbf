package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"groupscout/internal/store"
	"groupscout/internal/transport"
)

// Classifier is the slice of the model client the jobs need.
type Classifier interface {
	Classify(ctx context.Context, batchText, promptText string) (string, error)
}

// DiscoveryConfig bounds one evaluation run. Zero fields fall back to defaults.
type DiscoveryConfig struct {
	BatchSize    int           // chats evaluated per run, default 10
	MessageLimit int           // recent messages fetched per chat, default 10
	MinOrganic   int           // organic-message threshold for promotion, default 3
	MaxAge       time.Duration // message freshness cutoff, default 24h
}

func (c DiscoveryConfig) withDefaults() DiscoveryConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = 10
	}
	if c.MinOrganic <= 0 {
		c.MinOrganic = 3
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	return c
}

// DiscoverySummary is the task result of one discovery run.
type DiscoverySummary struct {
	Evaluated   int
	Promoted    int // test -> second
	Demoted     int // test -> bad_second
	Failed      int // test -> bad
	RateLimited int // skipped this run, left in test
}

func (s DiscoverySummary) String() string {
	return fmt.Sprintf("evaluated=%d promoted=%d demoted=%d failed=%d rate_limited=%d",
		s.Evaluated, s.Promoted, s.Demoted, s.Failed, s.RateLimited)
}

// Discovery pages through candidate chats in state "test", samples their
// recent messages and asks the classifier whether the group looks organic.
// Each run opens its own store handle and always closes it, even on early
// failure.
type Discovery struct {
	cfg       DiscoveryConfig
	client    transport.Client
	cls       Classifier
	openStore func() (store.Store, error)
	prompt    func() string
	notify    func(ctx context.Context, text string)
	log       zerolog.Logger
}

func NewDiscovery(cfg DiscoveryConfig, client transport.Client, cls Classifier,
	openStore func() (store.Store, error), prompt func() string,
	notify func(ctx context.Context, text string), log zerolog.Logger) *Discovery {
	if notify == nil {
		notify = func(context.Context, string) {}
	}
	if prompt == nil {
		prompt = func() string { return "" }
	}
	return &Discovery{
		cfg:       cfg.withDefaults(),
		client:    client,
		cls:       cls,
		openStore: openStore,
		prompt:    prompt,
		notify:    notify,
		log:       log,
	}
}

// Run executes one discovery pass. Shaped as a scheduler task body.
func (d *Discovery) Run(ctx context.Context) (any, error) {
	st, err := d.openStore()
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	var sum DiscoverySummary
	defer func() {
		if cerr := st.Close(); cerr != nil {
			d.log.Warn().Err(cerr).Msg("closing chat store")
		}
		d.log.Info().Str("summary", sum.String()).Msg("group discovery finished")
		d.notify(ctx, "group discovery finished: "+sum.String())
	}()

	chats, err := st.ListByStatus(ctx, store.StatusTest)
	if err != nil {
		return nil, fmt.Errorf("list candidate chats: %w", err)
	}
	if len(chats) > d.cfg.BatchSize {
		chats = chats[:d.cfg.BatchSize]
	}
	cutoff := time.Now().Add(-d.cfg.MaxAge)

	for _, chat := range chats {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Evaluated++

		msgs, err := d.client.GetMessages(ctx, chatRef(chat), d.cfg.MessageLimit)
		if err != nil {
			var rl *transport.RateLimitError
			if errors.As(err, &rl) {
				sum.RateLimited++
				d.log.Warn().Str("chat", chat.Name).Dur("wait", rl.RetryAfter).Msg("rate limited, skipping chat this run")
				d.notify(ctx, fmt.Sprintf("rate limited on %s, pausing %s", chat.Name, rl.RetryAfter))
				if serr := sleepCtx(ctx, rl.RetryAfter); serr != nil {
					return sum, serr
				}
				continue // chat stays in "test" for the next run
			}
			d.markStatus(ctx, st, chat, store.StatusBad)
			sum.Failed++
			continue
		}

		batchText, n := recentLines(msgs, cutoff)
		if n == 0 {
			d.markStatus(ctx, st, chat, store.StatusBadSecond)
			sum.Demoted++
			continue
		}

		reply, err := d.cls.Classify(ctx, batchText, d.prompt())
		if err != nil {
			d.log.Warn().Err(err).Str("chat", chat.Name).Msg("classification failed")
			d.markStatus(ctx, st, chat, store.StatusBad)
			sum.Failed++
			continue
		}
		count := parseOrganicCount(reply)
		if count > d.cfg.MinOrganic {
			d.markStatus(ctx, st, chat, store.StatusSecond)
			sum.Promoted++
			d.log.Info().Str("chat", chat.Name).Int("organic", count).Msg("chat promoted")
		} else {
			d.markStatus(ctx, st, chat, store.StatusBadSecond)
			sum.Demoted++
			d.log.Info().Str("chat", chat.Name).Int("organic", count).Msg("chat demoted")
		}
	}
	return sum, nil
}

func (d *Discovery) markStatus(ctx context.Context, st store.Store, chat store.Chat, status store.Status) {
	if _, err := st.Update(ctx, chat.ID, store.Patch{Status: &status}); err != nil {
		d.log.Error().Err(err).Str("chat", chat.Name).Str("status", string(status)).Msg("status update failed")
	}
}

func chatRef(c store.Chat) transport.ChatRef {
	return transport.ChatRef{ID: c.ChannelID, Name: c.Name}
}

// recentLines renders messages newer than the cutoff as classifier input,
// one "id:<sender>, message: <text>" line each.
func recentLines(msgs []transport.Message, cutoff time.Time) (string, int) {
	var b strings.Builder
	n := 0
	for _, m := range msgs {
		if strings.TrimSpace(m.Text) == "" || m.Date.Before(cutoff) {
			continue
		}
		fmt.Fprintf(&b, "id:%d, message: %s\n", m.FromID, m.Text)
		n++
	}
	return b.String(), n
}

// parseOrganicCount pulls count_message out of the model's reply. Malformed
// replies count as zero, which demotes the chat rather than failing the run.
func parseOrganicCount(reply string) int {
	text := strings.ReplaceAll(reply, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	var out struct {
		Group        bool `json:"group"`
		CountMessage int  `json:"count_message"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
		return 0
	}
	return out.CountMessage
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
