package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"groupscout/internal/transport"
)

// Processor decouples the ingest rate of group messages from the much slower,
// externally rate-limited classification calls. Messages accumulate in an
// unbounded ordered buffer; a single loop drains them periodically as one
// batch, feeds them to the classifier and acts on the verdicts. The buffer,
// the block-list and the flush timestamp are the only shared state, all
// guarded by one mutex; the loop is the sole flush initiator, so flush cycles
// never overlap.
type Processor struct {
	log    zerolog.Logger
	cls    Classifier
	fwd    Forwarder
	prompt func() string
	cfg    Config

	mu        sync.Mutex
	buf       []Event
	blocked   map[int64]struct{}
	lastFlush time.Time
}

func New(cfg Config, cls Classifier, fwd Forwarder, prompt func() string, log zerolog.Logger) *Processor {
	if prompt == nil {
		prompt = func() string { return "" }
	}
	return &Processor{
		log:     log,
		cls:     cls,
		fwd:     fwd,
		prompt:  prompt,
		cfg:     cfg.withDefaults(),
		blocked: map[int64]struct{}{},
	}
}

// Add appends one event to the buffer in arrival order. It never blocks on
// classification.
func (p *Processor) Add(e Event) {
	p.mu.Lock()
	p.buf = append(p.buf, e)
	p.mu.Unlock()
}

// Blocked reports whether a sender is on the block-list.
func (p *Processor) Blocked(senderID int64) bool {
	p.mu.Lock()
	_, ok := p.blocked[senderID]
	p.mu.Unlock()
	return ok
}

// Stats returns current buffer depth and block-list size, for /get_status.
func (p *Processor) Stats() (buffered, blocked int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf), len(p.blocked)
}

// Run is the processing loop, intended to be hosted as a scheduler task. It
// wakes every tick and flushes once the configured interval has elapsed since
// the previous flush. Returns only when ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	p.lastFlush = time.Now()
	p.mu.Unlock()

	p.log.Info().
		Dur("tick", p.cfg.Tick).
		Dur("flush_every", p.cfg.FlushEvery).
		Int("destinations", len(p.cfg.Destinations)).
		Msg("batch processing loop started")

	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("batch processing loop stopped")
			return ctx.Err()
		case <-ticker.C:
			p.mu.Lock()
			due := time.Since(p.lastFlush) >= p.cfg.FlushEvery
			p.mu.Unlock()
			if due {
				p.flush(ctx)
			}
		}
	}
}

// flush performs one drain-classify-act cycle. The buffer swap and the flush
// timestamp update happen inside one critical section, so an Add racing the
// flush lands in the next cycle, never lost and never double-counted.
func (p *Processor) flush(ctx context.Context) {
	p.mu.Lock()
	p.lastFlush = time.Now()
	events := p.buf
	p.buf = nil
	p.mu.Unlock()

	if len(events) == 0 {
		return
	}

	batchText := p.batchText(events)
	if batchText == "" {
		p.log.Debug().Int("events", len(events)).Msg("flush: every sender blocked, nothing to classify")
		return
	}

	reply, err := p.cls.Classify(ctx, batchText, p.prompt())
	if err != nil {
		p.log.Warn().Err(err).Int("events", len(events)).Msg("flush aborted: classifier call failed")
		return
	}
	results, err := ParseResults(reply)
	if err != nil {
		p.log.Warn().Err(err).Msg("flush aborted: unparseable classifier reply")
		return
	}

	var blockedNow, forwarded int
	for _, r := range results {
		switch {
		case r.Category.Abusive():
			if r.SenderID != 0 && p.block(r.SenderID) {
				blockedNow++
			}
		case r.Category.Match():
			ev, ok := findEvent(events, r.ChatID, r.MessageID)
			if !ok {
				p.log.Debug().Int64("chat", r.ChatID).Int("msg", r.MessageID).Msg("match result has no buffered event")
				continue
			}
			forwarded += p.forward(ctx, ev)
		}
	}
	p.log.Info().
		Int("events", len(events)).
		Int("results", len(results)).
		Int("blocked_new", blockedNow).
		Int("forwarded", forwarded).
		Msg("flush cycle done")
}

// batchText renders the outbound classification request: one line per event,
// excluding blocked senders.
func (p *Processor) batchText(events []Event) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var b strings.Builder
	for _, e := range events {
		if _, ok := p.blocked[e.SenderID]; ok {
			continue
		}
		fmt.Fprintf(&b, "id:%d, message: %s\n", e.SenderID, e.Text)
	}
	return b.String()
}

func (p *Processor) block(senderID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.blocked[senderID]; ok {
		return false
	}
	p.blocked[senderID] = struct{}{}
	p.log.Info().Int64("sender", senderID).Msg("sender blocked")
	return true
}

func (p *Processor) forward(ctx context.Context, ev Event) int {
	n := 0
	ref := transport.MessageRef{ChatID: ev.ChatID, MessageID: ev.MessageID}
	for _, dest := range p.cfg.Destinations {
		if err := p.fwd.Forward(ctx, ref, transport.ChatTarget{ChatID: dest}); err != nil {
			p.log.Warn().Err(err).Int64("dest", dest).Int64("chat", ev.ChatID).Int("msg", ev.MessageID).Msg("forward failed")
			continue
		}
		n++
	}
	return n
}

func findEvent(events []Event, chatID int64, messageID int) (Event, bool) {
	for _, e := range events {
		if e.ChatID == chatID && e.MessageID == messageID {
			return e, true
		}
	}
	return Event{}, false
}
