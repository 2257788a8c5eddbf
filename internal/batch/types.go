package batch

import (
	"context"
	"strings"
	"time"

	"groupscout/internal/transport"
)

// Event is one buffered group message. It lives exactly one flush cycle.
type Event struct {
	SenderID  int64
	ChatID    int64
	MessageID int
	Text      string
}

// Category is the classifier's verdict for one message, normalized at the
// parse boundary. Unknown tags are kept verbatim so they can be logged, but
// they drive no decisions.
type Category string

const (
	CategorySpam       Category = "spam"
	CategoryScam       Category = "scam"
	CategorySeekingOk  Category = "seeking_ok"
	CategoryIrrelevant Category = "irrelevant"
)

func ParseCategory(raw string) Category {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "spam":
		return CategorySpam
	case "scam":
		return CategoryScam
	case "seeking_ok":
		return CategorySeekingOk
	case "irrelevant":
		return CategoryIrrelevant
	default:
		return Category(strings.TrimSpace(raw))
	}
}

// Abusive reports whether the sender should land on the block-list.
func (c Category) Abusive() bool {
	return c == CategorySpam || c == CategoryScam
}

// Match reports whether the originating message should be forwarded.
func (c Category) Match() bool {
	return c == CategorySeekingOk
}

// Result is one entry of the classifier's structured response, echoing back
// the identifiers of the originating event.
type Result struct {
	Category  Category
	SenderID  int64
	ChatID    int64
	MessageID int
}

// Classifier is the external model boundary consumed by the processor.
type Classifier interface {
	Classify(ctx context.Context, batchText, promptText string) (string, error)
}

// Forwarder is the slice of the chat protocol the processor needs.
type Forwarder interface {
	Forward(ctx context.Context, msg transport.MessageRef, dest transport.ChatTarget) error
}

// Config controls the flush loop. Zero fields fall back to defaults.
type Config struct {
	Tick         time.Duration // loop wake interval, default 1s
	FlushEvery   time.Duration // minimum time between flushes, default 30s
	Destinations []int64       // forwarding targets for matched messages
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 30 * time.Second
	}
	return c
}
