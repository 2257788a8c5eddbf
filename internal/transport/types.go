package transport

import (
	"context"
	"fmt"
	"time"
)

type UpdateKind string

const (
	UpdatePrivate UpdateKind = "private"
	UpdateGroup   UpdateKind = "group"
	UpdateCommand UpdateKind = "command"
)

// Update is one inbound chat event, already classified at the adapter edge:
// group traffic, a private command, or any other private message.
type Update struct {
	Kind    UpdateKind
	Message Message
}

type Message struct {
	ID     int
	ChatID int64
	FromID int64
	From   string
	Text   string
	Date   time.Time
}

// ChatRef addresses a chat either by numeric id or by public name.
// Name is used when ID is zero.
type ChatRef struct {
	ID   int64
	Name string
}

func (r ChatRef) String() string {
	if r.ID != 0 {
		return fmt.Sprintf("chat:%d", r.ID)
	}
	return r.Name
}

type ChatInfo struct {
	ID    int64
	Name  string
	Title string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// RateLimitError is returned when the protocol demands a back-off.
// RetryAfter carries the wait the server advertised; callers are expected to
// sleep that long before retrying the same unit of work.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by chat protocol: retry after %s", e.RetryAfter)
}

// Client is the chat-protocol boundary. The Telegram adapter implements it;
// jobs and the batch processor consume it.
type Client interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	GetMessages(ctx context.Context, ref ChatRef, limit int) ([]Message, error)
	GetDialogs(ctx context.Context) ([]ChatInfo, error)
	GetEntity(ctx context.Context, ref ChatRef) (ChatInfo, error)
	JoinChannel(ctx context.Context, ref ChatRef) error
	Forward(ctx context.Context, msg MessageRef, dest ChatTarget) error
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
