package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a chat id or name is unknown.
var ErrNotFound = errors.New("chat not found")

// Status is a candidate chat's position in the discovery state machine.
type Status string

const (
	StatusTest      Status = "test"       // freshly recorded, awaiting evaluation
	StatusSecond    Status = "second"     // evaluated as relevant, awaiting join
	StatusBadSecond Status = "bad_second" // evaluated, not enough organic traffic
	StatusBad       Status = "bad"        // fetch or classification failed
	StatusConnected Status = "connected"  // joined (or membership confirmed)
)

// Chat is one persisted candidate chat record.
type Chat struct {
	ID        int64
	Name      string
	Status    Status
	CreatedAt time.Time
	ChannelID int64
}

// Patch describes a partial update; nil fields are left untouched.
type Patch struct {
	Name      *string
	Status    *Status
	ChannelID *int64
}

// Store is keyed CRUD over candidate chats. ListByStatus returns records
// ordered by creation time.
type Store interface {
	Create(ctx context.Context, name string, status Status, channelID int64) (Chat, error)
	GetByID(ctx context.Context, id int64) (Chat, error)
	GetByName(ctx context.Context, name string) (Chat, error)
	ListByStatus(ctx context.Context, status Status) ([]Chat, error)
	Update(ctx context.Context, id int64, p Patch) (Chat, error)
	Delete(ctx context.Context, id int64) (bool, error)
	Close() error
}

// Config configures the SQLite backend.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}
