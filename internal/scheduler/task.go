package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal tasks never mutate again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Func is the unit of work a task runs. The context is cancelled by
// Cancel/Shutdown; implementations should honor it promptly.
type Func func(ctx context.Context) (any, error)

// task is the registry-owned record. All fields past construction are mutated
// only while holding the scheduler mutex.
type task struct {
	id   string
	name string
	fn   Func

	status      Status
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	result      any
	err         error

	cancel context.CancelFunc // set while running
	done   chan struct{}      // closed when the task settles
}

func newTask(fn Func, name string) *task {
	id := uuid.NewString()
	if name == "" {
		name = "task-" + id[:8]
	}
	return &task{
		id:        id,
		name:      name,
		fn:        fn,
		status:    StatusPending,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Task is an immutable snapshot of a registry record. Timestamps are nil
// until the corresponding transition happened.
type Task struct {
	ID          string
	Name        string
	Status      Status
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      any
	Err         error
}

func (t *task) snapshot() Task {
	out := Task{
		ID:        t.id,
		Name:      t.name,
		Status:    t.status,
		CreatedAt: t.createdAt,
		Result:    t.result,
		Err:       t.err,
	}
	if !t.startedAt.IsZero() {
		ts := t.startedAt
		out.StartedAt = &ts
	}
	if !t.completedAt.IsZero() {
		ts := t.completedAt
		out.CompletedAt = &ts
	}
	return out
}
