package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler tracks asynchronous tasks through an observable lifecycle:
// pending -> running -> completed | failed | cancelled (pending tasks may be
// cancelled without ever running). It owns the task registry exclusively; all
// status, timestamp and live-set mutations happen under one mutex so that
// Cancel/Shutdown never race a task's own completion path.
type Scheduler struct {
	log zerolog.Logger

	mu        sync.Mutex
	running   bool
	runCtx    context.Context
	runCancel context.CancelFunc

	tasks map[string]*task
	order []string // registry insertion order, for stable listings
	live  map[string]context.CancelFunc
	wg    sync.WaitGroup
}

func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:   log,
		tasks: map[string]*task{},
		live:  map[string]context.CancelFunc{},
	}
}

// Start makes the scheduler accept and launch tasks. Calling it twice without
// an intervening Shutdown is a hard error, not a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.log.Info().Msg("task scheduler started")
	return nil
}

// Add registers fn as a new pending task. The empty name defaults to a short
// derivative of the id.
func (s *Scheduler) Add(fn Func, name string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return Task{}, ErrNotRunning
	}
	t := newTask(fn, name)
	s.tasks[t.id] = t
	s.order = append(s.order, t.id)
	s.log.Debug().Str("task", t.name).Str("id", t.id).Msg("task added")
	return t.snapshot(), nil
}

// Run launches one specific pending task.
func (s *Scheduler) Run(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	t, ok := s.tasks[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	if t.status != StatusPending {
		return ErrInvalidState
	}
	s.launchLocked(t)
	return nil
}

// RunAllPending launches every task that is pending at the moment of the
// call. Tasks added concurrently are left for a later call.
func (s *Scheduler) RunAllPending() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	for _, id := range s.order {
		if t := s.tasks[id]; t.status == StatusPending {
			s.launchLocked(t)
		}
	}
	return nil
}

// launchLocked transitions t to running and spawns its execution unit.
// Caller holds s.mu.
func (s *Scheduler) launchLocked(t *task) {
	t.status = StatusRunning
	t.startedAt = time.Now()
	ctx, cancel := context.WithCancel(s.runCtx)
	t.cancel = cancel
	s.live[t.id] = cancel
	s.wg.Add(1)
	go s.execute(ctx, t)
	s.log.Debug().Str("task", t.name).Msg("task launched")
}

func (s *Scheduler) execute(ctx context.Context, t *task) {
	defer s.wg.Done()
	res, err := t.fn(ctx)

	s.mu.Lock()
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		t.status = StatusCancelled
		s.log.Info().Str("task", t.name).Msg("task cancelled")
	case err != nil:
		t.status = StatusFailed
		t.err = err
		s.log.Warn().Err(err).Str("task", t.name).Msg("task failed")
	default:
		t.status = StatusCompleted
		t.result = res
		s.log.Debug().Str("task", t.name).Msg("task completed")
	}
	t.completedAt = time.Now()
	delete(s.live, t.id)
	close(t.done)
	s.mu.Unlock()

	t.cancel()
}

// Cancel requests cancellation of a task. A pending task is marked cancelled
// directly and never runs. A running task gets its context cancelled and
// Cancel blocks until the unit acknowledges by settling; the unit's own error
// is swallowed here (it stays captured on the task). Returns false when the
// task does not exist or is already terminal.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.status.Terminal() {
		s.mu.Unlock()
		return false
	}
	if t.status == StatusRunning {
		cancel := t.cancel
		done := t.done
		s.mu.Unlock()
		cancel()
		<-done
		return true
	}
	// Pending: settle in place.
	t.status = StatusCancelled
	t.completedAt = time.Now()
	close(t.done)
	s.log.Info().Str("task", t.name).Msg("pending task cancelled")
	s.mu.Unlock()
	return true
}

// Wait blocks until the task settles, the timeout elapses, or ctx is done.
// It bounds only the caller's wait: on timeout the task keeps running and its
// current snapshot is returned.
func (s *Scheduler) Wait(ctx context.Context, id string, timeout time.Duration) (Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return Task{}, &NotFoundError{ID: id}
	}
	if t.status.Terminal() {
		snap := t.snapshot()
		s.mu.Unlock()
		return snap, nil
	}
	done := t.done
	s.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}
	select {
	case <-done:
	case <-timer:
	case <-ctx.Done():
	}
	return s.Get(id)
}

func (s *Scheduler) Get(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, &NotFoundError{ID: id}
	}
	return t.snapshot(), nil
}

func (s *Scheduler) All() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].snapshot())
	}
	return out
}

// Active returns pending and running tasks, in registry order.
func (s *Scheduler) Active() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, id := range s.order {
		if t := s.tasks[id]; !t.status.Terminal() {
			out = append(out, t.snapshot())
		}
	}
	return out
}

func (s *Scheduler) StatusOf(id string) (Status, error) {
	t, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// Shutdown cancels every live unit and waits for all of them to settle,
// swallowing their errors (they remain captured on the tasks). Idempotent.
// Best-effort contract: after Shutdown no unit is running, but partial side
// effects already committed by units are not rolled back.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.log.Debug().Msg("scheduler already shut down")
		return nil
	}
	s.running = false
	cancel := s.runCancel
	s.mu.Unlock()

	// Cancelling the run context signals every live unit at once.
	cancel()

	settled := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(settled)
	}()
	select {
	case <-settled:
		s.log.Info().Msg("task scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn().Err(ctx.Err()).Msg("scheduler shutdown wait cut short")
		return ctx.Err()
	}
}
