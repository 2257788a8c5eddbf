package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSupervisorCancelOnError(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))

	boom := errors.New("boom")
	sup.Go("failing", func(ctx context.Context) error { return boom })
	sup.Go("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(waitCtx)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait err = %v, want %v", err, boom)
	}
	select {
	case <-sup.Context().Done():
	default:
		t.Fatal("context not cancelled after first error")
	}
}

func TestSupervisorRecoversPanic(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	sup.Go("panicky", func(ctx context.Context) error { panic("kaboom") })

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(waitCtx)
	if err == nil {
		t.Fatal("Wait returned nil after panic")
	}
	if got := err.Error(); got != "panic in panicky: kaboom" {
		t.Fatalf("err = %q", got)
	}
}

func TestSupervisorStopWaitsForGoroutines(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())
	released := make(chan struct{})
	sup.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		close(released)
		return nil
	})

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-released:
	default:
		t.Fatal("Stop returned before the worker exited")
	}
}
