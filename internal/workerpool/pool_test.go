package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitAndShutdown(t *testing.T) {
	p := New("test", 2, 10)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		if err := p.Submit(func(context.Context) error {
			count.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !p.Shutdown(ctx) {
		t.Fatal("Shutdown did not drain")
	}
	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := New("test", 1, 1)
	p.Shutdown(context.Background())

	if err := p.Submit(func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestQueueFull(t *testing.T) {
	p := New("test", 1, 1)
	blocker := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func(context.Context) error {
		close(started)
		<-blocker
		return nil
	})
	<-started
	if err := p.Submit(func(context.Context) error { return nil }); err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if err := p.Submit(func(context.Context) error { return nil }); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	close(blocker)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)
}

func TestFailuresAndPanicsAreCounted(t *testing.T) {
	p := New("test", 2, 4)
	p.Submit(func(context.Context) error { return errors.New("upload refused") })
	p.Submit(func(context.Context) error { panic("boom") })
	p.Submit(func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	if got := p.Failed(); got != 2 {
		t.Fatalf("Failed = %d, want 2", got)
	}
}

func TestShutdownTimeoutCancelsJobs(t *testing.T) {
	p := New("test", 1, 1)
	cancelled := make(chan struct{})
	p.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if p.Shutdown(ctx) {
		t.Fatal("Shutdown reported drained while a job was blocked")
	}
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("job context not cancelled")
	}
}
