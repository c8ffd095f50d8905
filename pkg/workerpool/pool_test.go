package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPool_SameKeyRunsInOrder(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]int)

	p, err := New(Config{Workers: 4, QueueSize: 64}, func(_ context.Context, task *Task) error {
		mu.Lock()
		seen[task.Key] = append(seen[task.Key], task.Payload.(int))
		mu.Unlock()
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.Start()

	keys := []string{"artifacts/a/users/u1/medical_records", "artifacts/a/users/u2/appointments"}
	for i := 0; i < 20; i++ {
		for _, k := range keys {
			if err := p.Submit(&Task{ID: fmt.Sprint(i), Key: k, Payload: i}); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}
	p.Stop()

	for _, k := range keys {
		got := seen[k]
		if len(got) != 20 {
			t.Fatalf("%s: expected 20 tasks, got %d", k, len(got))
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("%s: out of order at %d: %v", k, i, got)
			}
		}
	}
	if s := p.Stats(); s.TasksCompleted != 40 || s.TasksFailed != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestPool_RetriesThenFails(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	p, _ := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, func(context.Context, *Task) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("broker unavailable")
	}, nil)
	p.Start()

	if err := p.Submit(&Task{ID: "t1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.Stop()

	if calls != 3 {
		t.Fatalf("expected 1 call + 2 retries, got %d", calls)
	}
	if s := p.Stats(); s.TasksFailed != 1 || s.TasksRetried != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p, _ := New(DefaultConfig(), func(context.Context, *Task) error { return nil }, nil)
	p.Start()
	p.Stop()
	if err := p.Submit(&Task{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestPool_QueueFull(t *testing.T) {
	block := make(chan struct{})
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(context.Context, *Task) error {
		<-block
		return nil
	}, nil)
	p.Start()

	p.Submit(&Task{ID: "running"})
	// Wait for the worker to take the first task off the queue.
	deadline := time.Now().Add(time.Second)
	for p.Stats().QueueDepth != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := p.Submit(&Task{ID: "queued"}); err != nil {
		t.Fatalf("submit queued: %v", err)
	}
	if err := p.Submit(&Task{ID: "overflow"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(block)
	p.Stop()
}

func TestPool_SubmitWaitBlocksUntilRoom(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	var done []string
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(_ context.Context, task *Task) error {
		<-block
		mu.Lock()
		done = append(done, task.ID)
		mu.Unlock()
		return nil
	}, nil)
	p.Start()

	p.Submit(&Task{ID: "running"})
	deadline := time.Now().Add(time.Second)
	for p.Stats().QueueDepth != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	p.Submit(&Task{ID: "queued"})

	submitted := make(chan error, 1)
	go func() { submitted <- p.SubmitWait(context.Background(), &Task{ID: "waiting"}) }()
	select {
	case err := <-submitted:
		t.Fatalf("submit returned while the queue was full: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(block)
	if err := <-submitted; err != nil {
		t.Fatalf("submit wait: %v", err)
	}
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(done) != "[running queued waiting]" {
		t.Fatalf("unexpected completion order %v", done)
	}
}

func TestPool_SubmitWaitHonoursContextAndStop(t *testing.T) {
	block := make(chan struct{})
	p, _ := New(Config{Workers: 1, QueueSize: 1, GracefulShutdownTimeout: time.Second}, func(context.Context, *Task) error {
		<-block
		return nil
	}, nil)
	p.Start()
	p.Submit(&Task{ID: "running"})
	deadline := time.Now().Add(time.Second)
	for p.Stats().QueueDepth != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	p.Submit(&Task{ID: "queued"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.SubmitWait(ctx, &Task{ID: "late"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	submitted := make(chan error, 1)
	go func() { submitted <- p.SubmitWait(context.Background(), &Task{ID: "stranded"}) }()
	time.Sleep(10 * time.Millisecond)
	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case err := <-submitted:
		if !errors.Is(err, ErrStopped) && err != nil {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiting submit not released by Stop")
	}
	close(block)
	<-stopped
}
