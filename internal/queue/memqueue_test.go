package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueue_enqueue_dequeue(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	job := NewStepStartJob("WF-0000000001", "step-a")
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got.ID != job.ID || got.StepID != "step-a" {
		t.Errorf("Dequeue() = %+v, want the enqueued job", got)
	}
}

func TestMemoryQueue_dequeue_respects_context(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	if err == nil {
		t.Fatal("Dequeue() on empty queue should fail once ctx is done")
	}
}

func TestMemoryQueue_retry_redelivers_after_delay(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	job := NewStepStartJob("WF-0000000001", "step-a")
	job.Attempt = 2
	if err := q.Retry(ctx, job, 10*time.Millisecond); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if q.Len() != 0 {
		t.Error("job should not be ready before the delay elapses")
	}

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := q.Dequeue(dctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got.ID != job.ID || got.Attempt != 2 {
		t.Errorf("Dequeue() = %+v, want the retried job with its attempt count", got)
	}
}

func TestMemoryQueue_dead_letter(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	job := NewStepStartJob("WF-0000000001", "step-a")
	if err := q.DeadLetter(ctx, job); err != nil {
		t.Fatalf("DeadLetter() error = %v", err)
	}

	dead := q.DeadLetters()
	if len(dead) != 1 || dead[0].ID != job.ID {
		t.Errorf("DeadLetters() = %+v, want the parked job", dead)
	}
	if q.Len() != 0 {
		t.Error("dead-lettered job must not be redelivered")
	}
}

func TestMemoryQueue_close_stops_pending_retries(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	if err := q.Retry(ctx, NewStepStartJob("WF-0000000001", "step-a"), 10*time.Millisecond); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	q.Close()

	time.Sleep(30 * time.Millisecond)
	if q.Len() != 0 {
		t.Error("retry must not fire after Close")
	}
}
