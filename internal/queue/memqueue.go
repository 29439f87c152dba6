package queue

import (
	"context"
	"sync"
	"time"
)

const defaultMemCapacity = 1024

// MemoryQueue is a channel-backed Queue for tests and single-instance
// deployments. Delayed redelivery is timer-based; dead letters accumulate in
// memory and are inspectable via DeadLetters.
type MemoryQueue struct {
	ready chan Job

	mu     sync.Mutex
	dead   []Job
	timers []*time.Timer
	closed bool
}

// NewMemoryQueue creates an in-memory queue with the default capacity.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ready: make(chan Job, defaultMemCapacity)}
}

// Enqueue makes the job available for immediate delivery.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.ready <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a job is available or ctx is done.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-q.ready:
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Retry schedules the job for redelivery after the given delay.
func (q *MemoryQueue) Retry(_ context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	t := time.AfterFunc(delay, func() {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		q.ready <- job
	})
	q.timers = append(q.timers, t)
	return nil
}

// DeadLetter parks a job that exhausted its attempts.
func (q *MemoryQueue) DeadLetter(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, job)
	return nil
}

// DeadLetters returns a copy of the dead-lettered jobs. For inspection and
// testing.
func (q *MemoryQueue) DeadLetters() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.dead))
	copy(out, q.dead)
	return out
}

// Len returns the number of jobs ready for delivery. For testing.
func (q *MemoryQueue) Len() int {
	return len(q.ready)
}

// Close stops pending retry timers. Jobs already ready stay dequeueable.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, t := range q.timers {
		t.Stop()
	}
	q.timers = nil
}
