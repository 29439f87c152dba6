// Package queue implements the durable step continuation queue: jobs carry
// the instance and step identity, delivery is at-least-once, and failed jobs
// are retried with exponential backoff before landing in a dead-letter
// queue. Two drivers exist, an in-memory channel queue for tests and
// single-instance deployments and a Redis-backed queue for everything else.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobStepStart is the job name for step continuation jobs.
const JobStepStart = "workflow.step.start"

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 2 * time.Second
)

// Job is one unit of deferred work. Attempt counts deliveries, starting at 1
// for the first.
type Job struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	InstanceID string    `json:"instance_id"`
	StepID     string    `json:"step_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewStepStartJob builds a first-attempt continuation job.
func NewStepStartJob(instanceID, stepID string) Job {
	return Job{
		ID:         uuid.New().String(),
		Name:       JobStepStart,
		InstanceID: instanceID,
		StepID:     stepID,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Options tune retry behavior.
type Options struct {
	// MaxAttempts is the total delivery budget per job, including the
	// first attempt.
	MaxAttempts int
	// BaseBackoff is the delay before the second attempt; it doubles for
	// each attempt after that.
	BaseBackoff time.Duration
}

// WithDefaults fills zero fields with the standard retry policy.
func (o Options) WithDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	return o
}

// Backoff returns the delay before redelivering a job that has already been
// attempted the given number of times: base, 2*base, 4*base and so on.
func (o Options) Backoff(attempts int) time.Duration {
	d := o.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// Queue is the durable job transport. Implementations deliver each enqueued
// job at least once; consumers must tolerate redelivery.
type Queue interface {
	// Enqueue makes the job available for immediate delivery.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (Job, error)

	// Retry schedules the job for redelivery after the given delay.
	Retry(ctx context.Context, job Job, delay time.Duration) error

	// DeadLetter parks a job that exhausted its attempts.
	DeadLetter(ctx context.Context, job Job) error
}
