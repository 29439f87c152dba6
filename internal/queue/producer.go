package queue

import (
	"context"

	"github.com/opsdesk/conveyor/internal/observability"
)

// Producer enqueues continuation jobs in their canonical shape. It satisfies
// the workflow service's Enqueuer seam.
type Producer struct {
	queue   Queue
	metrics *observability.Metrics
}

// NewProducer creates a producer over the given queue.
func NewProducer(q Queue, metrics *observability.Metrics) *Producer {
	return &Producer{queue: q, metrics: metrics}
}

// EnqueueStepStart enqueues a first-attempt step continuation job.
func (p *Producer) EnqueueStepStart(ctx context.Context, instanceID, stepID string) error {
	if err := p.queue.Enqueue(ctx, NewStepStartJob(instanceID, stepID)); err != nil {
		return err
	}
	p.metrics.RecordJobEnqueued(JobStepStart)
	return nil
}
