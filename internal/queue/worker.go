package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsdesk/conveyor/internal/observability"
	"github.com/opsdesk/conveyor/model"
)

// Processor handles one step continuation. The workflow service implements
// it: reload the aggregate, materialize the step, persist.
type Processor interface {
	MaterializeStep(ctx context.Context, instanceID, stepID string) error
}

// Worker consumes continuation jobs with bounded concurrency. Infrastructure
// failures and version conflicts are retried with exponential backoff up to
// the attempt budget and then dead-lettered; other business errors end the
// job immediately since redelivery cannot fix them.
type Worker struct {
	queue       Queue
	processor   Processor
	opts        Options
	concurrency int
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// NewWorker creates a worker over the given queue and processor.
func NewWorker(
	q Queue,
	processor Processor,
	opts Options,
	concurrency int,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		processor:   processor,
		opts:        opts.WithDefaults(),
		concurrency: concurrency,
		metrics:     metrics,
		logger:      logger,
	}
}

// Run consumes jobs until ctx is done. It blocks; callers typically run it
// in a goroutine and cancel ctx on shutdown.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		w.process(ctx, job)
	}
}

// process runs one job delivery and decides its fate.
func (w *Worker) process(ctx context.Context, job Job) {
	start := time.Now()
	err := w.processor.MaterializeStep(ctx, job.InstanceID, job.StepID)
	duration := time.Since(start)

	if err == nil {
		w.metrics.RecordJobProcessed(job.Name, "ok", duration)
		return
	}

	if model.IsBusinessError(err) && !model.IsConflictError(err) {
		// A rule violation will not heal on redelivery. Version conflicts
		// are the exception: a concurrent writer won the race, so the job
		// falls through to the retry path below.
		w.logger.Error("continuation rejected by domain, dropping job",
			zap.String("job_id", job.ID),
			zap.String("workflow_id", job.InstanceID),
			zap.String("step_id", job.StepID),
			zap.Error(err),
		)
		w.metrics.RecordJobProcessed(job.Name, "rejected", duration)
		return
	}

	if job.Attempt >= w.opts.MaxAttempts {
		w.logger.Error("continuation exhausted attempts, dead-lettering",
			zap.String("job_id", job.ID),
			zap.String("workflow_id", job.InstanceID),
			zap.String("step_id", job.StepID),
			zap.Int("attempts", job.Attempt),
			zap.Error(err),
		)
		w.metrics.RecordJobProcessed(job.Name, "dead_lettered", duration)
		w.metrics.RecordJobDeadLettered(job.Name)
		if dlErr := w.queue.DeadLetter(ctx, job); dlErr != nil {
			w.logger.Error("dead-letter failed", zap.String("job_id", job.ID), zap.Error(dlErr))
		}
		return
	}

	delay := w.opts.Backoff(job.Attempt)
	w.logger.Warn("continuation failed, scheduling retry",
		zap.String("job_id", job.ID),
		zap.String("workflow_id", job.InstanceID),
		zap.String("step_id", job.StepID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	w.metrics.RecordJobProcessed(job.Name, "retried", duration)
	w.metrics.RecordJobRetry(job.Name)

	job.Attempt++
	if rErr := w.queue.Retry(ctx, job, delay); rErr != nil {
		w.logger.Error("retry scheduling failed", zap.String("job_id", job.ID), zap.Error(rErr))
	}
}
