package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPollInterval = 250 * time.Millisecond

// RedisQueue is a Redis-backed Queue. Ready jobs live in a list, delayed
// redeliveries in a sorted set scored by their ready time; Dequeue promotes
// due entries before polling the list. Exhausted jobs are parked in a
// dead-letter list.
type RedisQueue struct {
	client       redis.Cmdable
	readyKey     string
	delayedKey   string
	deadKey      string
	pollInterval time.Duration
}

// NewRedisQueue creates a Redis queue using keys under the given prefix,
// e.g. "conveyor" yields "conveyor:jobs:ready".
func NewRedisQueue(client redis.Cmdable, keyPrefix string) *RedisQueue {
	if keyPrefix == "" {
		keyPrefix = "conveyor"
	}
	return &RedisQueue{
		client:       client,
		readyKey:     keyPrefix + ":jobs:ready",
		delayedKey:   keyPrefix + ":jobs:delayed",
		deadKey:      keyPrefix + ":jobs:dead",
		pollInterval: defaultPollInterval,
	}
}

// Enqueue makes the job available for immediate delivery.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey, data).Err(); err != nil {
		return fmt.Errorf("redis lpush %q: %w", q.readyKey, err)
	}
	return nil
}

// Dequeue blocks until a job is available or ctx is done. Due delayed jobs
// are promoted to the ready list on each poll.
func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		if err := q.promoteDue(ctx); err != nil {
			return Job{}, err
		}

		raw, err := q.client.RPop(ctx, q.readyKey).Bytes()
		if err == nil {
			var job Job
			if err := json.Unmarshal(raw, &job); err != nil {
				return Job{}, fmt.Errorf("unmarshal job: %w", err)
			}
			return job, nil
		}
		if !errors.Is(err, redis.Nil) {
			return Job{}, fmt.Errorf("redis rpop %q: %w", q.readyKey, err)
		}

		select {
		case <-time.After(q.pollInterval):
		case <-ctx.Done():
			return Job{}, ctx.Err()
		}
	}
}

// Retry schedules the job for redelivery after the given delay.
func (q *RedisQueue) Retry(ctx context.Context, job Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: score, Member: data}).Err(); err != nil {
		return fmt.Errorf("redis zadd %q: %w", q.delayedKey, err)
	}
	return nil
}

// DeadLetter parks a job that exhausted its attempts.
func (q *RedisQueue) DeadLetter(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.deadKey, data).Err(); err != nil {
		return fmt.Errorf("redis lpush %q: %w", q.deadKey, err)
	}
	return nil
}

// DeadLetterCount returns the number of dead-lettered jobs.
func (q *RedisQueue) DeadLetterCount(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.deadKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %q: %w", q.deadKey, err)
	}
	return n, nil
}

// HealthCheck verifies Redis connectivity.
func (q *RedisQueue) HealthCheck(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// promoteDue moves delayed jobs whose ready time has passed onto the ready
// list. ZRem guards against a concurrent promoter moving the same entry.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("redis zrangebyscore %q: %w", q.delayedKey, err)
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey, member).Result()
		if err != nil {
			return fmt.Errorf("redis zrem %q: %w", q.delayedKey, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey, member).Err(); err != nil {
			return fmt.Errorf("redis lpush %q: %w", q.readyKey, err)
		}
	}
	return nil
}
