// Package queue moves generation jobs from the API tier to workers over a
// Redis list. A per-task keyed mutex in the worker serializes jobs for the
// same task, closing the window where two turns of one conversation could
// race on history and sort order.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aviary-hr/aviary/internal/metrics"
)

// JobType enumerates work kinds.
type JobType string

const (
	JobChat     JobType = "CHAT"
	JobFeedback JobType = "FEEDBACK"
)

// Job is one unit of work. For CHAT jobs TaskID and OutputID name the turn
// to produce; for FEEDBACK jobs Payload carries the serialized event.
type Job struct {
	Type     JobType         `json:"type"`
	TaskID   string          `json:"taskId,omitempty"`
	OutputID string          `json:"outputId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Queue is a Redis-list-backed job queue.
type Queue struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// New builds a queue over an existing Redis client.
func New(client *redis.Client, key string, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if key == "" {
		key = "aviary:jobs"
	}
	return &Queue{client: client, key: key, logger: logger}
}

// Enqueue pushes a job onto the queue.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	q.updateDepth(ctx)
	return nil
}

// Dequeue blocks up to timeout for the next job. A nil job with nil error
// means the wait timed out.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected brpop reply length %d", len(res))
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		q.logger.Error("Dropping undecodable job", zap.Error(err))
		return nil, nil
	}
	q.updateDepth(ctx)
	return &job, nil
}

// Depth returns the number of waiting jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *Queue) updateDepth(ctx context.Context) {
	if depth, err := q.Depth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
}
