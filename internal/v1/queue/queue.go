// Package queue moves work off the WebSocket read loop: accepted pings head
// to the persister through it, and every sent message schedules an after-send
// task. Tasks retry with exponential backoff and park in the archive when
// retries run out.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/slopeline/slopeline/internal/v1/types"
)

// Task type names. Also the queue keys visible in redis, so keep them stable.
const (
	TaskPersistPing   = "location:ping:persist"
	TaskChatAfterSend = "chat:after-send"
)

const (
	// taskAttempts is total tries per task, first run included.
	taskAttempts = 3
	// retryBase seeds the exponential backoff between tries.
	retryBase = time.Second
	// taskTimeout bounds one handler invocation.
	taskTimeout = 30 * time.Second
)

// retryDelay doubles the wait per retry: 1s, 2s, 4s.
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n < 0 {
		n = 0
	}
	return retryBase << uint(n)
}

// Client enqueues background tasks.
type Client struct {
	inner *asynq.Client
}

// NewClient connects an enqueue-only client to the task broker.
func NewClient(addr, password string) *Client {
	return &Client{inner: asynq.NewClient(asynq.RedisClientOpt{Addr: addr, Password: password})}
}

// Close releases the client's connections.
func (c *Client) Close() error {
	return c.inner.Close()
}

// EnqueuePing schedules one accepted ping for durable persistence.
func (c *Client) EnqueuePing(ctx context.Context, job types.PingJob) error {
	return c.enqueue(ctx, TaskPersistPing, job)
}

// EnqueueAfterSend schedules the post-send hook for a delivered message.
func (c *Client) EnqueueAfterSend(ctx context.Context, job types.AfterSendJob) error {
	return c.enqueue(ctx, TaskChatAfterSend, job)
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	task := asynq.NewTask(taskType, data,
		asynq.MaxRetry(taskAttempts-1),
		asynq.Timeout(taskTimeout),
	)
	if _, err := c.inner.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}
