package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/slopeline/slopeline/internal/v1/logging"
	"github.com/slopeline/slopeline/internal/v1/metrics"
	"github.com/slopeline/slopeline/internal/v1/types"
)

// PingSink receives decoded ping jobs; the persister implements it.
type PingSink interface {
	Add(ctx context.Context, job types.PingJob) error
}

// AfterSendFunc handles one after-send task.
type AfterSendFunc func(ctx context.Context, job types.AfterSendJob) error

// Server consumes background tasks with a bounded worker pool.
type Server struct {
	inner *asynq.Server
	mux   *asynq.ServeMux
}

// NewServer builds the task consumer. sink receives ping jobs; afterSend may
// be nil, in which case after-send tasks are acknowledged with a log line.
func NewServer(addr, password string, concurrency int, sink PingSink, afterSend AfterSendFunc) *Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: addr, Password: password},
		asynq.Config{
			Concurrency:    concurrency,
			RetryDelayFunc: retryDelay,
			Logger:         zapAdapter{logging.GetLogger().Sugar()},
			LogLevel:       asynq.WarnLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskPersistPing, handlePersistPing(sink))
	mux.HandleFunc(TaskChatAfterSend, handleAfterSend(afterSend))

	return &Server{inner: srv, mux: mux}
}

// Start launches the worker pool, non-blocking.
func (s *Server) Start() error {
	if err := s.inner.Start(s.mux); err != nil {
		return fmt.Errorf("start task server: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight tasks, then stops the pool. Unfinished tasks
// return to the queue.
func (s *Server) Shutdown() {
	s.inner.Shutdown()
}

// handlePersistPing forwards a decoded ping to the sink. A full sink is a
// transient failure, so the task retries with backoff; a malformed payload
// can never succeed and is archived immediately.
func handlePersistPing(sink PingSink) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		var job types.PingJob
		if err := json.Unmarshal(t.Payload(), &job); err != nil {
			metrics.QueueTasks.WithLabelValues(TaskPersistPing, "error").Inc()
			return fmt.Errorf("decode ping job: %v: %w", err, asynq.SkipRetry)
		}
		if err := sink.Add(ctx, job); err != nil {
			metrics.QueueTasks.WithLabelValues(TaskPersistPing, "error").Inc()
			return fmt.Errorf("buffer ping: %w", err)
		}
		metrics.QueueTasks.WithLabelValues(TaskPersistPing, "ok").Inc()
		return nil
	}
}

func handleAfterSend(fn AfterSendFunc) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		var job types.AfterSendJob
		if err := json.Unmarshal(t.Payload(), &job); err != nil {
			metrics.QueueTasks.WithLabelValues(TaskChatAfterSend, "error").Inc()
			return fmt.Errorf("decode after-send job: %v: %w", err, asynq.SkipRetry)
		}
		if fn != nil {
			if err := fn(ctx, job); err != nil {
				metrics.QueueTasks.WithLabelValues(TaskChatAfterSend, "error").Inc()
				return fmt.Errorf("after-send hook: %w", err)
			}
		} else {
			logging.Debug(ctx, "after-send task acknowledged",
				zap.String("messageId", string(job.MessageID)),
				zap.String("roomId", string(job.RoomID)))
		}
		metrics.QueueTasks.WithLabelValues(TaskChatAfterSend, "ok").Inc()
		return nil
	}
}

// zapAdapter lets asynq log through the shared logger.
type zapAdapter struct {
	s *zap.SugaredLogger
}

func (l zapAdapter) Debug(args ...interface{}) { l.s.Debug(args...) }
func (l zapAdapter) Info(args ...interface{})  { l.s.Info(args...) }
func (l zapAdapter) Warn(args ...interface{})  { l.s.Warn(args...) }
func (l zapAdapter) Error(args ...interface{}) { l.s.Error(args...) }
func (l zapAdapter) Fatal(args ...interface{}) { l.s.Fatal(args...) }
