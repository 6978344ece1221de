package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"storyrun-backend/internal/services"
)

const taskTypePrefix = "run:"

type RedisConfig struct {
	Addr     string
	Password string
}

func (c RedisConfig) opt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.Addr, Password: c.Password}
}

func taskType(kind services.TaskKind) string {
	return taskTypePrefix + string(kind)
}

// taskOptions never retries and keeps no retention: payloads carry the
// caller's bearer token, which must not outlive the task in Redis.
func taskOptions(timeout time.Duration) []asynq.Option {
	return []asynq.Option{
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
	}
}

// AsynqRunner hands background tasks to Redis so they survive a restart of
// the process that submitted them.
type AsynqRunner struct {
	client  *asynq.Client
	timeout time.Duration
}

func NewAsynqRunner(cfg RedisConfig, timeout time.Duration) *AsynqRunner {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &AsynqRunner{
		client:  asynq.NewClient(cfg.opt()),
		timeout: timeout,
	}
}

// Submit enqueues the task without retries. A lost task is recovered by the
// next Advance, which sees the stale phase and starts the work again.
func (r *AsynqRunner) Submit(ctx context.Context, task services.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	info, err := r.client.EnqueueContext(ctx, asynq.NewTask(taskType(task.Kind), payload), taskOptions(r.timeout)...)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", task.Kind, err)
	}

	log.Printf("[queue] enqueued %s for run %s: id=%s", task.Kind, task.RunID, info.ID)
	return nil
}

func (r *AsynqRunner) Close() error {
	return r.client.Close()
}

// Worker consumes tasks enqueued by AsynqRunner.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

func NewWorker(cfg RedisConfig, concurrency int, handler services.TaskHandler) *Worker {
	if concurrency <= 0 {
		concurrency = 5
	}

	srv := asynq.NewServer(cfg.opt(), asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"default": 1,
		},
	})

	mux := asynq.NewServeMux()
	h := taskHandler(handler)
	for _, kind := range []services.TaskKind{
		services.TaskStartFormatting,
		services.TaskStartAudio,
		services.TaskBuildVideo,
	} {
		mux.HandleFunc(taskType(kind), h)
	}

	return &Worker{server: srv, mux: mux}
}

func taskHandler(handler services.TaskHandler) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		var task services.Task
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
		}
		if err := handler.HandleTask(ctx, task); err != nil {
			log.Printf("[queue] %s for run %s failed: %v", task.Kind, task.RunID, err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return nil
	}
}

// Start begins processing in the background.
func (w *Worker) Start() error {
	log.Printf("[queue] starting task worker")
	return w.server.Start(w.mux)
}

func (w *Worker) Shutdown() {
	w.server.Shutdown()
}
