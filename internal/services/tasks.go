package services

import (
	"context"
	"log"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

type TaskKind string

const (
	TaskStartFormatting TaskKind = "start_formatting"
	TaskStartAudio      TaskKind = "start_audio"
	TaskBuildVideo      TaskKind = "build_video"
)

// Task is a unit of background work. Tasks carry ids only and re-read the run
// when they execute.
type Task struct {
	Kind  TaskKind  `json:"kind"`
	RunID uuid.UUID `json:"run_id"`
	// Token is the caller's bearer token, forwarded to collaborators that
	// authorise per user.
	Token string `json:"token,omitempty"`
}

// TaskRunner submits background work. Submit returns once the task is handed
// off; completion is never awaited or guaranteed.
type TaskRunner interface {
	Submit(ctx context.Context, task Task) error
}

type TaskHandler interface {
	HandleTask(ctx context.Context, task Task) error
}

// DetachedRunner runs each task on its own goroutine with a fresh timeout
// context, detached from the request that submitted it.
type DetachedRunner struct {
	handler TaskHandler
	timeout time.Duration
}

func NewDetachedRunner(timeout time.Duration) *DetachedRunner {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &DetachedRunner{timeout: timeout}
}

// Bind sets the handler. It must be called before the first Submit.
func (r *DetachedRunner) Bind(handler TaskHandler) {
	r.handler = handler
}

func (r *DetachedRunner) Submit(_ context.Context, task Task) error {
	handler := r.handler
	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Printf("[tasks] %s for run %s panicked: %v\n%s", task.Kind, task.RunID, p, debug.Stack())
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if err := handler.HandleTask(ctx, task); err != nil {
			log.Printf("[tasks] %s for run %s failed: %v", task.Kind, task.RunID, err)
		}
	}()
	return nil
}
