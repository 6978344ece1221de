package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(ctx context.Context, task Task) error

func (f handlerFunc) HandleTask(ctx context.Context, task Task) error { return f(ctx, task) }

func TestDetachedRunner_OutlivesSubmitter(t *testing.T) {
	runner := NewDetachedRunner(time.Second)
	done := make(chan error, 1)
	runner.Bind(handlerFunc(func(ctx context.Context, task Task) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		done <- ctx.Err()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, runner.Submit(ctx, Task{Kind: TaskStartAudio, RunID: uuid.New()}))
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestDetachedRunner_SurvivesPanicsAndErrors(t *testing.T) {
	runner := NewDetachedRunner(0)
	calls := make(chan TaskKind, 2)
	runner.Bind(handlerFunc(func(_ context.Context, task Task) error {
		calls <- task.Kind
		if task.Kind == TaskBuildVideo {
			panic("boom")
		}
		return errors.New("failed")
	}))

	require.NoError(t, runner.Submit(context.Background(), Task{Kind: TaskBuildVideo}))
	require.NoError(t, runner.Submit(context.Background(), Task{Kind: TaskStartFormatting}))

	seen := map[TaskKind]bool{}
	for i := 0; i < 2; i++ {
		select {
		case k := <-calls:
			seen[k] = true
		case <-time.After(2 * time.Second):
			t.Fatal("task did not run")
		}
	}
	assert.True(t, seen[TaskBuildVideo])
	assert.True(t, seen[TaskStartFormatting])
}
