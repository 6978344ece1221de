package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"storyrun-backend/internal/formatter"
	"storyrun-backend/internal/models"
)

// FormattingStage starts the external format job in the background and
// materialises its scenes when Advance sees it complete.
type FormattingStage struct {
	store     Store
	formatter Formatter
	locks     *LockManager
	tasks     TaskRunner
	now       func() time.Time
}

// Start runs as a background task. It only records the job id; the job
// itself is polled by Advance.
func (f *FormattingStage) Start(ctx context.Context, run *models.Run) error {
	if run.Phase != models.PhaseFormatting {
		log.Printf("[format] run %s is %s, skipping format start", run.ID, run.Phase)
		return nil
	}
	if run.FormatJobID.Valid && run.FormatJobID.String != "" {
		return nil
	}

	project, err := f.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}

	job, err := f.formatter.StartJob(ctx, formatIdempotencyKey(run), formatter.StartRequest{
		Text:             project.SourceText,
		TargetSceneCount: run.Config.TargetSceneCount,
		OutputPreset:     run.Config.OutputPreset,
	})
	if err != nil {
		if formatter.IsPermanent(err) {
			_, ferr := f.locks.Fail(ctx, run, models.CodeFormatFailed, "formatter rejected the text", false)
			if ferr != nil {
				return ferr
			}
			return fmt.Errorf("failed to start format job: %w", err)
		}
		// Drop the lock so the next Advance restarts formatting.
		f.locks.Release(context.WithoutCancel(ctx), run.ID)
		return fmt.Errorf("failed to start format job: %w", err)
	}

	ok, err := f.store.SetFormatJobID(ctx, run.ID, job.JobID)
	if err != nil {
		return fmt.Errorf("failed to record format job: %w", err)
	}
	if ok {
		log.Printf("[format] run %s started format job %s", run.ID, job.JobID)
	}
	f.locks.Release(ctx, run.ID)
	return nil
}

// Poll is called by Advance while the run is formatting.
func (f *FormattingStage) Poll(ctx context.Context, rc *RunContext) (stepResult, error) {
	run := rc.Run

	if !run.FormatJobID.Valid || run.FormatJobID.String == "" {
		// The lock check in Advance already passed, so the kickoff task is
		// gone. Start it again under a fresh lock.
		claimed, err := f.locks.Claim(ctx, run.ID, FormatLockTTL)
		if err != nil {
			return stepResult{}, err
		}
		if !claimed {
			return stepResult{models.ActionWaiting, "formatting is starting"}, nil
		}
		if err := f.tasks.Submit(ctx, Task{Kind: TaskStartFormatting, RunID: run.ID, Token: rc.Token}); err != nil {
			f.locks.Release(ctx, run.ID)
			return stepResult{}, fmt.Errorf("failed to resubmit format start: %w", err)
		}
		log.Printf("[format] run %s had no format job, restarted", run.ID)
		return stepResult{models.ActionFormattingRestarted, "restarted formatting"}, nil
	}

	job, err := f.formatter.GetJob(ctx, run.FormatJobID.String)
	if err != nil {
		if formatter.IsPermanent(err) {
			return f.fail(ctx, run, models.CodeFormatFailed, "format job was rejected")
		}
		log.Printf("[format] run %s failed to poll job %s: %v", run.ID, run.FormatJobID.String, err)
		return stepResult{models.ActionWaiting, "formatting status unavailable"}, nil
	}

	switch job.Status {
	case formatter.StatusCompleted:
	case formatter.StatusFailed:
		msg := "format job failed"
		if job.Error != "" {
			msg = fmt.Sprintf("%s: %s", msg, job.Error)
		}
		return f.fail(ctx, run, models.CodeFormatFailed, msg)
	default:
		return stepResult{models.ActionWaiting, "formatting " + job.Status}, nil
	}

	if len(job.Scenes) == 0 {
		return f.fail(ctx, run, models.CodeFormatEmpty, "formatter returned no scenes")
	}

	scenes := make([]models.Scene, 0, len(job.Scenes))
	eligible := 0
	for i, s := range job.Scenes {
		scene := models.Scene{
			ID:             uuid.New(),
			ProjectID:      run.ProjectID,
			Idx:            i,
			Title:          strings.TrimSpace(s.Title),
			Body:           strings.TrimSpace(s.Body),
			UtteranceCount: s.UtteranceCount,
			IsHidden:       s.IsHidden,
			CreatedAt:      f.now(),
		}
		if scene.Eligible() {
			eligible++
		}
		scenes = append(scenes, scene)
	}

	if eligible == 0 {
		return f.fail(ctx, run, models.CodeNoScenes, "no visible scene has narration")
	}

	if err := f.store.InsertScenes(ctx, run.ProjectID, scenes); err != nil {
		return stepResult{}, fmt.Errorf("failed to store scenes: %w", err)
	}

	ok, err := f.locks.Transition(ctx, run, models.PhaseAwaitingReady, models.RunUpdate{})
	if err != nil {
		return stepResult{}, err
	}
	if !ok {
		return stepResult{models.ActionWaiting, "run changed phase"}, nil
	}
	return stepResult{models.ActionScenesReady, fmt.Sprintf("%d scenes ready, %d eligible for images", len(scenes), eligible)}, nil
}

func (f *FormattingStage) fail(ctx context.Context, run *models.Run, code, message string) (stepResult, error) {
	ok, err := f.locks.Fail(ctx, run, code, message, false)
	if err != nil {
		return stepResult{}, err
	}
	if !ok {
		return stepResult{models.ActionWaiting, "run changed phase"}, nil
	}
	log.Printf("[format] run %s failed: %s: %s", run.ID, code, message)
	return stepResult{models.ActionFailed, message}, nil
}
