package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"storyrun-backend/internal/models"
	"storyrun-backend/internal/narration"
)

// AudioRetriggerGrace is how long a run may sit in generating_audio without
// a job id before the start task is submitted again.
const AudioRetriggerGrace = 30 * time.Second

// AudioOrchestrator delegates narration to the bulk job service and polls it.
type AudioOrchestrator struct {
	store    Store
	narrator Narrator
	locks    *LockManager
	tasks    TaskRunner
	now      func() time.Time
}

// Start runs as a background task after the run enters generating_audio.
func (a *AudioOrchestrator) Start(ctx context.Context, run *models.Run) error {
	if run.Phase != models.PhaseGeneratingAudio {
		log.Printf("[audio] run %s is %s, skipping audio start", run.ID, run.Phase)
		return nil
	}
	if run.AudioJobID.Valid && run.AudioJobID.String != "" {
		return nil
	}

	existing, err := a.narrator.FindActiveJob(ctx, run.ProjectID.String())
	if err != nil {
		return fmt.Errorf("failed to look up narration jobs: %w", err)
	}
	if existing != nil {
		_, err := a.attach(ctx, run, existing.JobID)
		return err
	}

	scenes, err := a.store.ListScenes(ctx, run.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to list scenes: %w", err)
	}
	req := narration.StartJobRequest{
		ProjectID: run.ProjectID.String(),
		Voice:     run.Config.NarrationVoice,
	}
	for _, s := range scenes {
		if s.IsHidden || s.UtteranceCount == 0 {
			continue
		}
		req.Scenes = append(req.Scenes, narration.JobScene{SceneID: s.ID.String(), Index: s.Idx, Text: s.Body})
	}

	job, err := a.narrator.StartJob(ctx, audioIdempotencyKey(run), req)
	if err != nil {
		return fmt.Errorf("failed to start narration job: %w", err)
	}
	_, err = a.attach(ctx, run, job.JobID)
	return err
}

func (a *AudioOrchestrator) attach(ctx context.Context, run *models.Run, jobID string) (bool, error) {
	ok, err := a.store.SetAudioJobID(ctx, run.ID, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to record narration job: %w", err)
	}
	if ok {
		run.AudioJobID = nullString(jobID)
		log.Printf("[audio] run %s attached narration job %s", run.ID, jobID)
	}
	return ok, nil
}

// Poll checks the narration job from Advance.
func (a *AudioOrchestrator) Poll(ctx context.Context, rc *RunContext) (stepResult, error) {
	run := rc.Run

	if !run.AudioJobID.Valid || run.AudioJobID.String == "" {
		return a.recover(ctx, rc)
	}

	job, err := a.narrator.GetJob(ctx, run.AudioJobID.String)
	if err != nil {
		log.Printf("[audio] run %s failed to poll job %s: %v", run.ID, run.AudioJobID.String, err)
		return stepResult{models.ActionWaiting, "narration status unavailable"}, nil
	}

	switch job.Status {
	case narration.StatusCompleted:
		ok, err := a.locks.Transition(ctx, run, models.PhaseReady, models.RunUpdate{})
		if err != nil {
			return stepResult{}, err
		}
		if !ok {
			return stepResult{models.ActionWaiting, "run changed phase"}, nil
		}
		if run.Config.AutoBuildVideo {
			if err := a.tasks.Submit(ctx, Task{Kind: TaskBuildVideo, RunID: run.ID, Token: rc.Token}); err != nil {
				log.Printf("[audio] run %s failed to submit video build: %v", run.ID, err)
			}
		}
		return stepResult{models.ActionCompleted, "narration completed"}, nil

	case narration.StatusFailed, narration.StatusCanceled:
		msg := "narration job " + job.Status
		if job.Error != "" {
			msg = fmt.Sprintf("%s: %s", msg, job.Error)
		}
		ok, err := a.locks.Fail(ctx, run, models.CodeAudioGenerationFailed, msg, false)
		if err != nil {
			return stepResult{}, err
		}
		if !ok {
			return stepResult{models.ActionWaiting, "run changed phase"}, nil
		}
		return stepResult{models.ActionFailed, msg}, nil
	}

	return stepResult{models.ActionWaiting, fmt.Sprintf("narration %s (%d/%d)", job.Status, job.CompletedItems, job.TotalItems)}, nil
}

// recover handles a run in generating_audio whose start task never recorded
// a job: attach an existing job, or start again once the grace has passed.
func (a *AudioOrchestrator) recover(ctx context.Context, rc *RunContext) (stepResult, error) {
	run := rc.Run

	existing, err := a.narrator.FindActiveJob(ctx, run.ProjectID.String())
	if err != nil {
		log.Printf("[audio] run %s failed to look up narration jobs: %v", run.ID, err)
		return stepResult{models.ActionWaiting, "narration status unavailable"}, nil
	}
	if existing != nil {
		if _, err := a.attach(ctx, run, existing.JobID); err != nil {
			return stepResult{}, err
		}
		return stepResult{models.ActionAttachedAudioJob, "attached narration job " + existing.JobID}, nil
	}

	if a.now().Sub(run.PhaseEnteredAt) < AudioRetriggerGrace {
		return stepResult{models.ActionWaiting, "waiting for narration to start"}, nil
	}

	if err := a.tasks.Submit(ctx, Task{Kind: TaskStartAudio, RunID: run.ID, Token: rc.Token}); err != nil {
		return stepResult{}, fmt.Errorf("failed to resubmit audio start: %w", err)
	}
	log.Printf("[audio] run %s had no narration job after %s, restarted", run.ID, AudioRetriggerGrace)
	return stepResult{models.ActionAudioRestarted, "restarted narration"}, nil
}

// audioIdempotencyKey is the run id; retries get a suffix so they do not
// replay the job that failed.
func audioIdempotencyKey(run *models.Run) string {
	if run.RetryCount == 0 {
		return run.ID.String()
	}
	return fmt.Sprintf("%s-retry-%d", run.ID, run.RetryCount)
}

// formatIdempotencyKey follows the same scheme for format jobs.
func formatIdempotencyKey(run *models.Run) string {
	return "format-" + audioIdempotencyKey(run)
}
