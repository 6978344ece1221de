package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"storyrun-backend/internal/config"
	"storyrun-backend/internal/imagen"
	"storyrun-backend/internal/models"
)

const (
	maxSourceTextRunes  = 200000
	maxTargetSceneCount = 60
)

// RunContext is built once per Advance call and handed to the stage that
// owns the run's current phase.
type RunContext struct {
	Run   *models.Run
	Token string
}

type stepResult struct {
	action  string
	message string
}

// Dependencies wires the run service to its collaborators.
type Dependencies struct {
	Store     Store
	Blobs     BlobStore
	Images    ImageProvider
	Formatter Formatter
	Narrator  Narrator
	Builder   VideoBuilder
	Tasks     TaskRunner
	Publisher EventPublisher
	Metrics   Metrics
	Billing   *BillingResolver

	Defaults                 config.RunDefaults
	PolicyViolationRetryable bool

	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep imagen.Sleeper
}

// RunService is the orchestrator entrypoint used by the HTTP handlers, the
// CLI and the background worker.
type RunService struct {
	store     Store
	formatter Formatter
	narrator  Narrator
	tasks     TaskRunner
	metrics   Metrics
	publisher EventPublisher
	defaults  config.RunDefaults
	now       func() time.Time

	locks      *LockManager
	formatting *FormattingStage
	images     *ImageOrchestrator
	audio      *AudioOrchestrator
	video      *VideoTrigger
}

func NewRunService(deps Dependencies) *RunService {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = imagen.SleepContext
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Publisher == nil {
		deps.Publisher = noopPublisher{}
	}

	locks := NewLockManager(deps.Store, deps.Publisher, deps.Metrics, deps.Now)
	return &RunService{
		store:     deps.Store,
		formatter: deps.Formatter,
		narrator:  deps.Narrator,
		tasks:     deps.Tasks,
		metrics:   deps.Metrics,
		publisher: deps.Publisher,
		defaults:  deps.Defaults,
		now:       deps.Now,
		locks:     locks,
		formatting: &FormattingStage{
			store:     deps.Store,
			formatter: deps.Formatter,
			locks:     locks,
			tasks:     deps.Tasks,
			now:       deps.Now,
		},
		images: &ImageOrchestrator{
			store:           deps.Store,
			blobs:           deps.Blobs,
			provider:        deps.Images,
			billing:         deps.Billing,
			locks:           locks,
			tasks:           deps.Tasks,
			metrics:         deps.Metrics,
			policyRetryable: deps.PolicyViolationRetryable,
			now:             deps.Now,
			sleep:           deps.Sleep,
		},
		audio: &AudioOrchestrator{
			store:    deps.Store,
			narrator: deps.Narrator,
			locks:    locks,
			tasks:    deps.Tasks,
			now:      deps.Now,
		},
		video: &VideoTrigger{
			store:   deps.Store,
			builder: deps.Builder,
			now:     deps.Now,
		},
	}
}

// Start creates a project and its run, moves the run to formatting and
// submits the formatting kickoff.
func (s *RunService) Start(ctx context.Context, userID uuid.UUID, req models.StartRunRequest, token string) (*models.StartRunResponse, error) {
	cfg, err := s.buildConfig(req)
	if err != nil {
		return nil, err
	}

	active, err := s.store.GetActiveRunForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active run: %w", err)
	}
	if active != nil {
		return nil, models.NewConflictError(models.CodeActiveRunExists,
			fmt.Sprintf("run %s is still %s", active.ID, active.Phase))
	}

	now := s.now()
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = models.DefaultProjectTitle(strings.TrimSpace(req.Text))
	}
	project := &models.Project{
		ID:         uuid.New(),
		UserID:     userID,
		Title:      title,
		SourceText: req.Text,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	run := &models.Run{
		ID:              uuid.New(),
		ProjectID:       project.ID,
		StartedByUserID: userID,
		Phase:           models.PhaseInit,
		Config:          cfg,
		PhaseEnteredAt:  now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateProjectAndRun(ctx, project, run); err != nil {
		return nil, err
	}
	log.Printf("[run] user %s started run %s (project %s)", userID, run.ID, project.ID)

	if _, err := s.startFormatting(ctx, run, token); err != nil {
		// The run exists in init; Advance will pick it up.
		log.Printf("[run] run %s failed to enter formatting: %v", run.ID, err)
	}

	return &models.StartRunResponse{
		RunID:     run.ID.String(),
		ProjectID: project.ID.String(),
		Phase:     run.Phase,
		Config:    run.Config,
	}, nil
}

func (s *RunService) startFormatting(ctx context.Context, run *models.Run, token string) (bool, error) {
	ok, err := s.locks.Transition(ctx, run, models.PhaseFormatting, models.RunUpdate{
		LockUntil: s.now().Add(FormatLockTTL),
	})
	if err != nil || !ok {
		return ok, err
	}
	if err := s.tasks.Submit(ctx, Task{Kind: TaskStartFormatting, RunID: run.ID, Token: token}); err != nil {
		log.Printf("[run] run %s failed to submit format start: %v", run.ID, err)
	}
	return true, nil
}

func (s *RunService) buildConfig(req models.StartRunRequest) (models.RunConfig, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return models.RunConfig{}, models.NewValidationError("text is required")
	}
	if utf8.RuneCountInString(text) > maxSourceTextRunes {
		return models.RunConfig{}, models.NewValidationError(
			fmt.Sprintf("text must be at most %d characters", maxSourceTextRunes))
	}

	cfg := models.RunConfig{
		OutputPreset:     s.defaults.OutputPreset,
		TargetSceneCount: s.defaults.TargetSceneCount,
		NarrationVoice:   s.defaults.NarrationVoice,
		AutoBuildVideo:   s.defaults.AutoBuildVideo,
	}
	if req.OutputPreset != "" {
		cfg.OutputPreset = req.OutputPreset
	}
	if req.NarrationVoice != "" {
		cfg.NarrationVoice = req.NarrationVoice
	}
	if req.AutoBuildVideo != nil {
		cfg.AutoBuildVideo = *req.AutoBuildVideo
	}
	if req.TargetSceneCount != nil {
		if *req.TargetSceneCount < 1 || *req.TargetSceneCount > maxTargetSceneCount {
			return models.RunConfig{}, models.NewValidationError(
				fmt.Sprintf("target_scene_count must be between 1 and %d", maxTargetSceneCount))
		}
		cfg.TargetSceneCount = *req.TargetSceneCount
	}
	if req.StylePresetID != "" {
		id, err := uuid.Parse(req.StylePresetID)
		if err != nil {
			return models.RunConfig{}, models.NewValidationError("style_preset_id must be a UUID")
		}
		cfg.StylePresetID = &id
	}
	for _, raw := range req.SelectedCharacterIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return models.RunConfig{}, models.NewValidationError("selected_character_ids must be UUIDs")
		}
		cfg.SelectedCharacterIDs = append(cfg.SelectedCharacterIDs, id)
	}
	return cfg, nil
}

// Active returns the caller's non-terminal run, or nil when there is none.
func (s *RunService) Active(ctx context.Context, userID uuid.UUID) (*models.Run, error) {
	run, err := s.store.GetActiveRunForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active run: %w", err)
	}
	return run, nil
}

// runForProject loads the latest run of a project owned by userID.
func (s *RunService) runForProject(ctx context.Context, userID, projectID uuid.UUID) (*models.Run, error) {
	run, err := s.store.GetLatestRunForProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return nil, models.NewNotFoundError("project has no run")
	}
	if run.StartedByUserID != userID {
		return nil, models.NewForbiddenError("run belongs to another user")
	}
	return run, nil
}

// Status aggregates progress across every stage. It never writes.
func (s *RunService) Status(ctx context.Context, userID, projectID uuid.UUID) (*models.StatusResponse, error) {
	run, err := s.runForProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}

	resp := &models.StatusResponse{Run: models.NewRunResponse(run)}
	resp.Formatting.JobID = run.FormatJobID.String
	resp.Audio.JobID = run.AudioJobID.String
	resp.Video = models.VideoStatus{
		BuildID: run.VideoBuildID.String,
		Status:  run.VideoBuildStatus.String,
		URL:     run.VideoURL.String,
		Error:   run.VideoBuildError.String,
	}
	if run.VideoBuildAttemptedAt.Valid {
		t := run.VideoBuildAttemptedAt.Time
		resp.Video.AttemptedAt = &t
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap, err := loadImageSnapshot(gctx, s.store, projectID, s.now())
		if err != nil {
			return err
		}
		scenes, err := s.store.ListScenes(gctx, projectID)
		if err != nil {
			return fmt.Errorf("failed to list scenes: %w", err)
		}
		resp.Formatting.SceneCount = len(scenes)
		resp.Images = models.ImageStatusCount{
			Eligible:   len(snap.eligible),
			Completed:  snap.completed,
			Generating: snap.freshGenerating + len(snap.stale),
			Failed:     snap.failed + snap.policyViolation,
			Pending:    len(snap.pending),
		}
		return nil
	})
	if run.AudioJobID.Valid && run.AudioJobID.String != "" {
		g.Go(func() error {
			job, err := s.narrator.GetJob(gctx, run.AudioJobID.String)
			if err != nil {
				// Narration progress is informational only.
				log.Printf("[status] run %s narration job unavailable: %v", run.ID, err)
				return nil
			}
			resp.Audio.Status = job.Status
			resp.Audio.Completed = job.CompletedItems
			resp.Audio.Total = job.TotalItems
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Advance performs at most one transition or one unit of generation work.
func (s *RunService) Advance(ctx context.Context, userID, projectID uuid.UUID, token string) (*models.AdvanceResult, error) {
	run, err := s.runForProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}

	prev := run.Phase
	if prev.IsTerminal() {
		return &models.AdvanceResult{PreviousPhase: prev, NewPhase: prev, Action: models.ActionNone,
			Message: "run is " + string(prev)}, nil
	}

	if run.LockHeld(s.now()) {
		stale, err := s.locks.IsStale(ctx, run)
		if err != nil {
			return nil, err
		}
		if !stale {
			if run.Phase == models.PhaseFormatting {
				// The kickoff task holds the lock until the job is recorded.
				s.metrics.AdvanceAction(ctx, prev, models.ActionWaiting)
				return &models.AdvanceResult{PreviousPhase: prev, NewPhase: prev,
					Action: models.ActionWaiting, Message: "formatting is starting"}, nil
			}
			return nil, models.NewConflictError(models.CodeRunLocked, "run is busy, try again shortly")
		}
		log.Printf("[advance] run %s ignoring stale lock in %s", run.ID, run.Phase)
		s.locks.Release(ctx, run.ID)
		run.LockedAt.Valid, run.LockedUntil.Valid = false, false
	}

	rc := &RunContext{Run: run, Token: token}
	var res stepResult
	switch run.Phase {
	case models.PhaseInit:
		ok, err := s.startFormatting(ctx, run, token)
		if err != nil {
			return nil, err
		}
		res = stepResult{models.ActionWaiting, "run changed phase"}
		if ok {
			res = stepResult{models.ActionStartedFormatting, "formatting started"}
		}
	case models.PhaseFormatting:
		res, err = s.formatting.Poll(ctx, rc)
	case models.PhaseAwaitingReady:
		ok, terr := s.locks.Transition(ctx, run, models.PhaseGeneratingImages, models.RunUpdate{})
		err = terr
		res = stepResult{models.ActionWaiting, "run changed phase"}
		if ok {
			res = stepResult{models.ActionStartedImages, "image generation started"}
		}
	case models.PhaseGeneratingImages:
		res, err = s.images.Step(ctx, rc)
	case models.PhaseGeneratingAudio:
		res, err = s.audio.Poll(ctx, rc)
	default:
		return nil, models.NewInternalError("unknown phase", fmt.Errorf("run %s has phase %q", run.ID, run.Phase))
	}
	if err != nil {
		return nil, err
	}

	s.metrics.AdvanceAction(ctx, prev, res.action)
	if res.action != models.ActionWaiting {
		log.Printf("[advance] run %s %s -> %s: %s (%s)", run.ID, prev, run.Phase, res.action, res.message)
	}
	return &models.AdvanceResult{
		PreviousPhase: prev,
		NewPhase:      run.Phase,
		Action:        res.action,
		Message:       res.message,
	}, nil
}

// Retry resumes a failed run from the recovery point of the phase it failed
// in.
func (s *RunService) Retry(ctx context.Context, userID, projectID uuid.UUID, token string) (*models.RetryResponse, error) {
	run, err := s.runForProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if run.Phase != models.PhaseFailed {
		return nil, models.NewConflictError(models.CodeNotRetryable,
			fmt.Sprintf("only failed runs can be retried, run is %s", run.Phase))
	}
	if run.RetryCount >= models.MaxRetryCount {
		return nil, models.NewConflictError(models.CodeRetryExhausted,
			fmt.Sprintf("run has used all %d retries", models.MaxRetryCount))
	}
	target, ok := models.RetryRollback[models.Phase(run.ErrorPhase.String)]
	if !ok {
		return nil, models.NewConflictError(models.CodeNotRetryable,
			fmt.Sprintf("runs that failed in %q cannot be retried", run.ErrorPhase.String))
	}

	active, err := s.store.GetActiveRunForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active run: %w", err)
	}
	if active != nil {
		return nil, models.NewConflictError(models.CodeActiveRunExists,
			fmt.Sprintf("run %s is still %s", active.ID, active.Phase))
	}

	update := models.RunUpdate{IncrementRetry: true, ClearError: true}
	var follow *Task
	switch target {
	case models.PhaseFormatting:
		update.ClearFormatJob = true
		update.LockUntil = s.now().Add(FormatLockTTL)
		follow = &Task{Kind: TaskStartFormatting, RunID: run.ID, Token: token}
	case models.PhaseGeneratingImages:
		if _, err := s.store.DeactivateFailedImages(ctx, run.ProjectID,
			[]models.ImageStatus{models.ImageStatusFailed, models.ImageStatusPolicyViolation}); err != nil {
			return nil, fmt.Errorf("failed to reset failed images: %w", err)
		}
	case models.PhaseGeneratingAudio:
		update.ClearAudioJob = true
		follow = &Task{Kind: TaskStartAudio, RunID: run.ID, Token: token}
	}

	prev := run.Phase
	moved, err := s.locks.Transition(ctx, run, target, update)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, models.NewConflictError(models.CodeLostRace, "run changed while retrying")
	}
	if follow != nil {
		if err := s.tasks.Submit(ctx, *follow); err != nil {
			log.Printf("[run] run %s failed to submit %s after retry: %v", run.ID, follow.Kind, err)
		}
	}

	log.Printf("[run] run %s retried from %s, retry %d", run.ID, target, run.RetryCount)
	return &models.RetryResponse{PreviousPhase: prev, NewPhase: run.Phase, RetryCount: run.RetryCount}, nil
}

// Cancel stops a non-terminal run and asks the external jobs to stop.
func (s *RunService) Cancel(ctx context.Context, userID, projectID uuid.UUID) (*models.CancelResponse, error) {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		run, err := s.runForProject(ctx, userID, projectID)
		if err != nil {
			return nil, err
		}
		if run.Phase.IsTerminal() {
			return nil, models.NewConflictError(models.CodeAlreadyTerminal,
				fmt.Sprintf("run is already %s", run.Phase))
		}

		prev := run.Phase
		moved, err := s.locks.Transition(ctx, run, models.PhaseCanceled, models.RunUpdate{})
		if err != nil {
			return nil, err
		}
		if !moved {
			continue
		}

		s.cancelExternalJobs(context.WithoutCancel(ctx), run)
		return &models.CancelResponse{PreviousPhase: prev, NewPhase: run.Phase}, nil
	}
	return nil, models.NewConflictError(models.CodeLostRace, "run kept changing while canceling")
}

func (s *RunService) cancelExternalJobs(ctx context.Context, run *models.Run) {
	if run.FormatJobID.Valid && run.FormatJobID.String != "" {
		if err := s.formatter.CancelJob(ctx, run.FormatJobID.String); err != nil {
			log.Printf("[run] run %s failed to cancel format job %s: %v", run.ID, run.FormatJobID.String, err)
		}
	}
	if run.AudioJobID.Valid && run.AudioJobID.String != "" {
		if err := s.narrator.CancelJob(ctx, run.AudioJobID.String); err != nil {
			log.Printf("[run] run %s failed to cancel narration job %s: %v", run.ID, run.AudioJobID.String, err)
		}
	}
}

// Archive hides or shows a settled run.
func (s *RunService) Archive(ctx context.Context, userID, projectID uuid.UUID, archived bool) (*models.ArchiveResponse, error) {
	run, err := s.runForProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if !run.Phase.IsTerminal() {
		return nil, models.NewConflictError(models.CodeInvalidTransition, "only finished runs can be archived")
	}
	if err := s.store.SetArchived(ctx, run.ID, archived); err != nil {
		return nil, fmt.Errorf("failed to archive run: %w", err)
	}
	return &models.ArchiveResponse{RunID: run.ID.String(), IsArchived: archived}, nil
}

// HandleTask executes a background task. It re-reads the run so a task that
// arrives late sees the current phase.
func (s *RunService) HandleTask(ctx context.Context, task Task) error {
	run, err := s.store.GetRun(ctx, task.RunID)
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", task.RunID, err)
	}

	switch task.Kind {
	case TaskStartFormatting:
		return s.formatting.Start(ctx, run)
	case TaskStartAudio:
		return s.audio.Start(ctx, run)
	case TaskBuildVideo:
		outcome, err := s.video.Run(ctx, run, task.Token)
		if err != nil {
			return err
		}
		log.Printf("[video] run %s build gate outcome: %s", run.ID, outcome)
		return nil
	}
	return fmt.Errorf("unknown task kind %q", task.Kind)
}
