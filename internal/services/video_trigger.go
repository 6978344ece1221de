package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"storyrun-backend/internal/models"
	"storyrun-backend/internal/videobuild"
)

// VideoBuildCooldown is how long a failed build attempt blocks the next one.
const VideoBuildCooldown = 30 * time.Minute

// Soft errors recorded on the run when a gate stops the build.
const (
	videoErrPreflightUnauthorized = "preflight_unauthorized"
	videoErrPreflightFailed       = "preflight_failed"
	videoErrCreateFailed          = "create_failed"
	videoErrLookupFailed          = "active_build_lookup_failed"
)

// VideoTrigger starts the downstream video build for a ready run. It never
// changes the run's phase; every outcome is written to the video_build_*
// columns.
type VideoTrigger struct {
	store   Store
	builder VideoBuilder
	now     func() time.Time
}

// GateOutcome names where the trigger stopped.
type GateOutcome string

const (
	GateSkippedExisting GateOutcome = "skipped_existing"
	GateSkippedCooldown GateOutcome = "skipped_cooldown"
	GateLookupError     GateOutcome = "lookup_error"
	GateAttachedActive  GateOutcome = "attached_active"
	GatePreflightDenied GateOutcome = "preflight_denied"
	GatePreflightError  GateOutcome = "preflight_error"
	GateAttachedOnRace  GateOutcome = "attached_conflict"
	GateCreateError     GateOutcome = "create_error"
	GateCreated         GateOutcome = "created"
	GateNotReady        GateOutcome = "not_ready"
)

func (v *VideoTrigger) Run(ctx context.Context, run *models.Run, token string) (GateOutcome, error) {
	if run.Phase != models.PhaseReady {
		return GateNotReady, nil
	}
	projectID := run.ProjectID.String()

	// Gate 1: nothing to do when a build is linked, cooling down, or already
	// running for the project.
	if run.VideoBuildID.Valid && run.VideoBuildID.String != "" {
		return GateSkippedExisting, nil
	}
	if run.VideoBuildError.Valid && run.VideoBuildError.String != "" &&
		run.VideoBuildAttemptedAt.Valid && v.now().Sub(run.VideoBuildAttemptedAt.Time) < VideoBuildCooldown {
		return GateSkippedCooldown, nil
	}

	active, err := v.builder.ActiveBuild(ctx, projectID, token)
	if err != nil {
		return GateLookupError, v.record(ctx, run, "", videoErrLookupFailed, err)
	}
	if active != nil {
		return GateAttachedActive, v.record(ctx, run, active.BuildID, "", nil)
	}

	// Gate 2: the pipeline must be able to read every asset as this user.
	if err := v.builder.Preflight(ctx, projectID, token); err != nil {
		if videobuild.IsUnauthorized(err) {
			log.Printf("[video] run %s preflight unauthorized, skipping build", run.ID)
			return GatePreflightDenied, v.record(ctx, run, "", videoErrPreflightUnauthorized, nil)
		}
		return GatePreflightError, v.record(ctx, run, "", videoErrPreflightFailed, err)
	}

	// Gate 3: create, attaching to whichever build won a concurrent create.
	build, err := v.builder.CreateBuild(ctx, token, videobuild.CreateRequest{
		ProjectID:    projectID,
		RunID:        run.ID.String(),
		OutputPreset: run.Config.OutputPreset,
	})
	if err != nil {
		var existing *videobuild.ExistingBuildError
		if errors.As(err, &existing) {
			return GateAttachedOnRace, v.record(ctx, run, existing.BuildID, "", nil)
		}
		return GateCreateError, v.record(ctx, run, "", videoErrCreateFailed, err)
	}
	log.Printf("[video] run %s started build %s", run.ID, build.BuildID)
	return GateCreated, v.record(ctx, run, build.BuildID, "", nil)
}

func (v *VideoTrigger) record(ctx context.Context, run *models.Run, buildID, softErr string, cause error) error {
	if cause != nil {
		log.Printf("[video] run %s build gate stopped (%s): %v", run.ID, softErr, cause)
	}
	attempt := models.VideoBuildAttempt{BuildID: buildID, Error: softErr, AttemptedAt: v.now()}
	if err := v.store.RecordVideoBuildAttempt(ctx, run.ID, attempt); err != nil {
		return fmt.Errorf("failed to record video build attempt: %w", err)
	}
	run.VideoBuildAttemptedAt.Time, run.VideoBuildAttemptedAt.Valid = attempt.AttemptedAt, true
	run.VideoBuildID = nullString(buildID)
	run.VideoBuildError = nullString(softErr)
	return nil
}
