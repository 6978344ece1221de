package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"storyrun-backend/internal/models"
)

const (
	// ImageLockTTL covers one scene: two 45s attempts plus backoff and upload.
	ImageLockTTL = 5 * time.Minute
	// FormatLockTTL covers the formatting kickoff task.
	FormatLockTTL = 2 * time.Minute
	// StaleImageAfter is how long a generating record may live before it is
	// reclaimed as abandoned.
	StaleImageAfter = 60 * time.Second
)

// LockManager owns every write that changes a run's phase or timed lock.
type LockManager struct {
	store     Store
	publisher EventPublisher
	metrics   Metrics
	now       func() time.Time
}

func NewLockManager(store Store, publisher EventPublisher, metrics Metrics, now func() time.Time) *LockManager {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if now == nil {
		now = time.Now
	}
	return &LockManager{store: store, publisher: publisher, metrics: metrics, now: now}
}

// Transition moves run to the next phase with a single conditional update.
// It returns false when another caller changed the phase first; run is
// updated in place on success.
func (l *LockManager) Transition(ctx context.Context, run *models.Run, to models.Phase, update models.RunUpdate) (bool, error) {
	from := run.Phase
	if !models.CanTransition(from, to) {
		log.Printf("[state] rejected transition %s -> %s for run %s", from, to, run.ID)
		return false, models.NewConflictError(models.CodeInvalidTransition,
			fmt.Sprintf("cannot move run from %s to %s", from, to))
	}

	ok, err := l.store.CompareAndSwapPhase(ctx, run.ID, from, to, update)
	if err != nil {
		return false, fmt.Errorf("failed to transition run %s to %s: %w", run.ID, to, err)
	}
	if !ok {
		log.Printf("[state] run %s left %s before transition to %s", run.ID, from, to)
		return false, nil
	}

	now := l.now()
	run.Phase = to
	run.PhaseEnteredAt = now
	if to.ClearsLock() {
		run.LockedAt, run.LockedUntil = sql.NullTime{}, sql.NullTime{}
	}
	if !update.LockUntil.IsZero() {
		run.LockedAt = sql.NullTime{Time: now, Valid: true}
		run.LockedUntil = sql.NullTime{Time: update.LockUntil, Valid: true}
	}
	if update.ErrorCode != "" {
		run.ErrorCode = nullString(update.ErrorCode)
		run.ErrorMessage = nullString(update.ErrorMessage)
		run.ErrorPhase = nullString(string(update.ErrorPhase))
	}
	if update.ClearError {
		run.ErrorCode, run.ErrorMessage, run.ErrorPhase = nullString(""), nullString(""), nullString("")
	}
	if update.IncrementRetry {
		run.RetryCount++
	}
	if update.ExhaustRetries {
		run.RetryCount = models.MaxRetryCount
	}
	if update.ClearAudioJob {
		run.AudioJobID = nullString("")
	}
	if update.ClearFormatJob {
		run.FormatJobID = nullString("")
	}

	log.Printf("[state] run %s (project %s) %s -> %s", run.ID, run.ProjectID, from, to)
	l.metrics.PhaseTransition(ctx, from, to)

	payload := map[string]interface{}{"retry_count": run.RetryCount}
	if update.ErrorCode != "" {
		payload["error_code"] = update.ErrorCode
	}
	event := models.RunEvent{
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		UserID:    run.StartedByUserID,
		Event:     "phase_changed",
		FromPhase: from,
		ToPhase:   to,
		Payload:   payload,
		CreatedAt: now,
	}
	if err := l.publisher.Publish(ctx, event); err != nil {
		log.Printf("[state] failed to publish phase change for run %s: %v", run.ID, err)
	}
	return true, nil
}

// Fail moves run to failed with a stable code. The phase it failed in is
// recorded so Retry knows where to resume.
func (l *LockManager) Fail(ctx context.Context, run *models.Run, code, message string, exhaust bool) (bool, error) {
	return l.Transition(ctx, run, models.PhaseFailed, models.RunUpdate{
		ErrorCode:      code,
		ErrorMessage:   message,
		ErrorPhase:     run.Phase,
		ExhaustRetries: exhaust,
	})
}

// Claim takes the timed lock for ttl.
func (l *LockManager) Claim(ctx context.Context, runID uuid.UUID, ttl time.Duration) (bool, error) {
	now := l.now()
	ok, err := l.store.ClaimLock(ctx, runID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to claim lock on run %s: %w", runID, err)
	}
	return ok, nil
}

func (l *LockManager) Release(ctx context.Context, runID uuid.UUID) {
	if err := l.store.ReleaseLock(ctx, runID); err != nil {
		log.Printf("[lock] failed to release lock on run %s: %v", runID, err)
	}
}

// IsStale reports whether a live lock on run can be ignored because nothing
// can be holding it for a reason.
func (l *LockManager) IsStale(ctx context.Context, run *models.Run) (bool, error) {
	switch run.Phase {
	case models.PhaseGeneratingAudio:
		return true, nil
	case models.PhaseFormatting:
		return run.FormatJobID.Valid && run.FormatJobID.String != "", nil
	case models.PhaseGeneratingImages:
		snap, err := loadImageSnapshot(ctx, l.store, run.ProjectID, l.now())
		if err != nil {
			return false, err
		}
		if len(snap.stale) > 0 {
			return true, nil
		}
		return snap.freshGenerating == 0 && len(snap.pending) > 0, nil
	}
	return false, nil
}
