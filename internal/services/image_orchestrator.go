package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"storyrun-backend/internal/httpclient"
	"storyrun-backend/internal/imagen"
	"storyrun-backend/internal/models"
)

const (
	maxImageErrorLen = 500
	// imageHeartbeat bounds the time between refreshes of an in-flight record.
	imageHeartbeat = StaleImageAfter / 2
)

// imageSnapshot is the per-scene picture of image work for one project.
type imageSnapshot struct {
	eligible        []models.Scene
	active          map[uuid.UUID]models.ImageGeneration
	completed       int
	freshGenerating int
	stale           []models.ImageGeneration
	failed          int
	policyViolation int
	pending         []models.Scene
}

func loadImageSnapshot(ctx context.Context, store Store, projectID uuid.UUID, now time.Time) (*imageSnapshot, error) {
	scenes, err := store.ListScenes(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenes: %w", err)
	}
	images, err := store.ListActiveImages(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	snap := &imageSnapshot{active: make(map[uuid.UUID]models.ImageGeneration, len(images))}
	for _, img := range images {
		snap.active[img.SceneID] = img
	}

	for _, scene := range scenes {
		if !scene.Eligible() {
			continue
		}
		snap.eligible = append(snap.eligible, scene)

		img, ok := snap.active[scene.ID]
		if !ok {
			snap.pending = append(snap.pending, scene)
			continue
		}
		switch img.Status {
		case models.ImageStatusCompleted:
			snap.completed++
		case models.ImageStatusGenerating:
			if now.Sub(img.StartedAt) > StaleImageAfter {
				snap.stale = append(snap.stale, img)
			} else {
				snap.freshGenerating++
			}
		case models.ImageStatusFailed:
			snap.failed++
		case models.ImageStatusPolicyViolation:
			snap.policyViolation++
		}
	}
	return snap, nil
}

// ImageOrchestrator does at most one scene of image work per call.
type ImageOrchestrator struct {
	store           Store
	blobs           BlobStore
	provider        ImageProvider
	billing         *BillingResolver
	locks           *LockManager
	tasks           TaskRunner
	metrics         Metrics
	policyRetryable bool
	now             func() time.Time
	sleep           imagen.Sleeper
}

func (o *ImageOrchestrator) Step(ctx context.Context, rc *RunContext) (stepResult, error) {
	run := rc.Run
	snap, err := loadImageSnapshot(ctx, o.store, run.ProjectID, o.now())
	if err != nil {
		return stepResult{}, err
	}

	if len(snap.stale) > 0 {
		reclaimed := 0
		for _, img := range snap.stale {
			ok, err := o.store.FailImage(ctx, img.ID, models.ImageStatusFailed,
				"abandoned: generation did not finish in time", o.now())
			if err != nil {
				return stepResult{}, fmt.Errorf("failed to reclaim image %s: %w", img.ID, err)
			}
			if ok {
				reclaimed++
			}
		}
		log.Printf("[images] run %s reclaimed %d abandoned image(s)", run.ID, reclaimed)
		return stepResult{models.ActionReclaimedStale, fmt.Sprintf("reclaimed %d abandoned image(s)", reclaimed)}, nil
	}

	if len(snap.eligible) == 0 {
		return o.fail(ctx, run, models.CodeNoScenes, "project has no scenes eligible for images", false)
	}

	if snap.freshGenerating > 0 {
		return stepResult{models.ActionWaiting, "image generation in progress"}, nil
	}

	if len(snap.pending) > 0 {
		return o.generateOne(ctx, rc, snap)
	}

	if snap.completed == len(snap.eligible) {
		ok, err := o.locks.Transition(ctx, run, models.PhaseGeneratingAudio, models.RunUpdate{})
		if err != nil {
			return stepResult{}, err
		}
		if !ok {
			return stepResult{models.ActionWaiting, "run changed phase"}, nil
		}
		if err := o.tasks.Submit(ctx, Task{Kind: TaskStartAudio, RunID: run.ID, Token: rc.Token}); err != nil {
			log.Printf("[images] run %s failed to submit audio start: %v", run.ID, err)
		}
		return stepResult{models.ActionStartedAudio, fmt.Sprintf("all %d images completed", snap.completed)}, nil
	}

	// Only failures remain: start another round or give up.
	if !o.policyRetryable && snap.policyViolation > 0 {
		return o.fail(ctx, run, models.CodeImageGenerationFailed,
			fmt.Sprintf("%d scene(s) were blocked by the content policy", snap.policyViolation), false)
	}

	failures := snap.failed + snap.policyViolation
	if run.RetryCount+1 >= models.MaxRetryCount {
		return o.fail(ctx, run, models.CodeImageGenerationFailed,
			fmt.Sprintf("%d scene(s) failed after %d rounds", failures, models.MaxRetryCount), true)
	}

	statuses := []models.ImageStatus{models.ImageStatusFailed}
	if o.policyRetryable {
		statuses = append(statuses, models.ImageStatusPolicyViolation)
	}
	n, err := o.store.DeactivateFailedImages(ctx, run.ProjectID, statuses)
	if err != nil {
		return stepResult{}, fmt.Errorf("failed to reset failed images: %w", err)
	}
	ok, err := o.store.IncrementRetryCount(ctx, run.ID, models.PhaseGeneratingImages)
	if err != nil {
		return stepResult{}, fmt.Errorf("failed to increment retry count: %w", err)
	}
	if ok {
		run.RetryCount++
	}
	log.Printf("[images] run %s retrying %d failed scene(s), round %d", run.ID, n, run.RetryCount)
	return stepResult{models.ActionRetryingImages, fmt.Sprintf("retrying %d failed scene(s)", n)}, nil
}

func (o *ImageOrchestrator) fail(ctx context.Context, run *models.Run, code, message string, exhaust bool) (stepResult, error) {
	ok, err := o.locks.Fail(ctx, run, code, message, exhaust)
	if err != nil {
		return stepResult{}, err
	}
	if !ok {
		return stepResult{models.ActionWaiting, "run changed phase"}, nil
	}
	log.Printf("[images] run %s failed: %s: %s", run.ID, code, message)
	return stepResult{models.ActionFailed, message}, nil
}

func (o *ImageOrchestrator) generateOne(ctx context.Context, rc *RunContext, snap *imageSnapshot) (stepResult, error) {
	run := rc.Run
	scene := snap.pending[0]

	preset, characters := o.library(ctx, run)
	prompt, negative := BuildPrompt(scene, preset, characters)

	claimed, err := o.locks.Claim(ctx, run.ID, ImageLockTTL)
	if err != nil {
		return stepResult{}, err
	}
	if !claimed {
		return stepResult{}, models.NewConflictError(models.CodeRunLocked, "run is locked by another request")
	}
	defer o.locks.Release(context.WithoutCancel(ctx), run.ID)

	// The record goes in first so a concurrent Advance sees work in flight
	// and leaves the lock alone.
	img := &models.ImageGeneration{
		ID:        uuid.New(),
		SceneID:   scene.ID,
		ProjectID: run.ProjectID,
		RunID:     run.ID,
		Status:    models.ImageStatusGenerating,
		IsActive:  true,
		Prompt:    prompt,
		StartedAt: o.now(),
	}
	created, err := o.store.CreateImage(ctx, img)
	if err != nil {
		return stepResult{}, fmt.Errorf("failed to create image record: %w", err)
	}
	if !created {
		return stepResult{models.ActionWaiting, "scene already has an active image"}, nil
	}

	cred, err := o.billing.Resolve(ctx, run.StartedByUserID)
	if err != nil {
		o.markFailed(ctx, img.ID, models.ImageStatusFailed, fmt.Sprintf("billing: %v", err))
		if models.IsKind(err, models.KindNoCredential) {
			return o.fail(ctx, run, models.CodeNoAPIKey, models.AsError(err).Message, false)
		}
		return stepResult{}, err
	}

	req := imagen.GenerateRequest{
		Prompt:          prompt,
		NegativePrompt:  negative,
		AspectRatio:     AspectRatio(run.Config.OutputPreset),
		ReferenceImages: o.referenceImages(ctx, run, SceneCharacters(scene, characters)),
	}

	var result *imagen.Image
	err = imagen.RetryWithBackoff(ctx, o.heartbeatSleep(img.ID), func(attempt int) error {
		o.touch(ctx, img.ID)
		start := o.now()
		res, err := o.provider.Generate(ctx, cred.APIKey, req)
		o.recordAttempt(ctx, run, cred, scene.ID, start, err)
		if err != nil {
			log.Printf("[images] run %s scene %d attempt %d failed: %v", run.ID, scene.Idx, attempt, err)
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		status := models.ImageStatusFailed
		if errors.Is(err, imagen.ErrPolicyViolation) {
			status = models.ImageStatusPolicyViolation
		}
		o.markFailed(ctx, img.ID, status, err.Error())
		return stepResult{models.ActionImageFailed, fmt.Sprintf("scene %d: %s", scene.Idx, status)}, nil
	}

	o.touch(ctx, img.ID)
	storagePath := imagePath(run, scene.ID, img.ID, result.MimeType)
	if err := o.blobs.Upload(ctx, storagePath, result.Data, result.MimeType); err != nil {
		o.markFailed(ctx, img.ID, models.ImageStatusFailed, fmt.Sprintf("upload failed: %v", err))
		return stepResult{models.ActionImageFailed, fmt.Sprintf("scene %d: upload failed", scene.Idx)}, nil
	}

	ok, err := o.store.CompleteImage(ctx, img.ID, storagePath, o.now())
	if err != nil {
		return stepResult{}, fmt.Errorf("failed to complete image %s: %w", img.ID, err)
	}
	if !ok {
		log.Printf("[images] run %s image %s was reclaimed before it completed", run.ID, img.ID)
		return stepResult{models.ActionImageFailed, fmt.Sprintf("scene %d: record reclaimed", scene.Idx)}, nil
	}

	log.Printf("[images] run %s generated scene %d (%d/%d)", run.ID, scene.Idx, snap.completed+1, len(snap.eligible))
	return stepResult{models.ActionGeneratedImage,
		fmt.Sprintf("generated scene %d (%d/%d)", scene.Idx, snap.completed+1, len(snap.eligible))}, nil
}

// touch refreshes started_at so a record whose step outlives
// StaleImageAfter is not reclaimed while its owner is still working on it.
func (o *ImageOrchestrator) touch(ctx context.Context, imageID uuid.UUID) {
	if _, err := o.store.TouchImage(ctx, imageID, o.now()); err != nil {
		log.Printf("[images] failed to refresh image %s: %v", imageID, err)
	}
}

// heartbeatSleep waits out a backoff in slices of imageHeartbeat, refreshing
// the record after each one.
func (o *ImageOrchestrator) heartbeatSleep(imageID uuid.UUID) imagen.Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		o.touch(ctx, imageID)
		for d > 0 {
			slice := min(d, imageHeartbeat)
			if err := o.sleep(ctx, slice); err != nil {
				return err
			}
			d -= slice
			o.touch(ctx, imageID)
		}
		return nil
	}
}

func (o *ImageOrchestrator) markFailed(ctx context.Context, imageID uuid.UUID, status models.ImageStatus, message string) {
	if len(message) > maxImageErrorLen {
		message = message[:maxImageErrorLen]
	}
	if _, err := o.store.FailImage(context.WithoutCancel(ctx), imageID, status, message, o.now()); err != nil {
		log.Printf("[images] failed to mark image %s as %s: %v", imageID, status, err)
	}
}

func (o *ImageOrchestrator) library(ctx context.Context, run *models.Run) (*models.StylePreset, []models.Character) {
	var preset *models.StylePreset
	if run.Config.StylePresetID != nil {
		p, err := o.store.GetStylePreset(ctx, *run.Config.StylePresetID)
		if err != nil {
			log.Printf("[images] run %s style preset %s unavailable: %v", run.ID, *run.Config.StylePresetID, err)
		} else {
			preset = p
		}
	}

	var characters []models.Character
	if len(run.Config.SelectedCharacterIDs) > 0 {
		c, err := o.store.ListCharacters(ctx, run.StartedByUserID, run.Config.SelectedCharacterIDs)
		if err != nil {
			log.Printf("[images] run %s characters unavailable: %v", run.ID, err)
		} else {
			characters = c
		}
	}
	return preset, characters
}

func (o *ImageOrchestrator) referenceImages(ctx context.Context, run *models.Run, characters []models.Character) []imagen.ReferenceImage {
	var refs []imagen.ReferenceImage
	for _, c := range characters {
		if !c.ReferenceImagePath.Valid || c.ReferenceImagePath.String == "" {
			continue
		}
		data, err := o.blobs.Download(ctx, c.ReferenceImagePath.String)
		if err != nil {
			log.Printf("[images] run %s skipping reference image for %s: %v", run.ID, c.Name, err)
			continue
		}
		refs = append(refs, imagen.NewReferenceImage(c.Name, mimeFromPath(c.ReferenceImagePath.String), data))
	}
	return refs
}

func (o *ImageOrchestrator) recordAttempt(ctx context.Context, run *models.Run, cred *Credential, sceneID uuid.UUID, start time.Time, callErr error) {
	status, code := "success", ""
	switch {
	case callErr == nil:
	case errors.Is(callErr, imagen.ErrPolicyViolation):
		status, code = "policy_violation", models.CodePolicyViolation
	case imagen.IsRateLimited(callErr):
		status, code = "rate_limited", models.CodeRateLimited
	case httpclient.IsTimeout(callErr):
		status, code = "timeout", models.CodeTimeout
	default:
		status, code = "failed", models.CodeUpstream
	}

	httpStatus := httpclient.StatusCode(callErr)
	units := 0
	if callErr == nil {
		httpStatus, units = 200, 1
	}

	entry := &models.CostLedgerEntry{
		ID:            uuid.New(),
		RunID:         run.ID,
		ProjectID:     run.ProjectID,
		UserID:        run.StartedByUserID,
		BillingUserID: cred.BillingUserID,
		BillingSource: cred.Source,
		Provider:      ImageProviderName,
		Operation:     "generate_image",
		SceneID:       uuid.NullUUID{UUID: sceneID, Valid: true},
		Status:        status,
		ErrorCode:     code,
		HTTPStatus:    httpStatus,
		DurationMs:    o.now().Sub(start).Milliseconds(),
		Units:         units,
		CreatedAt:     o.now(),
	}
	if err := o.store.RecordCost(context.WithoutCancel(ctx), entry); err != nil {
		log.Printf("[images] run %s failed to record cost: %v", run.ID, err)
	}
	o.metrics.ImageAttempt(ctx, status)
}

func imagePath(run *models.Run, sceneID, imageID uuid.UUID, mimeType string) string {
	ext := "png"
	switch mimeType {
	case "image/jpeg":
		ext = "jpg"
	case "image/webp":
		ext = "webp"
	}
	return fmt.Sprintf("users/%s/projects/%s/scenes/%s/%s.%s",
		run.StartedByUserID, run.ProjectID, sceneID, imageID, ext)
}

func mimeFromPath(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
