package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"storyrun-backend/internal/httpclient"
	"storyrun-backend/internal/imagen"
	"storyrun-backend/internal/models"
)

func serverError() error {
	return &httpclient.StatusError{Op: "generate image", StatusCode: http.StatusInternalServerError, Body: "boom"}
}

func TestImages_GeneratesOneScenePerAdvance(t *testing.T) {
	h := newHarness(t)
	projectID := h.toImages(scene("One"), scene("Two"), formatHidden("Credits"))

	res := h.advance(projectID)
	assert.Equal(t, models.ActionGeneratedImage, res.Action)
	assert.Equal(t, 1, h.images.callCount())

	run := h.latestRun(projectID)
	assert.False(t, run.LockHeld(h.clock.Now()), "lock is released after the scene")

	scenes, err := h.store.ListScenes(h.ctx, projectID)
	require.NoError(t, err)
	require.Len(t, scenes, 3)

	imgs := h.store.imagesForScene(scenes[0].ID)
	require.Len(t, imgs, 1)
	assert.Equal(t, models.ImageStatusCompleted, imgs[0].Status)
	path := imgs[0].StoragePath.String
	assert.True(t, strings.HasPrefix(path, fmt.Sprintf("users/%s/projects/%s/scenes/%s/", h.user, projectID, scenes[0].ID)))
	assert.True(t, strings.HasSuffix(path, ".png"))
	assert.Contains(t, h.blobs.objects, path)

	res = h.advance(projectID)
	assert.Equal(t, models.ActionGeneratedImage, res.Action)
	res = h.advance(projectID)
	assert.Equal(t, models.ActionStartedAudio, res.Action)
	assert.Equal(t, 2, h.images.callCount(), "hidden scene is never generated")

	rows := h.store.ledgerRows()
	require.Len(t, rows, 2)
	assert.Equal(t, models.BillingSourceSystem, rows[0].BillingSource)
	assert.Equal(t, "success", rows[0].Status)
	assert.Equal(t, 200, rows[0].HTTPStatus)
	assert.Equal(t, 1, rows[0].Units)
	assert.Equal(t, []string{testSystemKey, testSystemKey}, h.images.keys)
}

func TestImages_RetryExhaustionFailsRun(t *testing.T) {
	h := newHarness(t)
	h.images.respond = func(int) error { return serverError() }
	projectID := h.toImages(scene("One"))

	want := []string{
		models.ActionImageFailed, models.ActionRetryingImages,
		models.ActionImageFailed, models.ActionRetryingImages,
		models.ActionImageFailed, models.ActionFailed,
	}
	for i, action := range want {
		res := h.advance(projectID)
		assert.Equal(t, action, res.Action, "step %d", i)
	}

	run := h.latestRun(projectID)
	assert.Equal(t, models.PhaseFailed, run.Phase)
	assert.Equal(t, models.CodeImageGenerationFailed, run.ErrorCode.String)
	assert.Equal(t, string(models.PhaseGeneratingImages), run.ErrorPhase.String)
	assert.Equal(t, models.MaxRetryCount, run.RetryCount)

	assert.Equal(t, 6, h.images.callCount(), "two attempts per round")
	assert.Len(t, h.store.ledgerRows(), 6)
	for _, row := range h.store.ledgerRows() {
		assert.Equal(t, "failed", row.Status)
		assert.Equal(t, models.CodeUpstream, row.ErrorCode)
		assert.Equal(t, 500, row.HTTPStatus)
		assert.Equal(t, 0, row.Units)
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}, h.sleeps)

	_, err := h.svc.Retry(h.ctx, h.user, projectID, "tok")
	assert.Equal(t, models.CodeRetryExhausted, errCode(err))
}

func TestImages_RateLimitBacksOffThenSucceeds(t *testing.T) {
	h := newHarness(t)
	h.images.respond = func(n int) error {
		if n == 1 {
			return &httpclient.StatusError{StatusCode: http.StatusTooManyRequests}
		}
		return nil
	}
	projectID := h.toImages(scene("One"))

	res := h.advance(projectID)
	assert.Equal(t, models.ActionGeneratedImage, res.Action)
	assert.Equal(t, []time.Duration{2500 * time.Millisecond}, h.sleeps)

	rows := h.store.ledgerRows()
	require.Len(t, rows, 2)
	assert.Equal(t, "rate_limited", rows[0].Status)
	assert.Equal(t, models.CodeRateLimited, rows[0].ErrorCode)
	assert.Equal(t, "success", rows[1].Status)
}

func TestImages_PolicyViolationNotRetryable(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.PolicyViolationRetryable = false })
	h.images.respond = func(int) error {
		return fmt.Errorf("%w: blocked", imagen.ErrPolicyViolation)
	}
	projectID := h.toImages(scene("One"))

	res := h.advance(projectID)
	assert.Equal(t, models.ActionImageFailed, res.Action)
	assert.Equal(t, 1, h.images.callCount(), "policy violations are not retried within a scene")
	assert.Empty(t, h.sleeps)

	rows := h.store.ledgerRows()
	require.Len(t, rows, 1)
	assert.Equal(t, "policy_violation", rows[0].Status)

	res = h.advance(projectID)
	assert.Equal(t, models.ActionFailed, res.Action)
	run := h.latestRun(projectID)
	assert.Equal(t, models.CodeImageGenerationFailed, run.ErrorCode.String)
	assert.Equal(t, 0, run.RetryCount)
}

func TestImages_PolicyViolationRetryableStartsNewRound(t *testing.T) {
	h := newHarness(t)
	h.images.respond = func(n int) error {
		if n == 1 {
			return fmt.Errorf("%w: blocked", imagen.ErrPolicyViolation)
		}
		return nil
	}
	projectID := h.toImages(scene("One"))

	assert.Equal(t, models.ActionImageFailed, h.advance(projectID).Action)
	assert.Equal(t, models.ActionRetryingImages, h.advance(projectID).Action)
	assert.Equal(t, models.ActionGeneratedImage, h.advance(projectID).Action)
	assert.Equal(t, 1, h.latestRun(projectID).RetryCount)
}

func TestImages_UploadFailureMarksImageFailed(t *testing.T) {
	h := newHarness(t)
	h.blobs.uploadErr = errors.New("disk full")
	projectID := h.toImages(scene("One"))

	res := h.advance(projectID)
	assert.Equal(t, models.ActionImageFailed, res.Action)

	scenes, err := h.store.ListScenes(h.ctx, projectID)
	require.NoError(t, err)
	imgs := h.store.imagesForScene(scenes[0].ID)
	require.Len(t, imgs, 1)
	assert.Equal(t, models.ImageStatusFailed, imgs[0].Status)
	assert.Contains(t, imgs[0].ErrorMessage.String, "disk full")
}

func TestImages_StaleLockIsReclaimed(t *testing.T) {
	h := newHarness(t)
	projectID := h.toImages(scene("One"))
	run := h.latestRun(projectID)
	scenes, err := h.store.ListScenes(h.ctx, projectID)
	require.NoError(t, err)

	// A worker claimed the lock and created a record, then disappeared.
	now := h.clock.Now()
	ok, err := h.store.ClaimLock(h.ctx, run.ID, now, now.Add(ImageLockTTL))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = h.store.CreateImage(h.ctx, &models.ImageGeneration{
		ID: uuid.New(), SceneID: scenes[0].ID, ProjectID: projectID, RunID: run.ID,
		Status: models.ImageStatusGenerating, StartedAt: now,
	})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.svc.Advance(h.ctx, h.user, projectID, "tok")
	assert.Equal(t, models.CodeRunLocked, errCode(err))

	h.clock.Advance(StaleImageAfter + time.Second)
	res := h.advance(projectID)
	assert.Equal(t, models.ActionReclaimedStale, res.Action)

	imgs := h.store.imagesForScene(scenes[0].ID)
	require.Len(t, imgs, 1)
	assert.Equal(t, models.ImageStatusFailed, imgs[0].Status)
	assert.Contains(t, imgs[0].ErrorMessage.String, "abandoned")

	assert.Equal(t, models.ActionRetryingImages, h.advance(projectID).Action)
	assert.Equal(t, models.ActionGeneratedImage, h.advance(projectID).Action)
}

func TestImages_LongStepKeepsItsRecord(t *testing.T) {
	h := newHarness(t)
	projectID := h.toImages(scene("One"))

	var concurrent []error
	h.images.respond = func(n int) error {
		if n == 1 {
			h.clock.Advance(45 * time.Second)
			return serverError()
		}
		h.clock.Advance(20 * time.Second)
		_, err := h.svc.Advance(h.ctx, h.user, projectID, "tok")
		concurrent = append(concurrent, err)
		return nil
	}

	res := h.advance(projectID)
	assert.Equal(t, models.ActionGeneratedImage, res.Action)
	require.Len(t, concurrent, 1)
	assert.Equal(t, models.CodeRunLocked, errCode(concurrent[0]), "in-flight record is not reclaimed")
	assert.Equal(t, 2, h.images.callCount())

	scenes, err := h.store.ListScenes(h.ctx, projectID)
	require.NoError(t, err)
	imgs := h.store.imagesForScene(scenes[0].ID)
	require.Len(t, imgs, 1)
	assert.Equal(t, models.ImageStatusCompleted, imgs[0].Status)
}

func TestImages_LongBackoffRefreshesRecord(t *testing.T) {
	h := newHarness(t)
	projectID := h.toImages(scene("One"))

	var concurrent []error
	h.svc.images.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		h.clock.Advance(d)
		_, err := h.svc.Advance(h.ctx, h.user, projectID, "tok")
		concurrent = append(concurrent, err)
		return nil
	}
	h.images.respond = func(n int) error {
		if n == 1 {
			h.clock.Advance(45 * time.Second)
			return &httpclient.StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Minute}
		}
		return nil
	}

	res := h.advance(projectID)
	assert.Equal(t, models.ActionGeneratedImage, res.Action)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, h.sleeps)
	require.Len(t, concurrent, 2)
	for _, err := range concurrent {
		assert.Equal(t, models.CodeRunLocked, errCode(err))
	}
}

func TestImages_RecordExistsBeforeBilling(t *testing.T) {
	h := newHarness(t)
	h.svc.images.billing.systemKey = ""
	projectID := h.toImages(scene("One"))

	res := h.advance(projectID)
	assert.Equal(t, models.ActionFailed, res.Action)
	assert.Equal(t, 0, h.images.callCount())

	scenes, err := h.store.ListScenes(h.ctx, projectID)
	require.NoError(t, err)
	imgs := h.store.imagesForScene(scenes[0].ID)
	require.Len(t, imgs, 1, "record is created as soon as the lock is held")
	assert.Equal(t, models.ImageStatusFailed, imgs[0].Status)
	assert.Contains(t, imgs[0].ErrorMessage.String, "billing")
}

func TestImages_StylePresetAndCharacters(t *testing.T) {
	h := newHarness(t)
	preset := models.StylePreset{ID: uuid.New(), Name: "ink", PromptPrefix: "Ink drawing.", NegativePrompt: "blurry"}
	h.store.presets[preset.ID] = preset
	fox := models.Character{
		ID: uuid.New(), UserID: h.user, Name: "Fox", Description: "a red fox",
		ReferenceImagePath: sql.NullString{String: "refs/fox.jpg", Valid: true},
	}
	owl := models.Character{ID: uuid.New(), UserID: h.user, Name: "Owl", Description: "an owl"}
	h.store.characters[fox.ID] = fox
	h.store.characters[owl.ID] = owl
	h.blobs.objects["refs/fox.jpg"] = []byte("fox-bytes")

	resp, err := h.svc.Start(h.ctx, h.user, models.StartRunRequest{
		Text:                 "The fox ran.",
		OutputPreset:         "portrait_1080p",
		StylePresetID:        preset.ID.String(),
		SelectedCharacterIDs: []string{fox.ID.String(), owl.ID.String()},
	}, "tok")
	require.NoError(t, err)
	projectID := uuid.MustParse(resp.ProjectID)
	require.Empty(t, h.runTasks())

	run := h.latestRun(projectID)
	h.formatter.complete(run.FormatJobID.String, scene("The fox"))
	h.advance(projectID)
	h.advance(projectID)
	assert.Equal(t, models.ActionGeneratedImage, h.advance(projectID).Action)

	require.Len(t, h.images.requests, 1)
	req := h.images.requests[0]
	assert.Equal(t, "9:16", req.AspectRatio)
	assert.Equal(t, "blurry", req.NegativePrompt)
	assert.True(t, strings.HasPrefix(req.Prompt, "Ink drawing."))
	assert.Contains(t, req.Prompt, "Fox: a red fox")
	assert.NotContains(t, req.Prompt, "Owl")
	require.Len(t, req.ReferenceImages, 1)
	assert.Equal(t, "Fox", req.ReferenceImages[0].Name)
	assert.Equal(t, "image/jpeg", req.ReferenceImages[0].MimeType)
}

func TestImages_NoEligibleScenesFails(t *testing.T) {
	h := newHarness(t)
	projectID := h.toImages(scene("One"))
	h.store.mu.Lock()
	h.store.scenes[projectID] = nil
	h.store.mu.Unlock()

	res := h.advance(projectID)
	assert.Equal(t, models.ActionFailed, res.Action)
	assert.Equal(t, models.CodeNoScenes, h.latestRun(projectID).ErrorCode.String)
}

func TestImagePath_Extension(t *testing.T) {
	run := &models.Run{StartedByUserID: uuid.New(), ProjectID: uuid.New()}
	scene, img := uuid.New(), uuid.New()

	assert.True(t, strings.HasSuffix(imagePath(run, scene, img, "image/jpeg"), img.String()+".jpg"))
	assert.True(t, strings.HasSuffix(imagePath(run, scene, img, "image/webp"), ".webp"))
	assert.True(t, strings.HasSuffix(imagePath(run, scene, img, ""), ".png"))
}
