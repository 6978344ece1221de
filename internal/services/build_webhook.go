package services

import (
	"context"
	"fmt"
	"log"

	"storyrun-backend/internal/models"
)

// HandleBuildWebhook applies a status update pushed by the render pipeline.
// Updates only move forward, so redelivered or reordered events are no-ops.
func (s *RunService) HandleBuildWebhook(ctx context.Context, event models.VideoBuildWebhookEvent) (bool, error) {
	status := models.VideoBuildStatus(event.Status)
	if event.BuildID == "" || !status.Valid() {
		return false, models.NewValidationError("build_id and a known status are required")
	}
	if status == models.VideoBuildQueued {
		return false, nil
	}

	videoURL, errMsg := event.VideoURL, event.Error
	if status != models.VideoBuildCompleted {
		videoURL = ""
	}
	if status != models.VideoBuildFailed {
		errMsg = ""
	}

	ok, err := s.store.UpdateVideoBuildStatus(ctx, event.BuildID, status, videoURL, errMsg)
	if err != nil {
		return false, fmt.Errorf("failed to update build %s: %w", event.BuildID, err)
	}
	if !ok {
		log.Printf("[webhook] build %s status %s ignored", event.BuildID, status)
		return false, nil
	}
	log.Printf("[webhook] build %s is now %s", event.BuildID, status)

	run, err := s.store.GetRunByBuildID(ctx, event.BuildID)
	if err != nil || run == nil {
		return true, nil
	}
	payload := map[string]interface{}{
		"build_id": event.BuildID,
		"status":   string(status),
	}
	if videoURL != "" {
		payload["video_url"] = videoURL
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if err := s.publisher.Publish(ctx, models.RunEvent{
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		UserID:    run.StartedByUserID,
		Event:     "video_build_" + string(status),
		ToPhase:   run.Phase,
		Payload:   payload,
		CreatedAt: s.now(),
	}); err != nil {
		log.Printf("[webhook] failed to publish build update for run %s: %v", run.ID, err)
	}
	return true, nil
}
