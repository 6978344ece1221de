package models

import "time"

// Advance actions reported back to the caller.
const (
	ActionStartedFormatting   = "started_formatting"
	ActionFormattingRestarted = "formatting_restarted"
	ActionScenesReady         = "scenes_ready"
	ActionStartedImages       = "started_images"
	ActionReclaimedStale      = "reclaimed_stale"
	ActionGeneratedImage      = "generated_image"
	ActionImageFailed         = "image_failed"
	ActionRetryingImages      = "retrying_images"
	ActionStartedAudio        = "started_audio"
	ActionAttachedAudioJob    = "attached_audio_job"
	ActionAudioRestarted      = "audio_restarted"
	ActionCompleted           = "completed"
	ActionFailed              = "failed"
	ActionWaiting             = "waiting"
	ActionNone                = "none"
)

type AdvanceResult struct {
	PreviousPhase Phase  `json:"previous_phase"`
	NewPhase      Phase  `json:"new_phase"`
	Action        string `json:"action"`
	Message       string `json:"message,omitempty"`
}

type StartRunResponse struct {
	RunID     string    `json:"run_id"`
	ProjectID string    `json:"project_id"`
	Phase     Phase     `json:"phase"`
	Config    RunConfig `json:"config"`
}

type RetryResponse struct {
	PreviousPhase Phase `json:"previous_phase"`
	NewPhase      Phase `json:"new_phase"`
	RetryCount    int   `json:"retry_count"`
}

type CancelResponse struct {
	PreviousPhase Phase `json:"previous_phase"`
	NewPhase      Phase `json:"new_phase"`
}

type ArchiveResponse struct {
	RunID      string `json:"run_id"`
	IsArchived bool   `json:"is_archived"`
}

// RunResponse is the public view of a run record.
type RunResponse struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	StartedByUserID string    `json:"started_by_user_id"`
	Phase           Phase     `json:"phase"`
	Config          RunConfig `json:"config"`
	RetryCount      int       `json:"retry_count"`
	ErrorCode       string    `json:"error_code,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ErrorPhase      string    `json:"error_phase,omitempty"`
	AudioJobID      string    `json:"audio_job_id,omitempty"`
	VideoBuildID    string    `json:"video_build_id,omitempty"`
	IsArchived      bool      `json:"is_archived"`
	PhaseEnteredAt  time.Time `json:"phase_entered_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func NewRunResponse(r *Run) RunResponse {
	return RunResponse{
		ID:              r.ID.String(),
		ProjectID:       r.ProjectID.String(),
		StartedByUserID: r.StartedByUserID.String(),
		Phase:           r.Phase,
		Config:          r.Config,
		RetryCount:      r.RetryCount,
		ErrorCode:       r.ErrorCode.String,
		ErrorMessage:    r.ErrorMessage.String,
		ErrorPhase:      r.ErrorPhase.String,
		AudioJobID:      r.AudioJobID.String,
		VideoBuildID:    r.VideoBuildID.String,
		IsArchived:      r.IsArchived,
		PhaseEnteredAt:  r.PhaseEnteredAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// StatusResponse aggregates progress across every stage of a run.
type StatusResponse struct {
	Run        RunResponse      `json:"run"`
	Formatting FormattingStatus `json:"formatting"`
	Images     ImageStatusCount `json:"images"`
	Audio      AudioStatus      `json:"audio"`
	Video      VideoStatus      `json:"video"`
}

type FormattingStatus struct {
	JobID      string `json:"job_id,omitempty"`
	SceneCount int    `json:"scene_count"`
}

type ImageStatusCount struct {
	Eligible   int `json:"eligible"`
	Completed  int `json:"completed"`
	Generating int `json:"generating"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
}

type AudioStatus struct {
	JobID     string `json:"job_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

type VideoStatus struct {
	BuildID     string     `json:"build_id,omitempty"`
	Status      string     `json:"status,omitempty"`
	URL         string     `json:"url,omitempty"`
	Error       string     `json:"error,omitempty"`
	AttemptedAt *time.Time `json:"attempted_at,omitempty"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}
