package models

type StartRunRequest struct {
	Text                 string   `json:"text" binding:"required"`
	Title                string   `json:"title,omitempty"`
	OutputPreset         string   `json:"output_preset,omitempty"`
	TargetSceneCount     *int     `json:"target_scene_count,omitempty"`
	NarrationVoice       string   `json:"narration_voice,omitempty"`
	StylePresetID        string   `json:"style_preset_id,omitempty"`
	SelectedCharacterIDs []string `json:"selected_character_ids,omitempty"`
	AutoBuildVideo       *bool    `json:"auto_build_video,omitempty"`
}

type ArchiveRequest struct {
	Archived bool `json:"archived"`
}

// VideoBuildWebhookEvent is posted by the render pipeline when a build settles.
type VideoBuildWebhookEvent struct {
	BuildID   string `json:"build_id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"` // "completed" or "failed"
	VideoURL  string `json:"video_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
