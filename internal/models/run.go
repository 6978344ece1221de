package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxRetryCount bounds both image retry rounds and user-initiated retries.
const MaxRetryCount = 3

type Phase string

const (
	PhaseInit             Phase = "init"
	PhaseFormatting       Phase = "formatting"
	PhaseAwaitingReady    Phase = "awaiting_ready"
	PhaseGeneratingImages Phase = "generating_images"
	PhaseGeneratingAudio  Phase = "generating_audio"
	PhaseReady            Phase = "ready"
	PhaseFailed           Phase = "failed"
	PhaseCanceled         Phase = "canceled"
)

// Transitions is the full edge set of the run state machine. The failed row
// is the retry back-edge and is only taken by Retry.
var Transitions = map[Phase]map[Phase]bool{
	PhaseInit: {
		PhaseFormatting: true,
		PhaseCanceled:   true,
	},
	PhaseFormatting: {
		PhaseAwaitingReady: true,
		PhaseFailed:        true,
		PhaseCanceled:      true,
	},
	PhaseAwaitingReady: {
		PhaseGeneratingImages: true,
		PhaseCanceled:         true,
	},
	PhaseGeneratingImages: {
		PhaseGeneratingAudio: true,
		PhaseFailed:          true,
		PhaseCanceled:        true,
	},
	PhaseGeneratingAudio: {
		PhaseReady:    true,
		PhaseFailed:   true,
		PhaseCanceled: true,
	},
	PhaseFailed: {
		PhaseFormatting:       true,
		PhaseGeneratingImages: true,
		PhaseGeneratingAudio:  true,
	},
}

// RetryRollback maps the phase a run failed in to the phase Retry resumes from.
var RetryRollback = map[Phase]Phase{
	PhaseFormatting:       PhaseFormatting,
	PhaseAwaitingReady:    PhaseFormatting,
	PhaseGeneratingImages: PhaseGeneratingImages,
	PhaseGeneratingAudio:  PhaseGeneratingAudio,
}

func CanTransition(from, to Phase) bool {
	return Transitions[from][to]
}

func (p Phase) IsTerminal() bool {
	return p == PhaseReady || p == PhaseFailed || p == PhaseCanceled
}

// ClearsLock reports whether entering p releases the timed lock.
func (p Phase) ClearsLock() bool {
	return p.IsTerminal() || p == PhaseGeneratingAudio
}

func (p Phase) Valid() bool {
	switch p {
	case PhaseInit, PhaseFormatting, PhaseAwaitingReady, PhaseGeneratingImages,
		PhaseGeneratingAudio, PhaseReady, PhaseFailed, PhaseCanceled:
		return true
	}
	return false
}

// TerminalPhases lists the phases in which a run no longer counts as active.
func TerminalPhases() []string {
	return []string{string(PhaseReady), string(PhaseFailed), string(PhaseCanceled)}
}

// RunConfig is captured once when the run is created and never written again.
type RunConfig struct {
	OutputPreset         string      `json:"output_preset"`
	TargetSceneCount     int         `json:"target_scene_count"`
	NarrationVoice       string      `json:"narration_voice"`
	StylePresetID        *uuid.UUID  `json:"style_preset_id,omitempty"`
	SelectedCharacterIDs []uuid.UUID `json:"selected_character_ids,omitempty"`
	AutoBuildVideo       bool        `json:"auto_build_video"`
}

func (c RunConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *RunConfig) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New(fmt.Sprint("failed to unmarshal run config value:", value))
	}
	return json.Unmarshal(data, c)
}

type Run struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	StartedByUserID uuid.UUID
	Phase           Phase
	Config          RunConfig
	RetryCount      int

	LockedAt    sql.NullTime
	LockedUntil sql.NullTime

	ErrorCode    sql.NullString
	ErrorMessage sql.NullString
	ErrorPhase   sql.NullString

	FormatJobID sql.NullString
	AudioJobID  sql.NullString

	VideoBuildID          sql.NullString
	VideoBuildAttemptedAt sql.NullTime
	VideoBuildError       sql.NullString
	VideoBuildStatus      sql.NullString
	VideoURL              sql.NullString

	IsArchived     bool
	PhaseEnteredAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LockHeld reports whether the timed lock is live at now.
func (r *Run) LockHeld(now time.Time) bool {
	return r.LockedUntil.Valid && r.LockedUntil.Time.After(now)
}

// RunUpdate carries the optional columns written together with a phase change.
type RunUpdate struct {
	ErrorCode    string
	ErrorMessage string
	ErrorPhase   Phase
	// LockUntil claims the timed lock in the same statement when non-zero.
	LockUntil time.Time
	// IncrementRetry bumps retry_count in the same statement.
	IncrementRetry bool
	// ClearAudioJob resets audio_job_id, used when retrying audio.
	ClearAudioJob bool
	// ClearFormatJob resets format_job_id, used when retrying formatting.
	ClearFormatJob bool
	// ClearError resets the error columns, used when retrying.
	ClearError bool
	// ExhaustRetries pins retry_count at MaxRetryCount.
	ExhaustRetries bool
}

// VideoBuildAttempt is the persisted outcome of one pass through the build gates.
type VideoBuildAttempt struct {
	BuildID     string
	Error       string
	AttemptedAt time.Time
}

type VideoBuildStatus string

const (
	VideoBuildQueued    VideoBuildStatus = "queued"
	VideoBuildBuilding  VideoBuildStatus = "building"
	VideoBuildCompleted VideoBuildStatus = "completed"
	VideoBuildFailed    VideoBuildStatus = "failed"
)

func (s VideoBuildStatus) Valid() bool {
	switch s {
	case VideoBuildQueued, VideoBuildBuilding, VideoBuildCompleted, VideoBuildFailed:
		return true
	}
	return false
}

// Predecessors lists the statuses a build may move to s from. Status only
// moves forward; a settled build never changes again.
func (s VideoBuildStatus) Predecessors() []string {
	switch s {
	case VideoBuildBuilding:
		return []string{string(VideoBuildQueued)}
	case VideoBuildCompleted, VideoBuildFailed:
		return []string{string(VideoBuildQueued), string(VideoBuildBuilding)}
	}
	return nil
}

// RunEvent is appended for every phase change and fanned out to subscribers.
type RunEvent struct {
	RunID     uuid.UUID              `json:"run_id"`
	ProjectID uuid.UUID              `json:"project_id"`
	UserID    uuid.UUID              `json:"user_id"`
	Event     string                 `json:"event"`
	FromPhase Phase                  `json:"from_phase,omitempty"`
	ToPhase   Phase                  `json:"to_phase,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
