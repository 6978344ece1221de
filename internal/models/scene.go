package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type Scene struct {
	ID             uuid.UUID
	ProjectID      uuid.UUID
	Idx            int
	Title          string
	Body           string
	UtteranceCount int
	IsHidden       bool
	CreatedAt      time.Time
}

// Eligible reports whether the scene takes part in image generation.
func (s Scene) Eligible() bool {
	return !s.IsHidden && s.UtteranceCount > 0
}

type ImageStatus string

const (
	ImageStatusGenerating      ImageStatus = "generating"
	ImageStatusCompleted       ImageStatus = "completed"
	ImageStatusFailed          ImageStatus = "failed"
	ImageStatusPolicyViolation ImageStatus = "policy_violation"
)

func (s ImageStatus) IsFailure() bool {
	return s == ImageStatusFailed || s == ImageStatusPolicyViolation
}

type ImageGeneration struct {
	ID           uuid.UUID
	SceneID      uuid.UUID
	ProjectID    uuid.UUID
	RunID        uuid.UUID
	Status       ImageStatus
	IsActive     bool
	Prompt       string
	StoragePath  sql.NullString
	ErrorMessage sql.NullString
	StartedAt    time.Time
	CompletedAt  sql.NullTime
	CreatedAt    time.Time
}

type StylePreset struct {
	ID             uuid.UUID
	Name           string
	PromptPrefix   string
	PromptSuffix   string
	NegativePrompt string
}

type Character struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	Name               string
	Description        string
	ReferenceImagePath sql.NullString
}

type BillingSource string

const (
	BillingSourceUser    BillingSource = "user"
	BillingSourceSponsor BillingSource = "sponsor"
	BillingSourceSystem  BillingSource = "system"
)

type CostLedgerEntry struct {
	ID            uuid.UUID
	RunID         uuid.UUID
	ProjectID     uuid.UUID
	UserID        uuid.UUID
	BillingUserID uuid.NullUUID
	BillingSource BillingSource
	Provider      string
	Operation     string
	SceneID       uuid.NullUUID
	Status        string
	ErrorCode     string
	HTTPStatus    int
	DurationMs    int64
	Units         int
	CreatedAt     time.Time
}
