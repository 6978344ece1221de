package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"storyrun-backend/internal/formatter"
	"storyrun-backend/internal/imagen"
	"storyrun-backend/internal/models"
	"storyrun-backend/internal/narration"
	"storyrun-backend/internal/videobuild"
)

// RunStore persists runs and their projects. Every phase change goes through
// CompareAndSwapPhase.
type RunStore interface {
	// CreateProjectAndRun inserts both rows in one transaction. A second
	// active run for the same user fails with ACTIVE_RUN_EXISTS.
	CreateProjectAndRun(ctx context.Context, project *models.Project, run *models.Run) error
	GetProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*models.Run, error)
	// GetLatestRunForProject returns nil when the project has no run.
	GetLatestRunForProject(ctx context.Context, projectID uuid.UUID) (*models.Run, error)
	// GetRunByBuildID returns nil when no run is linked to buildID.
	GetRunByBuildID(ctx context.Context, buildID string) (*models.Run, error)
	// GetActiveRunForUser returns nil when the user has no non-terminal run.
	GetActiveRunForUser(ctx context.Context, userID uuid.UUID) (*models.Run, error)

	// CompareAndSwapPhase moves the run from expected to next. It returns
	// false without error when the run was no longer in expected.
	CompareAndSwapPhase(ctx context.Context, runID uuid.UUID, expected, next models.Phase, update models.RunUpdate) (bool, error)
	// IncrementRetryCount bumps retry_count while the run is still in phase.
	IncrementRetryCount(ctx context.Context, runID uuid.UUID, phase models.Phase) (bool, error)

	// ClaimLock takes the timed lock when it is free or expired at now.
	ClaimLock(ctx context.Context, runID uuid.UUID, now, until time.Time) (bool, error)
	ReleaseLock(ctx context.Context, runID uuid.UUID) error

	// SetFormatJobID and SetAudioJobID only write when the column is null
	// and the run is still in the expected phase.
	SetFormatJobID(ctx context.Context, runID uuid.UUID, jobID string) (bool, error)
	SetAudioJobID(ctx context.Context, runID uuid.UUID, jobID string) (bool, error)

	RecordVideoBuildAttempt(ctx context.Context, runID uuid.UUID, attempt models.VideoBuildAttempt) error
	// UpdateVideoBuildStatus applies a webhook status. It returns false when
	// no run carries buildID or the status would move backwards.
	UpdateVideoBuildStatus(ctx context.Context, buildID string, status models.VideoBuildStatus, videoURL, errMsg string) (bool, error)
	SetArchived(ctx context.Context, runID uuid.UUID, archived bool) error
}

type SceneStore interface {
	// ListScenes returns the project's scenes ordered by idx.
	ListScenes(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error)
	// InsertScenes writes the formatter output once. Calling it again for a
	// project that already has scenes is a no-op.
	InsertScenes(ctx context.Context, projectID uuid.UUID, scenes []models.Scene) error
}

type ImageStore interface {
	ListActiveImages(ctx context.Context, projectID uuid.UUID) ([]models.ImageGeneration, error)
	// CreateImage returns false when the scene already has an active record.
	CreateImage(ctx context.Context, img *models.ImageGeneration) (bool, error)
	// CompleteImage and FailImage only touch records still generating.
	CompleteImage(ctx context.Context, imageID uuid.UUID, storagePath string, at time.Time) (bool, error)
	FailImage(ctx context.Context, imageID uuid.UUID, status models.ImageStatus, message string, at time.Time) (bool, error)
	// TouchImage moves started_at of a generating record to at.
	TouchImage(ctx context.Context, imageID uuid.UUID, at time.Time) (bool, error)
	// DeactivateFailedImages deactivates the active records in statuses.
	DeactivateFailedImages(ctx context.Context, projectID uuid.UUID, statuses []models.ImageStatus) (int, error)
}

type KeyStore interface {
	// GetSponsor returns the active sponsor of userID, if any.
	GetSponsor(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error)
	GetEncryptedKey(ctx context.Context, userID uuid.UUID, provider string) ([]byte, bool, error)
}

type LedgerStore interface {
	RecordCost(ctx context.Context, entry *models.CostLedgerEntry) error
}

// LibraryStore reads the style and character libraries.
type LibraryStore interface {
	GetStylePreset(ctx context.Context, id uuid.UUID) (*models.StylePreset, error)
	ListCharacters(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]models.Character, error)
}

// Store is everything the orchestrator needs from the relational store.
type Store interface {
	RunStore
	SceneStore
	ImageStore
	KeyStore
	LedgerStore
	LibraryStore
}

type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	Download(ctx context.Context, path string) ([]byte, error)
	PublicURL(path string) string
}

type EventPublisher interface {
	Publish(ctx context.Context, event models.RunEvent) error
}

type ImageProvider interface {
	Generate(ctx context.Context, apiKey string, req imagen.GenerateRequest) (*imagen.Image, error)
}

type Formatter interface {
	StartJob(ctx context.Context, idempotencyKey string, req formatter.StartRequest) (*formatter.Job, error)
	GetJob(ctx context.Context, jobID string) (*formatter.Job, error)
	CancelJob(ctx context.Context, jobID string) error
}

type Narrator interface {
	StartJob(ctx context.Context, idempotencyKey string, req narration.StartJobRequest) (*narration.Job, error)
	GetJob(ctx context.Context, jobID string) (*narration.Job, error)
	FindActiveJob(ctx context.Context, projectID string) (*narration.Job, error)
	CancelJob(ctx context.Context, jobID string) error
}

type VideoBuilder interface {
	ActiveBuild(ctx context.Context, projectID, token string) (*videobuild.Build, error)
	Preflight(ctx context.Context, projectID, token string) error
	CreateBuild(ctx context.Context, token string, req videobuild.CreateRequest) (*videobuild.Build, error)
}

// Metrics records orchestration counters.
type Metrics interface {
	PhaseTransition(ctx context.Context, from, to models.Phase)
	AdvanceAction(ctx context.Context, phase models.Phase, action string)
	ImageAttempt(ctx context.Context, status string)
}

type noopMetrics struct{}

func (noopMetrics) PhaseTransition(context.Context, models.Phase, models.Phase) {}
func (noopMetrics) AdvanceAction(context.Context, models.Phase, string)         {}
func (noopMetrics) ImageAttempt(context.Context, string)                        {}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, models.RunEvent) error { return nil }
