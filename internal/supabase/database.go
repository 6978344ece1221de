package supabase

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"storyrun-backend/internal/database"
	"storyrun-backend/internal/models"
)

const uniqueViolation = "23505"

// DatabaseClient is the Postgres store for runs, scenes, images, keys, the
// cost ledger and the read-only style and character libraries.
type DatabaseClient struct {
	db     *sql.DB
	schema database.Schema
}

func NewDatabaseClient(db *sql.DB, schema database.Schema) *DatabaseClient {
	return &DatabaseClient{db: db, schema: schema}
}

func (d *DatabaseClient) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

const runColumns = `id, project_id, started_by_user_id, phase, config, retry_count,
	locked_at, locked_until, error_code, error_message, error_phase,
	format_job_id, audio_job_id, video_build_id, video_build_attempted_at,
	video_build_error, video_build_status, video_url, is_archived,
	phase_entered_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var phase string
	err := row.Scan(
		&run.ID, &run.ProjectID, &run.StartedByUserID, &phase, &run.Config, &run.RetryCount,
		&run.LockedAt, &run.LockedUntil, &run.ErrorCode, &run.ErrorMessage, &run.ErrorPhase,
		&run.FormatJobID, &run.AudioJobID, &run.VideoBuildID, &run.VideoBuildAttemptedAt,
		&run.VideoBuildError, &run.VideoBuildStatus, &run.VideoURL, &run.IsArchived,
		&run.PhaseEnteredAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Phase = models.Phase(phase)
	return &run, nil
}

func (d *DatabaseClient) queryRun(ctx context.Context, query string, args ...interface{}) (*models.Run, error) {
	run, err := scanRun(d.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (d *DatabaseClient) CreateProjectAndRun(ctx context.Context, project *models.Project, run *models.Run) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, user_id, title, source_text, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, project.ID, project.UserID, project.Title, project.SourceText, project.CreatedAt, project.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, project_id, started_by_user_id, phase, config, retry_count, phase_entered_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8)
	`, run.ID, run.ProjectID, run.StartedByUserID, string(run.Phase), run.Config,
		run.PhaseEnteredAt, run.CreatedAt, run.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return models.NewConflictError(models.CodeActiveRunExists, "user already has an active run")
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return models.NewConflictError(models.CodeActiveRunExists, "user already has an active run")
		}
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

func (d *DatabaseClient) GetProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	var p models.Project
	err := d.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, source_text, created_at, updated_at
		FROM projects
		WHERE id = $1
	`, projectID).Scan(&p.ID, &p.UserID, &p.Title, &p.SourceText, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewNotFoundError("project not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

func (d *DatabaseClient) GetRun(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	run, err := d.queryRun(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, models.NewNotFoundError("run not found")
	}
	return run, nil
}

func (d *DatabaseClient) GetLatestRunForProject(ctx context.Context, projectID uuid.UUID) (*models.Run, error) {
	return d.queryRun(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, projectID)
}

func (d *DatabaseClient) GetRunByBuildID(ctx context.Context, buildID string) (*models.Run, error) {
	return d.queryRun(ctx, `SELECT `+runColumns+` FROM runs WHERE video_build_id = $1 LIMIT 1`, buildID)
}

func (d *DatabaseClient) GetActiveRunForUser(ctx context.Context, userID uuid.UUID) (*models.Run, error) {
	return d.queryRun(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE started_by_user_id = $1 AND phase <> ALL($2)
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, pq.Array(models.TerminalPhases()))
}

// ListRuns returns the user's runs, newest first, for the CLI.
func (d *DatabaseClient) ListRuns(ctx context.Context, userID uuid.UUID, includeArchived bool, limit int) ([]models.Run, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE started_by_user_id = $1 AND ($2 OR NOT is_archived)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, includeArchived, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (d *DatabaseClient) CompareAndSwapPhase(ctx context.Context, runID uuid.UUID, expected, next models.Phase, update models.RunUpdate) (bool, error) {
	sets := []string{"phase = $3", "phase_entered_at = NOW()"}
	args := []interface{}{runID, string(expected), string(next)}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if next.ClearsLock() {
		sets = append(sets, "locked_at = NULL", "locked_until = NULL")
	}
	if !update.LockUntil.IsZero() {
		sets = append(sets, "locked_at = NOW()", "locked_until = "+arg(update.LockUntil))
	}
	if update.ErrorCode != "" {
		sets = append(sets,
			"error_code = "+arg(update.ErrorCode),
			"error_message = "+arg(update.ErrorMessage),
			"error_phase = "+arg(string(update.ErrorPhase)),
		)
	} else if update.ClearError {
		sets = append(sets, "error_code = NULL", "error_message = NULL", "error_phase = NULL")
	}
	if update.ExhaustRetries {
		sets = append(sets, "retry_count = "+arg(models.MaxRetryCount))
	} else if update.IncrementRetry {
		sets = append(sets, "retry_count = LEAST(retry_count + 1, "+arg(models.MaxRetryCount)+")")
	}
	if update.ClearAudioJob {
		sets = append(sets, "audio_job_id = NULL")
	}
	if update.ClearFormatJob {
		sets = append(sets, "format_job_id = NULL")
	}

	query := `UPDATE runs SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 AND phase = $2`
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return false, models.NewConflictError(models.CodeActiveRunExists, "user already has an active run")
		}
		return false, fmt.Errorf("failed to update run phase: %w", err)
	}
	return affected(res)
}

func (d *DatabaseClient) IncrementRetryCount(ctx context.Context, runID uuid.UUID, phase models.Phase) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE runs
		SET retry_count = LEAST(retry_count + 1, $3)
		WHERE id = $1 AND phase = $2
	`, runID, string(phase), models.MaxRetryCount)
	if err != nil {
		return false, fmt.Errorf("failed to increment retry count: %w", err)
	}
	return affected(res)
}

func (d *DatabaseClient) ClaimLock(ctx context.Context, runID uuid.UUID, now, until time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE runs
		SET locked_at = $2, locked_until = $3
		WHERE id = $1
		  AND (locked_until IS NULL OR locked_until <= $2)
		  AND phase <> ALL($4)
	`, runID, now, until, pq.Array(models.TerminalPhases()))
	if err != nil {
		return false, fmt.Errorf("failed to claim lock: %w", err)
	}
	return affected(res)
}

func (d *DatabaseClient) ReleaseLock(ctx context.Context, runID uuid.UUID) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE runs SET locked_at = NULL, locked_until = NULL WHERE id = $1
	`, runID)
	return err
}

func (d *DatabaseClient) SetFormatJobID(ctx context.Context, runID uuid.UUID, jobID string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE runs SET format_job_id = $2
		WHERE id = $1 AND format_job_id IS NULL AND phase = $3
	`, runID, jobID, string(models.PhaseFormatting))
	if err != nil {
		return false, fmt.Errorf("failed to set format job: %w", err)
	}
	return affected(res)
}

func (d *DatabaseClient) SetAudioJobID(ctx context.Context, runID uuid.UUID, jobID string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE runs SET audio_job_id = $2
		WHERE id = $1 AND audio_job_id IS NULL AND phase = $3
	`, runID, jobID, string(models.PhaseGeneratingAudio))
	if err != nil {
		return false, fmt.Errorf("failed to set audio job: %w", err)
	}
	return affected(res)
}

func (d *DatabaseClient) RecordVideoBuildAttempt(ctx context.Context, runID uuid.UUID, attempt models.VideoBuildAttempt) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE runs
		SET video_build_id = COALESCE(NULLIF($2, ''), video_build_id),
		    video_build_error = NULLIF($3, ''),
		    video_build_attempted_at = $4,
		    video_build_status = CASE
		        WHEN NULLIF($2, '') IS NOT NULL AND video_build_status IS NULL THEN 'queued'
		        ELSE video_build_status
		    END
		WHERE id = $1
	`, runID, attempt.BuildID, attempt.Error, attempt.AttemptedAt)
	if err != nil {
		return fmt.Errorf("failed to record video build attempt: %w", err)
	}
	return nil
}

func (d *DatabaseClient) UpdateVideoBuildStatus(ctx context.Context, buildID string, status models.VideoBuildStatus, videoURL, errMsg string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE runs
		SET video_build_status = $2,
		    video_url = COALESCE(NULLIF($3, ''), video_url),
		    video_build_error = CASE WHEN $2 = 'failed' THEN COALESCE(NULLIF($4, ''), 'build_failed') ELSE NULL END
		WHERE video_build_id = $1
		  AND (video_build_status IS NULL OR video_build_status = ANY($5))
	`, buildID, string(status), videoURL, errMsg, pq.Array(status.Predecessors()))
	if err != nil {
		return false, fmt.Errorf("failed to update video build status: %w", err)
	}
	return affected(res)
}

func (d *DatabaseClient) SetArchived(ctx context.Context, runID uuid.UUID, archived bool) error {
	_, err := d.db.ExecContext(ctx, `UPDATE runs SET is_archived = $2 WHERE id = $1`, runID, archived)
	return err
}

func (d *DatabaseClient) ListScenes(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, project_id, idx, title, body, utterance_count, is_hidden, created_at
		FROM scenes
		WHERE project_id = $1
		ORDER BY idx ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenes: %w", err)
	}
	defer rows.Close()

	var scenes []models.Scene
	for rows.Next() {
		var s models.Scene
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Idx, &s.Title, &s.Body,
			&s.UtteranceCount, &s.IsHidden, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scene: %w", err)
		}
		scenes = append(scenes, s)
	}
	return scenes, rows.Err()
}

func (d *DatabaseClient) InsertScenes(ctx context.Context, projectID uuid.UUID, scenes []models.Scene) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scenes WHERE project_id = $1`, projectID,
	).Scan(&existing); err != nil {
		return fmt.Errorf("failed to count scenes: %w", err)
	}
	if existing > 0 {
		return nil
	}

	for _, s := range scenes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scenes (id, project_id, idx, title, body, utterance_count, is_hidden, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (project_id, idx) DO NOTHING
		`, s.ID, projectID, s.Idx, s.Title, s.Body, s.UtteranceCount, s.IsHidden, s.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert scene %d: %w", s.Idx, err)
		}
	}
	return tx.Commit()
}

func (d *DatabaseClient) ListActiveImages(ctx context.Context, projectID uuid.UUID) ([]models.ImageGeneration, error) {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, %s, project_id, run_id, status, is_active, prompt, storage_path,
		       error_message, started_at, completed_at, created_at
		FROM image_generations
		WHERE project_id = $1 AND is_active
		ORDER BY created_at ASC
	`, d.schema.SceneColumn()), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var images []models.ImageGeneration
	for rows.Next() {
		var img models.ImageGeneration
		var status string
		if err := rows.Scan(&img.ID, &img.SceneID, &img.ProjectID, &img.RunID, &status,
			&img.IsActive, &img.Prompt, &img.StoragePath, &img.ErrorMessage,
			&img.StartedAt, &img.CompletedAt, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		img.Status = models.ImageStatus(status)
		images = append(images, img)
	}
	return images, rows.Err()
}

func (d *DatabaseClient) CreateImage(ctx context.Context, img *models.ImageGeneration) (bool, error) {
	res, err := d.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO image_generations (id, %s, project_id, run_id, status, is_active, prompt, started_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)
		ON CONFLICT DO NOTHING
	`, d.schema.SceneColumn()), img.ID, img.SceneID, img.ProjectID, img.RunID,
		string(img.Status), img.Prompt, img.StartedAt)
	if err != nil {
		return false, fmt.Errorf("failed to create image: %w", err)
	}
	return affected(res)
}

func (d *DatabaseClient) CompleteImage(ctx context.Context, imageID uuid.UUID, storagePath string, at time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE image_generations
		SET status = 'completed', storage_path = $2, completed_at = $3, error_message = NULL
		WHERE id = $1 AND status = 'generating' AND is_active
	`, imageID, storagePath, at)
	if err != nil {
		return false, fmt.Errorf("failed to complete image: %w", err)
	}
	return affected(res)
}

func (d *DatabaseClient) FailImage(ctx context.Context, imageID uuid.UUID, status models.ImageStatus, message string, at time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE image_generations
		SET status = $2, error_message = $3, completed_at = $4
		WHERE id = $1 AND status = 'generating' AND is_active
	`, imageID, string(status), message, at)
	if err != nil {
		return false, fmt.Errorf("failed to fail image: %w", err)
	}
	return affected(res)
}

func (d *DatabaseClient) TouchImage(ctx context.Context, imageID uuid.UUID, at time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE image_generations
		SET started_at = $2
		WHERE id = $1 AND status = 'generating' AND is_active
	`, imageID, at)
	if err != nil {
		return false, fmt.Errorf("failed to refresh image: %w", err)
	}
	return affected(res)
}

func (d *DatabaseClient) DeactivateFailedImages(ctx context.Context, projectID uuid.UUID, statuses []models.ImageStatus) (int, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE image_generations
		SET is_active = FALSE
		WHERE project_id = $1 AND is_active AND status = ANY($2)
	`, projectID, pq.Array(names))
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate images: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (d *DatabaseClient) GetSponsor(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	var sponsorID uuid.UUID
	err := d.db.QueryRowContext(ctx, `
		SELECT sponsor_user_id FROM sponsorships WHERE user_id = $1 AND is_active
	`, userID).Scan(&sponsorID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return sponsorID, true, nil
}

func (d *DatabaseClient) GetEncryptedKey(ctx context.Context, userID uuid.UUID, provider string) ([]byte, bool, error) {
	var sealed []byte
	err := d.db.QueryRowContext(ctx, `
		SELECT encrypted_key FROM user_api_keys WHERE user_id = $1 AND provider = $2
	`, userID, provider).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sealed, true, nil
}

func (d *DatabaseClient) PutEncryptedKey(ctx context.Context, userID uuid.UUID, provider string, sealed []byte) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO user_api_keys (user_id, provider, encrypted_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, provider) DO UPDATE
		SET encrypted_key = EXCLUDED.encrypted_key, updated_at = NOW()
	`, userID, provider, sealed)
	if err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}
	return nil
}

func (d *DatabaseClient) RecordCost(ctx context.Context, e *models.CostLedgerEntry) error {
	if !d.schema.HasCostLedger {
		return nil
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO cost_ledger (id, run_id, project_id, user_id, billing_user_id, billing_source,
			provider, operation, scene_id, status, error_code, http_status, duration_ms, units, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), NULLIF($12, 0), $13, $14, $15)
	`, e.ID, e.RunID, e.ProjectID, e.UserID, e.BillingUserID, string(e.BillingSource),
		e.Provider, e.Operation, e.SceneID, e.Status, e.ErrorCode, e.HTTPStatus,
		e.DurationMs, e.Units, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record cost: %w", err)
	}
	return nil
}

func (d *DatabaseClient) GetStylePreset(ctx context.Context, id uuid.UUID) (*models.StylePreset, error) {
	var p models.StylePreset
	err := d.db.QueryRowContext(ctx, `
		SELECT id, name, prompt_prefix, prompt_suffix, negative_prompt
		FROM style_presets WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.PromptPrefix, &p.PromptSuffix, &p.NegativePrompt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get style preset: %w", err)
	}
	return &p, nil
}

func (d *DatabaseClient) ListCharacters(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) ([]models.Character, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, user_id, name, description, reference_image_path
		FROM characters
		WHERE user_id = $1 AND id = ANY($2::uuid[])
		ORDER BY name ASC
	`, userID, pq.Array(strIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list characters: %w", err)
	}
	defer rows.Close()

	var characters []models.Character
	for rows.Next() {
		var c models.Character
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Description, &c.ReferenceImagePath); err != nil {
			return nil, fmt.Errorf("failed to scan character: %w", err)
		}
		characters = append(characters, c)
	}
	return characters, rows.Err()
}

// Publish appends the event to run_events. Supabase Realtime streams inserts
// on that table to subscribed clients.
func (d *DatabaseClient) Publish(ctx context.Context, event models.RunEvent) error {
	if !d.schema.HasRunEvents {
		return nil
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, project_id, user_id, event, from_phase, to_phase, payload, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
	`, event.RunID, event.ProjectID, event.UserID, event.Event,
		string(event.FromPhase), string(event.ToPhase), payload, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run event: %w", err)
	}
	return nil
}

func (d *DatabaseClient) Close() error {
	return d.db.Close()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}
