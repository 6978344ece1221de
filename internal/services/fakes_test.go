package services

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"storyrun-backend/internal/config"
	"storyrun-backend/internal/formatter"
	"storyrun-backend/internal/imagen"
	"storyrun-backend/internal/models"
	"storyrun-backend/internal/narration"
	"storyrun-backend/internal/secrets"
	"storyrun-backend/internal/videobuild"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeStore is an in-memory Store with the same conditional-update rules as
// the Postgres store.
type fakeStore struct {
	mu  sync.Mutex
	now func() time.Time

	projects   map[uuid.UUID]models.Project
	runs       map[uuid.UUID]*models.Run
	scenes     map[uuid.UUID][]models.Scene
	images     []*models.ImageGeneration
	sponsors   map[uuid.UUID]uuid.UUID
	keys       map[string][]byte
	ledger     []models.CostLedgerEntry
	presets    map[uuid.UUID]models.StylePreset
	characters map[uuid.UUID]models.Character

	// loseCAS makes the next n phase updates report a lost race.
	loseCAS int
	// hideActive makes GetActiveRunForUser miss, as a concurrent Start would.
	hideActive bool
}

func newFakeStore(now func() time.Time) *fakeStore {
	return &fakeStore{
		now:        now,
		projects:   make(map[uuid.UUID]models.Project),
		runs:       make(map[uuid.UUID]*models.Run),
		scenes:     make(map[uuid.UUID][]models.Scene),
		sponsors:   make(map[uuid.UUID]uuid.UUID),
		keys:       make(map[string][]byte),
		presets:    make(map[uuid.UUID]models.StylePreset),
		characters: make(map[uuid.UUID]models.Character),
	}
}

func keyID(userID uuid.UUID, provider string) string {
	return userID.String() + "|" + provider
}

func (s *fakeStore) activeRunLocked(userID uuid.UUID, except uuid.UUID) *models.Run {
	var found *models.Run
	for _, r := range s.runs {
		if r.StartedByUserID != userID || r.ID == except || r.Phase.IsTerminal() {
			continue
		}
		if found == nil || r.CreatedAt.After(found.CreatedAt) {
			found = r
		}
	}
	return found
}

func copyRun(r *models.Run) *models.Run {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func (s *fakeStore) run(id uuid.UUID) *models.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRun(s.runs[id])
}

func (s *fakeStore) mutateRun(id uuid.UUID, fn func(r *models.Run)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.runs[id])
}

func (s *fakeStore) CreateProjectAndRun(_ context.Context, project *models.Project, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRunLocked(run.StartedByUserID, uuid.Nil) != nil {
		return models.NewConflictError(models.CodeActiveRunExists, "user already has an active run")
	}
	s.projects[project.ID] = *project
	s.runs[run.ID] = copyRun(run)
	return nil
}

func (s *fakeStore) GetProject(_ context.Context, projectID uuid.UUID) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, models.NewNotFoundError("project not found")
	}
	return &p, nil
}

func (s *fakeStore) GetRun(_ context.Context, runID uuid.UUID) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, models.NewNotFoundError("run not found")
	}
	return copyRun(r), nil
}

func (s *fakeStore) GetLatestRunForProject(_ context.Context, projectID uuid.UUID) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Run
	for _, r := range s.runs {
		if r.ProjectID == projectID && (found == nil || r.CreatedAt.After(found.CreatedAt)) {
			found = r
		}
	}
	return copyRun(found), nil
}

func (s *fakeStore) GetRunByBuildID(_ context.Context, buildID string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.VideoBuildID.Valid && r.VideoBuildID.String == buildID {
			return copyRun(r), nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetActiveRunForUser(_ context.Context, userID uuid.UUID) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hideActive {
		return nil, nil
	}
	return copyRun(s.activeRunLocked(userID, uuid.Nil)), nil
}

func (s *fakeStore) CompareAndSwapPhase(_ context.Context, runID uuid.UUID, expected, next models.Phase, update models.RunUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loseCAS > 0 {
		s.loseCAS--
		return false, nil
	}
	r, ok := s.runs[runID]
	if !ok || r.Phase != expected {
		return false, nil
	}
	if expected.IsTerminal() && !next.IsTerminal() && s.activeRunLocked(r.StartedByUserID, r.ID) != nil {
		return false, models.NewConflictError(models.CodeActiveRunExists, "user already has an active run")
	}

	now := s.now()
	r.Phase = next
	r.PhaseEnteredAt = now
	r.UpdatedAt = now
	if next.ClearsLock() {
		r.LockedAt, r.LockedUntil = sql.NullTime{}, sql.NullTime{}
	}
	if !update.LockUntil.IsZero() {
		r.LockedAt = sql.NullTime{Time: now, Valid: true}
		r.LockedUntil = sql.NullTime{Time: update.LockUntil, Valid: true}
	}
	if update.ErrorCode != "" {
		r.ErrorCode = nullString(update.ErrorCode)
		r.ErrorMessage = nullString(update.ErrorMessage)
		r.ErrorPhase = nullString(string(update.ErrorPhase))
	} else if update.ClearError {
		r.ErrorCode, r.ErrorMessage, r.ErrorPhase = sql.NullString{}, sql.NullString{}, sql.NullString{}
	}
	if update.ExhaustRetries {
		r.RetryCount = models.MaxRetryCount
	} else if update.IncrementRetry && r.RetryCount < models.MaxRetryCount {
		r.RetryCount++
	}
	if update.ClearAudioJob {
		r.AudioJobID = sql.NullString{}
	}
	if update.ClearFormatJob {
		r.FormatJobID = sql.NullString{}
	}
	return true, nil
}

func (s *fakeStore) IncrementRetryCount(_ context.Context, runID uuid.UUID, phase models.Phase) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok || r.Phase != phase {
		return false, nil
	}
	if r.RetryCount < models.MaxRetryCount {
		r.RetryCount++
	}
	return true, nil
}

func (s *fakeStore) ClaimLock(_ context.Context, runID uuid.UUID, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok || r.Phase.IsTerminal() {
		return false, nil
	}
	if r.LockedUntil.Valid && r.LockedUntil.Time.After(now) {
		return false, nil
	}
	r.LockedAt = sql.NullTime{Time: now, Valid: true}
	r.LockedUntil = sql.NullTime{Time: until, Valid: true}
	return true, nil
}

func (s *fakeStore) ReleaseLock(_ context.Context, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		r.LockedAt, r.LockedUntil = sql.NullTime{}, sql.NullTime{}
	}
	return nil
}

func (s *fakeStore) setJob(runID uuid.UUID, phase models.Phase, field func(r *models.Run) *sql.NullString, jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok || r.Phase != phase {
		return false
	}
	f := field(r)
	if f.Valid {
		return false
	}
	*f = nullString(jobID)
	return true
}

func (s *fakeStore) SetFormatJobID(_ context.Context, runID uuid.UUID, jobID string) (bool, error) {
	return s.setJob(runID, models.PhaseFormatting, func(r *models.Run) *sql.NullString { return &r.FormatJobID }, jobID), nil
}

func (s *fakeStore) SetAudioJobID(_ context.Context, runID uuid.UUID, jobID string) (bool, error) {
	return s.setJob(runID, models.PhaseGeneratingAudio, func(r *models.Run) *sql.NullString { return &r.AudioJobID }, jobID), nil
}

func (s *fakeStore) RecordVideoBuildAttempt(_ context.Context, runID uuid.UUID, attempt models.VideoBuildAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	if attempt.BuildID != "" {
		r.VideoBuildID = nullString(attempt.BuildID)
		if !r.VideoBuildStatus.Valid {
			r.VideoBuildStatus = nullString(string(models.VideoBuildQueued))
		}
	}
	r.VideoBuildError = nullString(attempt.Error)
	r.VideoBuildAttemptedAt = sql.NullTime{Time: attempt.AttemptedAt, Valid: true}
	return nil
}

func (s *fakeStore) UpdateVideoBuildStatus(_ context.Context, buildID string, status models.VideoBuildStatus, videoURL, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if !r.VideoBuildID.Valid || r.VideoBuildID.String != buildID {
			continue
		}
		allowed := !r.VideoBuildStatus.Valid
		for _, p := range status.Predecessors() {
			if r.VideoBuildStatus.String == p {
				allowed = true
			}
		}
		if !allowed {
			return false, nil
		}
		r.VideoBuildStatus = nullString(string(status))
		if videoURL != "" {
			r.VideoURL = nullString(videoURL)
		}
		if status == models.VideoBuildFailed {
			if errMsg == "" {
				errMsg = "build_failed"
			}
			r.VideoBuildError = nullString(errMsg)
		} else {
			r.VideoBuildError = sql.NullString{}
		}
		return true, nil
	}
	return false, nil
}

func (s *fakeStore) SetArchived(_ context.Context, runID uuid.UUID, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		r.IsArchived = archived
	}
	return nil
}

func (s *fakeStore) ListScenes(_ context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.Scene(nil), s.scenes[projectID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Idx < out[j].Idx })
	return out, nil
}

func (s *fakeStore) InsertScenes(_ context.Context, projectID uuid.UUID, scenes []models.Scene) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.scenes[projectID]) > 0 {
		return nil
	}
	s.scenes[projectID] = append([]models.Scene(nil), scenes...)
	return nil
}

func (s *fakeStore) ListActiveImages(_ context.Context, projectID uuid.UUID) ([]models.ImageGeneration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ImageGeneration
	for _, img := range s.images {
		if img.ProjectID == projectID && img.IsActive {
			out = append(out, *img)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateImage(_ context.Context, img *models.ImageGeneration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.images {
		if existing.SceneID == img.SceneID && existing.IsActive {
			return false, nil
		}
	}
	c := *img
	c.IsActive = true
	c.CreatedAt = s.now()
	s.images = append(s.images, &c)
	return true, nil
}

func (s *fakeStore) CompleteImage(_ context.Context, imageID uuid.UUID, storagePath string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range s.images {
		if img.ID == imageID && img.IsActive && img.Status == models.ImageStatusGenerating {
			img.Status = models.ImageStatusCompleted
			img.StoragePath = nullString(storagePath)
			img.CompletedAt = sql.NullTime{Time: at, Valid: true}
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) FailImage(_ context.Context, imageID uuid.UUID, status models.ImageStatus, message string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range s.images {
		if img.ID == imageID && img.IsActive && img.Status == models.ImageStatusGenerating {
			img.Status = status
			img.ErrorMessage = nullString(message)
			img.CompletedAt = sql.NullTime{Time: at, Valid: true}
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) TouchImage(_ context.Context, imageID uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range s.images {
		if img.ID == imageID && img.IsActive && img.Status == models.ImageStatusGenerating {
			img.StartedAt = at
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) DeactivateFailedImages(_ context.Context, projectID uuid.UUID, statuses []models.ImageStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, img := range s.images {
		if img.ProjectID != projectID || !img.IsActive {
			continue
		}
		for _, st := range statuses {
			if img.Status == st {
				img.IsActive = false
				n++
				break
			}
		}
	}
	return n, nil
}

func (s *fakeStore) GetSponsor(_ context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sponsors[userID]
	return id, ok, nil
}

func (s *fakeStore) GetEncryptedKey(_ context.Context, userID uuid.UUID, provider string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID(userID, provider)]
	return k, ok, nil
}

func (s *fakeStore) RecordCost(_ context.Context, entry *models.CostLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *fakeStore) GetStylePreset(_ context.Context, id uuid.UUID) (*models.StylePreset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presets[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *fakeStore) ListCharacters(_ context.Context, userID uuid.UUID, ids []uuid.UUID) ([]models.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Character
	for _, id := range ids {
		if c, ok := s.characters[id]; ok && c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) imagesForScene(sceneID uuid.UUID) []models.ImageGeneration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ImageGeneration
	for _, img := range s.images {
		if img.SceneID == sceneID {
			out = append(out, *img)
		}
	}
	return out
}

func (s *fakeStore) ledgerRows() []models.CostLedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CostLedgerEntry(nil), s.ledger...)
}

type fakeBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (b *fakeBlobs) Upload(_ context.Context, path string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.uploadErr != nil {
		return b.uploadErr
	}
	b.objects[path] = data
	return nil
}

func (b *fakeBlobs) Download(_ context.Context, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return data, nil
}

func (b *fakeBlobs) PublicURL(path string) string {
	return "https://blobs.test/" + path
}

type fakeImages struct {
	mu       sync.Mutex
	calls    int
	keys     []string
	requests []imagen.GenerateRequest
	// respond decides the outcome of call n (1-based). Nil means success.
	respond func(n int) error
}

func (f *fakeImages) Generate(_ context.Context, apiKey string, req imagen.GenerateRequest) (*imagen.Image, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.keys = append(f.keys, apiKey)
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		if err := respond(n); err != nil {
			return nil, err
		}
	}
	return &imagen.Image{Data: []byte("png-bytes"), MimeType: "image/png"}, nil
}

func (f *fakeImages) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFormatter struct {
	mu       sync.Mutex
	keys     []string
	jobs     map[string]*formatter.Job
	startErr error
	getErr   error
	canceled []string
	next     int
}

func newFakeFormatter() *fakeFormatter {
	return &fakeFormatter{jobs: make(map[string]*formatter.Job)}
}

func (f *fakeFormatter) StartJob(_ context.Context, key string, _ formatter.StartRequest) (*formatter.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.next++
	job := &formatter.Job{JobID: fmt.Sprintf("fmt-%d", f.next), Status: formatter.StatusPending}
	f.jobs[job.JobID] = job
	return job, nil
}

func (f *fakeFormatter) GetJob(_ context.Context, jobID string) (*formatter.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	c := *job
	return &c, nil
}

func (f *fakeFormatter) CancelJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, jobID)
	return nil
}

func (f *fakeFormatter) complete(jobID string, scenes ...formatter.Scene) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID] = &formatter.Job{JobID: jobID, Status: formatter.StatusCompleted, Scenes: scenes}
}

type fakeNarrator struct {
	mu       sync.Mutex
	keys     []string
	requests []narration.StartJobRequest
	jobs     map[string]*narration.Job
	active   *narration.Job
	startErr error
	canceled []string
	next     int
}

func newFakeNarrator() *fakeNarrator {
	return &fakeNarrator{jobs: make(map[string]*narration.Job)}
}

func (f *fakeNarrator) StartJob(_ context.Context, key string, req narration.StartJobRequest) (*narration.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.requests = append(f.requests, req)
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.next++
	job := &narration.Job{
		JobID:      fmt.Sprintf("narr-%d", f.next),
		ProjectID:  req.ProjectID,
		Status:     narration.StatusQueued,
		TotalItems: len(req.Scenes),
	}
	f.jobs[job.JobID] = job
	return job, nil
}

func (f *fakeNarrator) GetJob(_ context.Context, jobID string) (*narration.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	c := *job
	return &c, nil
}

func (f *fakeNarrator) FindActiveJob(_ context.Context, _ string) (*narration.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil, nil
	}
	c := *f.active
	return &c, nil
}

func (f *fakeNarrator) CancelJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, jobID)
	return nil
}

func (f *fakeNarrator) setStatus(jobID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[jobID]
	job.Status = status
	if status == narration.StatusCompleted {
		job.CompletedItems = job.TotalItems
	}
}

type fakeBuilder struct {
	mu           sync.Mutex
	active       *videobuild.Build
	activeErr    error
	preflightErr error
	createErr    error
	tokens       []string
	creates      int
	preflights   int
}

func (f *fakeBuilder) ActiveBuild(_ context.Context, _ string, token string) (*videobuild.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return f.active, f.activeErr
}

func (f *fakeBuilder) Preflight(_ context.Context, _ string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preflights++
	return f.preflightErr
}

func (f *fakeBuilder) CreateBuild(_ context.Context, _ string, req videobuild.CreateRequest) (*videobuild.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &videobuild.Build{BuildID: "build-1", ProjectID: req.ProjectID, Status: "queued"}, nil
}

// recordingRunner queues tasks so tests decide when, and whether, they run.
type recordingRunner struct {
	mu    sync.Mutex
	tasks []Task
}

func (r *recordingRunner) Submit(_ context.Context, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *recordingRunner) drain() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.tasks
	r.tasks = nil
	return out
}

func (r *recordingRunner) kinds() []TaskKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskKind, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = t.Kind
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.RunEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event models.RunEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) named(name string) []models.RunEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.RunEvent
	for _, e := range p.events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

const testSystemKey = "system-image-key"

type harness struct {
	t         *testing.T
	ctx       context.Context
	clock     *fakeClock
	store     *fakeStore
	blobs     *fakeBlobs
	images    *fakeImages
	formatter *fakeFormatter
	narrator  *fakeNarrator
	builder   *fakeBuilder
	tasks     *recordingRunner
	events    *recordingPublisher
	cipher    *secrets.Cipher
	sleeps    []time.Duration
	svc       *RunService
	user      uuid.UUID
}

func newHarness(t *testing.T, opts ...func(*Dependencies)) *harness {
	t.Helper()
	clock := newFakeClock()
	cipher, err := secrets.NewCipher("test-secret-at-least-16-bytes")
	require.NoError(t, err)

	h := &harness{
		t:         t,
		ctx:       context.Background(),
		clock:     clock,
		store:     newFakeStore(clock.Now),
		blobs:     newFakeBlobs(),
		images:    &fakeImages{},
		formatter: newFakeFormatter(),
		narrator:  newFakeNarrator(),
		builder:   &fakeBuilder{},
		tasks:     &recordingRunner{},
		events:    &recordingPublisher{},
		cipher:    cipher,
		user:      uuid.New(),
	}

	deps := Dependencies{
		Store:     h.store,
		Blobs:     h.blobs,
		Images:    h.images,
		Formatter: h.formatter,
		Narrator:  h.narrator,
		Builder:   h.builder,
		Tasks:     h.tasks,
		Publisher: h.events,
		Billing:   NewBillingResolver(h.store, cipher, testSystemKey),
		Defaults: config.RunDefaults{
			OutputPreset:     "landscape_1080p",
			TargetSceneCount: 4,
			NarrationVoice:   "narrator-warm",
			AutoBuildVideo:   true,
		},
		PolicyViolationRetryable: true,
		Now:                      clock.Now,
		Sleep: func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.svc = NewRunService(deps)
	return h
}

// start creates a run for the harness user and returns its project id.
func (h *harness) start() uuid.UUID {
	h.t.Helper()
	resp, err := h.svc.Start(h.ctx, h.user, models.StartRunRequest{Text: "Once upon a time."}, "user-token")
	require.NoError(h.t, err)
	return uuid.MustParse(resp.ProjectID)
}

// runTasks executes every queued background task, including tasks queued
// while running.
func (h *harness) runTasks() []error {
	h.t.Helper()
	var errs []error
	for {
		tasks := h.tasks.drain()
		if len(tasks) == 0 {
			return errs
		}
		for _, task := range tasks {
			if err := h.svc.HandleTask(h.ctx, task); err != nil {
				errs = append(errs, err)
			}
		}
	}
}

func (h *harness) advance(projectID uuid.UUID) *models.AdvanceResult {
	h.t.Helper()
	res, err := h.svc.Advance(h.ctx, h.user, projectID, "user-token")
	require.NoError(h.t, err)
	return res
}

func (h *harness) latestRun(projectID uuid.UUID) *models.Run {
	h.t.Helper()
	run, err := h.store.GetLatestRunForProject(h.ctx, projectID)
	require.NoError(h.t, err)
	require.NotNil(h.t, run)
	return run
}

// toImages drives a fresh run through formatting with the given scenes and
// into generating_images.
func (h *harness) toImages(scenes ...formatter.Scene) uuid.UUID {
	h.t.Helper()
	projectID := h.start()
	require.Empty(h.t, h.runTasks())

	run := h.latestRun(projectID)
	h.formatter.complete(run.FormatJobID.String, scenes...)

	res := h.advance(projectID)
	require.Equal(h.t, models.ActionScenesReady, res.Action)
	res = h.advance(projectID)
	require.Equal(h.t, models.ActionStartedImages, res.Action)
	return projectID
}

func scene(title string) formatter.Scene {
	return formatter.Scene{Title: title, Body: title + " happens here.", UtteranceCount: 2}
}

func formatHidden(title string) formatter.Scene {
	s := scene(title)
	s.IsHidden = true
	return s
}
