package narration

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"storyrun-backend/internal/httpclient"
)

// Job statuses reported by the narration service.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

type Client struct {
	http *httpclient.Client
}

// JobScene is one unit of narration work.
type JobScene struct {
	SceneID string `json:"scene_id"`
	Index   int    `json:"index"`
	Text    string `json:"text"`
}

// StartJobRequest represents the request body for creating a bulk job
type StartJobRequest struct {
	ProjectID string     `json:"project_id"`
	Voice     string     `json:"voice"`
	Scenes    []JobScene `json:"scenes"`
}

// Job represents a bulk narration job
type Job struct {
	JobID          string    `json:"job_id"`
	ProjectID      string    `json:"project_id"`
	Status         string    `json:"status"`
	CompletedItems int       `json:"completed_items"`
	TotalItems     int       `json:"total_items"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Settled reports whether the job will not change again.
func (j *Job) Settled() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed || j.Status == StatusCanceled
}

// JobsOut represents the response from listing jobs
type JobsOut struct {
	Jobs []Job `json:"jobs"`
}

func NewClient(baseURL, apiKey string) *Client {
	c := httpclient.New(baseURL, 30*time.Second)
	c.Header.Set("x-api-key", apiKey)
	return &Client{http: c}
}

// StartJob creates a bulk job. Repeating the call with the same idempotency
// key returns the job created by the first call.
func (c *Client) StartJob(ctx context.Context, idempotencyKey string, req StartJobRequest) (*Job, error) {
	header := http.Header{}
	header.Set("Idempotency-Key", idempotencyKey)

	var result Job
	if err := c.http.DoJSON(ctx, "start narration job", http.MethodPost, "/v1/jobs", req, &result, header); err != nil {
		return nil, err
	}
	if result.JobID == "" {
		return nil, fmt.Errorf("job_id is empty in narration response")
	}
	return &result, nil
}

// GetJob retrieves a job by ID
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var result Job
	if err := c.http.DoJSON(ctx, "get narration job", http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &result, nil); err != nil {
		return nil, err
	}
	return &result, nil
}

// FindActiveJob returns the newest queued, processing or completed job for
// the project, or nil when there is none.
func (c *Client) FindActiveJob(ctx context.Context, projectID string) (*Job, error) {
	q := url.Values{}
	q.Set("project_id", projectID)

	var result JobsOut
	if err := c.http.DoJSON(ctx, "list narration jobs", http.MethodGet, "/v1/jobs?"+q.Encode(), nil, &result, nil); err != nil {
		return nil, err
	}

	var newest *Job
	for i := range result.Jobs {
		job := &result.Jobs[i]
		if job.Status == StatusFailed || job.Status == StatusCanceled {
			continue
		}
		if newest == nil || job.CreatedAt.After(newest.CreatedAt) {
			newest = job
		}
	}
	return newest, nil
}

// CancelJob asks the service to stop a job. Settled jobs are left as they are.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	err := c.http.DoJSON(ctx, "cancel narration job", http.MethodDelete, "/v1/jobs/"+url.PathEscape(jobID), nil, nil, nil)
	if httpclient.IsStatus(err, http.StatusNotFound, http.StatusConflict) {
		return nil
	}
	return err
}
