// Package formatter talks to the text formatting service, which splits raw
// story text into scenes as an asynchronous job.
package formatter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"storyrun-backend/internal/httpclient"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Client struct {
	http *httpclient.Client
}

type StartRequest struct {
	Text             string `json:"text"`
	TargetSceneCount int    `json:"target_scene_count"`
	OutputPreset     string `json:"output_preset,omitempty"`
}

type Scene struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	UtteranceCount int    `json:"utterance_count"`
	IsHidden       bool   `json:"is_hidden"`
}

type Job struct {
	JobID  string  `json:"job_id"`
	Status string  `json:"status"`
	Scenes []Scene `json:"scenes,omitempty"`
	Error  string  `json:"error,omitempty"`
}

func NewClient(baseURL, apiKey string) *Client {
	c := httpclient.New(baseURL, 30*time.Second)
	if apiKey != "" {
		c.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return &Client{http: c}
}

func (c *Client) StartJob(ctx context.Context, idempotencyKey string, req StartRequest) (*Job, error) {
	header := http.Header{}
	header.Set("Idempotency-Key", idempotencyKey)

	var job Job
	if err := c.http.DoJSON(ctx, "start format job", http.MethodPost, "/v1/format", req, &job, header); err != nil {
		return nil, err
	}
	if job.JobID == "" {
		return nil, fmt.Errorf("job_id is empty in format response")
	}
	return &job, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.http.DoJSON(ctx, "get format job", http.MethodGet, "/v1/format/"+url.PathEscape(jobID), nil, &job, nil); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	err := c.http.DoJSON(ctx, "cancel format job", http.MethodDelete, "/v1/format/"+url.PathEscape(jobID), nil, nil, nil)
	if httpclient.IsStatus(err, http.StatusNotFound, http.StatusConflict) {
		return nil
	}
	return err
}

// IsPermanent reports a rejection that will not succeed on a later poll.
func IsPermanent(err error) bool {
	return httpclient.IsClientError(err)
}
