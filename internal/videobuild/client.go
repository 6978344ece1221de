// Package videobuild is the client for the downstream render pipeline that
// turns a ready project into a video.
package videobuild

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"storyrun-backend/internal/httpclient"
)

type Client struct {
	http *httpclient.Client
}

type Build struct {
	BuildID   string `json:"build_id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
}

type CreateRequest struct {
	ProjectID    string `json:"project_id"`
	RunID        string `json:"run_id"`
	OutputPreset string `json:"output_preset,omitempty"`
}

// ExistingBuildError is returned when create answers 409 and names the build
// that already exists.
type ExistingBuildError struct {
	BuildID string
}

func (e *ExistingBuildError) Error() string {
	return fmt.Sprintf("build already exists: %s", e.BuildID)
}

func NewClient(baseURL string) *Client {
	return &Client{http: httpclient.New(baseURL, 20*time.Second)}
}

func bearer(token string) http.Header {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}

// ActiveBuild returns the queued or running build for the project, or nil.
func (c *Client) ActiveBuild(ctx context.Context, projectID, token string) (*Build, error) {
	var build Build
	err := c.http.DoJSON(ctx, "get active build", http.MethodGet,
		"/v1/projects/"+url.PathEscape(projectID)+"/builds/active", nil, &build, bearer(token))
	if httpclient.IsStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if build.BuildID == "" {
		return nil, nil
	}
	return &build, nil
}

// Preflight checks that every asset the build needs is reachable with the
// caller's credentials.
func (c *Client) Preflight(ctx context.Context, projectID, token string) error {
	return c.http.DoJSON(ctx, "preflight build", http.MethodGet,
		"/v1/projects/"+url.PathEscape(projectID)+"/preflight", nil, nil, bearer(token))
}

func (c *Client) CreateBuild(ctx context.Context, token string, req CreateRequest) (*Build, error) {
	var build Build
	err := c.http.DoJSON(ctx, "create build", http.MethodPost,
		"/v1/projects/"+url.PathEscape(req.ProjectID)+"/builds", req, &build, bearer(token))
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
			if id := existingBuildID(se.Body); id != "" {
				return nil, &ExistingBuildError{BuildID: id}
			}
		}
		return nil, err
	}
	return &build, nil
}

func existingBuildID(body string) string {
	var payload struct {
		BuildID         string `json:"build_id"`
		ExistingBuildID string `json:"existing_build_id"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return ""
	}
	if payload.ExistingBuildID != "" {
		return payload.ExistingBuildID
	}
	return payload.BuildID
}

// IsUnauthorized reports a 401 or 403 from the pipeline.
func IsUnauthorized(err error) bool {
	return httpclient.IsStatus(err, http.StatusUnauthorized, http.StatusForbidden)
}
