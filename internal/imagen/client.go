package imagen

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"storyrun-backend/internal/httpclient"
)

const (
	// CallTimeout bounds a single generation request.
	CallTimeout = 45 * time.Second
	// MaxAttempts is the number of provider calls made per scene per Advance.
	MaxAttempts = 2

	rateLimitBase = 2500 * time.Millisecond
	rateLimitCap  = 60 * time.Second
	genericBase   = 2 * time.Second
	genericCap    = 10 * time.Second
)

// ErrPolicyViolation is returned when the provider refuses the prompt on
// content grounds.
var ErrPolicyViolation = errors.New("content policy violation")

type Client struct {
	http *httpclient.Client
}

type ReferenceImage struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

type GenerateRequest struct {
	Prompt          string           `json:"prompt"`
	NegativePrompt  string           `json:"negative_prompt,omitempty"`
	AspectRatio     string           `json:"aspect_ratio,omitempty"`
	ReferenceImages []ReferenceImage `json:"reference_images,omitempty"`
}

type GenerateResponse struct {
	Data struct {
		Image    string `json:"image"` // base64
		MimeType string `json:"mime_type"`
	} `json:"data"`
}

type Image struct {
	Data     []byte
	MimeType string
}

func NewClient(baseURL string) *Client {
	return &Client{
		// The per-call context deadline is the effective limit; the client
		// timeout only guards against a caller passing a background context.
		http: httpclient.New(baseURL, CallTimeout+5*time.Second),
	}
}

// NewReferenceImage encodes raw bytes for a generation request.
func NewReferenceImage(name, mimeType string, data []byte) ReferenceImage {
	return ReferenceImage{
		Name:     name,
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}
}

// Generate performs one generation call billed to apiKey.
func (c *Client) Generate(ctx context.Context, apiKey string, req GenerateRequest) (*Image, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("x-api-key", apiKey)

	var result GenerateResponse
	err := c.http.DoJSON(ctx, "generate image", http.MethodPost, "/images/generations", req, &result, header)
	if err != nil {
		if isPolicyViolation(err) {
			return nil, fmt.Errorf("%w: %v", ErrPolicyViolation, err)
		}
		return nil, err
	}

	if result.Data.Image == "" {
		return nil, fmt.Errorf("image is empty in response")
	}

	data, err := base64.StdEncoding.DecodeString(result.Data.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	mimeType := result.Data.MimeType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return &Image{Data: data, MimeType: mimeType}, nil
}

func isPolicyViolation(err error) bool {
	var se *httpclient.StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.StatusCode != http.StatusBadRequest && se.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	body := strings.ToLower(se.Body)
	return strings.Contains(body, "content_policy") || strings.Contains(body, "safety")
}

// IsRateLimited reports a 429 from the provider.
func IsRateLimited(err error) bool {
	return httpclient.IsStatus(err, http.StatusTooManyRequests)
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrPolicyViolation) {
		return false
	}
	if IsRateLimited(err) || httpclient.IsTimeout(err) {
		return true
	}
	return !httpclient.IsClientError(err)
}

// Backoff returns the wait before attempt+1 after attempt failed with err.
// Rate limits back off exponentially from 2.5s and honour Retry-After up to
// the same 60s cap; everything else backs off linearly from 2s up to 10s.
func Backoff(attempt int, err error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if IsRateLimited(err) {
		wait := rateLimitBase << (attempt - 1)
		if wait <= 0 || wait > rateLimitCap {
			wait = rateLimitCap
		}
		var se *httpclient.StatusError
		if errors.As(err, &se) && se.RetryAfter > wait {
			wait = se.RetryAfter
		}
		if wait > rateLimitCap {
			wait = rateLimitCap
		}
		return wait
	}

	wait := genericBase * time.Duration(attempt)
	if wait > genericCap {
		wait = genericCap
	}
	return wait
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryWithBackoff calls fn up to MaxAttempts times, sleeping Backoff between
// retryable failures. The last error is returned unwrapped so callers can
// classify it.
func RetryWithBackoff(ctx context.Context, sleep Sleeper, fn func(attempt int) error) error {
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == MaxAttempts || !IsRetryable(lastErr) {
			break
		}
		if err := sleep(ctx, Backoff(attempt, lastErr)); err != nil {
			return lastErr
		}
	}
	return lastErr
}
