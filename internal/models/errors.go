package models

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindForbidden
	KindNoCredential
	KindRateLimit
	KindTimeout
	KindUpstream
	KindGenerationFailed
)

// Stable error codes returned to callers and stored on failed runs.
const (
	CodeValidation            = "VALIDATION_ERROR"
	CodeActiveRunExists       = "ACTIVE_RUN_EXISTS"
	CodeRunLocked             = "RUN_LOCKED"
	CodeLostRace              = "PHASE_CHANGED"
	CodeInvalidTransition     = "INVALID_TRANSITION"
	CodeRunNotFound           = "RUN_NOT_FOUND"
	CodeForbidden             = "FORBIDDEN"
	CodeNoAPIKey              = "NO_API_KEY"
	CodeNoScenes              = "NO_SCENES"
	CodeFormatEmpty           = "FORMAT_EMPTY"
	CodeFormatFailed          = "FORMAT_FAILED"
	CodeImageGenerationFailed = "IMAGE_GENERATION_FAILED"
	CodeAudioGenerationFailed = "AUDIO_GENERATION_FAILED"
	CodeRetryExhausted        = "RETRY_EXHAUSTED"
	CodeNotRetryable          = "NOT_RETRYABLE"
	CodeAlreadyTerminal       = "ALREADY_TERMINAL"
	CodeRateLimited           = "RATE_LIMITED"
	CodeTimeout               = "TIMEOUT"
	CodeUpstream              = "UPSTREAM_ERROR"
	CodePolicyViolation       = "POLICY_VIOLATION"
	CodeInternal              = "INTERNAL_ERROR"
)

// Error is the structured error used across the orchestrator. Code is stable
// and safe to return; Err is only ever logged.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func NewValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: message}
}

func NewConflictError(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

func NewNotFoundError(message string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeRunNotFound, Message: message}
}

func NewForbiddenError(message string) *Error {
	return &Error{Kind: KindForbidden, Code: CodeForbidden, Message: message}
}

func NewNoCredentialError(message string) *Error {
	return &Error{Kind: KindNoCredential, Code: CodeNoAPIKey, Message: message}
}

func NewRateLimitError(message string, err error) *Error {
	return &Error{Kind: KindRateLimit, Code: CodeRateLimited, Message: message, Err: err}
}

func NewTimeoutError(message string, err error) *Error {
	return &Error{Kind: KindTimeout, Code: CodeTimeout, Message: message, Err: err}
}

func NewUpstreamError(message string, err error) *Error {
	return &Error{Kind: KindUpstream, Code: CodeUpstream, Message: message, Err: err}
}

func NewGenerationFailedError(code, message string, err error) *Error {
	return &Error{Kind: KindGenerationFailed, Code: code, Message: message, Err: err}
}

func NewInternalError(message string, err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: message, Err: err}
}

// AsError extracts an *Error from err. Unknown errors become internal errors
// so that callers never echo raw error text.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewInternalError("internal error", err)
}

func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
