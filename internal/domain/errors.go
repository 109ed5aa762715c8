package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by every component.
var (
	ErrDataUnavailable          = errors.New("data unavailable")
	ErrRateLimited              = errors.New("rate limited")
	ErrTimeout                  = errors.New("timeout")
	ErrLowConfidence            = errors.New("low confidence")
	ErrUnknownLabel             = errors.New("unknown label")
	ErrTrainingDataInsufficient = errors.New("training data insufficient")
	ErrModelNotReady            = errors.New("model not ready")

	ErrTrainingFailed         = errors.New("training failed")
	ErrTrainingInProgress     = errors.New("training already in progress")
	ErrInvalidInput           = errors.New("invalid input")
	ErrNotFound               = errors.New("not found")
	ErrAliasConflict          = errors.New("alias conflict")
	ErrKnowledgeSourceMissing = errors.New("knowledge source missing")
	ErrArtifactExists         = errors.New("artifact already exists")
)

// UpstreamError is a non-success HTTP response from an external service.
type UpstreamError struct {
	Source     string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s returned status %d: %s", e.Source, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s returned status %d", e.Source, e.StatusCode)
}

// Unwrap maps 429 onto ErrRateLimited so errors.Is works across layers.
func (e *UpstreamError) Unwrap() error {
	if e.StatusCode == 429 {
		return ErrRateLimited
	}
	if e.StatusCode >= 500 {
		return ErrDataUnavailable
	}
	return nil
}

// Retryable reports whether the status warrants another attempt.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// NewUpstreamError builds an UpstreamError, truncating large bodies.
func NewUpstreamError(source string, status int, body []byte) *UpstreamError {
	const maxBody = 256
	b := string(body)
	if len(b) > maxBody {
		b = b[:maxBody]
	}
	return &UpstreamError{Source: source, StatusCode: status, Body: b}
}

// DxError is the coded error returned to API callers.
type DxError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Error implements the error interface
func (e *DxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for API responses
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeModelNotReady      = "MODEL_NOT_READY"
	CodeInsufficientData   = "TRAINING_DATA_INSUFFICIENT"
	CodeTrainingFailed     = "TRAINING_FAILED"
	CodeTrainingInProgress = "TRAINING_IN_PROGRESS"
	CodeNotFound           = "NOT_FOUND"
	CodeUnknownLabel       = "UNKNOWN_LABEL"
	CodeConflict           = "CONFLICT"
	CodeUnavailable        = "DATA_UNAVAILABLE"
	CodeInternal           = "INTERNAL_SERVER_ERROR"
)

// NewDxError creates a new DxError with timestamp
func NewDxError(code, message, details, requestID string) *DxError {
	return &DxError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// CodeFor maps an error from the taxonomy onto an API error code.
func CodeFor(err error) string {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrModelNotReady):
		return CodeModelNotReady
	case errors.Is(err, ErrTrainingDataInsufficient):
		return CodeInsufficientData
	case errors.Is(err, ErrTrainingInProgress):
		return CodeTrainingInProgress
	case errors.Is(err, ErrTrainingFailed):
		return CodeTrainingFailed
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnknownLabel):
		return CodeUnknownLabel
	case errors.Is(err, ErrAliasConflict), errors.Is(err, ErrArtifactExists):
		return CodeConflict
	case errors.Is(err, ErrDataUnavailable), errors.Is(err, ErrRateLimited), errors.Is(err, ErrTimeout):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
