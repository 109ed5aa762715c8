package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDxError(t *testing.T) {
	err := NewDxError(CodeModelNotReady, "no active model", "train first", "req-123")

	assert.Equal(t, CodeModelNotReady, err.Code)
	assert.Equal(t, "req-123", err.RequestID)
	assert.Equal(t, "MODEL_NOT_READY: no active model", err.Error())
	assert.WithinDuration(t, time.Now().UTC(), err.Timestamp, time.Second)
}

func TestUpstreamError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
		is        error
	}{
		{"Rate_Limited", 429, true, ErrRateLimited},
		{"Server_Error", 503, true, ErrDataUnavailable},
		{"Not_Found", 404, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fmt.Errorf("lookup: %w", NewUpstreamError("openfda", tt.status, nil))

			var up *UpstreamError
			assert.True(t, errors.As(err, &up))
			assert.Equal(t, tt.retryable, up.Retryable())
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestNewUpstreamError_TruncatesBody(t *testing.T) {
	body := make([]byte, 1024)
	for i := range body {
		body[i] = 'x'
	}
	err := NewUpstreamError("pubmed", 500, body)
	assert.Len(t, err.Body, 256)
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("wrap: %w", ErrModelNotReady), CodeModelNotReady},
		{fmt.Errorf("wrap: %w", ErrTrainingDataInsufficient), CodeInsufficientData},
		{ErrTrainingInProgress, CodeTrainingInProgress},
		{ErrTrainingFailed, CodeTrainingFailed},
		{NewValidationError("symptoms", "required", ""), CodeInvalidInput},
		{ErrAliasConflict, CodeConflict},
		{ErrNotFound, CodeNotFound},
		{fmt.Errorf("%w: %q", ErrUnknownLabel, "x"), CodeUnknownLabel},
		{ErrTimeout, CodeUnavailable},
		{errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, CodeFor(tt.err))
		})
	}
}
