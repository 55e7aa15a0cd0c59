package tts

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/teslashibe/go-voicedesk/pkg/failure"
)

// Sentinel errors for the tts package.
var (
	ErrNoAPIKey   = errors.New("tts: API key required")
	ErrEmptyText  = errors.New("tts: empty text")
	ErrEmptyAudio = errors.New("tts: empty audio response")
	ErrSampleRate = errors.New("tts: invalid sample rate")
)

// APIError represents an error response from the provider.
type APIError struct {
	StatusCode int
	Message    string
	Provider   string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("tts [%s]: API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Unwrap exposes credential rejections as failure.ErrUnauthorized.
func (e *APIError) Unwrap() error {
	if e.IsUnauthorized() {
		return failure.ErrUnauthorized
	}
	return nil
}

// IsUnauthorized returns true for HTTP 401 and 403.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsRetryable returns true for rate limits and server errors.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
