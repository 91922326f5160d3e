// Package errors provides structured error types for the site builder.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout       = errors.New("operation timed out")
	ErrAuthFailure   = errors.New("authentication failed")
	ErrRateLimit     = errors.New("rate limit exceeded")
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnavailable   = errors.New("service unavailable")
	ErrVerification  = errors.New("signature verification failed")
)

// APIError represents a non-2xx reply from an external API.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Is lets callers match status classes against sentinels, e.g.
// errors.Is(err, ErrNotFound) for a 404.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrAuthFailure:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrRateLimit:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// DeploymentError reports a failed step of the deployment pipeline.
// State carries the remote terminal state (ERROR, CANCELED) when the
// hosting platform reported one.
type DeploymentError struct {
	Stage   string
	State   string
	Message string
	Err     error
}

func (e *DeploymentError) Error() string {
	msg := "deployment failed at " + e.Stage
	if e.State != "" {
		msg += " (" + e.State + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeploymentError) Unwrap() error { return e.Err }

// DeploymentTimeout is returned when a deployment does not reach a terminal
// state in time. The remote build may still finish on its own.
type DeploymentTimeout struct {
	DeploymentID string
	After        time.Duration
}

func (e *DeploymentTimeout) Error() string {
	return fmt.Sprintf("deployment %s not ready after %s", e.DeploymentID, e.After)
}

func (e *DeploymentTimeout) Unwrap() error { return ErrTimeout }

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}
