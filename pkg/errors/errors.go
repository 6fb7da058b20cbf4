// Package errors provides error types for the MAS runtime.
package errors

import (
	"errors"
	"fmt"
)

// APIError represents an API error with an HTTP status code.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

// NewAPIError creates an APIError.
func NewAPIError(code int, format string, args ...interface{}) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinel errors shared across the runtime packages.
var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentExists      = errors.New("agent already exists")
	ErrAgentNotRunning  = errors.New("agent is not running")
	ErrAgentUnavailable = errors.New("agent cannot accept tasks")
	ErrTaskNotFound     = errors.New("task not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrApprovalNotFound = errors.New("approval request not found")
	ErrTemplateNotFound = errors.New("agent template not found")
	ErrBrokerClosed     = errors.New("message broker is closed")
	ErrQueueFull        = errors.New("task queue is full")
	ErrNotSubscribed    = errors.New("not subscribed to channel")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Wrap annotates err with a message, preserving the chain.
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
