package vco

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when the transient retry budget is spent.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrRateLimitExhausted is returned when the rate-limit wait budget is
	// spent. Tracked separately from ErrRetryExhausted so a storm of 429s
	// cannot starve the transient budget, and vice versa.
	ErrRateLimitExhausted = errors.New("rate limit wait budget exhausted")

	// ErrContextCancelled is returned when the context is cancelled during
	// a request or a backoff wait.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass classifies a failed orchestrator call for retry decisions
// and observability.
type ErrorClass string

const (
	// ClassTransient covers timeouts, connection resets and 5xx responses.
	// Retried with exponential backoff against the transient budget.
	ClassTransient ErrorClass = "transient"

	// ClassRateLimited covers 429 responses. Retried after honoring any
	// server-supplied Retry-After hint, against its own budget.
	ClassRateLimited ErrorClass = "rate_limited"

	// ClassPermanent covers 4xx responses other than 429. Never retried.
	ClassPermanent ErrorClass = "permanent"

	// ClassMalformed covers responses with an unexpected shape, including
	// the orchestrator's HTTP 200 for invalid tokens. Never retried:
	// skipping such a page could produce an archive that looks complete
	// but is not.
	ClassMalformed ErrorClass = "malformed"
)

// APIError is a classified orchestrator error.
type APIError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	RetryAfter time.Duration // server retry hint, 0 if none
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vco %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("vco %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Classify returns the error class of err, or "" for nil.
// Non-APIError errors (transport failures, timeouts) are transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ClassTransient
}

// shouldRetry reports whether an error class is retryable at all.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ClassTransient, ClassRateLimited:
		return true
	default:
		return false
	}
}

// classifyStatus maps an HTTP status code to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ClassRateLimited
	case status >= 400 && status < 500:
		return ClassPermanent
	case status >= 500:
		return ClassTransient
	default:
		return ""
	}
}
