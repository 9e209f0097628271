package client

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrContextCancelled is returned when the context is cancelled during retry backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses. The scheduler absorbs
	// these, so callers normally never observe this class.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport failures.
	ErrorClassNetwork ErrorClass = "network"
)

// APIError is a failed backend call with its classification.
type APIError struct {
	StatusCode int
	Class      ErrorClass
	Method     string
	Endpoint   string
	Message    string
	Body       []byte
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s error (status %d): %s: %v",
			e.Method, e.Endpoint, e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s error (status %d): %s",
		e.Method, e.Endpoint, e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status to an error class; "" for success.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// ClassOf returns the class of err. Errors that are neither an *APIError nor
// a net.Error are unclassified and never retried.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassNetwork
	}
	return ""
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return shouldRetry(ClassOf(err))
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassNetwork:
		return true
	case ErrorClassClient:
		// Includes 400: a malformed request fails the same way every time.
		return false
	case ErrorClassRateLimit:
		// Already retried by the scheduler without an attempt limit.
		return false
	default:
		return false
	}
}
