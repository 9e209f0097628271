package client

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{200, ""},
		{204, ""},
		{304, ""},
		{400, ErrorClassClient},
		{401, ErrorClassClient},
		{404, ErrorClassClient},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{502, ErrorClassServer},
		{503, ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.want {
				t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{name: "nil", err: nil, want: ""},
		{name: "api error", err: &APIError{Class: ErrorClassServer}, want: ErrorClassServer},
		{name: "wrapped api error", err: fmt.Errorf("outer: %w", &APIError{Class: ErrorClassClient}), want: ErrorClassClient},
		{name: "net error", err: timeoutError{}, want: ErrorClassNetwork},
		{name: "plain error", err: errors.New("boom"), want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  bool
	}{
		{ErrorClassServer, true},
		{ErrorClassNetwork, true},
		{ErrorClassClient, false},
		{ErrorClassRateLimit, false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			if got := shouldRetry(tt.class); got != tt.want {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.class, got, tt.want)
			}
		})
	}
}

func TestAPIError(t *testing.T) {
	inner := errors.New("connection refused")
	err := &APIError{
		StatusCode: 0,
		Class:      ErrorClassNetwork,
		Method:     "GET",
		Endpoint:   "/v1/objects/object_1/records",
		Message:    "transport failure",
		Err:        inner,
	}

	if !errors.Is(err, inner) {
		t.Error("expected APIError to unwrap to inner error")
	}
	msg := err.Error()
	for _, want := range []string{"GET", "/v1/objects/object_1/records", "network", "connection refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}

	if got := StatusCode(&APIError{StatusCode: 404}); got != 404 {
		t.Errorf("StatusCode() = %d, want 404", got)
	}
	if got := StatusCode(errors.New("x")); got != 0 {
		t.Errorf("StatusCode() = %d, want 0", got)
	}
}
