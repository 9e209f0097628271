// Package testutil provides testing utilities for the record gateway.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/record-gateway/internal/backendsim"
	"github.com/Sternrassler/record-gateway/pkg/records"
)

// MockResponse defines a canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Request is one request seen by the mock.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	At     time.Time
}

type fault struct {
	method string
	prefix string
	resp   MockResponse
	left   int
}

// MockBackend is a record backend for tests: a simulated backend behind an
// httptest server, with request tracking and fault injection.
type MockBackend struct {
	server *httptest.Server
	Store  *backendsim.MemoryStore

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	faults   []*fault
	requests []Request
}

// NewMockBackend starts a mock backend. opts configure the simulated backend,
// including its quota.
func NewMockBackend(opts backendsim.Options) *MockBackend {
	store := backendsim.NewMemoryStore()
	sim := backendsim.NewServer(store, opts)

	mock := &MockBackend{
		Store:    store,
		handlers: make(map[string]http.HandlerFunc),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requests = append(mock.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			At:     time.Now(),
		})
		handler, exists := mock.handlers[r.URL.Path]
		injected := mock.takeFaultLocked(r)
		mock.mu.Unlock()

		if injected != nil {
			writeResponse(w, *injected)
			return
		}
		if exists {
			handler(w, r)
			return
		}
		sim.ServeHTTP(w, r)
	}))

	return mock
}

func (m *MockBackend) takeFaultLocked(r *http.Request) *MockResponse {
	for i, f := range m.faults {
		if f.method != "" && f.method != r.Method {
			continue
		}
		if f.prefix != "" && !strings.HasPrefix(r.URL.Path, f.prefix) {
			continue
		}
		resp := f.resp
		f.left--
		if f.left <= 0 {
			m.faults = append(m.faults[:i], m.faults[i+1:]...)
		}
		return &resp
	}
	return nil
}

// URL returns the mock server URL.
func (m *MockBackend) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockBackend) Close() {
	m.server.Close()
}

// Reset clears tracked requests and pending faults.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.faults = nil
}

// SetHandler overrides the simulated backend for an exact path.
func (m *MockBackend) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for an exact path.
func (m *MockBackend) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// FailNext answers the next count requests whose method and path prefix
// match with resp. Empty method or prefix match anything.
func (m *MockBackend) FailNext(method, pathPrefix string, count int, resp MockResponse) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, &fault{method: method, prefix: pathPrefix, resp: resp, left: count})
}

// Requests returns a copy of all tracked requests.
func (m *MockBackend) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of requests made to the server.
func (m *MockBackend) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// CountRequests counts requests by method and path prefix.
func (m *MockBackend) CountRequests(method, pathPrefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if (method == "" || r.Method == method) && strings.HasPrefix(r.Path, pathPrefix) {
			n++
		}
	}
	return n
}

// Seed inserts n records into object, built by fn.
func (m *MockBackend) Seed(object string, n int, fn func(i int) records.Record) {
	for i := 0; i < n; i++ {
		rec := records.Record{"seq": i}
		if fn != nil {
			rec = fn(i)
		}
		if _, err := m.Store.Create(context.Background(), object, rec); err != nil {
			panic(fmt.Sprintf("seed %s: %v", object, err))
		}
	}
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"errors":[{"message":"rate limit exceeded"}]}`,
		Headers:    map[string]string{},
	}
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"errors":[{"message":"internal server error"}]}`,
	}
}

// NewBadRequestResponse creates a 400 Bad Request response.
func NewBadRequestResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       `{"errors":[{"message":"bad request"}]}`,
	}
}
