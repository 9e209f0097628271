// Package client provides the backend HTTP client: every call is gated by the
// request scheduler and wrapped with retry for transient failures.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/record-gateway/pkg/records"
	"github.com/Sternrassler/record-gateway/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for backend calls.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordgw_requests_total",
		Help: "Total backend requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recordgw_request_duration_seconds",
		Help:    "Backend request duration including queueing and retries, by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordgw_errors_total",
		Help: "Total backend errors by class",
	}, []string{"class"})
)

// Client is the backend client.
type Client struct {
	sched   *scheduler.Scheduler
	base    *url.URL
	headers records.HeaderBuilder
	retry   RetryConfig
	logger  zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the backend API root, e.g. "https://api.example.com".
	BaseURL string

	Credentials records.Credentials
	UserAgent   string

	// Scheduler configures the shared request scheduler.
	Scheduler scheduler.Config

	// Retry configures retries of transient failures.
	Retry RetryConfig

	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string, creds records.Credentials) Config {
	return Config{
		BaseURL:     baseURL,
		Credentials: creds,
		UserAgent:   "record-gateway/0.1.0",
		Scheduler:   scheduler.DefaultConfig(),
		Retry:       DefaultRetryConfig(),
	}
}

// New creates a new client and starts its scheduler.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", base.Scheme)
	}
	if cfg.Retry.MaxAttempts < 0 {
		return nil, fmt.Errorf("retry max attempts must be >= 0 (got %d)", cfg.Retry.MaxAttempts)
	}

	logger := log.With().Str("component", "client").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Client{
		sched: scheduler.New(cfg.Scheduler),
		base:  base,
		headers: records.HeaderBuilder{
			Credentials: cfg.Credentials,
			UserAgent:   cfg.UserAgent,
		},
		retry:  cfg.Retry.withDefaults(),
		logger: logger,
	}, nil
}

// Scheduler returns the scheduler shared by all calls of this client.
func (c *Client) Scheduler() *scheduler.Scheduler {
	return c.sched
}

// Close stops the scheduler.
func (c *Client) Close() error {
	return c.sched.Close()
}

// Do performs a scheduled, retried request against path and returns the
// response body. body, when non-nil, is sent as JSON.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	op, err := c.operation(method, path, query, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	return WithRetry(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.submit(ctx, op, path)
	})
}

func (c *Client) operation(method, path string, query url.Values, body any) (scheduler.Operation, error) {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	op := scheduler.Operation{
		Method: method,
		URL:    u.String(),
		Header: c.headers.Build(body != nil),
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return op, fmt.Errorf("marshal request body: %w", err)
		}
		op.Body = data
	}
	return op, nil
}

// submit performs a single attempt and classifies its outcome.
func (c *Client) submit(ctx context.Context, op scheduler.Operation, path string) ([]byte, error) {
	resp, err := c.sched.Submit(ctx, op)
	if err != nil {
		if errors.Is(err, scheduler.ErrClosed) || errors.Is(err, scheduler.ErrInvalidRequest) || ctx.Err() != nil {
			return nil, err
		}
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(op.Method, "network_error").Inc()
		c.logger.Error().Err(err).Str("endpoint", path).Msg("Backend request failed")
		return nil, &APIError{
			Class:    ErrorClassNetwork,
			Method:   op.Method,
			Endpoint: path,
			Message:  "transport failure",
			Err:      err,
		}
	}

	requestsTotal.WithLabelValues(op.Method, strconv.Itoa(resp.StatusCode)).Inc()

	if class := classifyStatus(resp.StatusCode); class != "" {
		errorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Str("endpoint", path).
			Str("method", op.Method).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Backend request error")
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      class,
			Method:     op.Method,
			Endpoint:   path,
			Message:    http.StatusText(resp.StatusCode),
			Body:       resp.Body,
		}
	}

	return resp.Body, nil
}

// List fetches one page of an object's records.
func (c *Client) List(ctx context.Context, object string, q records.Query) (*records.Page, error) {
	return c.listPath(ctx, records.ObjectPath(object), q)
}

func (c *Client) listPath(ctx context.Context, path string, q records.Query) (*records.Page, error) {
	values, err := q.Values()
	if err != nil {
		return nil, err
	}

	data, err := c.Do(ctx, http.MethodGet, path, values, nil)
	if err != nil {
		return nil, err
	}

	var page records.Page
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	return &page, nil
}

// FetchPage returns the records of one page of a list endpoint.
func (c *Client) FetchPage(ctx context.Context, endpoint string, filter *records.Filter, page, pageSize int) ([]records.Record, error) {
	p, err := c.listPath(ctx, endpoint, records.Query{Filter: filter, Page: page, RowsPerPage: pageSize})
	if err != nil {
		return nil, err
	}
	return p.Records, nil
}

// Get fetches a single record.
func (c *Client) Get(ctx context.Context, object, id string) (records.Record, error) {
	data, err := c.Do(ctx, http.MethodGet, records.RecordPath(object, id), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// Create inserts a record and returns it as stored.
func (c *Client) Create(ctx context.Context, object string, fields records.Record) (records.Record, error) {
	data, err := c.Do(ctx, http.MethodPost, records.ObjectPath(object), nil, fields)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// Update changes the given fields of a record and returns it as stored.
func (c *Client) Update(ctx context.Context, object, id string, fields records.Record) (records.Record, error) {
	data, err := c.Do(ctx, http.MethodPut, records.RecordPath(object, id), nil, fields)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, object, id string) error {
	_, err := c.Do(ctx, http.MethodDelete, records.RecordPath(object, id), nil, nil)
	return err
}

func decodeRecord(data []byte) (records.Record, error) {
	var rec records.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
