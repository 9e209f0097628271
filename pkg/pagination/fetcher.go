package pagination

import (
	"context"
	"time"

	"github.com/Sternrassler/record-gateway/pkg/records"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Defaults for FetchAll.
const (
	DefaultPageSize = records.MaxRowsPerPage
	DefaultMaxPages = 20
)

var (
	pagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordgw_pagination_pages_total",
		Help: "Total pages fetched by FetchAll",
	})

	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordgw_pagination_fetches_total",
		Help: "Total FetchAll calls by outcome (complete, truncated, partial)",
	}, []string{"outcome"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recordgw_pagination_duration_seconds",
		Help:    "Duration of FetchAll calls",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

// PageFetcher fetches one page of a list endpoint. client.Client implements it.
type PageFetcher interface {
	FetchPage(ctx context.Context, endpoint string, filter *records.Filter, page, pageSize int) ([]records.Record, error)
}

// Result is the outcome of FetchAll.
type Result struct {
	// Records holds every record fetched, in page order.
	Records []records.Record

	// Pages is the number of page requests that returned data or an empty page.
	Pages int

	// Truncated is set when the page cap stopped the loop before a short page.
	Truncated bool

	// Partial is set when a page failed; Records holds what came before it.
	Partial bool
	Err     error
}

type options struct {
	pageSize int
	maxPages int
}

// Option configures a FetchAll call.
type Option func(*options)

// WithPageSize sets the rows requested per page (1..1000).
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 && n <= records.MaxRowsPerPage {
			o.pageSize = n
		}
	}
}

// WithMaxPages caps the number of pages requested.
func WithMaxPages(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPages = n
		}
	}
}

// Fetcher runs paginated fetches.
type Fetcher struct {
	pages  PageFetcher
	logger zerolog.Logger
}

// New creates a Fetcher over pages.
func New(pages PageFetcher) *Fetcher {
	return &Fetcher{
		pages:  pages,
		logger: log.With().Str("component", "pagination").Logger(),
	}
}

// WithLogger returns a copy of f logging to logger.
func (f *Fetcher) WithLogger(logger zerolog.Logger) *Fetcher {
	cp := *f
	cp.logger = logger
	return &cp
}

// FetchAll reads endpoint page by page and accumulates the records.
func (f *Fetcher) FetchAll(ctx context.Context, endpoint string, filter *records.Filter, opts ...Option) Result {
	o := options{pageSize: DefaultPageSize, maxPages: DefaultMaxPages}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	defer func() {
		fetchDuration.Observe(time.Since(start).Seconds())
	}()

	var res Result
	for page := 1; page <= o.maxPages; page++ {
		batch, err := f.pages.FetchPage(ctx, endpoint, filter, page, o.pageSize)
		if err != nil {
			res.Partial = true
			res.Err = err
			fetchesTotal.WithLabelValues("partial").Inc()
			f.logger.Warn().
				Err(err).
				Str("endpoint", endpoint).
				Int("page", page).
				Int("records", len(res.Records)).
				Msg("Page fetch failed - returning partial results")
			return res
		}

		res.Pages++
		pagesFetched.Inc()
		res.Records = append(res.Records, batch...)

		if len(batch) < o.pageSize {
			fetchesTotal.WithLabelValues("complete").Inc()
			f.logger.Debug().
				Str("endpoint", endpoint).
				Int("pages", res.Pages).
				Int("records", len(res.Records)).
				Dur("duration", time.Since(start)).
				Msg("Fetch complete")
			return res
		}
	}

	res.Truncated = true
	fetchesTotal.WithLabelValues("truncated").Inc()
	f.logger.Warn().
		Str("endpoint", endpoint).
		Int("max_pages", o.maxPages).
		Int("records", len(res.Records)).
		Msg("Page cap reached - result truncated")
	return res
}
