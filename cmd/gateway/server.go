package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/record-gateway/pkg/cache"
	"github.com/Sternrassler/record-gateway/pkg/client"
	"github.com/Sternrassler/record-gateway/pkg/metrics"
	"github.com/Sternrassler/record-gateway/pkg/pagination"
	"github.com/Sternrassler/record-gateway/pkg/records"
	"github.com/Sternrassler/record-gateway/pkg/scheduler"
	"github.com/rs/zerolog"
)

// Headers carrying the caller identity recorded on new cache entries.
const (
	headerOwnerIdentity = "X-Owner-Identity"
	headerOwnerOrg      = "X-Owner-Org"
)

const maxBodyBytes = 1 << 20

type ownerKey struct{}

type owner struct {
	identity string
	org      string
}

// ownerFromContext is the cache.OwnerFunc of the gateway.
func ownerFromContext(ctx context.Context) (string, string) {
	o, _ := ctx.Value(ownerKey{}).(owner)
	return o.identity, o.org
}

// server exposes the scheduler, the paginated fetcher and the cache over HTTP.
type server struct {
	sched  *scheduler.Scheduler
	pages  *pagination.Fetcher
	cache  *cache.Store
	logger zerolog.Logger
}

func newServer(c *client.Client, store *cache.Store, logger zerolog.Logger) *server {
	return &server{
		sched:  c.Scheduler(),
		pages:  pagination.New(c).WithLogger(logger),
		cache:  store,
		logger: logger,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, route string, h http.HandlerFunc) {
		mux.Handle(pattern, metrics.Instrument(route, h))
	}

	mux.HandleFunc("GET /health", healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	handle("GET /stats", "/stats", s.handleStats)
	handle("GET /records/{object}", "/records", s.handleRecords)
	handle("GET /cache/{type}/{key}", "/cache", s.handleCacheGet)
	handle("PUT /cache/{type}/{key}", "/cache", s.handleCachePut)
	handle("DELETE /cache/{type}/{key}", "/cache", s.handleCacheDelete)
	handle("POST /admin/cache/cleanup", "/admin/cache/cleanup", s.handleCleanup)
	handle("PUT /admin/cache/switch", "/admin/cache/switch", s.handleSwitch)
	handle("POST /admin/scheduler/reset", "/admin/scheduler/reset", s.handleReset)

	return withOwner(mux)
}

func withOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o := owner{
			identity: r.Header.Get(headerOwnerIdentity),
			org:      r.Header.Get(headerOwnerOrg),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, o)))
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

type statsResponse struct {
	Scheduler     scheduler.Stats `json:"scheduler"`
	CacheDisabled bool            `json:"cache_disabled"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statsResponse{
		Scheduler:     s.sched.Stats(),
		CacheDisabled: s.cache.Switch().Disabled(),
	})
}

// listResponse is both the /records body and the cached RecordList payload.
type listResponse struct {
	Records   []records.Record `json:"records"`
	Pages     int              `json:"pages"`
	Truncated bool             `json:"truncated"`
	Partial   bool             `json:"partial,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func (s *server) handleRecords(w http.ResponseWriter, r *http.Request) {
	object := r.PathValue("object")
	q := r.URL.Query()

	filter, err := records.DecodeFilter(q.Get(records.ParamFilters))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := cache.QueryKey{Object: object, Params: map[string]string{}}
	if filter != nil {
		if key.Filters, err = filter.Encode(); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var opts []pagination.Option
	for _, p := range []struct {
		name string
		max  int
		opt  func(int) pagination.Option
	}{
		{"page_size", records.MaxRowsPerPage, pagination.WithPageSize},
		{"max_pages", 0, pagination.WithMaxPages},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, p.name+" must be a positive integer")
			return
		}
		if p.max > 0 && n > p.max {
			s.writeError(w, http.StatusBadRequest, p.name+" must be between 1 and "+strconv.Itoa(p.max))
			return
		}
		opts = append(opts, p.opt(n))
		key.Params[p.name] = strconv.Itoa(n)
	}
	cacheKey := key.String()

	var cached listResponse
	if s.cache.GetInto(r.Context(), cacheKey, cache.ListType, &cached) {
		w.Header().Set("X-Cache", "HIT")
		s.writeJSON(w, http.StatusOK, cached)
		return
	}
	w.Header().Set("X-Cache", "MISS")

	res := s.pages.FetchAll(r.Context(), records.ObjectPath(object), filter, opts...)
	resp := listResponse{
		Records:   res.Records,
		Pages:     res.Pages,
		Truncated: res.Truncated,
		Partial:   res.Partial,
	}
	if resp.Records == nil {
		resp.Records = []records.Record{}
	}

	if res.Err != nil {
		resp.Error = res.Err.Error()
		if len(res.Records) == 0 {
			s.writeJSON(w, statusFor(res.Err), resp)
			return
		}
		// Partial results are served but never cached.
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	s.cache.Set(r.Context(), cacheKey, resp, cache.ListType, 0)
	s.writeJSON(w, http.StatusOK, resp)
}

// statusFor maps a backend failure to the gateway's response status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, client.ErrContextCancelled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	}
	if code := client.StatusCode(err); code >= 400 && code < 500 {
		return code
	}
	return http.StatusBadGateway
}

type cacheEntry struct {
	Key   string          `json:"key"`
	Type  string          `json:"type"`
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

func (s *server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	key, typ := r.PathValue("key"), r.PathValue("type")
	p, ok := s.cache.Get(r.Context(), key, typ)
	if !ok {
		s.writeError(w, http.StatusNotFound, "cache miss")
		return
	}
	s.writeJSON(w, http.StatusOK, cacheEntry{Key: key, Type: typ, Kind: p.Kind.String(), Value: p.Value()})
}

func (s *server) handleCachePut(w http.ResponseWriter, r *http.Request) {
	key, typ := r.PathValue("key"), r.PathValue("type")

	var ttl time.Duration
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			s.writeError(w, http.StatusBadRequest, "ttl must be a positive number of minutes")
			return
		}
		ttl = time.Duration(minutes) * time.Minute
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if !json.Valid(body) {
		s.writeError(w, http.StatusBadRequest, "body must be JSON")
		return
	}

	if !s.cache.Set(r.Context(), key, json.RawMessage(body), typ, ttl) {
		s.writeError(w, http.StatusBadGateway, "value not stored")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	if !s.cache.Invalidate(r.Context(), r.PathValue("key"), r.PathValue("type")) {
		s.writeError(w, http.StatusBadGateway, "invalidate failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res := s.cache.CleanupExpired(r.Context())
	status := http.StatusOK
	if res.Err != nil {
		status = http.StatusMultiStatus
	}
	s.writeJSON(w, status, res)
}

func (s *server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	disabled, err := strconv.ParseBool(r.URL.Query().Get("disabled"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "disabled must be true or false")
		return
	}
	if err := s.cache.Switch().Set(r.Context(), disabled); err != nil {
		// The switch applies in-process even when persisting fails.
		s.logger.Warn().Err(err).Bool("disabled", disabled).Msg("Persisting cache switch failed")
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"disabled": s.cache.Switch().Disabled()})
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.sched.ForceReset()
	s.writeJSON(w, http.StatusOK, s.sched.Stats())
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
