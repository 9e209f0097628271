package backendsim

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/record-gateway/pkg/records"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DefaultRowsPerPage applies when a list request names no page size.
const DefaultRowsPerPage = 25

// Options configures a Server.
type Options struct {
	// Budget is the number of requests accepted per second. Zero disables
	// the quota.
	Budget int

	// RetryAfter is sent with 429 responses. Defaults to one second.
	RetryAfter time.Duration

	// APIKey, when set, must match the API key header of every request.
	APIKey string

	Logger *zerolog.Logger
}

// Server serves the record API over a Store.
type Server struct {
	store   Store
	limiter *rate.Limiter
	opts    Options
	logger  zerolog.Logger
	mux     *http.ServeMux
}

// NewServer creates a Server over store.
func NewServer(store Store, opts Options) *Server {
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Second
	}
	logger := log.With().Str("component", "backendsim").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	s := &Server{store: store, opts: opts, logger: logger, mux: http.NewServeMux()}
	if opts.Budget > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.Budget), opts.Budget)
	}

	s.mux.HandleFunc("GET /v1/objects/{object}/records", s.handleList)
	s.mux.HandleFunc("POST /v1/objects/{object}/records", s.handleCreate)
	s.mux.HandleFunc("GET /v1/objects/{object}/records/{id}", s.handleGet)
	s.mux.HandleFunc("PUT /v1/objects/{object}/records/{id}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /v1/objects/{object}/records/{id}", s.handleDelete)
	return s
}

// ServeHTTP enforces the quota and credentials, then routes the request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.logger.Debug().Str("path", r.URL.Path).Msg("Quota exceeded")
		secs := int(s.opts.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if s.opts.APIKey != "" && r.Header.Get(records.HeaderAPIKey) != s.opts.APIKey {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter, err := records.DecodeFilter(q.Get(records.ParamFilters))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := positiveParam(q.Get(records.ParamPage), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	rows, err := positiveParam(q.Get(records.ParamRowsPerPage), DefaultRowsPerPage)
	if err != nil || rows > records.MaxRowsPerPage {
		writeError(w, http.StatusBadRequest, "invalid rows_per_page")
		return
	}

	all, err := s.store.List(r.Context(), r.PathValue("object"))
	if err != nil {
		s.logger.Error().Err(err).Msg("List failed")
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}

	matched := all[:0]
	for _, rec := range all {
		if Matches(filter, rec) {
			matched = append(matched, rec)
		}
	}

	resp := records.Page{
		Records:      []records.Record{},
		TotalRecords: len(matched),
		TotalPages:   (len(matched) + rows - 1) / rows,
		CurrentPage:  page,
	}
	if start := (page - 1) * rows; start < len(matched) {
		end := min(start+rows, len(matched))
		resp.Records = matched[start:end]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	fields, ok := decodeBody(w, r)
	if !ok {
		return
	}
	delete(fields, records.IDField)
	rec, err := s.store.Create(r.Context(), r.PathValue("object"), fields)
	if err != nil {
		s.logger.Error().Err(err).Msg("Create failed")
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("object"), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	fields, ok := decodeBody(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Update(r.Context(), r.PathValue("object"), r.PathValue("id"), fields)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("object"), r.PathValue("id")); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"delete": "true"})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error().Err(err).Msg("Store failed")
	writeError(w, http.StatusInternalServerError, "store failed")
}

func decodeBody(w http.ResponseWriter, r *http.Request) (records.Record, bool) {
	var fields records.Record
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return nil, false
	}
	if fields == nil {
		fields = records.Record{}
	}
	return fields, true
}

func positiveParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("must be a positive integer")
	}
	return n, nil
}

type errorBody struct {
	Errors []errorMessage `json:"errors"`
}

type errorMessage struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Errors: []errorMessage{{Message: msg}}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
