// Package api serves catalogue records over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vmunix/upflix/internal/cache"
	"github.com/vmunix/upflix/internal/service"
	"github.com/vmunix/upflix/internal/upstream"
)

// Looker resolves a catalogue path to a record.
type Looker interface {
	Lookup(ctx context.Context, path string, bypass bool) (*service.Result, error)
}

// Cooldown reports when the upstream cooldown ends.
type Cooldown interface {
	Until() time.Time
}

// Server is the HTTP front of the lookup pipeline.
type Server struct {
	lookup   Looker
	cooldown Cooldown
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithCooldown enables Retry-After on 429 responses.
func WithCooldown(c Cooldown) Option {
	return func(s *Server) {
		s.cooldown = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock overrides the time source used for Retry-After.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a server.
func New(lookup Looker, opts ...Option) *Server {
	s := &Server{
		lookup: lookup,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes registers the routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /favicon.ico", s.favicon)
	mux.HandleFunc("GET /", s.getRecord)
}

// Handler returns the routes wrapped in request ID and logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return requestID(logRequests(mux, s.logger))
}

func (s *Server) favicon(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	bypass := forced(r)

	res, err := s.lookup.Lookup(r.Context(), path, bypass)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}

	if res.Source == service.SourceCache {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	writeJSON(w, http.StatusOK, res.Record)
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ioErr        *cache.IOError
		transportErr *upstream.TransportError
		statusErr    *upstream.StatusError
		extractErr   *upstream.ExtractionError
	)

	switch {
	case errors.Is(err, service.ErrRateLimited):
		s.writeRateLimited(w)
	case errors.As(err, &ioErr):
		s.logger.Error("cache failure", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "CACHE_ERROR", "cache unavailable")
	case errors.As(err, &transportErr) && transportErr.Timeout():
		writeError(w, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", err.Error())
	case errors.As(err, &transportErr), errors.As(err, &statusErr):
		writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
	case errors.As(err, &extractErr):
		writeError(w, http.StatusBadGateway, "EXTRACTION_ERROR", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "CANCELED", err.Error())
	default:
		s.logger.Error("lookup failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// writeRateLimited answers 429 with a JSON content type and no body.
func (s *Server) writeRateLimited(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if s.cooldown != nil {
		if until := s.cooldown.Until(); !until.IsZero() {
			secs := int(math.Ceil(until.Sub(s.now()).Seconds()))
			if secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
	}
	w.WriteHeader(http.StatusTooManyRequests)
}

// forced reports whether the force query parameter is present and not an explicit false.
func forced(r *http.Request) bool {
	values, ok := r.URL.Query()["force"]
	if !ok {
		return false
	}
	for _, v := range values {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "0", "false", "no", "off":
		default:
			return true
		}
	}
	return false
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message, Code: errCode})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
