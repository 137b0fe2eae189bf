// Package httpapi exposes queues, messages, claims and pools over REST.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nuetzliches/claimq/internal/pipeline"
	"github.com/nuetzliches/claimq/internal/storage"
)

const (
	errInvalidBody      = "invalid_body"
	errInvalidParam     = "invalid_parameter"
	errInvalidQueueName = "invalid_queue_name"
	errMissingClientID  = "missing_client_id"
	errNotFound         = "not_found"
	errForbidden        = "claim_mismatch"
	errConflict         = "message_conflict"
	errReadOnly         = "read_only"
	errNoPool           = "no_pool_available"
	errStoreUnavailable = "store_unavailable"
	errInternal         = "internal_error"

	projectHeader  = "X-Project-ID"
	clientIDHeader = "Client-ID"

	maxBodyBytes = 1 << 20
)

var queueNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

type Server struct {
	Driver storage.DataDriver
	// Pools enables the /v2/pools endpoints when set.
	Pools storage.PoolsController
	// Health backs /healthz; it defaults to Driver.Ping.
	Health  func(ctx context.Context) error
	Metrics http.Handler
	Logger  *slog.Logger

	ObserveRequest func(method, route string, status int, took time.Duration)

	DefaultMessageTTL time.Duration
	MaxMessageTTL     time.Duration
	DefaultClaimTTL   time.Duration
	MaxClaimTTL       time.Duration
	DefaultClaimGrace time.Duration
	MaxClaimGrace     time.Duration
	MaxMessagesPost   int
}

func NewServer(driver storage.DataDriver) *Server {
	return &Server{
		Driver:            driver,
		DefaultMessageTTL: time.Hour,
		MaxMessageTTL:     14 * 24 * time.Hour,
		DefaultClaimTTL:   time.Minute,
		MaxClaimTTL:       12 * time.Hour,
		DefaultClaimGrace: time.Minute,
		MaxClaimGrace:     12 * time.Hour,
		MaxMessagesPost:   20,
	}
}

// Handler builds the router. Call it once the Server fields are set.
func (s *Server) Handler() http.Handler {
	if s.Logger == nil {
		s.Logger = slog.New(slog.DiscardHandler)
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Route("/v2/queues", func(r chi.Router) {
		r.Get("/", s.handleListQueues)
		r.Route("/{queue}", func(r chi.Router) {
			r.Use(requireQueueName)
			r.Put("/", s.handleCreateQueue)
			r.Delete("/", s.handleDeleteQueue)
			r.Get("/metadata", s.handleGetMetadata)
			r.Put("/metadata", s.handleSetMetadata)
			r.Get("/stats", s.handleStats)

			r.Post("/messages", s.handlePostMessages)
			r.Get("/messages", s.handleListMessages)
			r.Delete("/messages", s.handleBulkDeleteMessages)
			r.Get("/messages/{message}", s.handleGetMessage)
			r.Delete("/messages/{message}", s.handleDeleteMessage)

			r.Post("/claims", s.handleCreateClaim)
			r.Get("/claims/{claim}", s.handleGetClaim)
			r.Patch("/claims/{claim}", s.handleUpdateClaim)
			r.Delete("/claims/{claim}", s.handleDeleteClaim)
		})
	})

	if s.Pools != nil {
		r.Route("/v2/pools", func(r chi.Router) {
			r.Get("/", s.handleListPools)
			r.Put("/{pool}", s.handleCreatePool)
			r.Get("/{pool}", s.handleGetPool)
			r.Patch("/{pool}", s.handleUpdatePool)
			r.Delete("/{pool}", s.handleDeletePool)
		})
	}
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.ObserveRequest == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.ObserveRequest(r.Method, route, status, time.Since(start))
	})
}

func requireQueueName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !queueNamePattern.MatchString(chi.URLParam(r, "queue")) {
			writeError(w, http.StatusBadRequest, errInvalidQueueName, "queue name must be 1-64 characters of [a-zA-Z0-9_-]")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ping := s.Health
	if ping == nil {
		ping = s.Driver.Ping
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := ping(ctx); err != nil {
		s.Logger.Warn("health_check_failed", slog.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, errStoreUnavailable, "storage is unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

// writeStorageError maps the storage error taxonomy onto status codes.
func (s *Server) writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *storage.MessageConflictError
	var partial *storage.PartialPostError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusServiceUnavailable, conflictResponse{
			Code:      errConflict,
			Detail:    "messages could not be enqueued, retry the remainder",
			Resources: nonNil(conflict.SucceededIDs),
		})
	case errors.As(err, &partial):
		status, code := http.StatusInternalServerError, errInternal
		if storage.IsConnection(err) {
			status, code = http.StatusServiceUnavailable, errStoreUnavailable
		}
		s.Logger.Error("post_partially_failed",
			slog.String("path", r.URL.Path),
			slog.Int("stored", len(partial.SucceededIDs)),
			slog.Any("err", err),
		)
		writeJSON(w, status, conflictResponse{
			Code:      code,
			Detail:    "some messages were stored before the failure",
			Resources: nonNil(partial.SucceededIDs),
		})
	case storage.IsNotFound(err):
		writeError(w, http.StatusNotFound, errNotFound, err.Error())
	case storage.IsPermission(err):
		writeError(w, http.StatusForbidden, errForbidden, err.Error())
	case errors.Is(err, pipeline.ErrReadOnly):
		writeError(w, http.StatusServiceUnavailable, errReadOnly, err.Error())
	case errors.Is(err, storage.ErrNoPoolFound):
		writeError(w, http.StatusServiceUnavailable, errNoPool, err.Error())
	case storage.IsConnection(err):
		s.Logger.Warn("storage_unavailable", slog.String("path", r.URL.Path), slog.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, errStoreUnavailable, "storage is temporarily unavailable")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, errStoreUnavailable, "request canceled")
	default:
		s.Logger.Error("request_failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err),
		)
		writeError(w, http.StatusInternalServerError, errInternal, "internal error")
	}
}

func project(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(projectHeader))
}

// clientID validates the Client-ID header.
func clientID(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get(clientIDHeader))
	if raw == "" {
		writeError(w, http.StatusBadRequest, errMissingClientID, "Client-ID header is required")
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, errMissingClientID, "Client-ID must be a UUID")
		return "", false
	}
	return id.String(), true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		writeError(w, http.StatusBadRequest, errInvalidParam, name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}

func queryBool(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, errInvalidParam, name+" must be a boolean")
		return false, false
	}
	return v, true
}

// queryIDs splits a comma separated ids parameter.
func queryIDs(r *http.Request) ([]string, bool) {
	if !r.URL.Query().Has("ids") {
		return nil, false
	}
	var out []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out, true
}

func seconds(v int64) time.Duration {
	return time.Duration(v) * time.Second
}

func decodeJSONBodyStrict(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, errInvalidBody, "invalid JSON body: "+err.Error())
		return false
	}

	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			writeError(w, http.StatusBadRequest, errInvalidBody, "invalid JSON body: trailing JSON document is not allowed")
			return false
		}
		writeError(w, http.StatusBadRequest, errInvalidBody, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

type conflictResponse struct {
	Code      string   `json:"code"`
	Detail    string   `json:"detail"`
	Resources []string `json:"resources"`
}

func writeError(w http.ResponseWriter, status int, code string, detail string) {
	writeJSON(w, status, errorResponse{
		Code:   code,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
