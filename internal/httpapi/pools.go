package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nuetzliches/claimq/internal/storage"
)

type poolRequest struct {
	URI     string         `json:"uri"`
	Weight  int            `json:"weight"`
	Options map[string]any `json:"options,omitempty"`
}

type poolPatchRequest struct {
	URI     *string        `json:"uri,omitempty"`
	Weight  *int           `json:"weight,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type poolResponse struct {
	Name    string         `json:"name"`
	URI     string         `json:"uri"`
	Weight  int            `json:"weight"`
	Options map[string]any `json:"options,omitempty"`
}

type poolListResponse struct {
	Pools []poolResponse `json:"pools"`
	Next  string         `json:"next,omitempty"`
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	detailed, ok := queryBool(w, r, "detailed")
	if !ok {
		return
	}
	if limit == 0 {
		limit = storage.DefaultQueuesPerPage
	}
	pools, err := s.Pools.List(r.Context(), storage.PoolListOptions{
		Marker:   r.URL.Query().Get("marker"),
		Limit:    limit,
		Detailed: detailed,
	})
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	out := poolListResponse{Pools: make([]poolResponse, 0, len(pools))}
	for _, p := range pools {
		out.Pools = append(out.Pools, poolOut(p))
	}
	if len(pools) == limit {
		out.Next = pools[len(pools)-1].Name
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return
	}
	if storage.Scheme(req.URI) == "" {
		writeError(w, http.StatusBadRequest, errInvalidBody, "uri must carry a backend scheme")
		return
	}
	if req.Weight < 0 {
		writeError(w, http.StatusBadRequest, errInvalidBody, "weight must not be negative")
		return
	}
	pool := storage.Pool{
		Name:    chi.URLParam(r, "pool"),
		URI:     strings.TrimSpace(req.URI),
		Weight:  req.Weight,
		Options: req.Options,
	}
	if err := s.Pools.Create(r.Context(), pool); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	detailed, ok := queryBool(w, r, "detailed")
	if !ok {
		return
	}
	pool, err := s.Pools.Get(r.Context(), chi.URLParam(r, "pool"), detailed)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, poolOut(pool))
}

func (s *Server) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	var req poolPatchRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return
	}
	if req.URI == nil && req.Weight == nil && req.Options == nil {
		writeError(w, http.StatusBadRequest, errInvalidBody, "one of uri, weight or options is required")
		return
	}
	if req.URI != nil && storage.Scheme(*req.URI) == "" {
		writeError(w, http.StatusBadRequest, errInvalidBody, "uri must carry a backend scheme")
		return
	}
	if req.Weight != nil && *req.Weight < 0 {
		writeError(w, http.StatusBadRequest, errInvalidBody, "weight must not be negative")
		return
	}
	update := storage.PoolUpdate{URI: req.URI, Weight: req.Weight, Options: req.Options}
	if err := s.Pools.Update(r.Context(), chi.URLParam(r, "pool"), update); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	if err := s.Pools.Delete(r.Context(), chi.URLParam(r, "pool")); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func poolOut(p storage.Pool) poolResponse {
	return poolResponse{Name: p.Name, URI: p.URI, Weight: p.Weight, Options: p.Options}
}
