package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nuetzliches/claimq/internal/storage"
)

type queueResponse struct {
	Name     string           `json:"name"`
	Metadata storage.Metadata `json:"metadata,omitempty"`
}

type queueListResponse struct {
	Queues []queueResponse `json:"queues"`
	Next   string          `json:"next,omitempty"`
}

type messageStatResponse struct {
	ID      string    `json:"id"`
	Age     int64     `json:"age"`
	Created time.Time `json:"created"`
}

type statsResponse struct {
	Messages struct {
		Claimed int                  `json:"claimed"`
		Free    int                  `json:"free"`
		Total   int                  `json:"total"`
		Oldest  *messageStatResponse `json:"oldest,omitempty"`
		Newest  *messageStatResponse `json:"newest,omitempty"`
	} `json:"messages"`
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	detailed, ok := queryBool(w, r, "detailed")
	if !ok {
		return
	}
	page, err := s.Driver.Queues().List(r.Context(), project(r), storage.QueueListOptions{
		Marker:   r.URL.Query().Get("marker"),
		Limit:    limit,
		Detailed: detailed,
	})
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	out := queueListResponse{Queues: make([]queueResponse, 0, len(page.Queues)), Next: page.Next}
	for _, q := range page.Queues {
		out.Queues = append(out.Queues, queueResponse{Name: q.Name, Metadata: q.Metadata})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var metadata storage.Metadata
	if !decodeJSONBodyStrict(w, r, &metadata, true) {
		return
	}
	created, err := s.Driver.Queues().Create(r.Context(), chi.URLParam(r, "queue"), project(r), metadata)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if created {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.Driver.Queues().Delete(r.Context(), chi.URLParam(r, "queue"), project(r)); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	metadata, err := s.Driver.Queues().GetMetadata(r.Context(), chi.URLParam(r, "queue"), project(r))
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if metadata == nil {
		metadata = storage.Metadata{}
	}
	writeJSON(w, http.StatusOK, metadata)
}

func (s *Server) handleSetMetadata(w http.ResponseWriter, r *http.Request) {
	var metadata storage.Metadata
	if !decodeJSONBodyStrict(w, r, &metadata, false) {
		return
	}
	if metadata == nil {
		writeError(w, http.StatusBadRequest, errInvalidBody, "metadata must be a JSON object")
		return
	}
	if err := s.Driver.Queues().SetMetadata(r.Context(), chi.URLParam(r, "queue"), project(r), metadata); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Driver.Queues().Stats(r.Context(), chi.URLParam(r, "queue"), project(r))
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	var out statsResponse
	out.Messages.Claimed = stats.Claimed
	out.Messages.Free = stats.Free
	out.Messages.Total = stats.Total
	out.Messages.Oldest = messageStat(stats.Oldest)
	out.Messages.Newest = messageStat(stats.Newest)
	writeJSON(w, http.StatusOK, out)
}

func messageStat(in *storage.MessageStat) *messageStatResponse {
	if in == nil {
		return nil
	}
	return &messageStatResponse{
		ID:      in.ID,
		Age:     int64(in.Age / time.Second),
		Created: in.Created.UTC(),
	}
}
