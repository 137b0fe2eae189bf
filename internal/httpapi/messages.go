package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nuetzliches/claimq/internal/storage"
)

type postMessagesRequest struct {
	Messages []struct {
		TTL  *int64          `json:"ttl,omitempty"`
		Body json.RawMessage `json:"body"`
	} `json:"messages"`
}

type postMessagesResponse struct {
	Resources []string `json:"resources"`
}

type messageResponse struct {
	ID      string          `json:"id"`
	TTL     int64           `json:"ttl"`
	Age     int64           `json:"age"`
	Body    json.RawMessage `json:"body"`
	ClaimID string          `json:"claim_id,omitempty"`
}

type messageListResponse struct {
	Messages []messageResponse `json:"messages"`
	Next     string            `json:"next,omitempty"`
}

func (s *Server) handlePostMessages(w http.ResponseWriter, r *http.Request) {
	client, ok := clientID(w, r)
	if !ok {
		return
	}
	var req postMessagesRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, errInvalidBody, "messages must not be empty")
		return
	}
	if s.MaxMessagesPost > 0 && len(req.Messages) > s.MaxMessagesPost {
		writeError(w, http.StatusBadRequest, errInvalidBody, fmt.Sprintf("at most %d messages may be posted at once", s.MaxMessagesPost))
		return
	}

	specs := make([]storage.MessageSpec, 0, len(req.Messages))
	for i, m := range req.Messages {
		if len(bytes.TrimSpace(m.Body)) == 0 {
			writeError(w, http.StatusBadRequest, errInvalidBody, fmt.Sprintf("messages[%d].body is required", i))
			return
		}
		ttl := s.DefaultMessageTTL
		if m.TTL != nil {
			ttl = seconds(*m.TTL)
		}
		if ttl <= 0 || (s.MaxMessageTTL > 0 && ttl > s.MaxMessageTTL) {
			writeError(w, http.StatusBadRequest, errInvalidBody, fmt.Sprintf("messages[%d].ttl must be between 1 and %d seconds", i, int64(s.MaxMessageTTL/time.Second)))
			return
		}
		specs = append(specs, storage.MessageSpec{Body: m.Body, TTL: ttl})
	}

	ids, err := s.Driver.Messages().Post(r.Context(), chi.URLParam(r, "queue"), project(r), specs, client)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, postMessagesResponse{Resources: nonNil(ids)})
}

// handleListMessages pages through a queue, or fetches the given ids when
// the ids parameter is present.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	if ids, ok := queryIDs(r); ok {
		msgs, err := s.Driver.Messages().BulkGet(r.Context(), queue, project(r), ids)
		if err != nil {
			s.writeStorageError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, messageListResponse{Messages: messagesOut(msgs)})
		return
	}

	client, ok := clientID(w, r)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	echo, ok := queryBool(w, r, "echo")
	if !ok {
		return
	}
	includeClaimed, ok := queryBool(w, r, "include_claimed")
	if !ok {
		return
	}
	page, err := s.Driver.Messages().List(r.Context(), queue, project(r), storage.MessageListOptions{
		Marker:         r.URL.Query().Get("marker"),
		Limit:          limit,
		Echo:           echo,
		ClientID:       client,
		IncludeClaimed: includeClaimed,
	})
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageListResponse{Messages: messagesOut(page.Messages), Next: page.Next})
}

func (s *Server) handleBulkDeleteMessages(w http.ResponseWriter, r *http.Request) {
	ids, ok := queryIDs(r)
	if !ok || len(ids) == 0 {
		writeError(w, http.StatusBadRequest, errInvalidParam, "ids is required")
		return
	}
	if err := s.Driver.Messages().BulkDelete(r.Context(), chi.URLParam(r, "queue"), project(r), ids); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.Driver.Messages().Get(r.Context(), chi.URLParam(r, "queue"), project(r), chi.URLParam(r, "message"))
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageOut(msg))
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	err := s.Driver.Messages().Delete(r.Context(),
		chi.URLParam(r, "queue"), project(r),
		chi.URLParam(r, "message"), r.URL.Query().Get("claim_id"))
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func messageOut(m storage.Message) messageResponse {
	return messageResponse{
		ID:      m.ID,
		TTL:     int64(m.TTL / time.Second),
		Age:     int64(m.Age / time.Second),
		Body:    m.Body,
		ClaimID: m.ClaimID,
	}
}

func messagesOut(in []storage.Message) []messageResponse {
	out := make([]messageResponse, 0, len(in))
	for _, m := range in {
		out = append(out, messageOut(m))
	}
	return out
}
