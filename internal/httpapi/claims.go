package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nuetzliches/claimq/internal/storage"
)

type claimRequest struct {
	TTL   *int64 `json:"ttl,omitempty"`
	Grace *int64 `json:"grace,omitempty"`
}

type claimResponse struct {
	ID       string            `json:"id"`
	TTL      int64             `json:"ttl"`
	Age      int64             `json:"age"`
	Messages []messageResponse `json:"messages"`
}

type createClaimResponse struct {
	ClaimID  string            `json:"claim_id"`
	Messages []messageResponse `json:"messages"`
}

// claimOptions applies defaults and bounds to a claim request body.
func (s *Server) claimOptions(w http.ResponseWriter, req claimRequest) (storage.ClaimOptions, bool) {
	opts := storage.ClaimOptions{TTL: s.DefaultClaimTTL, Grace: s.DefaultClaimGrace}
	if req.TTL != nil {
		opts.TTL = seconds(*req.TTL)
	}
	if req.Grace != nil {
		opts.Grace = seconds(*req.Grace)
	}
	if opts.TTL <= 0 || (s.MaxClaimTTL > 0 && opts.TTL > s.MaxClaimTTL) {
		writeError(w, http.StatusBadRequest, errInvalidBody, fmt.Sprintf("ttl must be between 1 and %d seconds", int64(s.MaxClaimTTL/time.Second)))
		return storage.ClaimOptions{}, false
	}
	if opts.Grace < 0 || (s.MaxClaimGrace > 0 && opts.Grace > s.MaxClaimGrace) {
		writeError(w, http.StatusBadRequest, errInvalidBody, fmt.Sprintf("grace must be between 0 and %d seconds", int64(s.MaxClaimGrace/time.Second)))
		return storage.ClaimOptions{}, false
	}
	return opts, true
}

func (s *Server) handleCreateClaim(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	var req claimRequest
	if !decodeJSONBodyStrict(w, r, &req, true) {
		return
	}
	opts, ok := s.claimOptions(w, req)
	if !ok {
		return
	}
	id, msgs, err := s.Driver.Claims().Create(r.Context(), chi.URLParam(r, "queue"), project(r), opts, limit)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if id == "" || len(msgs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, createClaimResponse{ClaimID: id, Messages: messagesOut(msgs)})
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	claim, msgs, err := s.Driver.Claims().Get(r.Context(), chi.URLParam(r, "queue"), project(r), chi.URLParam(r, "claim"))
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{
		ID:       claim.ID,
		TTL:      int64(claim.TTL / time.Second),
		Age:      int64(claim.Age / time.Second),
		Messages: messagesOut(msgs),
	})
}

func (s *Server) handleUpdateClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return
	}
	opts, ok := s.claimOptions(w, req)
	if !ok {
		return
	}
	if err := s.Driver.Claims().Update(r.Context(), chi.URLParam(r, "queue"), project(r), chi.URLParam(r, "claim"), opts); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteClaim(w http.ResponseWriter, r *http.Request) {
	if err := s.Driver.Claims().Delete(r.Context(), chi.URLParam(r, "queue"), project(r), chi.URLParam(r, "claim")); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
