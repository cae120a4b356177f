package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/revsearch/internal/reviews"
	"github.com/nickcecere/revsearch/internal/store"
)

// AddReviewResponse is returned by POST /reviews/add.
type AddReviewResponse struct {
	VectorID int    `json:"vector_id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// SearchRequest is the body of POST /reviews/search. TopK defaults to 10.
type SearchRequest struct {
	Query string `json:"query"`
	TopK  *int   `json:"top_k,omitempty"`
}

// ReconcileRequest is the body of POST /admin/reconcile.
type ReconcileRequest struct {
	Mode string `json:"mode"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.backend.Health()
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var rec store.Record
	if err := readJSON(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.backend.AddReview(r.Context(), rec)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AddReviewResponse{
		VectorID: res.VectorID,
		Status:   "success",
		Message:  fmt.Sprintf("Review added with ID %d", res.VectorID),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	topK := reviews.DefaultTopK
	if req.TopK != nil {
		topK = *req.TopK
	}

	resp, err := s.backend.Search(r.Context(), req.Query, topK)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	mode, err := reviews.ParseReconcileMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.backend.Reconcile(r.Context(), mode)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeFailure maps validation errors to 400 and everything else to 500.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var verr *reviews.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Message)
		return
	}

	log.Error("Request failed", "method", r.Method, "path", r.URL.Path,
		"request_id", requestIDFrom(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Failed to write response", "error", err)
	}
}

// writeError writes {"error": "<code> <text>", "message": ...}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Message: message,
	})
}
