package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"tidbyt.dev/transit"
	"tidbyt.dev/transit/logging"
	"tidbyt.dev/transit/storage"
)

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (s *Server) sendResponse(w http.ResponseWriter, r *http.Request, status int, response interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(response)
	if err != nil {
		logging.LogError(logging.FromContext(r.Context()), "failed to encode response", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, status int, message string, fields map[string]string) {
	s.sendResponse(w, r, status, errorBody{Error: message, Fields: fields})
}

// Maps errors from the planner and storage to responses.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *transit.ValidationError
	switch {
	case errors.As(err, &verr):
		s.errorResponse(w, r, http.StatusBadRequest, transit.ErrInvalidQuery.Error(), verr.Fields)
	case errors.Is(err, transit.ErrInvalidQuery):
		s.errorResponse(w, r, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, storage.ErrNotFound):
		s.errorResponse(w, r, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, transit.ErrNoActiveNetwork):
		s.errorResponse(w, r, http.StatusServiceUnavailable, err.Error(), nil)
	default:
		logging.LogError(logging.FromContext(r.Context()), "request failed", err)
		s.errorResponse(w, r, http.StatusInternalServerError, "internal server error", nil)
	}
}
