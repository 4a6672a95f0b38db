package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/orian/protoboard/models"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// conflictBody adds the versions a client needs to reload and retry.
type conflictBody struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	Reason        string `json:"reason,omitempty"`
	ServerVersion int64  `json:"serverVersion"`
	YourVersion   *int64 `json:"yourVersion"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, status int, code string) {
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

// fail maps err to a status code and writes it. Unclassified errors are
// logged with the request ID and reported as a bare 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if ce, ok := models.AsConflict(err); ok {
		writeJSON(w, http.StatusConflict, conflictBody{
			Error:         ce.Error(),
			Code:          "conflict",
			Reason:        ce.Reason,
			ServerVersion: ce.ServerVersion,
			YourVersion:   ce.YourVersion,
		})
		return
	}

	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Error(), Code: "validation_error", Field: ve.Field})
	case errors.Is(err, models.ErrNotFound):
		writeError(w, r, err, http.StatusNotFound, "not_found")
	case errors.Is(err, models.ErrForbidden):
		writeError(w, r, err, http.StatusForbidden, "forbidden")
	case errors.Is(err, models.ErrUnauthorized):
		writeError(w, r, err, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, models.ErrAlreadyExists):
		writeError(w, r, err, http.StatusConflict, "already_exists")
	case errors.Is(err, models.ErrAlreadyOnTarget):
		writeError(w, r, err, http.StatusBadRequest, "already_on_target")
	case errors.Is(err, models.ErrValidation):
		writeError(w, r, err, http.StatusBadRequest, "validation_error")
	default:
		s.log.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"requestId", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, r, errors.New("internal server error"), http.StatusInternalServerError, "internal_error")
	}
}
