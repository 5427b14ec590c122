package server

import (
	"errors"
	"net/http"

	"github.com/lazypower/bondline/internal/bond"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// writeError maps domain errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without its message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve bond.ValidationError
		ne bond.NotFoundError
		ce bond.ConflictError
		se bond.StaleStateError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "validation", Field: ve.Field})
	case errors.As(err, &ne):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found", Field: ne.Field})
	case errors.As(err, &se):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "stale_state"})
	case errors.As(err, &ce):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "conflict", Field: ce.Field})
	default:
		s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
	}
}
