package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"wuzapi-ai-gateway/internal/apperr"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    apperr.Kind `json:"kind"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message"`
}

func respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// respondError maps err to its HTTP status. Unclassified errors are logged
// and reported without their text.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	msg := err.Error()
	if kind == apperr.Internal {
		log.Error().Err(err).Str("path", r.URL.Path).Str("method", r.Method).Msg("Request failed")
		msg = "internal error"
	} else {
		log.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request rejected")
	}
	respondJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Code: apperr.CodeOf(err), Message: msg}})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.ValidationError, err, "invalid JSON body")
	}
	return nil
}
