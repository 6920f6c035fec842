package httptransport

import (
	"encoding/json"
	"net/http"

	"github.com/postalq/mailflow/internal/apperr"
)

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr classifies err and writes the matching error response.
// Server-side failure details stay in the logs, not the response.
func writeErr(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, apperr.Kind(err), msg)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorResponse{
		Status: "error",
		Error:  &ErrorPayload{Kind: kind, Message: message},
	})
}
