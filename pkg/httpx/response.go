package httpx

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Warn("Failed to encode JSON response")
	}
}

// ErrorResponse is the standard error body: {"error": "..."}.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondError writes an error response with the given status and message.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

// ValidationErrorResponse carries field-level validation messages alongside
// the top-level error, mirroring the ingestion API contract.
type ValidationErrorResponse struct {
	Error  string              `json:"error"`
	Errors map[string][]string `json:"errors"`
}

// RespondValidationErrors writes a 422 with per-field messages.
func RespondValidationErrors(w http.ResponseWriter, errors map[string][]string) {
	RespondJSON(w, http.StatusUnprocessableEntity, ValidationErrorResponse{
		Error:  "Validation failed",
		Errors: errors,
	})
}
