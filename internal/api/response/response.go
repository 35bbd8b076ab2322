package response

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
)

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// ValidationError writes a 400 whose details map each failing field to the
// rule it broke.
func ValidationError(w http.ResponseWriter, err error) {
	var details map[string]string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		details = make(map[string]string, len(verrs))
		for _, e := range verrs {
			details[e.Field()] = e.Tag()
		}
	}
	Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", details)
}

// Busy writes a 503 asking the client to come back after retryAfter seconds.
func Busy(w http.ResponseWriter, code, message, retryAfter string, details any) {
	w.Header().Set("Retry-After", retryAfter)
	Error(w, http.StatusServiceUnavailable, code, message, details)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
