package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/audioqueue/internal/api/response"
)

// Recovery turns a handler panic into a 500. The log line and the error body
// carry the request ID so the two can be matched up.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			attrs := []any{
				"error", rec,
				"method", r.Method,
				"path", r.URL.Path,
			}
			var details any
			if reqID, ok := GetRequestID(r); ok {
				attrs = append(attrs, "request_id", reqID)
				details = map[string]string{"request_id": reqID}
			}
			if jobID := chi.URLParam(r, "jobID"); jobID != "" {
				attrs = append(attrs, "job_id", jobID)
			}
			attrs = append(attrs, "stack", string(debug.Stack()))
			slog.Error("panic recovered", attrs...)

			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", details)
		}()
		next.ServeHTTP(w, r)
	})
}
