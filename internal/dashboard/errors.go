package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/signalsfoundry/dispatch-monitor/internal/cancel"
	"github.com/signalsfoundry/dispatch-monitor/internal/feed"
	"github.com/signalsfoundry/dispatch-monitor/internal/logging"
)

var errBadRequest = errors.New("bad request")

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, feed.ErrUnknownCollection),
		errors.Is(err, cancel.ErrPromptNotFound):
		return http.StatusNotFound
	case errors.Is(err, cancel.ErrPromptExpired):
		return http.StatusGone
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), nil).Error(r.Context(), "request failed", logging.Err(err))
	}
	writeJSON(w, code, map[string]string{
		"error":      err.Error(),
		"request_id": logging.RequestIDFromContext(r.Context()),
	})
}
