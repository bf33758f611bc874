package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/jasperdg/session-change-monitoring/internal/ingest"
	"github.com/jasperdg/session-change-monitoring/internal/sessions"
	"github.com/jasperdg/session-change-monitoring/internal/storage"
	"github.com/jasperdg/session-change-monitoring/internal/timeseries"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondErrorString(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: http.StatusText(status), Message: message})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, timeseries.ErrInvalidInput),
		errors.Is(err, storage.ErrInvalidTable),
		errors.Is(err, storage.ErrUnknownTable),
		errors.Is(err, storage.ErrInvertedWindow),
		errors.Is(err, ingest.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, sessions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, timeseries.ErrStoreUnavailable), errors.Is(err, storage.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs server-side failures and writes {error, message}.
// Internal errors never leak their message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	logger := zerolog.Ctx(r.Context())
	message := err.Error()
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error().Err(err).Int("status", status).Msg("request failed")
		if status == http.StatusInternalServerError {
			message = "internal server error"
		}
	default:
		logger.Warn().Err(err).Int("status", status).Msg("request rejected")
	}
	respondErrorString(w, status, message)
}
