package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeMessage(w http.ResponseWriter, logger *slog.Logger, status int, message string) {
	writeJSON(w, logger, status, map[string]string{"error": message})
}

// writeError maps an error kind to its status code. Internal and provider
// failures are logged and answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		logger.Error("request failed", "error", err, "method", r.Method, "path", r.URL.Path)
		writeMessage(w, logger, status, "internal server error")
	case http.StatusBadGateway:
		logger.Warn("payment provider unavailable", "error", err, "method", r.Method, "path", r.URL.Path)
		writeMessage(w, logger, status, "payment provider unavailable, try again later")
	default:
		writeMessage(w, logger, status, err.Error())
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrMalformedCallback):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrInvalidTarget), errors.Is(err, domain.ErrProductUnavailable):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Validation("invalid request body")
	}
	return nil
}
