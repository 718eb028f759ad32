// Package notify is the receiving end of settlement notifications. It stands
// in for the SMS and push fan-out and only records what it would deliver.
package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Deduper claims an idempotency key. Claim reports false when the key was
// already claimed within ttl.
type Deduper interface {
	Claim(r *http.Request, key string, ttl time.Duration) (bool, error)
}

type Handler struct {
	deduper Deduper
	ttl     time.Duration
	logger  *slog.Logger
}

func NewHandler(deduper Deduper, ttl time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		deduper: deduper,
		ttl:     ttl,
		logger:  logger,
	}
}

type Notification struct {
	RecipientID string `json:"recipient_id"`
	Template    string `json:"template"`
	Reference   string `json:"reference"`
	OrderID     string `json:"order_id,omitempty"`
	Amount      int64  `json:"amount"`
	Receipt     string `json:"receipt,omitempty"`
}

type response struct {
	Status string `json:"status"`
}

func (h *Handler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	var n Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if n.RecipientID == "" || n.Template == "" {
		h.writeError(w, http.StatusBadRequest, "recipient_id and template are required")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = n.Reference
	}
	if key != "" {
		fresh, err := h.deduper.Claim(r, key, h.ttl)
		if err != nil {
			h.logger.Error("failed to claim idempotency key", "error", err, "key", key)
			h.writeError(w, http.StatusServiceUnavailable, "try again later")
			return
		}
		if !fresh {
			h.logger.Info("duplicate notification", "key", key, "template", n.Template)
			h.writeJSON(w, http.StatusOK, response{Status: "duplicate"})
			return
		}
	}

	h.logger.Info("notification queued",
		"recipient_id", n.RecipientID,
		"template", n.Template,
		"reference", n.Reference,
		"amount", n.Amount,
	)

	h.writeJSON(w, http.StatusAccepted, response{Status: "queued"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
