package api

import (
	"context"
	"io"
	"net/http"
)

const maxCallbackBytes = 1 << 20

type ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var accepted = ack{ResultCode: 0, ResultDesc: "Accepted"}

// webhook acknowledges every delivery that reaches it. Deliveries that were
// stored but not settled are finished by the sweep.
func (h *Handler) webhook(apply func(context.Context, []byte) error, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
		if err != nil {
			h.logger.Warn("failed to read provider webhook", "error", err, "kind", kind)
		} else if err := apply(r.Context(), raw); err != nil {
			h.logger.Error("provider webhook not applied", "error", err, "kind", kind)
		}
		writeJSON(w, h.logger, http.StatusOK, accepted)
	}
}

func (h *Handler) handleSTKCallback(w http.ResponseWriter, r *http.Request) {
	h.webhook(h.settlement.Reconcile, "stk")(w, r)
}

func (h *Handler) handlePayoutResult(w http.ResponseWriter, r *http.Request) {
	h.webhook(h.settlement.ReconcilePayout, "b2c_result")(w, r)
}

func (h *Handler) handlePayoutTimeout(w http.ResponseWriter, r *http.Request) {
	h.webhook(h.settlement.PayoutTimedOut, "b2c_timeout")(w, r)
}
