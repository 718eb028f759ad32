package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/joao-fontenele/marketsettle/internal/domain"
	"github.com/joao-fontenele/marketsettle/internal/settlement"
)

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req settlement.CreateOrderInput
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	order, err := h.settlement.CreateOrder(r.Context(), principal(r.Context()), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, order)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.settlement.GetOrder(r.Context(), principal(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, order)
}

func (h *Handler) handleListBuyerOrders(w http.ResponseWriter, r *http.Request) {
	h.listOrders(w, r, domain.OrderFilter{BuyerID: principal(r.Context()).UserID})
}

func (h *Handler) handleListBusinessOrders(w http.ResponseWriter, r *http.Request) {
	h.listOrders(w, r, domain.OrderFilter{BusinessID: principal(r.Context()).BusinessID})
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request, filter domain.OrderFilter) {
	cursor, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	q := r.URL.Query()
	filter.Cursor = cursor
	filter.Limit = limit
	filter.Status = domain.OrderStatus(q.Get("status"))
	filter.PaymentStatus = domain.PaymentStatus(q.Get("payment_status"))

	page, err := h.settlement.ListOrders(r.Context(), filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, page)
}

type updateStatusRequest struct {
	Status domain.OrderStatus `json:"status"`
}

func (h *Handler) handleUpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	order, err := h.settlement.UpdateOrderStatus(r.Context(), principal(r.Context()), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, order)
}

func (h *Handler) handlePayOrder(w http.ResponseWriter, r *http.Request) {
	var req settlement.PayOrderInput
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	result, err := h.settlement.PayOrder(r.Context(), principal(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	status := http.StatusOK
	if result.Status == domain.TransactionStatusPending {
		status = http.StatusAccepted
	}
	writeJSON(w, h.logger, status, result)
}

func (h *Handler) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.settlement.PaymentStatusFor(r.Context(), principal(r.Context()), chi.URLParam(r, "checkoutID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, status)
}

func pageParams(r *http.Request) (*domain.Cursor, int, error) {
	q := r.URL.Query()
	cursor, err := domain.DecodeCursor(q.Get("cursor"))
	if err != nil {
		return nil, 0, err
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, 0, domain.Validation("limit must be a non-negative integer")
		}
	}
	return cursor, limit, nil
}
