package api

import (
	"net/http"

	"github.com/joao-fontenele/marketsettle/internal/discount"
	"github.com/joao-fontenele/marketsettle/internal/domain"
)

func (h *Handler) handleUserWallet(w http.ResponseWriter, r *http.Request) {
	h.wallet(w, r, principal(r.Context()).UserID, domain.OwnerTypeUser)
}

func (h *Handler) handleBusinessWallet(w http.ResponseWriter, r *http.Request) {
	h.wallet(w, r, principal(r.Context()).BusinessID, domain.OwnerTypeBusiness)
}

func (h *Handler) wallet(w http.ResponseWriter, r *http.Request, ownerID string, ownerType domain.OwnerType) {
	wallet, err := h.wallets.Balance(r.Context(), ownerID, ownerType)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, wallet)
}

func (h *Handler) handleUserTransactions(w http.ResponseWriter, r *http.Request) {
	h.transactions(w, r, principal(r.Context()).UserID)
}

func (h *Handler) handleBusinessTransactions(w http.ResponseWriter, r *http.Request) {
	h.transactions(w, r, principal(r.Context()).BusinessID)
}

func (h *Handler) transactions(w http.ResponseWriter, r *http.Request, ownerID string) {
	cursor, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	page, err := h.wallets.Transactions(r.Context(), ownerID, cursor, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, page)
}

type depositRequest struct {
	Phone  string `json:"phone"`
	Amount int64  `json:"amount"`
}

func (h *Handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	txn, err := h.wallets.Deposit(r.Context(), principal(r.Context()).UserID, domain.OwnerTypeUser, req.Phone, req.Amount)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusAccepted, txn)
}

type payoutRequest struct {
	Phone   string `json:"phone"`
	Amount  int64  `json:"amount"`
	Remarks string `json:"remarks,omitempty"`
}

func (h *Handler) handlePayout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Remarks == "" {
		req.Remarks = "Business payout"
	}

	txn, err := h.wallets.Payout(r.Context(), principal(r.Context()).BusinessID, req.Phone, req.Amount, req.Remarks)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusAccepted, txn)
}

type validateDiscountRequest struct {
	Code       string `json:"code"`
	BusinessID string `json:"business_id"`
	Subtotal   int64  `json:"subtotal"`
}

func (h *Handler) handleValidateDiscount(w http.ResponseWriter, r *http.Request) {
	var req validateDiscountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Code == "" || req.Subtotal <= 0 {
		writeError(w, r, h.logger, domain.Validation("code and a positive subtotal are required"))
		return
	}

	result, err := h.discounts.Evaluate(r.Context(), discount.Request{
		Code:       req.Code,
		UserID:     principal(r.Context()).UserID,
		BusinessID: req.BusinessID,
		Subtotal:   req.Subtotal,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, result)
}
