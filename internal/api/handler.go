package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/joao-fontenele/marketsettle/internal/discount"
	"github.com/joao-fontenele/marketsettle/internal/domain"
	"github.com/joao-fontenele/marketsettle/internal/settlement"
	"github.com/joao-fontenele/marketsettle/internal/telemetry"
)

type Settlement interface {
	CreateOrder(ctx context.Context, buyer domain.Principal, in settlement.CreateOrderInput) (*domain.Order, error)
	GetOrder(ctx context.Context, p domain.Principal, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) (domain.Page[domain.Order], error)
	UpdateOrderStatus(ctx context.Context, p domain.Principal, orderID string, to domain.OrderStatus) (*domain.Order, error)
	PayOrder(ctx context.Context, buyer domain.Principal, orderID string, in settlement.PayOrderInput) (*settlement.PaymentResult, error)
	PaymentStatusFor(ctx context.Context, p domain.Principal, checkoutRequestID string) (*settlement.PaymentStatus, error)
	Reconcile(ctx context.Context, raw []byte) error
	ReconcilePayout(ctx context.Context, raw []byte) error
	PayoutTimedOut(ctx context.Context, raw []byte) error
}

type Wallets interface {
	Balance(ctx context.Context, ownerID string, ownerType domain.OwnerType) (*domain.Wallet, error)
	Transactions(ctx context.Context, ownerID string, cursor *domain.Cursor, limit int) (domain.Page[domain.Transaction], error)
	Deposit(ctx context.Context, ownerID string, ownerType domain.OwnerType, phone string, amount int64) (*domain.Transaction, error)
	Payout(ctx context.Context, businessID, phone string, amount int64, remarks string) (*domain.Transaction, error)
}

type Discounts interface {
	Evaluate(ctx context.Context, req discount.Request) (discount.Result, error)
}

type Handler struct {
	settlement Settlement
	wallets    Wallets
	discounts  Discounts
	logger     *slog.Logger
}

func NewHandler(s Settlement, wallets Wallets, discounts Discounts, logger *slog.Logger) *Handler {
	return &Handler{
		settlement: s,
		wallets:    wallets,
		discounts:  discounts,
		logger:     logger,
	}
}

// NewRouter mounts the public API behind auth, the provider webhooks without
// it, and the probe endpoints. metrics may be nil.
func NewRouter(h *Handler, auth *Authenticator, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.RouteAttribute)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/callbacks/mpesa", func(r chi.Router) {
		r.Post("/stk", h.handleSTKCallback)
		r.Post("/b2c/result", h.handlePayoutResult)
		r.Post("/b2c/timeout", h.handlePayoutTimeout)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Post("/orders", h.handleCreateOrder)
		r.Get("/orders", h.handleListBuyerOrders)
		r.Get("/orders/{id}", h.handleGetOrder)
		r.Post("/orders/{id}/pay", h.handlePayOrder)
		r.Get("/payments/{checkoutID}", h.handlePaymentStatus)

		r.Get("/wallet", h.handleUserWallet)
		r.Post("/wallet/deposits", h.handleDeposit)
		r.Get("/wallet/transactions", h.handleUserTransactions)

		r.Post("/discounts/validate", h.handleValidateDiscount)

		r.Route("/business", func(r chi.Router) {
			r.Use(auth.requireBusiness)

			r.Get("/orders", h.handleListBusinessOrders)
			r.Patch("/orders/{id}/status", h.handleUpdateOrderStatus)
			r.Get("/wallet", h.handleBusinessWallet)
			r.Get("/wallet/transactions", h.handleBusinessTransactions)
			r.Post("/payouts", h.handlePayout)
		})
	})

	return r
}
