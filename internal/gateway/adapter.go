package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/marketsettle/internal/domain"
	"github.com/joao-fontenele/marketsettle/internal/mpesa"
	"github.com/joao-fontenele/marketsettle/internal/store"
)

var meter = otel.Meter("marketsettle/gateway")

// Provider is the mobile-money client. *mpesa.Client satisfies it.
type Provider interface {
	CanonicalPhone(raw string) (string, error)
	Push(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResponse, error)
	Query(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error)
	Payout(ctx context.Context, req mpesa.PayoutRequest) (*mpesa.PayoutResponse, error)
}

type Committer interface {
	Commit(ctx context.Context, uow *store.UnitOfWork) error
}

// Correlation describes what a push pays for. It is stored on the pending
// Transaction so reconciliation knows whom to credit.
type Correlation struct {
	Type          domain.TransactionType
	OrderID       string
	WalletOwnerID string
	InitiatorID   string
	Fee           int64
}

type Adapter struct {
	provider Provider
	store    Committer
	refs     *snowflake.Node
	logger   *slog.Logger
	requests metric.Int64Counter
	now      func() time.Time
}

func NewAdapter(provider Provider, committer Committer, refs *snowflake.Node, logger *slog.Logger) *Adapter {
	requests, err := meter.Int64Counter("gateway.provider.requests",
		metric.WithDescription("Provider calls by operation and outcome"))
	if err != nil {
		otel.Handle(err)
	}

	return &Adapter{
		provider: provider,
		store:    committer,
		refs:     refs,
		logger:   logger,
		requests: requests,
		now:      time.Now,
	}
}

// InitiatePush validates the payer and amount, prompts the payer and records
// a pending Transaction keyed by the checkout id. Nothing is recorded when
// validation, the provider or the request deadline fails.
func (a *Adapter) InitiatePush(ctx context.Context, req mpesa.PushRequest, corr Correlation) (*domain.Transaction, error) {
	phone, err := a.provider.CanonicalPhone(req.Phone)
	if err != nil {
		return nil, err
	}
	if err := mpesa.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	req.Phone = phone

	resp, err := a.provider.Push(ctx, req)
	a.record(ctx, "push", err)
	if err != nil {
		a.logger.Error("push dispatch failed",
			"error", err,
			"order_id", corr.OrderID,
			"wallet_owner_id", corr.WalletOwnerID,
			"timeout", mpesa.IsTimeout(err),
		)
		return nil, err
	}

	now := a.now().UTC()
	txn := &domain.Transaction{
		ID:                uuid.NewString(),
		Reference:         a.refs.Generate().String(),
		Type:              corr.Type,
		Amount:            req.Amount,
		Fee:               corr.Fee,
		Currency:          domain.DefaultCurrency,
		Channel:           domain.ChannelPush,
		ProviderRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		Status:            domain.TransactionStatusPending,
		OrderID:           corr.OrderID,
		WalletOwnerID:     corr.WalletOwnerID,
		InitiatorID:       corr.InitiatorID,
		PhoneNumber:       phone,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := a.store.Commit(ctx, store.NewUnitOfWork(store.InsertTransaction{Transaction: txn})); err != nil {
		a.logger.Error("failed to record pending transaction",
			"error", err,
			"checkout_request_id", resp.CheckoutRequestID,
			"merchant_request_id", resp.MerchantRequestID,
		)
		return nil, fmt.Errorf("record pending transaction: %w", err)
	}

	a.logger.Info("push dispatched",
		"transaction_id", txn.ID,
		"checkout_request_id", txn.ProviderRequestID,
		"type", txn.Type,
		"amount", txn.Amount,
	)
	return txn, nil
}

// QueryStatus polls the provider. A deadline is reported as not completed
// rather than as an error.
func (a *Adapter) QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error) {
	result, err := a.provider.Query(ctx, checkoutRequestID)
	a.record(ctx, "query", err)
	if err != nil {
		if mpesa.IsTimeout(err) {
			a.logger.Warn("status query timed out", "checkout_request_id", checkoutRequestID)
			return &mpesa.QueryResult{Completed: false}, nil
		}
		a.logger.Warn("status query failed", "error", err, "checkout_request_id", checkoutRequestID)
		return nil, err
	}
	return result, nil
}

// InitiatePayout starts a B2C disbursement. Callers own the audit record.
func (a *Adapter) InitiatePayout(ctx context.Context, req mpesa.PayoutRequest) (*mpesa.PayoutResponse, error) {
	phone, err := a.provider.CanonicalPhone(req.Phone)
	if err != nil {
		return nil, err
	}
	if err := mpesa.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	req.Phone = phone

	resp, err := a.provider.Payout(ctx, req)
	a.record(ctx, "payout", err)
	if err != nil {
		a.logger.Error("payout dispatch failed", "error", err, "amount", req.Amount)
		return nil, err
	}

	a.logger.Info("payout dispatched",
		"conversation_id", resp.ConversationID,
		"originator_conversation_id", resp.OriginatorConversationID,
	)
	return resp, nil
}

func (a *Adapter) CanonicalPhone(raw string) (string, error) {
	return a.provider.CanonicalPhone(raw)
}

// ParseCallback validates an inbound STK result payload.
func (a *Adapter) ParseCallback(raw []byte) (*mpesa.Callback, error) {
	return mpesa.ParseCallback(raw)
}

func (a *Adapter) ParsePayoutResult(raw []byte) (*mpesa.PayoutResult, error) {
	return mpesa.ParsePayoutResult(raw)
}

func (a *Adapter) record(ctx context.Context, operation string, err error) {
	a.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome(err)),
	))
}

func outcome(err error) string {
	var providerErr *domain.ProviderError
	switch {
	case err == nil:
		return "ok"
	case mpesa.IsTimeout(err):
		return "timeout"
	case errors.As(err, &providerErr):
		return "rejected"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	default:
		return "unavailable"
	}
}
