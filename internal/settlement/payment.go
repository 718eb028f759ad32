package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/marketsettle/internal/domain"
	"github.com/joao-fontenele/marketsettle/internal/gateway"
	"github.com/joao-fontenele/marketsettle/internal/ledger"
	"github.com/joao-fontenele/marketsettle/internal/mpesa"
	"github.com/joao-fontenele/marketsettle/internal/store"
)

type PaymentMethod string

const (
	MethodPush   PaymentMethod = "push"
	MethodWallet PaymentMethod = "wallet"
)

type PayOrderInput struct {
	Method PaymentMethod `json:"method"`
	Phone  string        `json:"phone,omitempty"`
}

type PaymentResult struct {
	Method            PaymentMethod            `json:"method"`
	Status            domain.TransactionStatus `json:"status"`
	CheckoutRequestID string                   `json:"checkout_request_id,omitempty"`
	Transaction       *domain.Transaction      `json:"transaction"`
}

// PayOrder starts payment of one of the buyer's orders. A push payment only
// dispatches the prompt; a wallet payment settles in one unit of work.
func (s *Service) PayOrder(ctx context.Context, buyer domain.Principal, orderID string, in PayOrderInput) (*PaymentResult, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != buyer.UserID {
		return nil, domain.ErrOrderNotFound
	}
	if order.IsPaid() {
		return nil, domain.ErrOrderAlreadyPaid
	}
	if order.Status == domain.OrderStatusCancelled {
		return nil, domain.ErrOrderCancelled
	}

	var result *PaymentResult
	switch in.Method {
	case MethodPush:
		result, err = s.payByPush(ctx, order, in.Phone)
	case MethodWallet:
		result, err = s.payByWallet(ctx, order)
	default:
		return nil, domain.Validation("payment method must be %q or %q", MethodPush, MethodWallet)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.paymentsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("method", string(in.Method))))
	return result, nil
}

func (s *Service) payByPush(ctx context.Context, order *domain.Order, phone string) (*PaymentResult, error) {
	if strings.TrimSpace(phone) == "" {
		return nil, domain.Validation("phone is required for push payments")
	}

	txn, err := s.gateway.InitiatePush(ctx, mpesa.PushRequest{
		Phone:            phone,
		Amount:           order.Total,
		AccountReference: order.Number,
		Description:      order.Number,
	}, gateway.Correlation{
		Type:          domain.TransactionTypePayment,
		OrderID:       order.ID,
		WalletOwnerID: order.BusinessID,
		InitiatorID:   order.BuyerID,
		Fee:           order.ServiceFee,
	})
	if err != nil {
		return nil, err
	}

	return &PaymentResult{
		Method:            MethodPush,
		Status:            txn.Status,
		CheckoutRequestID: txn.ProviderRequestID,
		Transaction:       txn,
	}, nil
}

func (s *Service) payByWallet(ctx context.Context, order *domain.Order) (*PaymentResult, error) {
	now := s.now().UTC()
	txn := &domain.Transaction{
		ID:            uuid.NewString(),
		Reference:     s.refs.Generate().String(),
		Type:          domain.TransactionTypePayment,
		Amount:        order.Total,
		Fee:           order.ServiceFee,
		Currency:      domain.DefaultCurrency,
		Channel:       domain.ChannelWallet,
		Status:        domain.TransactionStatusCompleted,
		OrderID:       order.ID,
		WalletOwnerID: order.BusinessID,
		InitiatorID:   order.BuyerID,
		CreatedAt:     now,
		UpdatedAt:     now,
		CompletedAt:   &now,
	}

	// The paid guard goes first so a concurrent second attempt reports the
	// conflict rather than a balance shortfall.
	err := s.store.Commit(ctx, store.NewUnitOfWork(
		store.MarkOrderPaid{OrderID: order.ID, At: now},
		ledger.Debit(order.BuyerID, order.Total),
		ledger.Credit(order.BusinessID, domain.OwnerTypeBusiness, order.BusinessNet()),
		store.InsertTransaction{Transaction: txn},
	))
	if err != nil {
		return nil, fmt.Errorf("wallet payment: %w", err)
	}

	s.logger.Info("order paid from wallet", "order_id", order.ID, "transaction_id", txn.ID, "amount", txn.Amount)
	s.settled(ctx, txn)

	return &PaymentResult{Method: MethodWallet, Status: txn.Status, Transaction: txn}, nil
}

type PaymentStatus struct {
	CheckoutRequestID string                   `json:"checkout_request_id"`
	TransactionID     string                   `json:"transaction_id"`
	OrderID           string                   `json:"order_id,omitempty"`
	Status            domain.TransactionStatus `json:"status"`
	ReceiptNumber     string                   `json:"receipt_number,omitempty"`
	FailureReason     string                   `json:"failure_reason,omitempty"`
}

func statusOf(txn *domain.Transaction) *PaymentStatus {
	return &PaymentStatus{
		CheckoutRequestID: txn.ProviderRequestID,
		TransactionID:     txn.ID,
		OrderID:           txn.OrderID,
		Status:            txn.Status,
		ReceiptNumber:     txn.ReceiptNumber,
		FailureReason:     txn.FailureReason,
	}
}

// PaymentStatusFor is CheckPaymentStatus for a caller who must be a party to
// the transaction.
func (s *Service) PaymentStatusFor(ctx context.Context, p domain.Principal, checkoutRequestID string) (*PaymentStatus, error) {
	txn, err := s.store.GetTransactionByProviderRequestID(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}
	party := txn.InitiatorID == p.UserID || txn.WalletOwnerID == p.UserID ||
		(p.BusinessID != "" && txn.WalletOwnerID == p.BusinessID)
	if !party {
		return nil, domain.ErrTransactionNotFound
	}
	return s.CheckPaymentStatus(ctx, checkoutRequestID)
}

// CheckPaymentStatus answers from local state when the transaction is
// terminal and only asks the provider while it is still pending. A provider
// that cannot answer leaves the payment pending.
func (s *Service) CheckPaymentStatus(ctx context.Context, checkoutRequestID string) (*PaymentStatus, error) {
	txn, err := s.store.GetTransactionByProviderRequestID(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}
	if txn.Status.IsTerminal() || txn.Channel != domain.ChannelPush || txn.Type == domain.TransactionTypePayout {
		return statusOf(txn), nil
	}

	result, err := s.gateway.QueryStatus(ctx, checkoutRequestID)
	if err != nil {
		s.logger.Warn("status query failed, reporting pending", "error", err, "checkout_request_id", checkoutRequestID)
		return statusOf(txn), nil
	}
	if !result.Completed {
		return statusOf(txn), nil
	}

	code, err := strconv.Atoi(result.ResultCode)
	if err != nil {
		s.logger.Warn("unexpected result code from status query", "result_code", result.ResultCode, "checkout_request_id", checkoutRequestID)
		return statusOf(txn), nil
	}

	cb := &mpesa.Callback{
		MerchantRequestID: txn.MerchantRequestID,
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        code,
		ResultDesc:        result.ResultDesc,
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode query result: %w", err)
	}

	if err := s.process(ctx, cb, payload, "poll"); err != nil {
		return nil, err
	}

	txn, err = s.store.GetTransactionByProviderRequestID(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}
	return statusOf(txn), nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, domain.ErrCallbackProcessed) || errors.Is(err, domain.ErrTransactionNotPending)
}
