package store

import (
	"time"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

// Op is one typed mutation. A UnitOfWork commits its ops in order, all or
// none. Conditional ops fail with a domain error when their guard does not
// hold, which rolls the whole unit back.
type Op interface {
	op() string
}

// InsertOrder persists an order and its line items.
type InsertOrder struct {
	Order *domain.Order
}

// DecrementStock fails with *domain.InsufficientStockError unless the product
// has at least Quantity units.
type DecrementStock struct {
	ProductID string
	Quantity  int
}

type RestoreStock struct {
	ProductID string
	Quantity  int
}

// RecordDiscountUsage inserts the usage row and bumps the code's usage count,
// failing with domain.ErrDiscountExhausted if the global limit or the
// buyer's own limit was reached.
type RecordDiscountUsage struct {
	Usage domain.DiscountUsage
}

// DebitWallet fails with domain.ErrInsufficientFunds if the balance would go
// negative or the wallet does not exist.
type DebitWallet struct {
	OwnerID string
	Amount  int64
}

// CreditWallet creates the wallet on first credit.
type CreditWallet struct {
	OwnerID   string
	OwnerType domain.OwnerType
	Amount    int64
}

type InsertTransaction struct {
	Transaction *domain.Transaction
}

// CompleteTransaction fails with domain.ErrTransactionNotPending unless the
// transaction is pending.
type CompleteTransaction struct {
	TransactionID string
	ReceiptNumber string
	At            time.Time
}

type FailTransaction struct {
	TransactionID string
	Reason        string
	At            time.Time
}

// AttachProviderRequest stores the provider correlation id on a pending
// transaction that was recorded before dispatch.
type AttachProviderRequest struct {
	TransactionID     string
	ProviderRequestID string
	MerchantRequestID string
}

// MarkOrderPaid fails with domain.ErrOrderAlreadyPaid when the order is
// already paid and domain.ErrOrderCancelled when it was cancelled.
type MarkOrderPaid struct {
	OrderID string
	At      time.Time
}

// SetOrderStatus moves an order from From to To, failing with
// domain.ErrInvalidTransition if it is no longer in From.
type SetOrderStatus struct {
	OrderID string
	From    domain.OrderStatus
	To      domain.OrderStatus
	At      time.Time
}

// MarkCallbackProcessed flips the idempotency record, failing with
// domain.ErrCallbackProcessed if another delivery got there first.
type MarkCallbackProcessed struct {
	CheckoutRequestID string
	TransactionID     string
	At                time.Time
}

func (InsertOrder) op() string           { return "insert_order" }
func (DecrementStock) op() string        { return "decrement_stock" }
func (RestoreStock) op() string          { return "restore_stock" }
func (RecordDiscountUsage) op() string   { return "record_discount_usage" }
func (DebitWallet) op() string           { return "debit_wallet" }
func (CreditWallet) op() string          { return "credit_wallet" }
func (InsertTransaction) op() string     { return "insert_transaction" }
func (CompleteTransaction) op() string   { return "complete_transaction" }
func (FailTransaction) op() string       { return "fail_transaction" }
func (AttachProviderRequest) op() string { return "attach_provider_request" }
func (MarkOrderPaid) op() string         { return "mark_order_paid" }
func (SetOrderStatus) op() string        { return "set_order_status" }
func (MarkCallbackProcessed) op() string { return "mark_callback_processed" }

type UnitOfWork struct {
	ops []Op
}

func NewUnitOfWork(ops ...Op) *UnitOfWork {
	return &UnitOfWork{ops: ops}
}

func (u *UnitOfWork) Add(ops ...Op) *UnitOfWork {
	u.ops = append(u.ops, ops...)
	return u
}

func (u *UnitOfWork) Ops() []Op {
	return u.ops
}

func (u *UnitOfWork) Len() int {
	return len(u.ops)
}
