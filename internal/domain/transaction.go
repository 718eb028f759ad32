package domain

import "time"

type TransactionType string

const (
	TransactionTypePayment TransactionType = "payment"
	TransactionTypeDeposit TransactionType = "deposit"
	TransactionTypePayout  TransactionType = "payout"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

type Channel string

const (
	ChannelPush   Channel = "push"
	ChannelWallet Channel = "wallet"
)

const DefaultCurrency = "KES"

// Transaction is one money movement. ProviderRequestID is the checkout id for
// push payments and the conversation id for payouts. WalletOwnerID is the
// wallet credited (or, for payouts, debited); InitiatorID is who asked.
type Transaction struct {
	ID                string            `json:"id"`
	Reference         string            `json:"reference"`
	Type              TransactionType   `json:"type"`
	Amount            int64             `json:"amount"`
	Fee               int64             `json:"fee"`
	Currency          string            `json:"currency"`
	Channel           Channel           `json:"channel"`
	ProviderRequestID string            `json:"provider_request_id,omitempty"`
	MerchantRequestID string            `json:"merchant_request_id,omitempty"`
	Status            TransactionStatus `json:"status"`
	OrderID           string            `json:"order_id,omitempty"`
	WalletOwnerID     string            `json:"wallet_owner_id,omitempty"`
	InitiatorID       string            `json:"initiator_id,omitempty"`
	PhoneNumber       string            `json:"phone_number,omitempty"`
	ReceiptNumber     string            `json:"receipt_number,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// SettlementCredit is the amount credited to WalletOwnerID once the
// transaction completes.
func (t *Transaction) SettlementCredit() int64 {
	return t.Amount - t.Fee
}

type OwnerType string

const (
	OwnerTypeUser     OwnerType = "user"
	OwnerTypeBusiness OwnerType = "business"
)

type Wallet struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	OwnerType OwnerType `json:"owner_type"`
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProviderCallback is the durable idempotency record for one provider
// checkout id. Processed flips to true exactly once.
type ProviderCallback struct {
	CheckoutRequestID string     `json:"checkout_request_id"`
	MerchantRequestID string     `json:"merchant_request_id"`
	ResultCode        int        `json:"result_code"`
	Payload           []byte     `json:"-"`
	Processed         bool       `json:"processed"`
	NeedsReview       bool       `json:"needs_review"`
	TransactionID     string     `json:"transaction_id,omitempty"`
	DeliveryCount     int        `json:"delivery_count"`
	ReceivedAt        time.Time  `json:"received_at"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	// ReplayedAt is the last time the sweep retried this record.
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
}
