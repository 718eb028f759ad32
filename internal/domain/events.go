package domain

import "time"

const (
	TopicOrderCreated   = "order.created"
	TopicPaymentSettled = "payment.settled"
	TopicPaymentFailed  = "payment.failed"
)

type OrderCreatedEvent struct {
	OrderID    string      `json:"order_id"`
	Number     string      `json:"number"`
	BuyerID    string      `json:"buyer_id"`
	BusinessID string      `json:"business_id"`
	Items      []OrderItem `json:"items"`
	Total      int64       `json:"total"`
	Timestamp  time.Time   `json:"timestamp"`
}

type PaymentSettledEvent struct {
	TransactionID string          `json:"transaction_id"`
	Reference     string          `json:"reference"`
	Type          TransactionType `json:"type"`
	Channel       Channel         `json:"channel"`
	OrderID       string          `json:"order_id,omitempty"`
	WalletOwnerID string          `json:"wallet_owner_id,omitempty"`
	Amount        int64           `json:"amount"`
	ReceiptNumber string          `json:"receipt_number,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

type PaymentFailedEvent struct {
	TransactionID string          `json:"transaction_id"`
	Type          TransactionType `json:"type"`
	OrderID       string          `json:"order_id,omitempty"`
	Reason        string          `json:"reason"`
	Timestamp     time.Time       `json:"timestamp"`
}
