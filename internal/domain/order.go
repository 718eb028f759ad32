package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// fulfillmentTransitions lists the moves a business may make on its own orders.
// pending->paid is absent: only settlement sets an order paid.
var fulfillmentTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusCancelled},
	OrderStatusPaid:      {OrderStatusConfirmed},
	OrderStatusConfirmed: {OrderStatusShipped},
	OrderStatusShipped:   {OrderStatusDelivered},
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusConfirmed,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range fulfillmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

type OrderItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	LineTotal int64  `json:"line_total"`
}

type Order struct {
	ID             string        `json:"id"`
	Number         string        `json:"number"`
	BuyerID        string        `json:"buyer_id"`
	BusinessID     string        `json:"business_id"`
	Items          []OrderItem   `json:"items"`
	Subtotal       int64         `json:"subtotal"`
	DiscountAmount int64         `json:"discount_amount"`
	DiscountID     string        `json:"discount_id,omitempty"`
	DiscountCode   string        `json:"discount_code,omitempty"`
	DeliveryZone   string        `json:"delivery_zone"`
	DeliveryFee    int64         `json:"delivery_fee"`
	ServiceFee     int64         `json:"service_fee"`
	Total          int64         `json:"total"`
	Status         OrderStatus   `json:"status"`
	PaymentStatus  PaymentStatus `json:"payment_status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ComputeTotal sets Total from the other money fields. Callers never supply a total.
func (o *Order) ComputeTotal() {
	o.Total = o.Subtotal - o.DiscountAmount + o.DeliveryFee + o.ServiceFee
}

func (o *Order) IsPaid() bool {
	return o.PaymentStatus == PaymentStatusPaid
}

// BusinessNet is what the business wallet receives for this order.
func (o *Order) BusinessNet() int64 {
	return o.Total - o.ServiceFee
}
