package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeFixed      DiscountType = "fixed"
)

// Discount is a redeemable code. An empty BusinessID makes it platform-wide.
// Value is a percentage for percentage codes and currency units for fixed ones.
type Discount struct {
	ID             string          `json:"id"`
	Code           string          `json:"code"`
	BusinessID     string          `json:"business_id,omitempty"`
	Type           DiscountType    `json:"type"`
	Value          decimal.Decimal `json:"value"`
	MaxDiscount    *int64          `json:"max_discount,omitempty"`
	MinOrderAmount *int64          `json:"min_order_amount,omitempty"`
	UsageLimit     *int            `json:"usage_limit,omitempty"`
	PerUserLimit   *int            `json:"per_user_limit,omitempty"`
	FirstOrderOnly bool            `json:"first_order_only"`
	Active         bool            `json:"active"`
	StartsAt       time.Time       `json:"starts_at"`
	EndsAt         *time.Time      `json:"ends_at,omitempty"`
	UsageCount     int             `json:"usage_count"`
}

type DiscountUsage struct {
	ID         string    `json:"id"`
	DiscountID string    `json:"discount_id"`
	UserID     string    `json:"user_id"`
	OrderID    string    `json:"order_id"`
	Amount     int64     `json:"amount"`
	CreatedAt  time.Time `json:"created_at"`
}
