package domain

import (
	"encoding/base64"
	"strings"
	"time"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type OrderFilter struct {
	BuyerID       string
	BusinessID    string
	Status        OrderStatus
	PaymentStatus PaymentStatus
	CreatedFrom   time.Time
	CreatedTo     time.Time
	Cursor        *Cursor
	Limit         int
}

type ProductFilter struct {
	BusinessID string
	IDs        []string
	Status     ProductStatus
}

type TransactionFilter struct {
	// PartyID matches either the wallet owner or the initiator.
	PartyID       string
	WalletOwnerID string
	OrderID       string
	Type          TransactionType
	Channel       Channel
	Status        TransactionStatus
	CreatedBefore time.Time
	Cursor        *Cursor
	Limit         int
}

type UsageFilter struct {
	DiscountID string
	UserID     string
}

type CallbackFilter struct {
	Processed      *bool
	NeedsReview    *bool
	ReceivedBefore time.Time
	ReceivedAfter  time.Time
	Limit          int
}

// Cursor is a keyset position over (created_at, id) in descending order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func (c Cursor) Encode() string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Before reports whether a row at (createdAt, id) sorts after the cursor.
func (c Cursor) Before(createdAt time.Time, id string) bool {
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, Validation("invalid cursor")
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, Validation("invalid cursor")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, Validation("invalid cursor")
	}
	return &Cursor{CreatedAt: createdAt, ID: id}, nil
}

// ClampLimit normalizes a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// NewPage trims a result fetched with limit+1 rows down to limit and derives
// the cursor for the next page from the last kept row.
func NewPage[T any](items []T, limit int, key func(T) Cursor) Page[T] {
	if len(items) <= limit {
		if items == nil {
			items = []T{}
		}
		return Page[T]{Items: items}
	}
	items = items[:limit]
	return Page[T]{Items: items, NextCursor: key(items[len(items)-1]).Encode()}
}
