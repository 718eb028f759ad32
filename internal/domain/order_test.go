package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrder_ComputeTotal(t *testing.T) {
	tests := []struct {
		name  string
		order Order
		want  int64
	}{
		{"no discount", Order{Subtotal: 1000, DeliveryFee: 150, ServiceFee: 25}, 1175},
		{"with discount", Order{Subtotal: 2000, DiscountAmount: 200, DeliveryFee: 150, ServiceFee: 45}, 1995},
		{"fully discounted", Order{Subtotal: 500, DiscountAmount: 500, DeliveryFee: 100}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.order.ComputeTotal()
			assert.Equal(t, tt.want, tt.order.Total)
			assert.Equal(t, tt.order.Subtotal-tt.order.DiscountAmount+tt.order.DeliveryFee+tt.order.ServiceFee, tt.order.Total)
		})
	}
}

func TestOrder_BusinessNet(t *testing.T) {
	o := Order{Subtotal: 1000, DeliveryFee: 150, ServiceFee: 25}
	o.ComputeTotal()
	assert.Equal(t, int64(1150), o.BusinessNet())
}

func TestOrderStatus_CanTransitionTo(t *testing.T) {
	assert.True(t, OrderStatusPending.CanTransitionTo(OrderStatusCancelled))
	assert.True(t, OrderStatusPaid.CanTransitionTo(OrderStatusConfirmed))
	assert.True(t, OrderStatusConfirmed.CanTransitionTo(OrderStatusShipped))
	assert.True(t, OrderStatusShipped.CanTransitionTo(OrderStatusDelivered))

	assert.False(t, OrderStatusPending.CanTransitionTo(OrderStatusPaid))
	assert.False(t, OrderStatusPaid.CanTransitionTo(OrderStatusCancelled))
	assert.False(t, OrderStatusDelivered.CanTransitionTo(OrderStatusPending))
	assert.False(t, OrderStatusCancelled.CanTransitionTo(OrderStatusPending))
}

func TestErrorKinds(t *testing.T) {
	assert.True(t, errors.Is(ErrOrderAlreadyPaid, ErrConflict))
	assert.True(t, errors.Is(ErrInvalidPhone, ErrValidation))
	assert.True(t, errors.Is(Validation("bad %s", "input"), ErrValidation))
	assert.True(t, errors.Is(&InsufficientStockError{ProductID: "p1"}, ErrInsufficientStock))
	assert.True(t, errors.Is(&ProviderError{Operation: "push", Code: "1"}, ErrGatewayUnavailable))
	assert.False(t, errors.Is(ErrOrderNotFound, ErrConflict))

	var stockErr *InsufficientStockError
	require.True(t, errors.As(error(&InsufficientStockError{ProductID: "p1"}), &stockErr))
	assert.Contains(t, stockErr.Error(), "p1")
}

func TestCursor(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		c := Cursor{CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC), ID: "abc"}
		got, err := DecodeCursor(c.Encode())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, c.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, "abc", got.ID)
	})

	t.Run("empty is nil", func(t *testing.T) {
		got, err := DecodeCursor("")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("garbage is a validation error", func(t *testing.T) {
		_, err := DecodeCursor("%%%")
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("before orders by time then id", func(t *testing.T) {
		now := time.Now()
		c := Cursor{CreatedAt: now, ID: "m"}
		assert.True(t, c.Before(now.Add(-time.Second), "z"))
		assert.True(t, c.Before(now, "a"))
		assert.False(t, c.Before(now, "m"))
		assert.False(t, c.Before(now.Add(time.Second), "a"))
	})
}
