package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

func seededMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	m.PutBusiness(domain.Business{ID: "b1", Status: domain.BusinessStatusApproved})
	m.PutProduct(domain.Product{ID: "p1", BusinessID: "b1", Price: 1000, Status: domain.ProductStatusActive, TrackInventory: true, StockQuantity: 2})
	return m
}

func TestMemory_CommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m := seededMemory(t)
	require.NoError(t, m.Commit(ctx, NewUnitOfWork(CreditWallet{OwnerID: "u1", OwnerType: domain.OwnerTypeUser, Amount: 500})))

	order := &domain.Order{ID: "o1", BuyerID: "u1", BusinessID: "b1", Status: domain.OrderStatusPending, PaymentStatus: domain.PaymentStatusPending}
	uow := NewUnitOfWork(
		InsertOrder{Order: order},
		DecrementStock{ProductID: "p1", Quantity: 1},
		DebitWallet{OwnerID: "u1", Amount: 1000},
	)

	err := m.Commit(ctx, uow)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = m.GetOrder(ctx, "o1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	products, err := m.ListProducts(ctx, domain.ProductFilter{IDs: []string{"p1"}})
	require.NoError(t, err)
	assert.Equal(t, 2, products[0].StockQuantity)

	w, err := m.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.Balance)
}

func TestMemory_ConditionalOps(t *testing.T) {
	ctx := context.Background()

	t.Run("stock", func(t *testing.T) {
		m := seededMemory(t)
		err := m.Commit(ctx, NewUnitOfWork(DecrementStock{ProductID: "p1", Quantity: 3}))
		var stockErr *domain.InsufficientStockError
		require.ErrorAs(t, err, &stockErr)
		assert.Equal(t, "p1", stockErr.ProductID)
	})

	t.Run("debit without a wallet", func(t *testing.T) {
		m := seededMemory(t)
		err := m.Commit(ctx, NewUnitOfWork(DebitWallet{OwnerID: "nobody", Amount: 1}))
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	})

	t.Run("order paid once", func(t *testing.T) {
		m := seededMemory(t)
		order := &domain.Order{ID: "o1", Status: domain.OrderStatusPending, PaymentStatus: domain.PaymentStatusPending}
		require.NoError(t, m.Commit(ctx, NewUnitOfWork(InsertOrder{Order: order})))

		now := time.Now()
		require.NoError(t, m.Commit(ctx, NewUnitOfWork(MarkOrderPaid{OrderID: "o1", At: now})))
		err := m.Commit(ctx, NewUnitOfWork(MarkOrderPaid{OrderID: "o1", At: now}))
		assert.ErrorIs(t, err, domain.ErrOrderAlreadyPaid)

		got, err := m.GetOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPaid, got.Status)
	})

	t.Run("transaction terminal once", func(t *testing.T) {
		m := seededMemory(t)
		txn := &domain.Transaction{ID: "t1", ProviderRequestID: "ws_1", Status: domain.TransactionStatusPending}
		require.NoError(t, m.Commit(ctx, NewUnitOfWork(InsertTransaction{Transaction: txn})))
		require.NoError(t, m.Commit(ctx, NewUnitOfWork(CompleteTransaction{TransactionID: "t1", ReceiptNumber: "R1"})))

		err := m.Commit(ctx, NewUnitOfWork(FailTransaction{TransactionID: "t1", Reason: "late"}))
		assert.ErrorIs(t, err, domain.ErrTransactionNotPending)

		got, err := m.GetTransactionByProviderRequestID(ctx, "ws_1")
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionStatusCompleted, got.Status)
		assert.Equal(t, "R1", got.ReceiptNumber)
	})

	t.Run("discount per buyer limit", func(t *testing.T) {
		m := seededMemory(t)
		limit := 1
		m.PutDiscount(domain.Discount{ID: "d1", Code: "KARIBU10", PerUserLimit: &limit, Active: true})

		use := func(id, userID string) error {
			return m.Commit(ctx, NewUnitOfWork(RecordDiscountUsage{Usage: domain.DiscountUsage{
				ID: id, DiscountID: "d1", UserID: userID, OrderID: "o-" + id,
			}}))
		}
		require.NoError(t, use("u-1", "u1"))
		assert.ErrorIs(t, use("u-2", "u1"), domain.ErrDiscountExhausted)
		require.NoError(t, use("u-3", "u2"))

		n, err := m.CountDiscountUsage(ctx, domain.UsageFilter{DiscountID: "d1", UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("duplicate provider request id", func(t *testing.T) {
		m := seededMemory(t)
		require.NoError(t, m.Commit(ctx, NewUnitOfWork(InsertTransaction{Transaction: &domain.Transaction{ID: "t1", ProviderRequestID: "ws_1"}})))
		err := m.Commit(ctx, NewUnitOfWork(InsertTransaction{Transaction: &domain.Transaction{ID: "t2", ProviderRequestID: "ws_1"}}))
		assert.ErrorIs(t, err, domain.ErrConflict)
	})
}

func TestMemory_SaveCallbackKeepsProcessedFlag(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, err := m.SaveCallback(ctx, domain.ProviderCallback{CheckoutRequestID: "ws_1", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.False(t, first.Processed)
	assert.Equal(t, 1, first.DeliveryCount)

	require.NoError(t, m.Commit(ctx, NewUnitOfWork(MarkCallbackProcessed{CheckoutRequestID: "ws_1", TransactionID: "t1"})))

	second, err := m.SaveCallback(ctx, domain.ProviderCallback{CheckoutRequestID: "ws_1", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.True(t, second.Processed)
	assert.Equal(t, 2, second.DeliveryCount)
	assert.Equal(t, "t1", second.TransactionID)

	err = m.Commit(ctx, NewUnitOfWork(MarkCallbackProcessed{CheckoutRequestID: "ws_1"}))
	assert.ErrorIs(t, err, domain.ErrCallbackProcessed)
}

func TestMemory_ConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Commit(ctx, NewUnitOfWork(CreditWallet{OwnerID: "u1", OwnerType: domain.OwnerTypeUser, Amount: 1000})))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Commit(ctx, NewUnitOfWork(DebitWallet{OwnerID: "u1", Amount: 100})); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	w, err := m.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, w.Balance)
}

func TestMemory_ListOrdersPaginates(t *testing.T) {
	ctx := context.Background()
	m := seededMemory(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"o1", "o2", "o3"} {
		o := &domain.Order{ID: id, BuyerID: "u1", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, m.Commit(ctx, NewUnitOfWork(InsertOrder{Order: o})))
	}

	page, err := m.ListOrders(ctx, domain.OrderFilter{BuyerID: "u1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "o3", page[0].ID)
	assert.Equal(t, "o2", page[1].ID)

	cursor := &domain.Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID}
	rest, err := m.ListOrders(ctx, domain.OrderFilter{BuyerID: "u1", Cursor: cursor, Limit: 2})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "o1", rest[0].ID)
}

func TestWithSearchPath(t *testing.T) {
	got, err := WithSearchPath("postgres://u:p@localhost:5432/db?sslmode=disable", "settlement")
	require.NoError(t, err)
	assert.Contains(t, got, "search_path=settlement")
	assert.Contains(t, got, "sslmode=disable")
}
