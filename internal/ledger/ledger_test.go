package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/marketsettle/internal/domain"
	"github.com/joao-fontenele/marketsettle/internal/gateway"
	"github.com/joao-fontenele/marketsettle/internal/mpesa"
	"github.com/joao-fontenele/marketsettle/internal/store"
)

type fakeGateway struct {
	payoutErr error
	pushes    []gateway.Correlation
}

func (f *fakeGateway) CanonicalPhone(raw string) (string, error) {
	return mpesa.KenyaPhones.Canonicalize(raw)
}

func (f *fakeGateway) InitiatePush(_ context.Context, req mpesa.PushRequest, corr gateway.Correlation) (*domain.Transaction, error) {
	f.pushes = append(f.pushes, corr)
	return &domain.Transaction{
		ID:                "t-push",
		Type:              corr.Type,
		Amount:            req.Amount,
		Status:            domain.TransactionStatusPending,
		ProviderRequestID: "ws_1",
		WalletOwnerID:     corr.WalletOwnerID,
	}, nil
}

func (f *fakeGateway) InitiatePayout(_ context.Context, _ mpesa.PayoutRequest) (*mpesa.PayoutResponse, error) {
	if f.payoutErr != nil {
		return nil, f.payoutErr
	}
	return &mpesa.PayoutResponse{ConversationID: "AG_1", OriginatorConversationID: "OC_1", ResponseCode: "0"}, nil
}

func newTestLedger(t *testing.T, gw Gateway) (*Ledger, *store.Memory) {
	t.Helper()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	mem := store.NewMemory()
	return New(mem, gw, node, slog.New(slog.NewTextHandler(io.Discard, nil))), mem
}

func TestLedger_BalanceOpensWalletLazily(t *testing.T) {
	ctx := context.Background()
	l, mem := newTestLedger(t, &fakeGateway{})

	_, err := mem.GetWallet(ctx, "u1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	w, err := l.Balance(ctx, "u1", domain.OwnerTypeUser)
	require.NoError(t, err)
	assert.Zero(t, w.Balance)
	assert.Equal(t, domain.DefaultCurrency, w.Currency)

	again, err := l.Balance(ctx, "u1", domain.OwnerTypeUser)
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID)
}

func TestLedger_Deposit(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	l, _ := newTestLedger(t, gw)

	txn, err := l.Deposit(ctx, "u1", domain.OwnerTypeUser, "0712345678", 300)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusPending, txn.Status)

	require.Len(t, gw.pushes, 1)
	assert.Equal(t, domain.TransactionTypeDeposit, gw.pushes[0].Type)
	assert.Equal(t, "u1", gw.pushes[0].WalletOwnerID)
	assert.Zero(t, gw.pushes[0].Fee)
}

func TestLedger_Payout(t *testing.T) {
	ctx := context.Background()

	fund := func(t *testing.T, mem *store.Memory, amount int64) {
		t.Helper()
		require.NoError(t, mem.Commit(ctx, store.NewUnitOfWork(Credit("b1", domain.OwnerTypeBusiness, amount))))
	}

	t.Run("debits and records a pending payout", func(t *testing.T) {
		l, mem := newTestLedger(t, &fakeGateway{})
		fund(t, mem, 1000)

		txn, err := l.Payout(ctx, "b1", "0712345678", 400, "weekly")
		require.NoError(t, err)
		assert.Equal(t, "AG_1", txn.ProviderRequestID)

		w, err := mem.GetWallet(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(600), w.Balance)

		stored, err := mem.GetTransactionByProviderRequestID(ctx, "AG_1")
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionTypePayout, stored.Type)
		assert.Equal(t, domain.TransactionStatusPending, stored.Status)
		assert.Equal(t, "254712345678", stored.PhoneNumber)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		l, mem := newTestLedger(t, &fakeGateway{})
		fund(t, mem, 100)

		_, err := l.Payout(ctx, "b1", "0712345678", 400, "weekly")
		require.ErrorIs(t, err, domain.ErrInsufficientFunds)

		w, err := mem.GetWallet(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), w.Balance)
	})

	t.Run("dispatch failure refunds", func(t *testing.T) {
		l, mem := newTestLedger(t, &fakeGateway{payoutErr: fmt.Errorf("%w: down", domain.ErrGatewayUnavailable)})
		fund(t, mem, 1000)

		_, err := l.Payout(ctx, "b1", "0712345678", 400, "weekly")
		require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

		w, err := mem.GetWallet(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(1000), w.Balance)

		txns, err := mem.ListTransactions(ctx, domain.TransactionFilter{WalletOwnerID: "b1", Type: domain.TransactionTypePayout})
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, domain.TransactionStatusFailed, txns[0].Status)
	})

	t.Run("dispatch timeout stays pending", func(t *testing.T) {
		timeout := fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, context.DeadlineExceeded)
		l, mem := newTestLedger(t, &fakeGateway{payoutErr: timeout})
		fund(t, mem, 5000)

		txn, err := l.Payout(ctx, "b1", "0712345678", 3000, "weekly")
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionStatusPending, txn.Status)
		assert.Empty(t, txn.ProviderRequestID)

		w, err := mem.GetWallet(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(2000), w.Balance)

		stored, err := mem.GetTransaction(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionStatusPending, stored.Status)
	})

	t.Run("invalid phone touches nothing", func(t *testing.T) {
		l, mem := newTestLedger(t, &fakeGateway{})
		fund(t, mem, 1000)

		_, err := l.Payout(ctx, "b1", "12345", 400, "weekly")
		require.ErrorIs(t, err, domain.ErrInvalidPhone)

		w, err := mem.GetWallet(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(1000), w.Balance)
	})
}

func TestLedger_TransactionsPaginates(t *testing.T) {
	ctx := context.Background()
	l, mem := newTestLedger(t, &fakeGateway{})

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := range 5 {
		txn := &domain.Transaction{
			ID:          fmt.Sprintf("t%d", i),
			Type:        domain.TransactionTypePayment,
			Status:      domain.TransactionStatusCompleted,
			InitiatorID: "u1",
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, mem.Commit(ctx, store.NewUnitOfWork(store.InsertTransaction{Transaction: txn})))
	}

	first, err := l.Transactions(ctx, "u1", nil, 2)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, "t4", first.Items[0].ID)
	require.NotEmpty(t, first.NextCursor)

	cursor, err := domain.DecodeCursor(first.NextCursor)
	require.NoError(t, err)

	second, err := l.Transactions(ctx, "u1", cursor, 2)
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	assert.Equal(t, "t2", second.Items[0].ID)

	cursor, err = domain.DecodeCursor(second.NextCursor)
	require.NoError(t, err)
	last, err := l.Transactions(ctx, "u1", cursor, 2)
	require.NoError(t, err)
	require.Len(t, last.Items, 1)
	assert.Empty(t, last.NextCursor)
}
