package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"

	"github.com/joao-fontenele/marketsettle/internal/domain"
	"github.com/joao-fontenele/marketsettle/internal/gateway"
	"github.com/joao-fontenele/marketsettle/internal/mpesa"
	"github.com/joao-fontenele/marketsettle/internal/store"
)

// Debit takes amount from ownerID's wallet. The op fails the whole unit with
// domain.ErrInsufficientFunds instead of letting the balance go negative.
func Debit(ownerID string, amount int64) store.Op {
	return store.DebitWallet{OwnerID: ownerID, Amount: amount}
}

// Credit adds amount to ownerID's wallet, opening it on first credit.
func Credit(ownerID string, ownerType domain.OwnerType, amount int64) store.Op {
	return store.CreditWallet{OwnerID: ownerID, OwnerType: ownerType, Amount: amount}
}

type Gateway interface {
	CanonicalPhone(raw string) (string, error)
	InitiatePush(ctx context.Context, req mpesa.PushRequest, corr gateway.Correlation) (*domain.Transaction, error)
	InitiatePayout(ctx context.Context, req mpesa.PayoutRequest) (*mpesa.PayoutResponse, error)
}

type Ledger struct {
	store   store.Store
	gateway Gateway
	refs    *snowflake.Node
	logger  *slog.Logger
	now     func() time.Time
}

func New(st store.Store, gw Gateway, refs *snowflake.Node, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:   st,
		gateway: gw,
		refs:    refs,
		logger:  logger,
		now:     time.Now,
	}
}

// Balance returns the owner's wallet, opening an empty one on first access.
func (l *Ledger) Balance(ctx context.Context, ownerID string, ownerType domain.OwnerType) (*domain.Wallet, error) {
	w, err := l.store.EnsureWallet(ctx, ownerID, ownerType)
	if err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}
	return w, nil
}

// Transactions lists the money movements ownerID took part in, newest first.
func (l *Ledger) Transactions(ctx context.Context, ownerID string, cursor *domain.Cursor, limit int) (domain.Page[domain.Transaction], error) {
	limit = domain.ClampLimit(limit)
	txns, err := l.store.ListTransactions(ctx, domain.TransactionFilter{
		PartyID: ownerID,
		Cursor:  cursor,
		Limit:   limit + 1,
	})
	if err != nil {
		return domain.Page[domain.Transaction]{}, fmt.Errorf("list transactions: %w", err)
	}
	return domain.NewPage(txns, limit, func(t domain.Transaction) domain.Cursor {
		return domain.Cursor{CreatedAt: t.CreatedAt, ID: t.ID}
	}), nil
}

// Deposit prompts the owner's phone for a top-up. The wallet is credited when
// the callback settles the returned pending transaction.
func (l *Ledger) Deposit(ctx context.Context, ownerID string, ownerType domain.OwnerType, phone string, amount int64) (*domain.Transaction, error) {
	if _, err := l.Balance(ctx, ownerID, ownerType); err != nil {
		return nil, err
	}

	txn, err := l.gateway.InitiatePush(ctx, mpesa.PushRequest{
		Phone:            phone,
		Amount:           amount,
		AccountReference: "DEPOSIT",
		Description:      "Wallet top-up",
	}, gateway.Correlation{
		Type:          domain.TransactionTypeDeposit,
		WalletOwnerID: ownerID,
		InitiatorID:   ownerID,
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("deposit initiated", "owner_id", ownerID, "transaction_id", txn.ID, "amount", amount)
	return txn, nil
}

// Payout moves money out of a business wallet to a phone. The debit and the
// pending payout record land together before the provider is called. A
// definite dispatch failure credits the wallet back and fails the record; a
// timeout leaves the payout pending, since the provider may have accepted it.
func (l *Ledger) Payout(ctx context.Context, businessID, phone string, amount int64, remarks string) (*domain.Transaction, error) {
	canonical, err := l.gateway.CanonicalPhone(phone)
	if err != nil {
		return nil, err
	}
	if err := mpesa.ValidateAmount(amount); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	txn := &domain.Transaction{
		ID:            uuid.NewString(),
		Reference:     l.refs.Generate().String(),
		Type:          domain.TransactionTypePayout,
		Amount:        amount,
		Currency:      domain.DefaultCurrency,
		Channel:       domain.ChannelPush,
		Status:        domain.TransactionStatusPending,
		WalletOwnerID: businessID,
		InitiatorID:   businessID,
		PhoneNumber:   canonical,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = l.store.Commit(ctx, store.NewUnitOfWork(
		Debit(businessID, amount),
		store.InsertTransaction{Transaction: txn},
	))
	if err != nil {
		return nil, err
	}

	resp, err := l.gateway.InitiatePayout(ctx, mpesa.PayoutRequest{
		Phone:    canonical,
		Amount:   amount,
		Remarks:  remarks,
		Occasion: txn.Reference,
	})
	if err != nil && mpesa.IsTimeout(err) {
		l.logger.Error("payout dispatch timed out, left pending for review",
			"error", err,
			"transaction_id", txn.ID,
			"business_id", businessID,
			"amount", amount,
		)
		return txn, nil
	}
	if err != nil {
		l.compensate(ctx, txn, "dispatch failed")
		return nil, err
	}

	err = l.store.Commit(ctx, store.NewUnitOfWork(store.AttachProviderRequest{
		TransactionID:     txn.ID,
		ProviderRequestID: resp.ConversationID,
		MerchantRequestID: resp.OriginatorConversationID,
	}))
	if err != nil {
		// The money is already on its way; the result callback will not match
		// and lands in review.
		l.logger.Error("failed to attach conversation id to payout",
			"error", err,
			"transaction_id", txn.ID,
			"conversation_id", resp.ConversationID,
		)
	} else {
		txn.ProviderRequestID = resp.ConversationID
		txn.MerchantRequestID = resp.OriginatorConversationID
	}

	l.logger.Info("payout initiated",
		"business_id", businessID,
		"transaction_id", txn.ID,
		"conversation_id", resp.ConversationID,
		"amount", amount,
	)
	return txn, nil
}

func (l *Ledger) compensate(ctx context.Context, txn *domain.Transaction, reason string) {
	// The caller's context may be what failed the dispatch.
	ctx = context.WithoutCancel(ctx)

	err := l.store.Commit(ctx, store.NewUnitOfWork(
		store.FailTransaction{TransactionID: txn.ID, Reason: reason, At: l.now().UTC()},
		Credit(txn.WalletOwnerID, domain.OwnerTypeBusiness, txn.Amount),
	))
	if err != nil {
		l.logger.Error("failed to refund payout after dispatch failure",
			"error", err,
			"transaction_id", txn.ID,
			"wallet_owner_id", txn.WalletOwnerID,
			"amount", txn.Amount,
		)
		return
	}
	txn.Status = domain.TransactionStatusFailed
	txn.FailureReason = reason
}
