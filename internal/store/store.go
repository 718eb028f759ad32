package store

import (
	"context"
	"time"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

// Store is the persistence boundary. Reads return domain.ErrNotFound-kind
// errors for missing rows; every write goes through Commit.
type Store interface {
	Commit(ctx context.Context, uow *UnitOfWork) error

	GetBusiness(ctx context.Context, id string) (*domain.Business, error)
	ListProducts(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error)

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	CountOrders(ctx context.Context, filter domain.OrderFilter) (int, error)

	GetWallet(ctx context.Context, ownerID string) (*domain.Wallet, error)
	EnsureWallet(ctx context.Context, ownerID string, ownerType domain.OwnerType) (*domain.Wallet, error)

	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	GetTransactionByProviderRequestID(ctx context.Context, requestID string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)

	GetDiscountByCode(ctx context.Context, code string) (*domain.Discount, error)
	CountDiscountUsage(ctx context.Context, filter domain.UsageFilter) (int, error)

	// SaveCallback records one delivery of a provider callback. The first
	// delivery creates the record; later ones bump DeliveryCount and leave
	// Processed untouched. It returns the stored record.
	SaveCallback(ctx context.Context, cb domain.ProviderCallback) (*domain.ProviderCallback, error)
	GetCallback(ctx context.Context, checkoutRequestID string) (*domain.ProviderCallback, error)
	FlagCallbackForReview(ctx context.Context, checkoutRequestID string) error
	MarkCallbackReplayed(ctx context.Context, checkoutRequestID string, at time.Time) error
	// ListCallbacks returns records never replayed first, then the least
	// recently replayed, each oldest delivery first.
	ListCallbacks(ctx context.Context, filter domain.CallbackFilter) ([]domain.ProviderCallback, error)
}
