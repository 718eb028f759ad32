package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/joao-fontenele/marketsettle/internal/domain"
	"github.com/joao-fontenele/marketsettle/internal/settlement"
)

type SweepStore interface {
	ListCallbacks(ctx context.Context, filter domain.CallbackFilter) ([]domain.ProviderCallback, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)
	MarkCallbackReplayed(ctx context.Context, checkoutRequestID string, at time.Time) error
}

type Reconciler interface {
	Replay(ctx context.Context, record domain.ProviderCallback) error
	CheckPaymentStatus(ctx context.Context, checkoutRequestID string) (*settlement.PaymentStatus, error)
}

type SweepConfig struct {
	Interval time.Duration
	// MinAge keeps the sweep away from work a live request is still doing.
	MinAge    time.Duration
	MaxAge    time.Duration
	BatchSize int
}

type SweepResult struct {
	Replayed int
	Polled   int
	Settled  int
	Flagged  int
	Failed   int
}

// Sweeper finishes settlements that a callback alone did not: records stored
// but never applied, and push payments whose callback never came.
type Sweeper struct {
	store      SweepStore
	reconciler Reconciler
	cfg        SweepConfig
	logger     *slog.Logger
	now        func() time.Time
}

func NewSweeper(store SweepStore, reconciler Reconciler, cfg SweepConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Run sweeps once per interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("sweep failed", "error", err)
				continue
			}
			if res != (SweepResult{}) {
				s.logger.Info("sweep finished",
					"replayed", res.Replayed,
					"polled", res.Polled,
					"settled", res.Settled,
					"flagged", res.Flagged,
					"failed", res.Failed,
				)
			}
		}
	}
}

// Sweep runs one pass. Per-item failures are counted and logged; only a
// failed listing aborts the pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.MinAge)

	unprocessed, err := s.store.ListCallbacks(ctx, domain.CallbackFilter{
		Processed:      ptr(false),
		NeedsReview:    ptr(false),
		ReceivedBefore: cutoff,
		ReceivedAfter:  now.Add(-s.cfg.MaxAge),
		Limit:          s.cfg.BatchSize,
	})
	if err != nil {
		return res, err
	}
	for _, record := range unprocessed {
		err := s.reconciler.Replay(ctx, record)
		// Records that stay unmatched rotate to the back of the next batch.
		if markErr := s.store.MarkCallbackReplayed(ctx, record.CheckoutRequestID, now); markErr != nil {
			s.logger.Warn("failed to mark callback replayed", "error", markErr, "checkout_request_id", record.CheckoutRequestID)
		}
		if err != nil {
			res.Failed++
			s.logger.Warn("replay failed", "error", err, "checkout_request_id", record.CheckoutRequestID)
			continue
		}
		res.Replayed++
	}

	pending, err := s.store.ListTransactions(ctx, domain.TransactionFilter{
		Status:        domain.TransactionStatusPending,
		Channel:       domain.ChannelPush,
		CreatedBefore: cutoff,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return res, err
	}
	for _, txn := range pending {
		if txn.Type == domain.TransactionTypePayout && txn.ProviderRequestID == "" {
			// Dispatch timed out: the provider may or may not have paid.
			s.logger.Warn("payout outcome unknown",
				"transaction_id", txn.ID,
				"wallet_owner_id", txn.WalletOwnerID,
				"amount", txn.Amount,
				"created_at", txn.CreatedAt,
			)
			res.Flagged++
			continue
		}
		if txn.Type == domain.TransactionTypePayout || txn.ProviderRequestID == "" {
			continue
		}
		status, err := s.reconciler.CheckPaymentStatus(ctx, txn.ProviderRequestID)
		if err != nil {
			res.Failed++
			s.logger.Warn("status poll failed", "error", err, "checkout_request_id", txn.ProviderRequestID)
			continue
		}
		res.Polled++
		if status.Status != domain.TransactionStatusPending {
			res.Settled++
		}
	}

	flagged, err := s.store.ListCallbacks(ctx, domain.CallbackFilter{
		Processed:   ptr(false),
		NeedsReview: ptr(true),
		Limit:       s.cfg.BatchSize,
	})
	if err != nil {
		return res, err
	}
	for _, record := range flagged {
		s.logger.Warn("callback awaiting review",
			"checkout_request_id", record.CheckoutRequestID,
			"merchant_request_id", record.MerchantRequestID,
			"result_code", record.ResultCode,
			"received_at", record.ReceivedAt,
			"delivery_count", record.DeliveryCount,
		)
	}
	res.Flagged += len(flagged)

	if err := ctx.Err(); err != nil {
		return res, errors.Join(errors.New("sweep interrupted"), err)
	}
	return res, nil
}

func ptr[T any](v T) *T { return &v }
