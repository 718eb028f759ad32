package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joao-fontenele/marketsettle/internal/domain"
	"github.com/joao-fontenele/marketsettle/internal/ledger"
	"github.com/joao-fontenele/marketsettle/internal/mpesa"
	"github.com/joao-fontenele/marketsettle/internal/store"
)

// Reconcile applies one delivery of an STK push callback. Deliveries repeat;
// the idempotency record keyed by checkout id makes every repeat a no-op.
// A returned error leaves the record unprocessed for the next delivery or
// the sweep to finish.
func (s *Service) Reconcile(ctx context.Context, raw []byte) error {
	cb, err := s.gateway.ParseCallback(raw)
	if err != nil {
		s.metrics.callback(ctx, "malformed")
		s.logger.Warn("rejected malformed callback", "error", err)
		return err
	}
	return s.process(ctx, cb, raw, "callback")
}

func (s *Service) process(ctx context.Context, cb *mpesa.Callback, payload []byte, source string) error {
	record, err := s.store.SaveCallback(ctx, domain.ProviderCallback{
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		ResultCode:        cb.ResultCode,
		Payload:           payload,
		ReceivedAt:        s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("save callback %s: %w", cb.CheckoutRequestID, err)
	}
	if record.Processed {
		s.metrics.callback(ctx, "duplicate")
		s.logger.Info("duplicate callback ignored",
			"checkout_request_id", cb.CheckoutRequestID,
			"delivery_count", record.DeliveryCount,
			"source", source,
		)
		return nil
	}
	return s.settleCallback(ctx, cb)
}

// Replay re-runs settlement for a stored record that was never processed.
func (s *Service) Replay(ctx context.Context, record domain.ProviderCallback) error {
	if record.Processed {
		return nil
	}
	if result, err := s.gateway.ParsePayoutResult(record.Payload); err == nil {
		return s.settlePayout(ctx, result)
	}
	cb, err := s.gateway.ParseCallback(record.Payload)
	if err != nil {
		// Records written by a status poll hold the query result, not a callback.
		cb = &mpesa.Callback{
			CheckoutRequestID: record.CheckoutRequestID,
			MerchantRequestID: record.MerchantRequestID,
			ResultCode:        record.ResultCode,
			ResultDesc:        fmt.Sprintf("result code %d", record.ResultCode),
		}
	}
	return s.settleCallback(ctx, cb)
}

func (s *Service) settleCallback(ctx context.Context, cb *mpesa.Callback) error {
	txn, err := s.store.GetTransactionByProviderRequestID(ctx, cb.CheckoutRequestID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.unmatchedCallback(ctx, cb.CheckoutRequestID, cb.MerchantRequestID)
	}
	if err != nil {
		return fmt.Errorf("load transaction: %w", err)
	}
	if txn.Status.IsTerminal() {
		return s.closeRecord(ctx, cb.CheckoutRequestID, txn)
	}

	if cb.Amount > 0 && cb.Amount != txn.Amount {
		s.logger.Warn("callback amount differs from transaction",
			"checkout_request_id", cb.CheckoutRequestID,
			"callback_amount", cb.Amount,
			"transaction_amount", txn.Amount,
		)
	}

	now := s.now().UTC()
	if !cb.Success() {
		err := s.store.Commit(ctx, store.NewUnitOfWork(
			store.FailTransaction{TransactionID: txn.ID, Reason: cb.ResultDesc, At: now},
			store.MarkCallbackProcessed{CheckoutRequestID: cb.CheckoutRequestID, TransactionID: txn.ID, At: now},
		))
		if isDuplicate(err) {
			s.metrics.callback(ctx, "duplicate")
			return nil
		}
		if err != nil {
			return fmt.Errorf("fail transaction %s: %w", txn.ID, err)
		}

		s.metrics.callback(ctx, "failed")
		s.logger.Info("payment failed",
			"transaction_id", txn.ID,
			"checkout_request_id", cb.CheckoutRequestID,
			"result_code", cb.ResultCode,
			"result_desc", cb.ResultDesc,
		)
		txn.Status = domain.TransactionStatusFailed
		txn.FailureReason = cb.ResultDesc
		s.failed(ctx, txn, cb.ResultDesc)
		return nil
	}

	// A second pass rebuilds the unit when the order was paid or cancelled
	// between reading it and committing.
	for attempt := range 2 {
		uow, err := s.settlementUnit(ctx, txn, cb, now)
		if err != nil {
			return err
		}

		err = s.store.Commit(ctx, uow)
		switch {
		case err == nil:
			s.metrics.callback(ctx, "settled")
			s.logger.Info("payment settled",
				"transaction_id", txn.ID,
				"checkout_request_id", cb.CheckoutRequestID,
				"receipt_number", cb.ReceiptNumber,
				"type", txn.Type,
				"amount", txn.Amount,
			)
			txn.Status = domain.TransactionStatusCompleted
			txn.ReceiptNumber = cb.ReceiptNumber
			txn.CompletedAt = &now
			s.settled(ctx, txn)
			return nil
		case isDuplicate(err):
			s.metrics.callback(ctx, "duplicate")
			return nil
		case attempt == 0 && (errors.Is(err, domain.ErrOrderAlreadyPaid) || errors.Is(err, domain.ErrOrderCancelled)):
			continue
		default:
			return fmt.Errorf("settle transaction %s: %w", txn.ID, err)
		}
	}
	return nil
}

// settlementUnit builds the ops that complete txn. A payment for an order
// that is already paid or cancelled goes back to the buyer's wallet instead.
func (s *Service) settlementUnit(ctx context.Context, txn *domain.Transaction, cb *mpesa.Callback, now time.Time) (*store.UnitOfWork, error) {
	uow := store.NewUnitOfWork(store.CompleteTransaction{
		TransactionID: txn.ID,
		ReceiptNumber: cb.ReceiptNumber,
		At:            now,
	})

	switch {
	case txn.Type == domain.TransactionTypePayment && txn.OrderID != "":
		order, err := s.store.GetOrder(ctx, txn.OrderID)
		if err != nil {
			return nil, fmt.Errorf("load order %s: %w", txn.OrderID, err)
		}
		if order.IsPaid() || order.Status == domain.OrderStatusCancelled {
			s.logger.Warn("payment arrived for an order that cannot take it, crediting buyer",
				"order_id", order.ID,
				"transaction_id", txn.ID,
				"order_status", order.Status,
				"payment_status", order.PaymentStatus,
			)
			uow.Add(ledger.Credit(order.BuyerID, domain.OwnerTypeUser, txn.Amount))
		} else {
			uow.Add(
				store.MarkOrderPaid{OrderID: order.ID, At: now},
				ledger.Credit(txn.WalletOwnerID, domain.OwnerTypeBusiness, txn.SettlementCredit()),
			)
		}

	case txn.Type == domain.TransactionTypeDeposit:
		uow.Add(ledger.Credit(txn.WalletOwnerID, domain.OwnerTypeUser, txn.SettlementCredit()))

	case txn.WalletOwnerID != "":
		uow.Add(ledger.Credit(txn.WalletOwnerID, domain.OwnerTypeBusiness, txn.SettlementCredit()))
	}

	uow.Add(store.MarkCallbackProcessed{CheckoutRequestID: cb.CheckoutRequestID, TransactionID: txn.ID, At: now})
	return uow, nil
}

// closeRecord marks a record processed when its transaction was already
// settled through another path.
func (s *Service) closeRecord(ctx context.Context, requestID string, txn *domain.Transaction) error {
	err := s.store.Commit(ctx, store.NewUnitOfWork(store.MarkCallbackProcessed{
		CheckoutRequestID: requestID,
		TransactionID:     txn.ID,
		At:                s.now().UTC(),
	}))
	if err != nil && !isDuplicate(err) {
		return fmt.Errorf("close callback %s: %w", requestID, err)
	}
	s.metrics.callback(ctx, "duplicate")
	s.logger.Info("callback for settled transaction", "checkout_request_id", requestID, "status", txn.Status)
	return nil
}

func (s *Service) unmatchedCallback(ctx context.Context, requestID, merchantRequestID string) error {
	s.metrics.callback(ctx, "unmatched")
	s.logger.Warn("callback matches no transaction",
		"checkout_request_id", requestID,
		"merchant_request_id", merchantRequestID,
		"policy", s.unmatched,
	)
	if s.unmatched != UnmatchedReview {
		return nil
	}
	if err := s.store.FlagCallbackForReview(ctx, requestID); err != nil {
		return fmt.Errorf("flag callback %s for review: %w", requestID, err)
	}
	return nil
}

// ReconcilePayout applies a B2C result notification to its payout record.
// A failed payout credits the business wallet back.
func (s *Service) ReconcilePayout(ctx context.Context, raw []byte) error {
	result, err := s.gateway.ParsePayoutResult(raw)
	if err != nil {
		s.metrics.callback(ctx, "malformed")
		s.logger.Warn("rejected malformed payout result", "error", err)
		return err
	}

	record, err := s.store.SaveCallback(ctx, domain.ProviderCallback{
		CheckoutRequestID: result.ConversationID,
		MerchantRequestID: result.OriginatorConversationID,
		ResultCode:        result.ResultCode,
		Payload:           raw,
		ReceivedAt:        s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("save payout result %s: %w", result.ConversationID, err)
	}
	if record.Processed {
		s.metrics.callback(ctx, "duplicate")
		return nil
	}
	return s.settlePayout(ctx, result)
}

func (s *Service) settlePayout(ctx context.Context, result *mpesa.PayoutResult) error {
	txn, err := s.store.GetTransactionByProviderRequestID(ctx, result.ConversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.unmatchedCallback(ctx, result.ConversationID, result.OriginatorConversationID)
	}
	if err != nil {
		return fmt.Errorf("load payout: %w", err)
	}
	if txn.Type != domain.TransactionTypePayout {
		s.logger.Error("payout result matched a non-payout transaction",
			"conversation_id", result.ConversationID,
			"transaction_id", txn.ID,
			"type", txn.Type,
		)
		return s.unmatchedCallback(ctx, result.ConversationID, result.OriginatorConversationID)
	}
	if txn.Status.IsTerminal() {
		return s.closeRecord(ctx, result.ConversationID, txn)
	}

	now := s.now().UTC()
	processed := store.MarkCallbackProcessed{CheckoutRequestID: result.ConversationID, TransactionID: txn.ID, At: now}

	var uow *store.UnitOfWork
	if result.Success() {
		uow = store.NewUnitOfWork(
			store.CompleteTransaction{TransactionID: txn.ID, ReceiptNumber: result.TransactionID, At: now},
			processed,
		)
	} else {
		uow = store.NewUnitOfWork(
			store.FailTransaction{TransactionID: txn.ID, Reason: result.ResultDesc, At: now},
			ledger.Credit(txn.WalletOwnerID, domain.OwnerTypeBusiness, txn.Amount),
			processed,
		)
	}

	err = s.store.Commit(ctx, uow)
	if isDuplicate(err) {
		s.metrics.callback(ctx, "duplicate")
		return nil
	}
	if err != nil {
		return fmt.Errorf("settle payout %s: %w", txn.ID, err)
	}

	if result.Success() {
		s.metrics.callback(ctx, "settled")
		s.logger.Info("payout completed", "transaction_id", txn.ID, "conversation_id", result.ConversationID)
		txn.Status = domain.TransactionStatusCompleted
		txn.ReceiptNumber = result.TransactionID
		s.settled(ctx, txn)
		return nil
	}

	s.metrics.callback(ctx, "failed")
	s.logger.Warn("payout failed, wallet refunded",
		"transaction_id", txn.ID,
		"conversation_id", result.ConversationID,
		"result_code", result.ResultCode,
		"result_desc", result.ResultDesc,
	)
	txn.Status = domain.TransactionStatusFailed
	s.failed(ctx, txn, result.ResultDesc)
	return nil
}

// PayoutTimedOut records that the provider queued a payout past its timeout.
// The result notification may still follow, so nothing changes state here.
func (s *Service) PayoutTimedOut(ctx context.Context, raw []byte) error {
	result, err := s.gateway.ParsePayoutResult(raw)
	if err != nil {
		s.metrics.callback(ctx, "malformed")
		s.logger.Warn("rejected malformed payout timeout", "error", err)
		return err
	}
	s.metrics.callback(ctx, "timeout")
	s.logger.Warn("payout queue timeout",
		"conversation_id", result.ConversationID,
		"originator_conversation_id", result.OriginatorConversationID,
		"result_desc", result.ResultDesc,
	)
	return nil
}
