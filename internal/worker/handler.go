package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

// NotificationHandler turns payment.settled events into requests to the
// notification service.
type NotificationHandler struct {
	notifyServiceURL string
	httpClient       *http.Client
	logger           *slog.Logger
}

func NewNotificationHandler(notifyServiceURL string, client *http.Client, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		notifyServiceURL: notifyServiceURL,
		httpClient:       client,
		logger:           logger,
	}
}

type notification struct {
	RecipientID string `json:"recipient_id"`
	Template    string `json:"template"`
	Reference   string `json:"reference"`
	OrderID     string `json:"order_id,omitempty"`
	Amount      int64  `json:"amount"`
	Receipt     string `json:"receipt,omitempty"`
}

var templates = map[domain.TransactionType]string{
	domain.TransactionTypePayment: "payment_received",
	domain.TransactionTypeDeposit: "wallet_topped_up",
	domain.TransactionTypePayout:  "payout_sent",
}

func (h *NotificationHandler) Handle(ctx context.Context, key string, payload []byte) error {
	var event domain.PaymentSettledEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		// Redelivery cannot fix a payload that does not decode.
		h.logger.Error("dropping undecodable settlement event", "error", err, "key", key)
		return nil
	}

	template, ok := templates[event.Type]
	if !ok || event.WalletOwnerID == "" {
		h.logger.Debug("no notification for settlement", "transaction_id", event.TransactionID, "type", event.Type)
		return nil
	}

	n := notification{
		RecipientID: event.WalletOwnerID,
		Template:    template,
		Reference:   event.Reference,
		OrderID:     event.OrderID,
		Amount:      event.Amount,
		Receipt:     event.ReceiptNumber,
	}
	if err := h.send(ctx, n); err != nil {
		h.logger.Error("failed to send notification", "error", err, "transaction_id", event.TransactionID)
		return fmt.Errorf("notify %s: %w", event.TransactionID, err)
	}

	h.logger.Info("settlement notification sent",
		"transaction_id", event.TransactionID,
		"recipient_id", n.RecipientID,
		"template", template,
	)
	return nil
}

func (h *NotificationHandler) send(ctx context.Context, n notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.notifyServiceURL+"/notifications", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.Reference)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification service returned status %d", resp.StatusCode)
	}

	return nil
}
