package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

const pqUniqueViolation = "23505"

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// WithSearchPath pins every pooled connection to schema. lib/pq forwards
// unknown DSN parameters as startup run-time parameters.
func WithSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse postgres url: %w", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *Postgres) Commit(ctx context.Context, uow *UnitOfWork) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range uow.Ops() {
		if err := p.apply(ctx, tx, op); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *Postgres) apply(ctx context.Context, tx *sql.Tx, op Op) error {
	switch o := op.(type) {
	case InsertOrder:
		return insertOrder(ctx, tx, o.Order)

	case DecrementStock:
		n, err := execRows(ctx, tx, `
			UPDATE products
			SET stock_quantity = stock_quantity - $2
			WHERE id = $1 AND stock_quantity >= $2
		`, o.ProductID, o.Quantity)
		if err != nil {
			return err
		}
		if n == 0 {
			return &domain.InsufficientStockError{ProductID: o.ProductID}
		}

	case RestoreStock:
		n, err := execRows(ctx, tx, `
			UPDATE products SET stock_quantity = stock_quantity + $2 WHERE id = $1
		`, o.ProductID, o.Quantity)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("restore stock: product %s: %w", o.ProductID, domain.ErrNotFound)
		}

	case RecordDiscountUsage:
		// The UPDATE holds the discount row lock until commit, so the
		// per-buyer count below sees every usage committed before it.
		var perUserLimit sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			UPDATE discounts
			SET usage_count = usage_count + 1
			WHERE id = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)
			RETURNING per_user_limit
		`, o.Usage.DiscountID).Scan(&perUserLimit)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrDiscountExhausted
		}
		if err != nil {
			return err
		}
		if perUserLimit.Valid {
			var used int64
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM discount_usages WHERE discount_id = $1 AND user_id = $2
			`, o.Usage.DiscountID, o.Usage.UserID).Scan(&used)
			if err != nil {
				return err
			}
			if used >= perUserLimit.Int64 {
				return domain.ErrDiscountExhausted
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO discount_usages (id, discount_id, user_id, order_id, amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, o.Usage.ID, o.Usage.DiscountID, o.Usage.UserID, o.Usage.OrderID, o.Usage.Amount, o.Usage.CreatedAt)
		return err

	case DebitWallet:
		n, err := execRows(ctx, tx, `
			UPDATE wallets
			SET balance = balance - $2, updated_at = NOW()
			WHERE owner_id = $1 AND balance >= $2
		`, o.OwnerID, o.Amount)
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrInsufficientFunds
		}

	case CreditWallet:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallets (id, owner_id, owner_type, balance, currency, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			ON CONFLICT (owner_id) DO UPDATE
			SET balance = wallets.balance + EXCLUDED.balance, updated_at = NOW()
		`, uuid.New().String(), o.OwnerID, o.OwnerType, o.Amount, domain.DefaultCurrency)
		return err

	case InsertTransaction:
		return insertTransaction(ctx, tx, o.Transaction)

	case CompleteTransaction:
		n, err := execRows(ctx, tx, `
			UPDATE transactions
			SET status = 'completed', receipt_number = $2, completed_at = $3, updated_at = $3
			WHERE id = $1 AND status = 'pending'
		`, o.TransactionID, nullString(o.ReceiptNumber), o.At)
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrTransactionNotPending
		}

	case FailTransaction:
		n, err := execRows(ctx, tx, `
			UPDATE transactions
			SET status = 'failed', failure_reason = $2, updated_at = $3
			WHERE id = $1 AND status = 'pending'
		`, o.TransactionID, o.Reason, o.At)
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrTransactionNotPending
		}

	case AttachProviderRequest:
		n, err := execRows(ctx, tx, `
			UPDATE transactions
			SET provider_request_id = $2, merchant_request_id = $3, updated_at = now()
			WHERE id = $1 AND status = 'pending'
		`, o.TransactionID, o.ProviderRequestID, nullString(o.MerchantRequestID))
		if err != nil {
			return mapUnique(err, "provider request "+o.ProviderRequestID)
		}
		if n == 0 {
			return domain.ErrTransactionNotPending
		}

	case MarkOrderPaid:
		n, err := execRows(ctx, tx, `
			UPDATE orders
			SET payment_status = 'paid',
			    status = CASE WHEN status = 'pending' THEN 'paid' ELSE status END,
			    updated_at = $2
			WHERE id = $1 AND payment_status <> 'paid' AND status <> 'cancelled'
		`, o.OrderID, o.At)
		if err != nil {
			return err
		}
		if n == 0 {
			return whyNotPayable(ctx, tx, o.OrderID)
		}

	case SetOrderStatus:
		n, err := execRows(ctx, tx, `
			UPDATE orders SET status = $3, updated_at = $4
			WHERE id = $1 AND status = $2
		`, o.OrderID, o.From, o.To, o.At)
		if err != nil {
			return err
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.OrderID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return domain.ErrOrderNotFound
			}
			return domain.ErrInvalidTransition
		}

	case MarkCallbackProcessed:
		n, err := execRows(ctx, tx, `
			UPDATE provider_callbacks
			SET processed = TRUE, transaction_id = $2, processed_at = $3
			WHERE checkout_request_id = $1 AND processed = FALSE
		`, o.CheckoutRequestID, nullString(o.TransactionID), o.At)
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrCallbackProcessed
		}

	default:
		return fmt.Errorf("unsupported op %T", op)
	}

	return nil
}

func execRows(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func whyNotPayable(ctx context.Context, tx *sql.Tx, orderID string) error {
	var status domain.OrderStatus
	var paymentStatus domain.PaymentStatus
	err := tx.QueryRowContext(ctx, `SELECT status, payment_status FROM orders WHERE id = $1`, orderID).
		Scan(&status, &paymentStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrOrderNotFound
	}
	if err != nil {
		return err
	}
	if paymentStatus == domain.PaymentStatusPaid {
		return domain.ErrOrderAlreadyPaid
	}
	return domain.ErrOrderCancelled
}

func insertOrder(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, number, buyer_id, business_id, subtotal, discount_amount, discount_id, discount_code,
			delivery_zone, delivery_fee, service_fee, total, status, payment_status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	`, order.ID, order.Number, order.BuyerID, order.BusinessID, order.Subtotal, order.DiscountAmount,
		nullString(order.DiscountID), nullString(order.DiscountCode), order.DeliveryZone, order.DeliveryFee,
		order.ServiceFee, order.Total, order.Status, order.PaymentStatus, order.CreatedAt)
	if err != nil {
		return mapUnique(err, "order "+order.ID)
	}

	for _, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, name, unit_price, quantity, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.New().String(), order.ID, item.ProductID, item.Name, item.UnitPrice, item.Quantity, item.LineTotal)
		if err != nil {
			return err
		}
	}

	return nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t *domain.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, reference, type, amount, fee, currency, channel, provider_request_id, merchant_request_id,
			status, order_id, wallet_owner_id, initiator_id, phone_number, receipt_number, failure_reason,
			created_at, updated_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, t.ID, t.Reference, t.Type, t.Amount, t.Fee, t.Currency, t.Channel, nullString(t.ProviderRequestID),
		nullString(t.MerchantRequestID), t.Status, nullString(t.OrderID), nullString(t.WalletOwnerID),
		nullString(t.InitiatorID), nullString(t.PhoneNumber), nullString(t.ReceiptNumber), nullString(t.FailureReason),
		t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	return mapUnique(err, "transaction "+t.ID)
}

func mapUnique(err error, what string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return fmt.Errorf("%w: %s already exists", domain.ErrConflict, what)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// where accumulates AND-ed conditions; each ? becomes the next $n.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	for _, arg := range args {
		w.args = append(w.args, arg)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.clauses = append(w.clauses, clause)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *where) limit(n int) string {
	if n <= 0 {
		return ""
	}
	w.args = append(w.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

func (p *Postgres) GetBusiness(ctx context.Context, id string) (*domain.Business, error) {
	b := &domain.Business{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, status
		FROM businesses
		WHERE id = $1
	`, id).Scan(&b.ID, &b.OwnerID, &b.Name, &b.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBusinessNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *Postgres) ListProducts(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	var w where
	w.add("id = ANY(?)", pq.Array(filter.IDs))
	if filter.BusinessID != "" {
		w.add("business_id = ?", filter.BusinessID)
	}
	if filter.Status != "" {
		w.add("status = ?", filter.Status)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, business_id, name, price, status, track_inventory, stock_quantity
		FROM products`+w.String()+`
		ORDER BY id
	`, w.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var products []domain.Product
	for rows.Next() {
		var pr domain.Product
		if err := rows.Scan(&pr.ID, &pr.BusinessID, &pr.Name, &pr.Price, &pr.Status, &pr.TrackInventory, &pr.StockQuantity); err != nil {
			return nil, err
		}
		products = append(products, pr)
	}

	return products, rows.Err()
}

const orderColumns = `id, number, buyer_id, business_id, subtotal, discount_amount, COALESCE(discount_id, ''),
	COALESCE(discount_code, ''), delivery_zone, delivery_fee, service_fee, total, status, payment_status,
	created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (domain.Order, error) {
	var o domain.Order
	err := s.Scan(&o.ID, &o.Number, &o.BuyerID, &o.BusinessID, &o.Subtotal, &o.DiscountAmount, &o.DiscountID,
		&o.DiscountCode, &o.DeliveryZone, &o.DeliveryFee, &o.ServiceFee, &o.Total, &o.Status, &o.PaymentStatus,
		&o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	orders := []domain.Order{order}
	if err := p.loadItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func orderWhere(filter domain.OrderFilter) *where {
	w := &where{}
	if filter.BuyerID != "" {
		w.add("buyer_id = ?", filter.BuyerID)
	}
	if filter.BusinessID != "" {
		w.add("business_id = ?", filter.BusinessID)
	}
	if filter.Status != "" {
		w.add("status = ?", filter.Status)
	}
	if filter.PaymentStatus != "" {
		w.add("payment_status = ?", filter.PaymentStatus)
	}
	if !filter.CreatedFrom.IsZero() {
		w.add("created_at >= ?", filter.CreatedFrom)
	}
	if !filter.CreatedTo.IsZero() {
		w.add("created_at < ?", filter.CreatedTo)
	}
	if filter.Cursor != nil {
		w.add("(created_at, id) < (?, ?)", filter.Cursor.CreatedAt, filter.Cursor.ID)
	}
	return w
}

func (p *Postgres) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	w := orderWhere(filter)
	query := `SELECT ` + orderColumns + ` FROM orders` + w.String() + ` ORDER BY created_at DESC, id DESC` + w.limit(filter.Limit)

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orders := []domain.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := p.loadItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// loadItems fills Items for all orders with a single query.
func (p *Postgres) loadItems(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}

	index := make(map[string]int, len(orders))
	ids := make([]string, len(orders))
	for i := range orders {
		index[orders[i].ID] = i
		ids[i] = orders[i].ID
		orders[i].Items = []domain.OrderItem{}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT order_id, product_id, name, unit_price, quantity, line_total
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, product_id
	`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := rows.Scan(&orderID, &item.ProductID, &item.Name, &item.UnitPrice, &item.Quantity, &item.LineTotal); err != nil {
			return err
		}
		i := index[orderID]
		orders[i].Items = append(orders[i].Items, item)
	}

	return rows.Err()
}

func (p *Postgres) CountOrders(ctx context.Context, filter domain.OrderFilter) (int, error) {
	w := orderWhere(filter)
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`+w.String(), w.args...).Scan(&n)
	return n, err
}

const walletColumns = `id, owner_id, owner_type, balance, currency, created_at, updated_at`

func scanWallet(s scanner) (*domain.Wallet, error) {
	w := &domain.Wallet{}
	err := s.Scan(&w.ID, &w.OwnerID, &w.OwnerType, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func (p *Postgres) GetWallet(ctx context.Context, ownerID string) (*domain.Wallet, error) {
	w, err := scanWallet(p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1`, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet for %s: %w", ownerID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *Postgres) EnsureWallet(ctx context.Context, ownerID string, ownerType domain.OwnerType) (*domain.Wallet, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, owner_id, owner_type, balance, currency, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, NOW(), NOW())
		ON CONFLICT (owner_id) DO NOTHING
	`, uuid.New().String(), ownerID, ownerType, domain.DefaultCurrency)
	if err != nil {
		return nil, err
	}
	return p.GetWallet(ctx, ownerID)
}

const transactionColumns = `id, reference, type, amount, fee, currency, channel, COALESCE(provider_request_id, ''),
	COALESCE(merchant_request_id, ''), status, COALESCE(order_id, ''), COALESCE(wallet_owner_id, ''),
	COALESCE(initiator_id, ''), COALESCE(phone_number, ''), COALESCE(receipt_number, ''), COALESCE(failure_reason, ''),
	created_at, updated_at, completed_at`

func scanTransaction(s scanner) (*domain.Transaction, error) {
	t := &domain.Transaction{}
	var completedAt sql.NullTime
	err := s.Scan(&t.ID, &t.Reference, &t.Type, &t.Amount, &t.Fee, &t.Currency, &t.Channel, &t.ProviderRequestID,
		&t.MerchantRequestID, &t.Status, &t.OrderID, &t.WalletOwnerID, &t.InitiatorID, &t.PhoneNumber, &t.ReceiptNumber,
		&t.FailureReason, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func (p *Postgres) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTransactionNotFound
	}
	return t, err
}

func (p *Postgres) GetTransactionByProviderRequestID(ctx context.Context, requestID string) (*domain.Transaction, error) {
	t, err := scanTransaction(p.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE provider_request_id = $1`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTransactionNotFound
	}
	return t, err
}

func (p *Postgres) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	var w where
	if filter.PartyID != "" {
		w.add("(wallet_owner_id = ? OR initiator_id = ?)", filter.PartyID, filter.PartyID)
	}
	if filter.WalletOwnerID != "" {
		w.add("wallet_owner_id = ?", filter.WalletOwnerID)
	}
	if filter.OrderID != "" {
		w.add("order_id = ?", filter.OrderID)
	}
	if filter.Type != "" {
		w.add("type = ?", filter.Type)
	}
	if filter.Channel != "" {
		w.add("channel = ?", filter.Channel)
	}
	if filter.Status != "" {
		w.add("status = ?", filter.Status)
	}
	if !filter.CreatedBefore.IsZero() {
		w.add("created_at < ?", filter.CreatedBefore)
	}
	if filter.Cursor != nil {
		w.add("(created_at, id) < (?, ?)", filter.Cursor.CreatedAt, filter.Cursor.ID)
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions` + w.String() +
		` ORDER BY created_at DESC, id DESC` + w.limit(filter.Limit)

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	txns := []domain.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

func (p *Postgres) GetDiscountByCode(ctx context.Context, code string) (*domain.Discount, error) {
	d := &domain.Discount{}
	var (
		maxDiscount, minOrder    sql.NullInt64
		usageLimit, perUserLimit sql.NullInt32
		endsAt                   sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, code, COALESCE(business_id, ''), type, value, max_discount, min_order_amount,
		       usage_limit, per_user_limit, first_order_only, active, starts_at, ends_at, usage_count
		FROM discounts
		WHERE code = $1
	`, code).Scan(&d.ID, &d.Code, &d.BusinessID, &d.Type, &d.Value, &maxDiscount, &minOrder,
		&usageLimit, &perUserLimit, &d.FirstOrderOnly, &d.Active, &d.StartsAt, &endsAt, &d.UsageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDiscountNotFound
	}
	if err != nil {
		return nil, err
	}

	if maxDiscount.Valid {
		d.MaxDiscount = &maxDiscount.Int64
	}
	if minOrder.Valid {
		d.MinOrderAmount = &minOrder.Int64
	}
	if usageLimit.Valid {
		v := int(usageLimit.Int32)
		d.UsageLimit = &v
	}
	if perUserLimit.Valid {
		v := int(perUserLimit.Int32)
		d.PerUserLimit = &v
	}
	if endsAt.Valid {
		d.EndsAt = &endsAt.Time
	}
	return d, nil
}

func (p *Postgres) CountDiscountUsage(ctx context.Context, filter domain.UsageFilter) (int, error) {
	var w where
	w.add("discount_id = ?", filter.DiscountID)
	if filter.UserID != "" {
		w.add("user_id = ?", filter.UserID)
	}
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM discount_usages`+w.String(), w.args...).Scan(&n)
	return n, err
}

const callbackColumns = `checkout_request_id, merchant_request_id, result_code, payload, processed, needs_review,
	COALESCE(transaction_id, ''), delivery_count, received_at, processed_at, replayed_at`

func scanCallback(s scanner) (*domain.ProviderCallback, error) {
	cb := &domain.ProviderCallback{}
	var processedAt, replayedAt sql.NullTime
	err := s.Scan(&cb.CheckoutRequestID, &cb.MerchantRequestID, &cb.ResultCode, &cb.Payload, &cb.Processed,
		&cb.NeedsReview, &cb.TransactionID, &cb.DeliveryCount, &cb.ReceivedAt, &processedAt, &replayedAt)
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		cb.ProcessedAt = &processedAt.Time
	}
	if replayedAt.Valid {
		cb.ReplayedAt = &replayedAt.Time
	}
	return cb, nil
}

func (p *Postgres) SaveCallback(ctx context.Context, cb domain.ProviderCallback) (*domain.ProviderCallback, error) {
	receivedAt := cb.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	return scanCallback(p.db.QueryRowContext(ctx, `
		INSERT INTO provider_callbacks (checkout_request_id, merchant_request_id, result_code, payload, received_at, delivery_count)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (checkout_request_id) DO UPDATE
		SET delivery_count = provider_callbacks.delivery_count + 1
		RETURNING `+callbackColumns,
		cb.CheckoutRequestID, cb.MerchantRequestID, cb.ResultCode, string(cb.Payload), receivedAt))
}

func (p *Postgres) GetCallback(ctx context.Context, checkoutRequestID string) (*domain.ProviderCallback, error) {
	cb, err := scanCallback(p.db.QueryRowContext(ctx,
		`SELECT `+callbackColumns+` FROM provider_callbacks WHERE checkout_request_id = $1`, checkoutRequestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCallbackNotFound
	}
	return cb, err
}

func (p *Postgres) FlagCallbackForReview(ctx context.Context, checkoutRequestID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE provider_callbacks SET needs_review = TRUE WHERE checkout_request_id = $1
	`, checkoutRequestID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrCallbackNotFound
	}
	return nil
}

func (p *Postgres) MarkCallbackReplayed(ctx context.Context, checkoutRequestID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE provider_callbacks SET replayed_at = $2 WHERE checkout_request_id = $1
	`, checkoutRequestID, at)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrCallbackNotFound
	}
	return nil
}

func (p *Postgres) ListCallbacks(ctx context.Context, filter domain.CallbackFilter) ([]domain.ProviderCallback, error) {
	var w where
	if filter.Processed != nil {
		w.add("processed = ?", *filter.Processed)
	}
	if filter.NeedsReview != nil {
		w.add("needs_review = ?", *filter.NeedsReview)
	}
	if !filter.ReceivedBefore.IsZero() {
		w.add("received_at < ?", filter.ReceivedBefore)
	}
	if !filter.ReceivedAfter.IsZero() {
		w.add("received_at > ?", filter.ReceivedAfter)
	}
	query := `SELECT ` + callbackColumns + ` FROM provider_callbacks` + w.String() +
		` ORDER BY replayed_at NULLS FIRST, received_at` + w.limit(filter.Limit)

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var callbacks []domain.ProviderCallback
	for rows.Next() {
		cb, err := scanCallback(rows)
		if err != nil {
			return nil, err
		}
		callbacks = append(callbacks, *cb)
	}
	return callbacks, rows.Err()
}
