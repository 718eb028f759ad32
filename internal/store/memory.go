package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

// Memory is a Store kept in process memory. Commit applies a unit of work to
// a copy of the state under one lock and swaps it in only if every op
// succeeded.
type Memory struct {
	mu    sync.RWMutex
	state *memState
	now   func() time.Time
}

type memState struct {
	businesses   map[string]domain.Business
	products     map[string]domain.Product
	orders       map[string]domain.Order
	wallets      map[string]domain.Wallet
	transactions map[string]domain.Transaction
	txByProvider map[string]string
	discounts    map[string]domain.Discount
	usages       []domain.DiscountUsage
	callbacks    map[string]domain.ProviderCallback
}

func NewMemory() *Memory {
	return &Memory{
		state: &memState{
			businesses:   make(map[string]domain.Business),
			products:     make(map[string]domain.Product),
			orders:       make(map[string]domain.Order),
			wallets:      make(map[string]domain.Wallet),
			transactions: make(map[string]domain.Transaction),
			txByProvider: make(map[string]string),
			discounts:    make(map[string]domain.Discount),
			callbacks:    make(map[string]domain.ProviderCallback),
		},
		now: time.Now,
	}
}

func (s *memState) clone() *memState {
	return &memState{
		businesses:   maps.Clone(s.businesses),
		products:     maps.Clone(s.products),
		orders:       maps.Clone(s.orders),
		wallets:      maps.Clone(s.wallets),
		transactions: maps.Clone(s.transactions),
		txByProvider: maps.Clone(s.txByProvider),
		discounts:    maps.Clone(s.discounts),
		usages:       slices.Clone(s.usages),
		callbacks:    maps.Clone(s.callbacks),
	}
}

func (m *Memory) PutBusiness(b domain.Business) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.businesses[b.ID] = b
}

func (m *Memory) PutProduct(p domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.products[p.ID] = p
}

func (m *Memory) PutDiscount(d domain.Discount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.discounts[d.ID] = d
}

func (m *Memory) Commit(_ context.Context, uow *UnitOfWork) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.clone()
	for _, op := range uow.Ops() {
		if err := next.apply(op, m.now()); err != nil {
			return err
		}
	}
	m.state = next
	return nil
}

func (s *memState) apply(op Op, now time.Time) error {
	switch o := op.(type) {
	case InsertOrder:
		if _, exists := s.orders[o.Order.ID]; exists {
			return fmt.Errorf("%w: order %s exists", domain.ErrConflict, o.Order.ID)
		}
		order := *o.Order
		order.Items = slices.Clone(o.Order.Items)
		s.orders[order.ID] = order

	case DecrementStock:
		p, ok := s.products[o.ProductID]
		if !ok || p.StockQuantity < o.Quantity {
			return &domain.InsufficientStockError{ProductID: o.ProductID}
		}
		p.StockQuantity -= o.Quantity
		s.products[p.ID] = p

	case RestoreStock:
		p, ok := s.products[o.ProductID]
		if !ok {
			return fmt.Errorf("restore stock: product %s: %w", o.ProductID, domain.ErrNotFound)
		}
		p.StockQuantity += o.Quantity
		s.products[p.ID] = p

	case RecordDiscountUsage:
		d, ok := s.discounts[o.Usage.DiscountID]
		if !ok {
			return domain.ErrDiscountNotFound
		}
		if d.UsageLimit != nil && d.UsageCount >= *d.UsageLimit {
			return domain.ErrDiscountExhausted
		}
		if d.PerUserLimit != nil {
			used := 0
			for _, u := range s.usages {
				if u.DiscountID == d.ID && u.UserID == o.Usage.UserID {
					used++
				}
			}
			if used >= *d.PerUserLimit {
				return domain.ErrDiscountExhausted
			}
		}
		d.UsageCount++
		s.discounts[d.ID] = d
		s.usages = append(s.usages, o.Usage)

	case DebitWallet:
		w, ok := s.wallets[o.OwnerID]
		if !ok || w.Balance < o.Amount {
			return domain.ErrInsufficientFunds
		}
		w.Balance -= o.Amount
		w.UpdatedAt = now
		s.wallets[o.OwnerID] = w

	case CreditWallet:
		w, ok := s.wallets[o.OwnerID]
		if !ok {
			w = newWallet(o.OwnerID, o.OwnerType, now)
		}
		w.Balance += o.Amount
		w.UpdatedAt = now
		s.wallets[o.OwnerID] = w

	case InsertTransaction:
		t := *o.Transaction
		if _, exists := s.transactions[t.ID]; exists {
			return fmt.Errorf("%w: transaction %s exists", domain.ErrConflict, t.ID)
		}
		if t.ProviderRequestID != "" {
			if _, exists := s.txByProvider[t.ProviderRequestID]; exists {
				return fmt.Errorf("%w: provider request %s already recorded", domain.ErrConflict, t.ProviderRequestID)
			}
			s.txByProvider[t.ProviderRequestID] = t.ID
		}
		s.transactions[t.ID] = t

	case CompleteTransaction:
		t, ok := s.transactions[o.TransactionID]
		if !ok || t.Status != domain.TransactionStatusPending {
			return domain.ErrTransactionNotPending
		}
		t.Status = domain.TransactionStatusCompleted
		t.ReceiptNumber = o.ReceiptNumber
		t.UpdatedAt = o.At
		t.CompletedAt = &o.At
		s.transactions[t.ID] = t

	case FailTransaction:
		t, ok := s.transactions[o.TransactionID]
		if !ok || t.Status != domain.TransactionStatusPending {
			return domain.ErrTransactionNotPending
		}
		t.Status = domain.TransactionStatusFailed
		t.FailureReason = o.Reason
		t.UpdatedAt = o.At
		s.transactions[t.ID] = t

	case AttachProviderRequest:
		t, ok := s.transactions[o.TransactionID]
		if !ok || t.Status != domain.TransactionStatusPending {
			return domain.ErrTransactionNotPending
		}
		if _, exists := s.txByProvider[o.ProviderRequestID]; exists {
			return fmt.Errorf("%w: provider request %s already recorded", domain.ErrConflict, o.ProviderRequestID)
		}
		t.ProviderRequestID = o.ProviderRequestID
		t.MerchantRequestID = o.MerchantRequestID
		s.txByProvider[o.ProviderRequestID] = t.ID
		s.transactions[t.ID] = t

	case MarkOrderPaid:
		order, ok := s.orders[o.OrderID]
		switch {
		case !ok:
			return domain.ErrOrderNotFound
		case order.PaymentStatus == domain.PaymentStatusPaid:
			return domain.ErrOrderAlreadyPaid
		case order.Status == domain.OrderStatusCancelled:
			return domain.ErrOrderCancelled
		}
		order.PaymentStatus = domain.PaymentStatusPaid
		if order.Status == domain.OrderStatusPending {
			order.Status = domain.OrderStatusPaid
		}
		order.UpdatedAt = o.At
		s.orders[order.ID] = order

	case SetOrderStatus:
		order, ok := s.orders[o.OrderID]
		if !ok {
			return domain.ErrOrderNotFound
		}
		if order.Status != o.From {
			return domain.ErrInvalidTransition
		}
		order.Status = o.To
		order.UpdatedAt = o.At
		s.orders[order.ID] = order

	case MarkCallbackProcessed:
		cb, ok := s.callbacks[o.CheckoutRequestID]
		if !ok {
			return domain.ErrCallbackNotFound
		}
		if cb.Processed {
			return domain.ErrCallbackProcessed
		}
		cb.Processed = true
		cb.TransactionID = o.TransactionID
		cb.ProcessedAt = &o.At
		s.callbacks[cb.CheckoutRequestID] = cb

	default:
		return fmt.Errorf("unsupported op %T", op)
	}

	return nil
}

func newWallet(ownerID string, ownerType domain.OwnerType, now time.Time) domain.Wallet {
	return domain.Wallet{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		OwnerType: ownerType,
		Currency:  domain.DefaultCurrency,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (m *Memory) GetBusiness(_ context.Context, id string) (*domain.Business, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.state.businesses[id]
	if !ok {
		return nil, domain.ErrBusinessNotFound
	}
	return &b, nil
}

func (m *Memory) ListProducts(_ context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Product
	for _, id := range filter.IDs {
		p, ok := m.state.products[id]
		if !ok {
			continue
		}
		if filter.BusinessID != "" && p.BusinessID != filter.BusinessID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.state.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	o.Items = slices.Clone(o.Items)
	return &o, nil
}

func matchOrder(o domain.Order, f domain.OrderFilter) bool {
	switch {
	case f.BuyerID != "" && o.BuyerID != f.BuyerID:
		return false
	case f.BusinessID != "" && o.BusinessID != f.BusinessID:
		return false
	case f.Status != "" && o.Status != f.Status:
		return false
	case f.PaymentStatus != "" && o.PaymentStatus != f.PaymentStatus:
		return false
	case !f.CreatedFrom.IsZero() && o.CreatedAt.Before(f.CreatedFrom):
		return false
	case !f.CreatedTo.IsZero() && !o.CreatedAt.Before(f.CreatedTo):
		return false
	case f.Cursor != nil && !f.Cursor.Before(o.CreatedAt, o.ID):
		return false
	}
	return true
}

func (m *Memory) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Order
	for _, o := range m.state.orders {
		if matchOrder(o, filter) {
			o.Items = slices.Clone(o.Items)
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return limit(out, filter.Limit), nil
}

func (m *Memory) CountOrders(_ context.Context, filter domain.OrderFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, o := range m.state.orders {
		if matchOrder(o, filter) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetWallet(_ context.Context, ownerID string) (*domain.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.state.wallets[ownerID]
	if !ok {
		return nil, fmt.Errorf("wallet for %s: %w", ownerID, domain.ErrNotFound)
	}
	return &w, nil
}

func (m *Memory) EnsureWallet(_ context.Context, ownerID string, ownerType domain.OwnerType) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.state.wallets[ownerID]
	if !ok {
		w = newWallet(ownerID, ownerType, m.now())
		m.state.wallets[ownerID] = w
	}
	return &w, nil
}

func (m *Memory) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.state.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return &t, nil
}

func (m *Memory) GetTransactionByProviderRequestID(_ context.Context, requestID string) (*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.state.txByProvider[requestID]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	t := m.state.transactions[id]
	return &t, nil
}

func (m *Memory) ListTransactions(_ context.Context, f domain.TransactionFilter) ([]domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Transaction
	for _, t := range m.state.transactions {
		switch {
		case f.PartyID != "" && t.WalletOwnerID != f.PartyID && t.InitiatorID != f.PartyID:
			continue
		case f.WalletOwnerID != "" && t.WalletOwnerID != f.WalletOwnerID:
			continue
		case f.OrderID != "" && t.OrderID != f.OrderID:
			continue
		case f.Type != "" && t.Type != f.Type:
			continue
		case f.Channel != "" && t.Channel != f.Channel:
			continue
		case f.Status != "" && t.Status != f.Status:
			continue
		case !f.CreatedBefore.IsZero() && !t.CreatedAt.Before(f.CreatedBefore):
			continue
		case f.Cursor != nil && !f.Cursor.Before(t.CreatedAt, t.ID):
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return limit(out, f.Limit), nil
}

func (m *Memory) GetDiscountByCode(_ context.Context, code string) (*domain.Discount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.state.discounts {
		if d.Code == code {
			return &d, nil
		}
	}
	return nil, domain.ErrDiscountNotFound
}

func (m *Memory) CountDiscountUsage(_ context.Context, filter domain.UsageFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, u := range m.state.usages {
		if u.DiscountID == filter.DiscountID && (filter.UserID == "" || u.UserID == filter.UserID) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) SaveCallback(_ context.Context, cb domain.ProviderCallback) (*domain.ProviderCallback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.state.callbacks[cb.CheckoutRequestID]
	if !ok {
		stored = cb
		stored.Payload = slices.Clone(cb.Payload)
		stored.Processed = false
		stored.DeliveryCount = 0
		if stored.ReceivedAt.IsZero() {
			stored.ReceivedAt = m.now()
		}
	}
	stored.DeliveryCount++
	m.state.callbacks[cb.CheckoutRequestID] = stored
	return &stored, nil
}

func (m *Memory) GetCallback(_ context.Context, checkoutRequestID string) (*domain.ProviderCallback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cb, ok := m.state.callbacks[checkoutRequestID]
	if !ok {
		return nil, domain.ErrCallbackNotFound
	}
	return &cb, nil
}

func (m *Memory) FlagCallbackForReview(_ context.Context, checkoutRequestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.state.callbacks[checkoutRequestID]
	if !ok {
		return domain.ErrCallbackNotFound
	}
	cb.NeedsReview = true
	m.state.callbacks[checkoutRequestID] = cb
	return nil
}

func (m *Memory) MarkCallbackReplayed(_ context.Context, checkoutRequestID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.state.callbacks[checkoutRequestID]
	if !ok {
		return domain.ErrCallbackNotFound
	}
	cb.ReplayedAt = &at
	m.state.callbacks[checkoutRequestID] = cb
	return nil
}

func (m *Memory) ListCallbacks(_ context.Context, f domain.CallbackFilter) ([]domain.ProviderCallback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.ProviderCallback
	for _, cb := range m.state.callbacks {
		switch {
		case f.Processed != nil && cb.Processed != *f.Processed:
			continue
		case f.NeedsReview != nil && cb.NeedsReview != *f.NeedsReview:
			continue
		case !f.ReceivedBefore.IsZero() && !cb.ReceivedAt.Before(f.ReceivedBefore):
			continue
		case !f.ReceivedAfter.IsZero() && !cb.ReceivedAt.After(f.ReceivedAfter):
			continue
		}
		out = append(out, cb)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ReplayedAt, out[j].ReplayedAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return limit(out, f.Limit), nil
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
