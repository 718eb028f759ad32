package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/marketsettle/internal/discount"
	"github.com/joao-fontenele/marketsettle/internal/domain"
	"github.com/joao-fontenele/marketsettle/internal/gateway"
	"github.com/joao-fontenele/marketsettle/internal/mpesa"
	"github.com/joao-fontenele/marketsettle/internal/store"
)

type Gateway interface {
	InitiatePush(ctx context.Context, req mpesa.PushRequest, corr gateway.Correlation) (*domain.Transaction, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error)
	ParseCallback(raw []byte) (*mpesa.Callback, error)
	ParsePayoutResult(raw []byte) (*mpesa.PayoutResult, error)
}

type Discounts interface {
	Evaluate(ctx context.Context, req discount.Request) (discount.Result, error)
}

// Publisher emits domain events. messaging.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, event any) error
}

// UnmatchedPolicy decides what happens to a callback whose request id
// matches no pending transaction.
type UnmatchedPolicy string

const (
	UnmatchedIgnore UnmatchedPolicy = "ignore"
	UnmatchedReview UnmatchedPolicy = "review"
)

type Options struct {
	Fees            FeeSchedule
	UnmatchedPolicy UnmatchedPolicy
}

type Service struct {
	store     store.Store
	discounts Discounts
	gateway   Gateway
	publisher Publisher
	refs      *snowflake.Node
	fees      FeeSchedule
	unmatched UnmatchedPolicy
	logger    *slog.Logger
	metrics   *metrics
	now       func() time.Time
}

// NewService wires the settlement engine. publisher may be nil, in which case
// events are dropped.
func NewService(st store.Store, discounts Discounts, gw Gateway, publisher Publisher, refs *snowflake.Node, opts Options, logger *slog.Logger) *Service {
	if opts.UnmatchedPolicy == "" {
		opts.UnmatchedPolicy = UnmatchedIgnore
	}
	return &Service{
		store:     st,
		discounts: discounts,
		gateway:   gw,
		publisher: publisher,
		refs:      refs,
		fees:      opts.Fees,
		unmatched: opts.UnmatchedPolicy,
		logger:    logger,
		metrics:   newMetrics(),
		now:       time.Now,
	}
}

type OrderLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderInput struct {
	BusinessID   string      `json:"business_id"`
	Items        []OrderLine `json:"items"`
	DiscountCode string      `json:"discount_code,omitempty"`
	DeliveryZone string      `json:"delivery_zone,omitempty"`
}

// CreateOrder prices the cart from stored products and persists the order,
// its stock decrements and discount usage as one unit.
func (s *Service) CreateOrder(ctx context.Context, buyer domain.Principal, in CreateOrderInput) (*domain.Order, error) {
	lines, err := mergeLines(in.Items)
	if err != nil {
		return nil, err
	}
	if in.BusinessID == "" {
		return nil, domain.Validation("business_id is required")
	}

	business, err := s.store.GetBusiness(ctx, in.BusinessID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrInvalidTarget
	}
	if err != nil {
		return nil, fmt.Errorf("load business: %w", err)
	}
	if !business.Active() {
		return nil, domain.ErrInvalidTarget
	}

	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}
	products, err := s.store.ListProducts(ctx, domain.ProductFilter{
		BusinessID: business.ID,
		IDs:        ids,
		Status:     domain.ProductStatusActive,
	})
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	if len(products) != len(lines) {
		return nil, domain.ErrProductUnavailable
	}

	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	now := s.now().UTC()
	order := &domain.Order{
		ID:            uuid.NewString(),
		Number:        orderNumber(),
		BuyerID:       buyer.UserID,
		BusinessID:    business.ID,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var stockOps []store.Op
	for _, l := range lines {
		p := byID[l.ProductID]
		if p.TrackInventory {
			if p.StockQuantity < l.Quantity {
				return nil, &domain.InsufficientStockError{ProductID: p.ID}
			}
			stockOps = append(stockOps, store.DecrementStock{ProductID: p.ID, Quantity: l.Quantity})
		}
		item := domain.OrderItem{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: p.Price,
			Quantity:  l.Quantity,
			LineTotal: p.Price * int64(l.Quantity),
		}
		order.Items = append(order.Items, item)
		order.Subtotal += item.LineTotal
	}

	zone, deliveryFee, err := s.fees.DeliveryFee(in.DeliveryZone)
	if err != nil {
		return nil, err
	}
	order.DeliveryZone = zone
	order.DeliveryFee = deliveryFee

	var applied *discount.Result
	if strings.TrimSpace(in.DiscountCode) != "" {
		res, err := s.discounts.Evaluate(ctx, discount.Request{
			Code:       in.DiscountCode,
			UserID:     buyer.UserID,
			BusinessID: business.ID,
			Subtotal:   order.Subtotal,
		})
		if err != nil {
			return nil, fmt.Errorf("evaluate discount: %w", err)
		}
		if res.Applicable {
			applied = &res
		} else {
			s.logger.Info("discount not applied", "code", res.Code, "reason", res.Reason, "buyer_id", buyer.UserID)
		}
	}

	err = s.commitOrder(ctx, order, stockOps, applied)
	if errors.Is(err, domain.ErrDiscountExhausted) {
		s.logger.Info("discount exhausted at checkout, placing order without it", "code", applied.Code)
		err = s.commitOrder(ctx, order, stockOps, nil)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.ordersCreated.Add(ctx, 1)
	s.logger.Info("order created",
		"order_id", order.ID,
		"number", order.Number,
		"buyer_id", order.BuyerID,
		"business_id", order.BusinessID,
		"total", order.Total,
	)

	s.publish(ctx, domain.TopicOrderCreated, order.ID, domain.OrderCreatedEvent{
		OrderID:    order.ID,
		Number:     order.Number,
		BuyerID:    order.BuyerID,
		BusinessID: order.BusinessID,
		Items:      order.Items,
		Total:      order.Total,
		Timestamp:  order.CreatedAt,
	})

	return order, nil
}

// commitOrder applies the discount and fees to order and persists it.
func (s *Service) commitOrder(ctx context.Context, order *domain.Order, stockOps []store.Op, applied *discount.Result) error {
	order.DiscountAmount, order.DiscountID, order.DiscountCode = 0, "", ""
	if applied != nil {
		order.DiscountAmount = applied.Amount
		order.DiscountID = applied.DiscountID
		order.DiscountCode = applied.Code
	}
	order.ServiceFee = s.fees.ServiceFee(order.Subtotal - order.DiscountAmount)
	order.ComputeTotal()

	uow := store.NewUnitOfWork(store.InsertOrder{Order: order})
	uow.Add(stockOps...)
	if applied != nil {
		uow.Add(store.RecordDiscountUsage{Usage: domain.DiscountUsage{
			ID:         uuid.NewString(),
			DiscountID: applied.DiscountID,
			UserID:     order.BuyerID,
			OrderID:    order.ID,
			Amount:     applied.Amount,
			CreatedAt:  order.CreatedAt,
		}})
	}

	if err := s.store.Commit(ctx, uow); err != nil {
		return fmt.Errorf("persist order: %w", err)
	}
	return nil
}

// mergeLines folds repeated products into one line so availability is
// checked against the combined quantity.
func mergeLines(items []OrderLine) ([]OrderLine, error) {
	if len(items) == 0 {
		return nil, domain.Validation("order must contain at least one item")
	}
	index := make(map[string]int, len(items))
	var out []OrderLine
	for _, it := range items {
		if it.ProductID == "" {
			return nil, domain.Validation("product_id is required")
		}
		if it.Quantity <= 0 {
			return nil, domain.Validation("quantity for product %s must be positive", it.ProductID)
		}
		if i, ok := index[it.ProductID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(out)
		out = append(out, it)
	}
	return out, nil
}

// orderNumber fits the provider's 12-character account reference.
func orderNumber() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ORD-" + strings.ToUpper(id[:8])
}

func (s *Service) GetOrder(ctx context.Context, p domain.Principal, id string) (*domain.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.OwnsOrder(order) {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// ListOrders pages through orders newest first. Exactly one of
// filter.BuyerID and filter.BusinessID should be set by the caller.
func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter) (domain.Page[domain.Order], error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.Page[domain.Order]{}, domain.Validation("unknown status %q", filter.Status)
	}
	limit := domain.ClampLimit(filter.Limit)
	filter.Limit = limit + 1

	orders, err := s.store.ListOrders(ctx, filter)
	if err != nil {
		return domain.Page[domain.Order]{}, fmt.Errorf("list orders: %w", err)
	}
	return domain.NewPage(orders, limit, func(o domain.Order) domain.Cursor {
		return domain.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	}), nil
}

// UpdateOrderStatus moves one of the business's orders along its fulfillment
// path. Cancelling an unpaid order puts tracked stock back.
func (s *Service) UpdateOrderStatus(ctx context.Context, p domain.Principal, orderID string, to domain.OrderStatus) (*domain.Order, error) {
	if !to.Valid() {
		return nil, domain.Validation("unknown status %q", to)
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if p.BusinessID == "" || order.BusinessID != p.BusinessID {
		return nil, domain.ErrOrderNotFound
	}
	if !order.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, order.Status, to)
	}

	now := s.now().UTC()
	uow := store.NewUnitOfWork(store.SetOrderStatus{OrderID: order.ID, From: order.Status, To: to, At: now})

	if to == domain.OrderStatusCancelled {
		restock, err := s.restockOps(ctx, order)
		if err != nil {
			return nil, err
		}
		uow.Add(restock...)
	}

	if err := s.store.Commit(ctx, uow); err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}

	s.logger.Info("order status updated", "order_id", order.ID, "from", order.Status, "to", to)
	order.Status = to
	order.UpdatedAt = now
	return order, nil
}

func (s *Service) restockOps(ctx context.Context, order *domain.Order) ([]store.Op, error) {
	ids := make([]string, len(order.Items))
	for i, it := range order.Items {
		ids[i] = it.ProductID
	}
	products, err := s.store.ListProducts(ctx, domain.ProductFilter{BusinessID: order.BusinessID, IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	tracked := make(map[string]bool, len(products))
	for _, p := range products {
		tracked[p.ID] = p.TrackInventory
	}

	var ops []store.Op
	for _, it := range order.Items {
		if tracked[it.ProductID] {
			ops = append(ops, store.RestoreStock{ProductID: it.ProductID, Quantity: it.Quantity})
		}
	}
	return ops, nil
}

func (s *Service) publish(ctx context.Context, topic, key string, event any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, topic, key, event); err != nil {
		s.logger.Error("failed to publish event", "error", err, "topic", topic, "key", key)
	}
}

func (s *Service) settled(ctx context.Context, txn *domain.Transaction) {
	s.metrics.settlementsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(txn.Type))))
	s.publish(ctx, domain.TopicPaymentSettled, txn.ID, domain.PaymentSettledEvent{
		TransactionID: txn.ID,
		Reference:     txn.Reference,
		Type:          txn.Type,
		Channel:       txn.Channel,
		OrderID:       txn.OrderID,
		WalletOwnerID: txn.WalletOwnerID,
		Amount:        txn.Amount,
		ReceiptNumber: txn.ReceiptNumber,
		Timestamp:     s.now().UTC(),
	})
}

func (s *Service) failed(ctx context.Context, txn *domain.Transaction, reason string) {
	s.publish(ctx, domain.TopicPaymentFailed, txn.ID, domain.PaymentFailedEvent{
		TransactionID: txn.ID,
		Type:          txn.Type,
		OrderID:       txn.OrderID,
		Reason:        reason,
		Timestamp:     s.now().UTC(),
	})
}
