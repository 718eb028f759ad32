package settlement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/marketsettle/internal/discount"
	"github.com/joao-fontenele/marketsettle/internal/domain"
	"github.com/joao-fontenele/marketsettle/internal/gateway"
	"github.com/joao-fontenele/marketsettle/internal/ledger"
	"github.com/joao-fontenele/marketsettle/internal/mpesa"
	"github.com/joao-fontenele/marketsettle/internal/store"
)

var (
	buyer  = domain.Principal{UserID: "u1"}
	other  = domain.Principal{UserID: "u2"}
	seller = domain.Principal{UserID: "owner-1", BusinessID: "b1"}
)

type fakeProvider struct {
	mu       sync.Mutex
	pushes   int
	queries  int
	query    *mpesa.QueryResult
	queryErr error
	pushErr  error
	lastPush mpesa.PushRequest
}

func (f *fakeProvider) CanonicalPhone(raw string) (string, error) {
	return mpesa.KenyaPhones.Canonicalize(raw)
}

func (f *fakeProvider) Push(_ context.Context, req mpesa.PushRequest) (*mpesa.PushResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPush = req
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	f.pushes++
	return &mpesa.PushResponse{
		MerchantRequestID: fmt.Sprintf("mr_%d", f.pushes),
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", f.pushes),
		ResponseCode:      "0",
	}, nil
}

func (f *fakeProvider) Query(_ context.Context, _ string) (*mpesa.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.query == nil {
		return &mpesa.QueryResult{Completed: false}, nil
	}
	return f.query, nil
}

func (f *fakeProvider) Payout(_ context.Context, _ mpesa.PayoutRequest) (*mpesa.PayoutResponse, error) {
	return &mpesa.PayoutResponse{ConversationID: "AG_1", OriginatorConversationID: "OC_1", ResponseCode: "0"}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic, _ string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type harness struct {
	svc       *Service
	store     *store.Memory
	provider  *fakeProvider
	publisher *recordingPublisher
	ledger    *ledger.Ledger
}

func ptr[T any](v T) *T { return &v }

func newHarness(t *testing.T, policy UnmatchedPolicy) *harness {
	t.Helper()

	mem := store.NewMemory()
	mem.PutBusiness(domain.Business{ID: "b1", OwnerID: "owner-1", Name: "Mama Mboga", Status: domain.BusinessStatusApproved})
	mem.PutBusiness(domain.Business{ID: "b2", OwnerID: "owner-2", Name: "Pending Shop", Status: domain.BusinessStatusPending})
	mem.PutProduct(domain.Product{ID: "p-main", BusinessID: "b1", Name: "Sukuma bundle", Price: 1000, Status: domain.ProductStatusActive, TrackInventory: true, StockQuantity: 10})
	mem.PutProduct(domain.Product{ID: "p-scarce", BusinessID: "b1", Name: "Last jar", Price: 120, Status: domain.ProductStatusActive, TrackInventory: true, StockQuantity: 1})
	mem.PutProduct(domain.Product{ID: "p-open", BusinessID: "b1", Name: "Delivery bag", Price: 250, Status: domain.ProductStatusActive})
	mem.PutProduct(domain.Product{ID: "p-off", BusinessID: "b1", Name: "Retired", Price: 90, Status: domain.ProductStatusInactive})
	mem.PutProduct(domain.Product{ID: "p-b2", BusinessID: "b2", Name: "Elsewhere", Price: 500, Status: domain.ProductStatusActive})
	mem.PutDiscount(domain.Discount{
		ID:             "d1",
		Code:           "KARIBU10",
		Type:           domain.DiscountTypePercentage,
		Value:          decimal.NewFromInt(10),
		MinOrderAmount: ptr[int64](2000),
		PerUserLimit:   ptr(1),
		Active:         true,
		StartsAt:       time.Now().Add(-24 * time.Hour),
	})

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := &fakeProvider{}
	publisher := &recordingPublisher{}
	adapter := gateway.NewAdapter(provider, mem, node, logger)

	svc := NewService(mem, discount.NewEvaluator(mem), adapter, publisher, node, Options{
		Fees:            DefaultFeeSchedule(),
		UnmatchedPolicy: policy,
	}, logger)

	return &harness{
		svc:       svc,
		store:     mem,
		provider:  provider,
		publisher: publisher,
		ledger:    ledger.New(mem, adapter, node, logger),
	}
}

func (h *harness) order(t *testing.T, lines ...OrderLine) *domain.Order {
	t.Helper()
	o, err := h.svc.CreateOrder(context.Background(), buyer, CreateOrderInput{BusinessID: "b1", Items: lines})
	require.NoError(t, err)
	return o
}

func (h *harness) fund(t *testing.T, ownerID string, amount int64) {
	t.Helper()
	ownerType := domain.OwnerTypeUser
	if ownerID == seller.BusinessID {
		ownerType = domain.OwnerTypeBusiness
	}
	require.NoError(t, h.store.Commit(context.Background(), store.NewUnitOfWork(
		store.CreditWallet{OwnerID: ownerID, OwnerType: ownerType, Amount: amount},
	)))
}

func (h *harness) balance(t *testing.T, ownerID string) int64 {
	t.Helper()
	w, err := h.store.GetWallet(context.Background(), ownerID)
	if err != nil {
		require.ErrorIs(t, err, domain.ErrNotFound)
		return 0
	}
	return w.Balance
}

func (h *harness) push(t *testing.T, o *domain.Order) string {
	t.Helper()
	res, err := h.svc.PayOrder(context.Background(), buyer, o.ID, PayOrderInput{Method: MethodPush, Phone: "0712345678"})
	require.NoError(t, err)
	return res.CheckoutRequestID
}

func stkSuccess(checkoutID string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"mr","CheckoutRequestID":%q,"ResultCode":0,
		"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":%d},
			{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},
			{"Name":"TransactionDate","Value":20260301102115},
			{"Name":"PhoneNumber","Value":254712345678}
		]}}}}`, checkoutID, amount))
}

func stkFailure(checkoutID string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"mr","CheckoutRequestID":%q,"ResultCode":1032,
		"ResultDesc":"Request cancelled by user"}}}`, checkoutID))
}

func b2cResult(conversationID string, code int) []byte {
	return []byte(fmt.Sprintf(`{"Result":{"ResultType":0,"ResultCode":%d,"ResultDesc":"done",
		"OriginatorConversationID":"OC_1","ConversationID":%q,"TransactionID":"NLJ41HAY6Q"}}`, code, conversationID))
}
