package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/marketsettle/internal/discount"
	"github.com/joao-fontenele/marketsettle/internal/domain"
	"github.com/joao-fontenele/marketsettle/internal/gateway"
	"github.com/joao-fontenele/marketsettle/internal/ledger"
	"github.com/joao-fontenele/marketsettle/internal/mpesa"
	"github.com/joao-fontenele/marketsettle/internal/settlement"
	"github.com/joao-fontenele/marketsettle/internal/store"
)

const testSecret = "test-secret"

type stubProvider struct {
	pushes int
}

func (p *stubProvider) CanonicalPhone(raw string) (string, error) {
	return mpesa.KenyaPhones.Canonicalize(raw)
}

func (p *stubProvider) Push(_ context.Context, _ mpesa.PushRequest) (*mpesa.PushResponse, error) {
	p.pushes++
	return &mpesa.PushResponse{
		MerchantRequestID: fmt.Sprintf("mr_%d", p.pushes),
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", p.pushes),
		ResponseCode:      "0",
	}, nil
}

func (p *stubProvider) Query(_ context.Context, _ string) (*mpesa.QueryResult, error) {
	return &mpesa.QueryResult{Completed: false}, nil
}

func (p *stubProvider) Payout(_ context.Context, _ mpesa.PayoutRequest) (*mpesa.PayoutResponse, error) {
	return nil, fmt.Errorf("%w: b2c disabled", domain.ErrGatewayUnavailable)
}

type testServer struct {
	router http.Handler
	auth   *Authenticator
	store  *store.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mem := store.NewMemory()
	mem.PutBusiness(domain.Business{ID: "b1", OwnerID: "owner-1", Name: "Duka", Status: domain.BusinessStatusApproved})
	mem.PutProduct(domain.Product{ID: "p1", BusinessID: "b1", Name: "Unga", Price: 1000, Status: domain.ProductStatusActive, TrackInventory: true, StockQuantity: 5})

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	adapter := gateway.NewAdapter(&stubProvider{}, mem, node, logger)
	evaluator := discount.NewEvaluator(mem)
	svc := settlement.NewService(mem, evaluator, adapter, nil, node, settlement.Options{Fees: settlement.DefaultFeeSchedule()}, logger)
	wallets := ledger.New(mem, adapter, node, logger)

	auth := NewAuthenticator(testSecret, logger)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})

	return &testServer{
		router: NewRouter(NewHandler(svc, wallets, evaluator, logger), auth, metrics),
		auth:   auth,
		store:  mem,
	}
}

func (s *testServer) token(t *testing.T, userID, role, businessID string) string {
	t.Helper()
	tok, err := s.auth.Issue(userID, role, businessID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestAuth(t *testing.T) {
	s := newTestServer(t)

	t.Run("missing token", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/v1/orders", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewAuthenticator("another-secret", slog.New(slog.NewTextHandler(io.Discard, nil)))
		tok, err := other.Issue("u1", "", "", time.Hour)
		require.NoError(t, err)

		rec := s.do(t, http.MethodGet, "/v1/orders", tok, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired", func(t *testing.T) {
		tok, err := s.auth.Issue("u1", "", "", -time.Minute)
		require.NoError(t, err)

		rec := s.do(t, http.MethodGet, "/v1/orders", tok, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("business routes need a business", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/v1/business/orders", s.token(t, "u1", "", ""), nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		// A business id without the role is ignored.
		rec = s.do(t, http.MethodGet, "/v1/business/orders", s.token(t, "u1", "", "b1"), nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = s.do(t, http.MethodGet, "/v1/business/orders", s.token(t, "owner-1", RoleBusiness, "b1"), nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("probes are public", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "", nil).Code)

		rec := s.do(t, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "# metrics")
	})
}

func TestOrderRoutes(t *testing.T) {
	s := newTestServer(t)
	buyer := s.token(t, "u1", "", "")
	seller := s.token(t, "owner-1", RoleBusiness, "b1")

	rec := s.do(t, http.MethodPost, "/v1/orders", buyer, map[string]any{
		"business_id": "b1",
		"items":       []map[string]any{{"product_id": "p1", "quantity": 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decodeBody[domain.Order](t, rec)
	assert.Equal(t, int64(1175), order.Total)

	t.Run("owner and business can read it", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/orders/"+order.ID, buyer, nil).Code)
		assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/orders/"+order.ID, seller, nil).Code)

		rec := s.do(t, http.MethodGet, "/v1/orders/"+order.ID, s.token(t, "u2", "", ""), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/v1/orders?limit=10", buyer, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		page := decodeBody[domain.Page[domain.Order]](t, rec)
		require.Len(t, page.Items, 1)
		assert.Empty(t, page.NextCursor)

		rec = s.do(t, http.MethodGet, "/v1/orders?cursor=bad!cursor", buyer, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = s.do(t, http.MethodGet, "/v1/orders?limit=lots", buyer, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("error kinds map to status codes", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/orders", buyer, `{"business_id":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = s.do(t, http.MethodPost, "/v1/orders", buyer, map[string]any{
			"business_id": "b1",
			"items":       []map[string]any{{"product_id": "p1", "quantity": 50}},
		})
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = s.do(t, http.MethodPost, "/v1/orders", buyer, map[string]any{
			"business_id": "nope",
			"items":       []map[string]any{{"product_id": "p1", "quantity": 1}},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		rec = s.do(t, http.MethodPost, "/v1/orders/"+order.ID+"/pay", buyer, map[string]any{"method": "wallet"})
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	})

	t.Run("push payment is accepted and settled by callback", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/v1/orders/"+order.ID+"/pay", buyer, map[string]any{
			"method": "push",
			"phone":  "0712345678",
		})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		result := decodeBody[settlement.PaymentResult](t, rec)
		require.NotEmpty(t, result.CheckoutRequestID)

		callback := fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"mr_1","CheckoutRequestID":%q,
			"ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":1175},{"Name":"MpesaReceiptNumber","Value":"QAB12CD34E"}]}}}}`, result.CheckoutRequestID)
		for range 2 {
			rec = s.do(t, http.MethodPost, "/callbacks/mpesa/stk", "", callback)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, rec.Body.String())
		}

		rec = s.do(t, http.MethodGet, "/v1/payments/"+result.CheckoutRequestID, buyer, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		status := decodeBody[settlement.PaymentStatus](t, rec)
		assert.Equal(t, domain.TransactionStatusCompleted, status.Status)

		rec = s.do(t, http.MethodGet, "/v1/business/wallet", seller, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int64(1150), decodeBody[domain.Wallet](t, rec).Balance)

		rec = s.do(t, http.MethodGet, "/v1/business/wallet/transactions", seller, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decodeBody[domain.Page[domain.Transaction]](t, rec).Items, 1)
	})

	t.Run("fulfillment", func(t *testing.T) {
		rec := s.do(t, http.MethodPatch, "/v1/business/orders/"+order.ID+"/status", seller, map[string]any{"status": "confirmed"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = s.do(t, http.MethodPatch, "/v1/business/orders/"+order.ID+"/status", seller, map[string]any{"status": "cancelled"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestCallbacksAlwaysAcknowledge(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/callbacks/mpesa/stk", "/callbacks/mpesa/b2c/result", "/callbacks/mpesa/b2c/timeout"} {
		t.Run(path, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, path, "", `not json`)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, rec.Body.String())
		})
	}
}

func TestWalletRoutes(t *testing.T) {
	s := newTestServer(t)
	buyer := s.token(t, "u1", "", "")

	rec := s.do(t, http.MethodGet, "/v1/wallet", buyer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	wallet := decodeBody[domain.Wallet](t, rec)
	assert.Zero(t, wallet.Balance)
	assert.Equal(t, domain.OwnerTypeUser, wallet.OwnerType)

	rec = s.do(t, http.MethodPost, "/v1/wallet/deposits", buyer, map[string]any{"phone": "0712345678", "amount": 500})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, domain.TransactionStatusPending, decodeBody[domain.Transaction](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/v1/wallet/deposits", buyer, map[string]any{"phone": "0712345678", "amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	t.Run("payout provider failure is a bad gateway without detail", func(t *testing.T) {
		seller := s.token(t, "owner-1", RoleBusiness, "b1")
		require.NoError(t, s.store.Commit(context.Background(), store.NewUnitOfWork(
			store.CreditWallet{OwnerID: "b1", OwnerType: domain.OwnerTypeBusiness, Amount: 2000},
		)))

		rec := s.do(t, http.MethodPost, "/v1/business/payouts", seller, map[string]any{"phone": "0712345678", "amount": 1000})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.NotContains(t, rec.Body.String(), "b2c disabled")

		w, err := s.store.GetWallet(context.Background(), "b1")
		require.NoError(t, err)
		assert.Equal(t, int64(2000), w.Balance)
	})
}

func TestValidateDiscount(t *testing.T) {
	s := newTestServer(t)
	s.store.PutDiscount(domain.Discount{
		ID:       "d1",
		Code:     "SAVE100",
		Type:     domain.DiscountTypeFixed,
		Value:    decimal.NewFromInt(100),
		Active:   true,
		StartsAt: time.Now().Add(-time.Hour),
	})
	buyer := s.token(t, "u1", "", "")

	rec := s.do(t, http.MethodPost, "/v1/discounts/validate", buyer, map[string]any{"code": "save100", "business_id": "b1", "subtotal": 1000})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[discount.Result](t, rec)
	assert.True(t, result.Applicable)
	assert.Equal(t, int64(100), result.Amount)

	rec = s.do(t, http.MethodPost, "/v1/discounts/validate", buyer, map[string]any{"code": "NOPE", "subtotal": 1000})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[discount.Result](t, rec).Applicable)

	rec = s.do(t, http.MethodPost, "/v1/discounts/validate", buyer, map[string]any{"code": "SAVE100"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidPhone, http.StatusBadRequest},
		{domain.ErrMalformedCallback, http.StatusBadRequest},
		{domain.ErrOrderNotFound, http.StatusNotFound},
		{domain.ErrOrderAlreadyPaid, http.StatusConflict},
		{&domain.InsufficientStockError{ProductID: "p1"}, http.StatusConflict},
		{fmt.Errorf("wallet payment: %w", domain.ErrInsufficientFunds), http.StatusPaymentRequired},
		{&domain.ProviderError{Operation: "push", Code: "500.001.1001"}, http.StatusBadGateway},
		{domain.ErrInvalidTarget, http.StatusUnprocessableEntity},
		{domain.ErrProductUnavailable, http.StatusUnprocessableEntity},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
