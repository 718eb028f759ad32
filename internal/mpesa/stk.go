package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

const (
	resultCodeSuccess = "0"

	// errorCodeProcessing is returned by the query endpoint while the payer
	// has not yet answered the prompt.
	errorCodeProcessing = "500.001.1001"
)

type PushRequest struct {
	Phone            string
	Amount           int64
	AccountReference string
	Description      string
}

type PushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// Push prompts the payer's handset to authorize a charge. The result arrives
// later on the callback URL, keyed by the returned CheckoutRequestID.
func (c *Client) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	phone, err := c.CanonicalPhone(req.Phone)
	if err != nil {
		return nil, err
	}
	if err := ValidateAmount(req.Amount); err != nil {
		return nil, err
	}

	auth, err := c.authorized(ctx)
	if err != nil {
		return nil, err
	}

	ts := Timestamp(c.now())
	body := stkPushBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(req.AccountReference, maxAccountReference),
		TransactionDesc:   truncate(req.Description, maxDescription),
	}

	resp, err := c.do(ctx, http.MethodPost, "/mpesa/stkpush/v1/processrequest", body, auth)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, resp.providerError("push")
	}

	var out PushResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode push response: %v", domain.ErrGatewayUnavailable, err)
	}
	if out.ResponseCode != resultCodeSuccess || out.CheckoutRequestID == "" {
		return nil, &domain.ProviderError{Operation: "push", Code: out.ResponseCode, Message: out.ResponseDescription}
	}

	return &out, nil
}

type QueryResult struct {
	Completed  bool   `json:"completed"`
	Success    bool   `json:"success"`
	ResultCode string `json:"result_code"`
	ResultDesc string `json:"result_desc"`
}

type stkQueryBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string      `json:"ResponseCode"`
	ResponseDescription string      `json:"ResponseDescription"`
	ResultCode          json.Number `json:"ResultCode"`
	ResultDesc          string      `json:"ResultDesc"`
}

// Query polls the provider for the state of one push request.
func (c *Client) Query(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	auth, err := c.authorized(ctx)
	if err != nil {
		return nil, err
	}

	ts := Timestamp(c.now())
	body := stkQueryBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	resp, err := c.do(ctx, http.MethodPost, "/mpesa/stkpushquery/v1/query", body, auth)
	if err != nil {
		return nil, err
	}

	if resp.status != http.StatusOK {
		if resp.errorBody().ErrorCode == errorCodeProcessing {
			return &QueryResult{Completed: false}, nil
		}
		return nil, resp.providerError("query")
	}

	var out stkQueryResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode query response: %v", domain.ErrGatewayUnavailable, err)
	}
	if out.ResultCode == "" {
		return &QueryResult{Completed: false}, nil
	}

	code := out.ResultCode.String()
	return &QueryResult{
		Completed:  true,
		Success:    code == resultCodeSuccess,
		ResultCode: code,
		ResultDesc: out.ResultDesc,
	}, nil
}
