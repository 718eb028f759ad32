package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

type PayoutRequest struct {
	Phone    string
	Amount   int64
	Remarks  string
	Occasion string
}

type PayoutResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

type b2cBody struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             int64  `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion"`
}

// Payout starts a business-to-customer disbursement. The outcome is posted
// to ResultURL, keyed by the returned ConversationID.
func (c *Client) Payout(ctx context.Context, req PayoutRequest) (*PayoutResponse, error) {
	phone, err := c.CanonicalPhone(req.Phone)
	if err != nil {
		return nil, err
	}
	if err := ValidateAmount(req.Amount); err != nil {
		return nil, err
	}

	remarks := req.Remarks
	if len(remarks) < 2 {
		remarks = "Payout"
	}

	auth, err := c.authorized(ctx)
	if err != nil {
		return nil, err
	}

	body := b2cBody{
		InitiatorName:      c.cfg.InitiatorName,
		SecurityCredential: c.cfg.SecurityCredential,
		CommandID:          "BusinessPayment",
		Amount:             req.Amount,
		PartyA:             c.cfg.B2CShortCode,
		PartyB:             phone,
		Remarks:            truncate(remarks, 100),
		QueueTimeOutURL:    c.cfg.QueueTimeoutURL,
		ResultURL:          c.cfg.ResultURL,
		Occasion:           truncate(req.Occasion, 100),
	}

	resp, err := c.do(ctx, http.MethodPost, "/mpesa/b2c/v1/paymentrequest", body, auth)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, resp.providerError("payout")
	}

	var out PayoutResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode payout response: %v", domain.ErrGatewayUnavailable, err)
	}
	if out.ResponseCode != resultCodeSuccess || out.ConversationID == "" {
		return nil, &domain.ProviderError{Operation: "payout", Code: out.ResponseCode, Message: out.ResponseDescription}
	}

	return &out, nil
}
