package mpesa

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

// Callback is a parsed STK push result.
type Callback struct {
	MerchantRequestID string    `json:"merchant_request_id"`
	CheckoutRequestID string    `json:"checkout_request_id"`
	ResultCode        int       `json:"result_code"`
	ResultDesc        string    `json:"result_desc"`
	ReceiptNumber     string    `json:"receipt_number,omitempty"`
	Amount            int64     `json:"amount,omitempty"`
	TransactionDate   time.Time `json:"transaction_date,omitempty"`
	PhoneNumber       string    `json:"phone_number,omitempty"`
}

func (c *Callback) Success() bool {
	return c.ResultCode == 0
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *int   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []metadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback validates an STK callback payload. Successful results must
// carry a receipt number and an amount.
func ParseCallback(raw []byte) (*Callback, error) {
	var env stkCallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedCallback, err)
	}

	stk := env.Body.StkCallback
	if stk == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", domain.ErrMalformedCallback)
	}
	if stk.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", domain.ErrMalformedCallback)
	}
	if stk.ResultCode == nil {
		return nil, fmt.Errorf("%w: missing ResultCode", domain.ErrMalformedCallback)
	}

	cb := &Callback{
		MerchantRequestID: stk.MerchantRequestID,
		CheckoutRequestID: stk.CheckoutRequestID,
		ResultCode:        *stk.ResultCode,
		ResultDesc:        stk.ResultDesc,
	}
	if !cb.Success() {
		return cb, nil
	}

	if stk.CallbackMetadata == nil {
		return nil, fmt.Errorf("%w: missing CallbackMetadata on success", domain.ErrMalformedCallback)
	}

	for _, item := range stk.CallbackMetadata.Item {
		value := itemString(item.Value)
		switch item.Name {
		case "MpesaReceiptNumber":
			cb.ReceiptNumber = value
		case "Amount":
			amount, err := decimal.NewFromString(value)
			if err != nil {
				return nil, fmt.Errorf("%w: bad Amount %q", domain.ErrMalformedCallback, value)
			}
			cb.Amount = amount.Round(0).IntPart()
		case "TransactionDate":
			if ts, err := time.ParseInLocation(timestampLayout, value, eat); err == nil {
				cb.TransactionDate = ts
			}
		case "PhoneNumber":
			cb.PhoneNumber = value
		}
	}

	if cb.ReceiptNumber == "" || cb.Amount <= 0 {
		return nil, fmt.Errorf("%w: missing receipt or amount", domain.ErrMalformedCallback)
	}

	return cb, nil
}

// itemString reads a metadata value that may be a JSON string or number.
func itemString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	return s
}

// PayoutResult is a parsed B2C result notification.
type PayoutResult struct {
	ConversationID           string `json:"conversation_id"`
	OriginatorConversationID string `json:"originator_conversation_id"`
	TransactionID            string `json:"transaction_id"`
	ResultCode               int    `json:"result_code"`
	ResultDesc               string `json:"result_desc"`
}

func (r *PayoutResult) Success() bool {
	return r.ResultCode == 0
}

type b2cResultEnvelope struct {
	Result *struct {
		ResultCode               *json.Number `json:"ResultCode"`
		ResultDesc               string       `json:"ResultDesc"`
		OriginatorConversationID string       `json:"OriginatorConversationID"`
		ConversationID           string       `json:"ConversationID"`
		TransactionID            string       `json:"TransactionID"`
	} `json:"Result"`
}

func ParsePayoutResult(raw []byte) (*PayoutResult, error) {
	var env b2cResultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedCallback, err)
	}
	if env.Result == nil || env.Result.ConversationID == "" || env.Result.ResultCode == nil {
		return nil, fmt.Errorf("%w: missing Result fields", domain.ErrMalformedCallback)
	}

	code, err := strconv.Atoi(env.Result.ResultCode.String())
	if err != nil {
		return nil, fmt.Errorf("%w: bad ResultCode", domain.ErrMalformedCallback)
	}

	return &PayoutResult{
		ConversationID:           env.Result.ConversationID,
		OriginatorConversationID: env.Result.OriginatorConversationID,
		TransactionID:            env.Result.TransactionID,
		ResultCode:               code,
		ResultDesc:               env.Result.ResultDesc,
	}, nil
}
