package mpesa

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 1175.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "Balance"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

const cancelledCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 1032,
      "ResultDesc": "Request cancelled by user"
    }
  }
}`

func TestParseCallback(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		cb, err := ParseCallback([]byte(successCallback))
		require.NoError(t, err)

		assert.True(t, cb.Success())
		assert.Equal(t, "ws_CO_191220191020363925", cb.CheckoutRequestID)
		assert.Equal(t, "29115-34620561-1", cb.MerchantRequestID)
		assert.Equal(t, "NLJ7RT61SV", cb.ReceiptNumber)
		assert.Equal(t, int64(1175), cb.Amount)
		assert.Equal(t, "254708374149", cb.PhoneNumber)
		assert.True(t, cb.TransactionDate.Equal(time.Date(2019, 12, 19, 7, 21, 15, 0, time.UTC)))
	})

	t.Run("failure result needs no metadata", func(t *testing.T) {
		cb, err := ParseCallback([]byte(cancelledCallback))
		require.NoError(t, err)
		assert.False(t, cb.Success())
		assert.Equal(t, 1032, cb.ResultCode)
		assert.Equal(t, "Request cancelled by user", cb.ResultDesc)
	})

	t.Run("string metadata values", func(t *testing.T) {
		raw := `{"Body":{"stkCallback":{"CheckoutRequestID":"c1","ResultCode":0,"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":"100"},{"Name":"MpesaReceiptNumber","Value":"R1"}]}}}}`
		cb, err := ParseCallback([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, int64(100), cb.Amount)
	})

	malformed := map[string]string{
		"not json":           `{`,
		"no stkCallback":     `{"Body":{}}`,
		"no checkout id":     `{"Body":{"stkCallback":{"ResultCode":0}}}`,
		"no result code":     `{"Body":{"stkCallback":{"CheckoutRequestID":"c1"}}}`,
		"success no meta":    `{"Body":{"stkCallback":{"CheckoutRequestID":"c1","ResultCode":0}}}`,
		"success no receipt": `{"Body":{"stkCallback":{"CheckoutRequestID":"c1","ResultCode":0,"CallbackMetadata":{"Item":[{"Name":"Amount","Value":10}]}}}}`,
	}
	for name, raw := range malformed {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCallback([]byte(raw))
			assert.ErrorIs(t, err, domain.ErrMalformedCallback)
		})
	}
}

func TestParsePayoutResult(t *testing.T) {
	raw := `{"Result":{"ResultType":0,"ResultCode":0,"ResultDesc":"The service request is processed successfully.",
		"OriginatorConversationID":"10571-7910404-1","ConversationID":"AG_20191219_00004e48cf7e3533f581",
		"TransactionID":"NLJ41HAY6Q"}}`

	res, err := ParsePayoutResult([]byte(raw))
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "AG_20191219_00004e48cf7e3533f581", res.ConversationID)
	assert.Equal(t, "NLJ41HAY6Q", res.TransactionID)

	_, err = ParsePayoutResult([]byte(`{"Result":{"ResultCode":0}}`))
	assert.ErrorIs(t, err, domain.ErrMalformedCallback)
}
