package mpesa

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPassword(t *testing.T) {
	got := Password("174379", "passkey", "20260101120000")
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("174379passkey20260101120000")), got)
	assert.Equal(t, got, Password("174379", "passkey", "20260101120000"))
}

func TestTimestamp_UsesEastAfricaTime(t *testing.T) {
	ts := time.Date(2026, 1, 1, 21, 30, 5, 0, time.UTC)
	assert.Equal(t, "20260102003005", Timestamp(ts))
}
