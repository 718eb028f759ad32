package mpesa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/marketsettle/internal/domain"
)

func TestPhoneRule_Canonicalize(t *testing.T) {
	valid := []struct {
		in   string
		want string
	}{
		{"0712345678", "254712345678"},
		{"+254712345678", "254712345678"},
		{"254712345678", "254712345678"},
		{"712345678", "254712345678"},
		{"0112 345 678", "254112345678"},
		{" +254-712-345-678 ", "254712345678"},
	}
	for _, tt := range valid {
		t.Run(tt.in, func(t *testing.T) {
			got, err := KenyaPhones.Canonicalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	invalid := []string{"12345", "", "0812345678", "25471234567", "2547123456789", "abc"}
	for _, in := range invalid {
		t.Run("rejects "+in, func(t *testing.T) {
			_, err := KenyaPhones.Canonicalize(in)
			assert.ErrorIs(t, err, domain.ErrInvalidPhone)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestNewPhoneRule_OtherCountry(t *testing.T) {
	tz := NewPhoneRule("255", "67")
	got, err := tz.Canonicalize("0612345678")
	require.NoError(t, err)
	assert.Equal(t, "255612345678", got)

	_, err = tz.Canonicalize("0512345678")
	assert.Error(t, err)
}
