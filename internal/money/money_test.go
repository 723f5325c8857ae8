package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     int64
	}{
		{"12.50", "usd", 1250},
		{"0.01", "usd", 1},
		{"999999.99", "eur", 99999999},
		{"1500", "jpy", 1500},
		{" 3 ", "usd", 300},
	}
	for _, tt := range tests {
		got, err := ToMinorUnits(tt.amount, tt.currency)
		require.NoError(t, err, tt.amount)
		assert.Equal(t, tt.want, got, tt.amount)
	}
}

func TestToMinorUnits_Rejects(t *testing.T) {
	for _, tc := range []struct{ amount, currency string }{
		{"abc", "usd"},
		{"1.005", "usd"},
		{"10.5", "jpy"},
		{"0", "usd"},
		{"-4.00", "usd"},
	} {
		_, err := ToMinorUnits(tc.amount, tc.currency)
		assert.ErrorIs(t, err, ErrInvalidAmount, tc.amount)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "12.50 USD", Format(1250, "usd"))
	assert.Equal(t, "0.05 EUR", Format(5, "eur"))
	assert.Equal(t, "1500 JPY", Format(1500, "jpy"))
}
