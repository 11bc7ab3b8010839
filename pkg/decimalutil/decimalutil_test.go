package decimalutil

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestQuantizeDown(t *testing.T) {
	got := QuantizeDown(d("1.27"), d("0.1"))
	assert.True(t, got.Equal(d("1.2")), "got %s", got)
}

func TestMeetsMinQty_DirectPass(t *testing.T) {
	qty, ok := MeetsMinQty(d("0.02"), d("0.01"), d("0.001"), d("1.2"))
	assert.True(t, ok)
	assert.True(t, qty.Equal(d("0.02")))
}

func TestMeetsMinQty_BumpWithinMultiple(t *testing.T) {
	qty, ok := MeetsMinQty(d("0.008"), d("0.01"), d("0.001"), d("1.5"))
	assert.True(t, ok)
	assert.True(t, qty.GreaterThanOrEqual(d("0.01")))
}

func TestMeetsMinQty_BumpExceedsMultiple(t *testing.T) {
	_, ok := MeetsMinQty(d("0.001"), d("0.01"), d("0.001"), d("1.2"))
	assert.False(t, ok)
}

func TestNotionalTolerance(t *testing.T) {
	assert.True(t, NotionalTolerance(d("1.0"), d("1.005"), d("1.0"), d("0.01")))
	assert.False(t, NotionalTolerance(d("1.0"), d("1.02"), d("1.0"), d("0.01")))
}

func TestClampFundingRate(t *testing.T) {
	assert.True(t, ClampFundingRate(d("0.01"), d("0.005")).Equal(d("0.005")))
	assert.True(t, ClampFundingRate(d("-0.01"), d("0.005")).Equal(d("-0.005")))
	assert.True(t, ClampFundingRate(d("0.002"), d("0.005")).Equal(d("0.002")))
}

func TestNormalizeToHourly(t *testing.T) {
	got := NormalizeToHourly(d("0.03"), d("8"))
	assert.True(t, got.Equal(d("0.00375")), "got %s", got)
}
