package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestBankDivRoundsHalfToEven(t *testing.T) {
	cases := []struct {
		a, b   string
		places int32
		want   string
	}{
		{"1", "8", 2, "0.12"},
		{"3", "8", 2, "0.38"},
		{"-1", "8", 2, "-0.12"},
		{"-3", "8", 2, "-0.38"},
		{"2", "3", 2, "0.67"},
		{"5", "2", 0, "2"},
		{"7", "2", 0, "4"},
		{"1", "-8", 2, "-0.12"},
		{"600", "110", 8, "5.45454545"},
		{"10", "4", 1, "2.5"},
	}
	for _, c := range cases {
		got := bankDiv(d(c.a), d(c.b), c.places)
		assert.True(t, got.Equal(d(c.want)), "%s/%s = %s, want %s", c.a, c.b, got, c.want)
	}
}

func TestMidpoint(t *testing.T) {
	assert.True(t, Midpoint(d("101"), d("99")).Equal(d("100")))
	assert.True(t, Midpoint(d("100.5"), d("99")).Equal(d("99.8")))
	assert.True(t, Midpoint(d("100.05"), d("100")).Equal(d("100.02")))
	assert.True(t, Midpoint(d("100.07"), d("100")).Equal(d("100.04")))
	assert.True(t, Midpoint(d("3"), d("0")).Equal(d("2")))
}

func TestFloorToIncrement(t *testing.T) {
	assert.True(t, FloorToIncrement(d("100.2"), d("0.25")).Equal(d("100")))
	assert.True(t, FloorToIncrement(d("100.26"), d("0.25")).Equal(d("100.25")))
	assert.True(t, FloorToIncrement(d("64.3534"), d("0.0025")).Equal(d("64.3525")))
	assert.True(t, FloorToIncrement(d("7"), decimal.Zero).Equal(d("7")))
}

func TestFloorDiv(t *testing.T) {
	assert.Equal(t, int64(3), floorDiv(d("10"), d("3")))
	assert.Equal(t, int64(0), floorDiv(d("2"), d("3")))
	assert.Equal(t, int64(-1), floorDiv(d("-1"), d("3")))
	assert.Equal(t, int64(0), floorDiv(d("5"), decimal.Zero))
}

func TestPercentOf(t *testing.T) {
	assert.True(t, percentOf(d("6"), d("110")).Equal(d("5.45454545")))
	assert.True(t, percentOf(d("7"), d("100")).Equal(d("7")))
}
