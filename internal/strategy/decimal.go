package strategy

import "github.com/shopspring/decimal"

const percentPlaces = 8

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// bankDiv returns a/b rounded half-to-even to places decimal digits.
// shopspring's DivRound rounds half away from zero, so the tie is resolved
// here from the exact remainder.
func bankDiv(a, b decimal.Decimal, places int32) decimal.Decimal {
	q, r := a.QuoRem(b, places)
	if r.IsZero() {
		return q
	}
	ulp := decimal.New(1, -places)
	twiceRem := r.Abs().Mul(two)
	half := b.Abs().Mul(ulp)

	away := false
	switch twiceRem.Cmp(half) {
	case 1:
		away = true
	case 0:
		away = !q.Shift(places).Mod(two).IsZero()
	}
	if !away {
		return q
	}
	if a.Sign()*b.Sign() < 0 {
		return q.Sub(ulp)
	}
	return q.Add(ulp)
}

// Midpoint is (high+low)/2 at the larger scale of the inputs, half-to-even.
func Midpoint(high, low decimal.Decimal) decimal.Decimal {
	places := -high.Exponent()
	if e := -low.Exponent(); e > places {
		places = e
	}
	if places < 0 {
		places = 0
	}
	return bankDiv(high.Add(low), two, places)
}

// percentOf returns num*100/base with 8 places, half-to-even.
func percentOf(num, base decimal.Decimal) decimal.Decimal {
	return bankDiv(num.Mul(hundred), base, percentPlaces)
}

// FloorToIncrement rounds price down to a multiple of increment.
func FloorToIncrement(price, increment decimal.Decimal) decimal.Decimal {
	if !increment.IsPositive() {
		return price
	}
	q, _ := price.QuoRem(increment, 0)
	if price.IsNegative() && !q.Mul(increment).Equal(price) {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q.Mul(increment)
}

// floorDiv returns floor(a/b) for positive b.
func floorDiv(a, b decimal.Decimal) int64 {
	if !b.IsPositive() {
		return 0
	}
	q, _ := a.QuoRem(b, 0)
	if a.IsNegative() && !q.Mul(b).Equal(a) {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q.IntPart()
}
