// internal/math/fixedpoint.go
package math

import (
	"errors"
	"math/bits"

	"github.com/holiman/uint256"
)

// Decimal conventions shared by every component.
const (
	BPSDecimals        = 4
	BPSPower    uint64 = 10_000

	PriceDecimals      = 6
	USDDecimals        = 6
	LPDecimals         = 6
	LMDecimals         = 6
	GovernanceDecimals = 6

	RateDecimals        = 9
	RatePower    uint64 = 1_000_000_000
)

// ErrArithmeticOverflow covers overflow, underflow, division by zero and
// precision loss when narrowing back to 64 bits.
var ErrArithmeticOverflow = errors.New("math: arithmetic overflow")

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// maxExponentDelta bounds rescaling; 10^38 still fits the 256-bit intermediate
// after a 64x64 multiplication.
const maxExponentDelta = 38

var pow10Table = func() [maxExponentDelta + 1]uint256.Int {
	var t [maxExponentDelta + 1]uint256.Int
	t[0].SetUint64(1)
	ten := uint256.NewInt(10)
	for i := 1; i <= maxExponentDelta; i++ {
		t[i].Mul(&t[i-1], ten)
	}
	return t
}()

func pow10(n int32) (*uint256.Int, error) {
	if n < 0 || n > maxExponentDelta {
		return nil, ErrArithmeticOverflow
	}
	return new(uint256.Int).Set(&pow10Table[n]), nil
}

// Pow10 returns 10^n as a uint64.
func Pow10(n int32) (uint64, error) {
	p, err := pow10(n)
	if err != nil {
		return 0, err
	}
	return narrow(p)
}

func narrow(v *uint256.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, ErrArithmeticOverflow
	}
	return v.Uint64(), nil
}

func CheckedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}

func CheckedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrArithmeticOverflow
	}
	return diff, nil
}

func CheckedMul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrArithmeticOverflow
	}
	return lo, nil
}

func CheckedDiv(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, ErrArithmeticOverflow
	}
	return a / b, nil
}

func CheckedCeilDiv(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, ErrArithmeticOverflow
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return q, nil
}

// CheckedAddInt64 is used for timestamp arithmetic.
func CheckedAddInt64(a, b int64) (int64, error) {
	c := a + b
	if (c > a) != (b > 0) {
		return 0, ErrArithmeticOverflow
	}
	return c, nil
}

func CheckedSubInt64(a, b int64) (int64, error) {
	c := a - b
	if (c < a) != (b > 0) {
		return 0, ErrArithmeticOverflow
	}
	return c, nil
}

// MulDiv computes a*b/c over a 256-bit intermediate.
func MulDiv(a, b, c uint64, mode RoundingMode) (uint64, error) {
	if c == 0 {
		return 0, ErrArithmeticOverflow
	}
	num := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	return divRound(num, uint256.NewInt(c), mode)
}

func divRound(num, den *uint256.Int, mode RoundingMode) (uint64, error) {
	if den.IsZero() {
		return 0, ErrArithmeticOverflow
	}
	quo := new(uint256.Int)
	rem := new(uint256.Int)
	quo.DivMod(num, den, rem)
	if mode == RoundUp && !rem.IsZero() {
		quo.AddUint64(quo, 1)
	}
	return narrow(quo)
}

// ScaleToExponent rescales value from exponent to target (floor when losing
// digits).
func ScaleToExponent(value uint64, exponent, target int32) (uint64, error) {
	if exponent == target {
		return value, nil
	}
	delta := target - exponent
	if delta > 0 {
		p, err := pow10(delta)
		if err != nil {
			return 0, err
		}
		return divRound(uint256.NewInt(value), p, RoundDown)
	}
	p, err := pow10(-delta)
	if err != nil {
		return 0, err
	}
	return narrow(new(uint256.Int).Mul(uint256.NewInt(value), p))
}

// DecimalMul multiplies a (exponent ea) by b (exponent eb) and returns the
// product expressed at exponent er, truncating.
func DecimalMul(a uint64, ea int32, b uint64, eb int32, er int32) (uint64, error) {
	return decimalMul(a, ea, b, eb, er, RoundDown)
}

// DecimalCeilMul is DecimalMul rounding up; fee paths use it so the pool is
// never under-charged.
func DecimalCeilMul(a uint64, ea int32, b uint64, eb int32, er int32) (uint64, error) {
	return decimalMul(a, ea, b, eb, er, RoundUp)
}

func decimalMul(a uint64, ea int32, b uint64, eb int32, er int32, mode RoundingMode) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	product := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	delta := er - (ea + eb)
	if delta >= 0 {
		p, err := pow10(delta)
		if err != nil {
			return 0, err
		}
		return divRound(product, p, mode)
	}
	p, err := pow10(-delta)
	if err != nil {
		return 0, err
	}
	product, overflow := product.MulOverflow(product, p)
	if overflow {
		return 0, ErrArithmeticOverflow
	}
	return narrow(product)
}

// DecimalDiv divides a (exponent ea) by b (exponent eb) and returns the
// quotient at exponent er, truncating.
func DecimalDiv(a uint64, ea int32, b uint64, eb int32, er int32) (uint64, error) {
	if b == 0 {
		return 0, ErrArithmeticOverflow
	}
	if a == 0 {
		return 0, nil
	}
	// a*10^ea / (b*10^eb) = q*10^er  =>  q = a*10^(ea-eb-er) / b
	shift := ea - eb - er
	num := uint256.NewInt(a)
	den := uint256.NewInt(b)
	if shift >= 0 {
		p, err := pow10(shift)
		if err != nil {
			return 0, err
		}
		num.Mul(num, p)
	} else {
		p, err := pow10(-shift)
		if err != nil {
			return 0, err
		}
		den.Mul(den, p)
	}
	return divRound(num, den, RoundDown)
}

// MinU64 / MaxU64 keep call sites free of inline comparisons.
func MinU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func MaxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// SaturatingSub returns a-b or zero.
func SaturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
