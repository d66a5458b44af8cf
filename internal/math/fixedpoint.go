// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrArithmetic covers division by zero, ln of a non-positive value and overflow.
	ErrArithmetic = errors.New("arithmetic error")

	// ErrInputShape covers malformed tick batches (length mismatch, empty input).
	ErrInputShape = errors.New("input shape error")
)

const (
	// FractionBits is the binary scale of Fixed (64.61 layout).
	FractionBits = 61

	// IntegerBits bounds the integer part; |raw| must stay below 2^(IntegerBits+FractionBits).
	IntegerBits = 64
)

// DecimalConfig defines the precision of integer ledger units
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// QuoteConfig is the ledger unit for settlement assets (0.000001 USDT)
	QuoteConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
)

var (
	bigOne   = big.NewInt(1)
	zeroInt  = new(big.Int)
	oneRaw   = new(big.Int).Lsh(bigOne, FractionBits)
	maxRaw   = new(big.Int).Lsh(bigOne, FractionBits+IntegerBits) // exclusive bound
	pow5Frac = new(big.Int).Exp(big.NewInt(5), big.NewInt(FractionBits), nil)

	oneDecimal = decimal.NewFromBigInt(oneRaw, 0)
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// divRound returns num / den rounded half-to-even on the magnitude, sign
// applied afterwards, so results are symmetric around zero.
func divRound(num, den *big.Int) *big.Int {
	neg := (num.Sign() < 0) != (den.Sign() < 0)

	n := getInt128().Abs(num)
	d := getInt128().Abs(den)
	r := getInt128()

	q := new(big.Int)
	q.QuoRem(n, d, r)

	r2 := getInt128().Lsh(r, 1)
	switch c := r2.Cmp(d); {
	case c > 0, c == 0 && q.Bit(0) == 1:
		q.Add(q, bigOne)
	}
	putInt128(r2)

	if neg {
		q.Neg(q)
	}

	putInt128(n)
	putInt128(d)
	putInt128(r)

	return q
}

// mulRaw multiplies two raw 64.61 values without bound checks.
func mulRaw(a, b *big.Int) *big.Int {
	p := getInt128().Mul(a, b)
	res := divRound(p, oneRaw)
	putInt128(p)
	return res
}

// Fixed is a signed fixed-point number with FractionBits fractional bits.
// The zero value is 0. Values are immutable: every operation allocates its result.
type Fixed struct {
	raw *big.Int
}

var (
	Zero = Fixed{}
	One  = Fixed{raw: new(big.Int).Set(oneRaw)}
)

func (f Fixed) bigRaw() *big.Int {
	if f.raw == nil {
		return zeroInt
	}
	return f.raw
}

func newFixed(raw *big.Int) (Fixed, error) {
	if raw.CmpAbs(maxRaw) >= 0 {
		return Zero, fmt.Errorf("%w: fixed-point overflow", ErrArithmetic)
	}
	return Fixed{raw: raw}, nil
}

// FromInt converts an integer. Every int64 fits the 64-bit integer part.
func FromInt(v int64) Fixed {
	return Fixed{raw: new(big.Int).Lsh(big.NewInt(v), FractionBits)}
}

// FromRaw builds a Fixed from its scaled integer representation.
func FromRaw(raw *big.Int) (Fixed, error) {
	return newFixed(new(big.Int).Set(raw))
}

// Raw returns a copy of the scaled integer representation.
func (f Fixed) Raw() *big.Int {
	return new(big.Int).Set(f.bigRaw())
}

// FromDecimal converts a decimal, rounding half-to-even at 2^-61.
func FromDecimal(d decimal.Decimal) (Fixed, error) {
	raw := d.Mul(oneDecimal).RoundBank(0).BigInt()
	return newFixed(raw)
}

// ParseFixed parses a decimal string such as "40940.125" or "-0.0000125".
func ParseFixed(s string) (Fixed, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse fixed %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is ParseFixed for constants and tests.
func MustParse(s string) Fixed {
	f, err := ParseFixed(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Decimal returns the exact decimal expansion of f (raw / 2^61 always terminates).
func (f Fixed) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).Mul(f.bigRaw(), pow5Frac), -FractionBits)
}

func (f Fixed) String() string {
	return f.Decimal().String()
}

// Float64 is lossy and only meant for metrics and logs.
func (f Fixed) Float64() float64 {
	num := new(big.Float).SetInt(f.bigRaw())
	v, _ := num.Quo(num, new(big.Float).SetInt(oneRaw)).Float64()
	return v
}

// ToScaled converts f to integer units of 1/scale, rounding half-to-even.
func (f Fixed) ToScaled(scale int64) (int64, error) {
	p := getInt128().Mul(f.bigRaw(), big.NewInt(scale))
	v := divRound(p, oneRaw)
	putInt128(p)

	if !v.IsInt64() {
		return 0, fmt.Errorf("%w: %s does not fit int64 at scale %d", ErrArithmetic, f, scale)
	}
	return v.Int64(), nil
}

func (f Fixed) Sign() int {
	return f.bigRaw().Sign()
}

func (f Fixed) IsZero() bool {
	return f.Sign() == 0
}

// Cmp returns -1, 0 or +1.
func (f Fixed) Cmp(g Fixed) int {
	return f.bigRaw().Cmp(g.bigRaw())
}

func (f Fixed) Neg() Fixed {
	return Fixed{raw: new(big.Int).Neg(f.bigRaw())}
}

func (f Fixed) Abs() Fixed {
	return Fixed{raw: new(big.Int).Abs(f.bigRaw())}
}

func (f Fixed) Add(g Fixed) (Fixed, error) {
	return newFixed(new(big.Int).Add(f.bigRaw(), g.bigRaw()))
}

func (f Fixed) Sub(g Fixed) (Fixed, error) {
	return newFixed(new(big.Int).Sub(f.bigRaw(), g.bigRaw()))
}

func (f Fixed) Mul(g Fixed) (Fixed, error) {
	return newFixed(mulRaw(f.bigRaw(), g.bigRaw()))
}

func (f Fixed) Div(g Fixed) (Fixed, error) {
	if g.IsZero() {
		return Zero, fmt.Errorf("%w: division by zero", ErrArithmetic)
	}
	num := getInt128().Lsh(f.bigRaw(), FractionBits)
	q := divRound(num, g.bigRaw())
	putInt128(num)
	return newFixed(q)
}

// DivInt divides by an integer count (used for means).
func (f Fixed) DivInt(n int64) (Fixed, error) {
	if n == 0 {
		return Zero, fmt.Errorf("%w: division by zero", ErrArithmetic)
	}
	return newFixed(divRound(f.bigRaw(), big.NewInt(n)))
}

// Max returns the larger of a and b.
func Max(a, b Fixed) Fixed {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Sqrt returns the square root of f rounded down.
func Sqrt(f Fixed) (Fixed, error) {
	if f.Sign() < 0 {
		return Zero, fmt.Errorf("%w: sqrt of negative value %s", ErrArithmetic, f)
	}
	scaled := getInt128().Lsh(f.bigRaw(), FractionBits)
	root := new(big.Int).Sqrt(scaled)
	putInt128(scaled)
	return newFixed(root)
}

var ln2Raw = func() *big.Int {
	z := divRound(oneRaw, big.NewInt(3))
	s := atanhSeries(z)
	return s.Lsh(s, 1)
}()

// atanhSeries sums z + z^3/3 + z^5/5 + ... until a term rounds to zero.
// Callers keep |z| <= 1/3.
func atanhSeries(z *big.Int) *big.Int {
	sum := new(big.Int).Set(z)
	z2 := mulRaw(z, z)
	term := new(big.Int).Set(z)

	for n := int64(3); ; n += 2 {
		term = mulRaw(term, z2)
		t := divRound(term, big.NewInt(n))
		if t.Sign() == 0 {
			break
		}
		sum.Add(sum, t)
	}

	return sum
}

// Ln returns the natural logarithm of a positive value.
// x is reduced to m * 2^k with m in [1, 2), then ln(m) = 2*atanh((m-1)/(m+1)).
func Ln(x Fixed) (Fixed, error) {
	if x.Sign() <= 0 {
		return Zero, fmt.Errorf("%w: ln of non-positive value %s", ErrArithmetic, x)
	}

	raw := x.bigRaw()
	k := raw.BitLen() - 1 - FractionBits

	m := new(big.Int)
	if k >= 0 {
		m.Rsh(raw, uint(k))
	} else {
		m.Lsh(raw, uint(-k))
	}

	num := new(big.Int).Sub(m, oneRaw)
	den := new(big.Int).Add(m, oneRaw)
	z := divRound(num.Lsh(num, FractionBits), den)

	res := atanhSeries(z)
	res.Lsh(res, 1)
	res.Add(res, new(big.Int).Mul(big.NewInt(int64(k)), ln2Raw))

	return newFixed(res)
}

// MarshalJSON encodes the exact decimal expansion as a string.
func (f Fixed) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.String() + `"`), nil
}

// UnmarshalJSON accepts quoted or bare decimal numbers.
func (f *Fixed) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("decode fixed: %w", err)
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*f = v
	return nil
}
