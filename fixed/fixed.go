// Package fixed emulates signed two's-complement fixed-point arithmetic of
// configurable width. Every operation reports a result that does not fit its
// destination format instead of wrapping, so undersized formats surface as
// errors naming the offending quantity.
package fixed

import (
	"fmt"
	"math"
	"math/big"
	"math/bits"
	"strconv"

	"github.com/pkg/errors"
)

const (
	// MaxBits is the widest supported format. The raw product of two such
	// values always fits in an int64.
	MaxBits = 32
	// MaxFrac bounds the fractional bits so operand alignment stays inside an int64.
	MaxFrac = 31
)

// ErrDivideByZero is returned by Div when the divisor is zero.
var ErrDivideByZero = errors.New("fixed: division by zero")

// OverflowError reports a value that does not fit the format it was assigned to.
type OverflowError struct {
	Quantity string
	Value    float64
	Bits     int
	Frac     int
}

func (e *OverflowError) Error() string {
	f := Format{Bits: e.Bits, Frac: e.Frac}
	return fmt.Sprintf("fixed: %s = %g does not fit %d bits (%d fractional), range [%g, %g]",
		e.Quantity, e.Value, e.Bits, e.Frac, f.MinFloat(), f.MaxFloat())
}

// Format is a signed fixed-point format of Bits total bits, Frac of which are
// fractional. A value v is stored as the integer round(v * 2^Frac).
type Format struct {
	Name string
	Bits int
	Frac int
}

// New returns a validated Format.
func New(name string, bits, frac int) (Format, error) {
	f := Format{Name: name, Bits: bits, Frac: frac}
	return f, f.Validate()
}

// Validate checks the format is within the emulated range.
func (f Format) Validate() error {
	if f.Bits < 2 || f.Bits > MaxBits {
		return errors.Errorf("fixed: format %q has %d bits, want 2..%d", f.Name, f.Bits, MaxBits)
	}
	if f.Frac < 0 || f.Frac > MaxFrac {
		return errors.Errorf("fixed: format %q has %d fractional bits, want 0..%d", f.Name, f.Frac, MaxFrac)
	}
	return nil
}

// Max returns the largest raw integer of the format.
func (f Format) Max() int64 { return 1<<(f.Bits-1) - 1 }

// Min returns the smallest raw integer of the format.
func (f Format) Min() int64 { return -(1 << (f.Bits - 1)) }

// LSB returns the value of one least significant bit.
func (f Format) LSB() float64 { return math.Ldexp(1, -f.Frac) }

// MaxFloat returns the largest representable value.
func (f Format) MaxFloat() float64 { return math.Ldexp(float64(f.Max()), -f.Frac) }

// MinFloat returns the smallest representable value.
func (f Format) MinFloat() float64 { return math.Ldexp(float64(f.Min()), -f.Frac) }

// String uses the <total,integer> notation of HLS fixed-point types.
func (f Format) String() string {
	return fmt.Sprintf("%s<%d,%d>", f.Name, f.Bits, f.Bits-f.Frac)
}

func (f Format) fits(raw int64) bool { return raw >= f.Min() && raw <= f.Max() }

func (f Format) overflow(x float64) error {
	return &OverflowError{Quantity: f.Name, Value: x, Bits: f.Bits, Frac: f.Frac}
}

// Zero returns the zero value in this format.
func (f Format) Zero() Value { return Value{f: f} }

// FromFloat rounds x to the nearest representable value.
func (f Format) FromFloat(x float64) (Value, error) {
	if math.IsNaN(x) {
		return f.Zero(), f.overflow(x)
	}
	r := math.Round(math.Ldexp(x, f.Frac))
	if r > float64(f.Max()) || r < float64(f.Min()) {
		return f.Zero(), f.overflow(x)
	}
	return Value{raw: int64(r), f: f}, nil
}

// FromFloatSat rounds x to the nearest representable value, clamping at the
// format limits. NaN maps to zero.
func (f Format) FromFloatSat(x float64) Value {
	if math.IsNaN(x) {
		return f.Zero()
	}
	r := math.Round(math.Ldexp(x, f.Frac))
	switch {
	case r > float64(f.Max()):
		return Value{raw: f.Max(), f: f}
	case r < float64(f.Min()):
		return Value{raw: f.Min(), f: f}
	}
	return Value{raw: int64(r), f: f}
}

// FromInt converts an integer, typically an upstream digitized word.
func (f Format) FromInt(i int64) (Value, error) {
	if i > f.Max()>>f.Frac || i < f.Min()>>f.Frac {
		return f.Zero(), f.overflow(float64(i))
	}
	return Value{raw: i << f.Frac, f: f}, nil
}

// FromRaw wraps a raw integer already scaled by 2^Frac.
func (f Format) FromRaw(raw int64) (Value, error) {
	if !f.fits(raw) {
		return f.Zero(), f.overflow(math.Ldexp(float64(raw), -f.Frac))
	}
	return Value{raw: raw, f: f}, nil
}

// Value is a fixed-point number together with its format.
type Value struct {
	raw int64
	f   Format
}

// Raw returns the stored integer.
func (v Value) Raw() int64 { return v.raw }

// Format returns the format of v.
func (v Value) Format() Format { return v.f }

// Float returns the represented value.
func (v Value) Float() float64 { return math.Ldexp(float64(v.raw), -v.f.Frac) }

// Sign returns -1, 0 or +1.
func (v Value) Sign() int {
	switch {
	case v.raw < 0:
		return -1
	case v.raw > 0:
		return 1
	}
	return 0
}

// Floor returns the largest integer not above v.
func (v Value) Floor() int64 { return v.raw >> uint(v.f.Frac) }

// Abs returns |v|, saturating the most negative value of the format.
func (v Value) Abs() Value {
	if v.raw >= 0 {
		return v
	}
	if v.raw == v.f.Min() {
		return Value{raw: v.f.Max(), f: v.f}
	}
	return Value{raw: -v.raw, f: v.f}
}

// Equal reports whether both values and formats are identical.
func (v Value) Equal(o Value) bool { return v.raw == o.raw && v.f == o.f }

func (v Value) String() string { return strconv.FormatFloat(v.Float(), 'g', -1, 64) }

func absU(x int64) uint64 {
	if x < 0 {
		return uint64(-x)
	}
	return uint64(x)
}

// rescale moves raw from "from" to "to" fractional bits, rounding half up
// when bits are dropped. ok is false when a left shift leaves the int64 range.
func rescale(raw int64, from, to int) (int64, bool) {
	switch {
	case to == from:
		return raw, true
	case to > from:
		s := to - from
		if bits.Len64(absU(raw))+s > 62 {
			return 0, false
		}
		return raw << uint(s), true
	default:
		s := from - to
		if s > 62 {
			return 0, true
		}
		return (raw + 1<<uint(s-1)) >> uint(s), true
	}
}

func finish(raw int64, frac int, out Format) (Value, error) {
	r, ok := rescale(raw, frac, out.Frac)
	if !ok || !out.fits(r) {
		return out.Zero(), out.overflow(math.Ldexp(float64(raw), -frac))
	}
	return Value{raw: r, f: out}, nil
}

func saturate(raw int64, frac int, out Format) Value {
	r, ok := rescale(raw, frac, out.Frac)
	switch {
	case ok && out.fits(r):
		return Value{raw: r, f: out}
	case raw < 0:
		return Value{raw: out.Min(), f: out}
	}
	return Value{raw: out.Max(), f: out}
}

// align brings both operands to the larger fractional width.
func align(a, b Value) (int64, int64, int) {
	frac := max(a.f.Frac, b.f.Frac)
	return a.raw << uint(frac-a.f.Frac), b.raw << uint(frac-b.f.Frac), frac
}

// Add returns a+b in format out.
func Add(a, b Value, out Format) (Value, error) {
	ra, rb, frac := align(a, b)
	return finish(ra+rb, frac, out)
}

// AddSat returns a+b in format out, clamped at its limits.
func AddSat(a, b Value, out Format) Value {
	ra, rb, frac := align(a, b)
	return saturate(ra+rb, frac, out)
}

// Sub returns a-b in format out.
func Sub(a, b Value, out Format) (Value, error) {
	ra, rb, frac := align(a, b)
	return finish(ra-rb, frac, out)
}

// Mul returns a*b in format out.
func Mul(a, b Value, out Format) (Value, error) {
	return finish(a.raw*b.raw, a.f.Frac+b.f.Frac, out)
}

// MulSat returns a*b in format out, clamped at its limits.
func MulSat(a, b Value, out Format) Value {
	return saturate(a.raw*b.raw, a.f.Frac+b.f.Frac, out)
}

// Neg returns -a in format out.
func Neg(a Value, out Format) (Value, error) {
	return finish(-a.raw, a.f.Frac, out)
}

// Convert requantizes a into format out.
func Convert(a Value, out Format) (Value, error) {
	return finish(a.raw, a.f.Frac, out)
}

// Div returns a/b in format out, rounded to nearest.
func Div(a, b Value, out Format) (Value, error) {
	if b.raw == 0 {
		return out.Zero(), errors.Wrapf(ErrDivideByZero, "computing %s", out.Name)
	}
	num := big.NewInt(a.raw)
	den := big.NewInt(b.raw)
	if k := out.Frac + b.f.Frac - a.f.Frac; k >= 0 {
		num.Lsh(num, uint(k))
	} else {
		den.Lsh(den, uint(-k))
	}
	q := roundDiv(num, den)
	if !q.IsInt64() || !out.fits(q.Int64()) {
		return out.Zero(), out.overflow(a.Float() / b.Float())
	}
	return Value{raw: q.Int64(), f: out}, nil
}

// roundDiv returns floor(n/d + 1/2).
func roundDiv(n, d *big.Int) *big.Int {
	if d.Sign() < 0 {
		n = new(big.Int).Neg(n)
		d = new(big.Int).Neg(d)
	}
	num := new(big.Int).Lsh(n, 1)
	num.Add(num, d)
	den := new(big.Int).Lsh(d, 1)
	q, m := new(big.Int), new(big.Int)
	q.DivMod(num, den, m)
	return q
}

// Cmp compares a and b by value regardless of their formats.
func Cmp(a, b Value) int {
	ra, rb, _ := align(a, b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}
	return 0
}
