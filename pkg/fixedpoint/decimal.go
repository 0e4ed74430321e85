// Package fixedpoint implements the wire-level fixed-point numeric type:
// an int64 mantissa paired with a base-10 exponent, representing
// value * 10^decimal. Arithmetic rescales the lower-precision operand up
// before combining; it never truncates.
package fixedpoint

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultMaxExpMagnitude bounds |Exp| for well-formedness checks when no
// explicit bound is configured.
const DefaultMaxExpMagnitude = 18

// Decimal is a fixed-point number: Value * 10^Exp.
// The JSON field names match the wire contract.
type Decimal struct {
	Value int64 `json:"value"`
	Exp   int32 `json:"decimal"`
}

// New builds a Decimal from a mantissa and exponent.
func New(value int64, exp int32) Decimal {
	return Decimal{Value: value, Exp: exp}
}

// Zero is the canonical zero value.
var Zero = Decimal{}

// Dec converts to a shopspring decimal for arithmetic.
func (d Decimal) Dec() decimal.Decimal {
	return decimal.New(d.Value, d.Exp)
}

// FromDec converts a shopspring decimal back to the wire representation.
// Fails if the coefficient does not fit in an int64.
func FromDec(d decimal.Decimal) (Decimal, error) {
	if !d.Coefficient().IsInt64() {
		return Zero, fmt.Errorf("fixedpoint: coefficient %s overflows int64", d.Coefficient().String())
	}
	return Decimal{Value: d.CoefficientInt64(), Exp: d.Exponent()}, nil
}

// Add returns d + other with the result carried at the smaller of the two
// exponents, so no precision is lost. Returns an error if the rescaled
// mantissa overflows int64.
func (d Decimal) Add(other Decimal) (Decimal, error) {
	sum := d.Dec().Add(other.Dec())
	out, err := FromDec(sum)
	if err != nil {
		return Zero, fmt.Errorf("fixedpoint: add %s + %s: %w", d, other, err)
	}
	return out, nil
}

// Validate reports whether the value is well-formed under the given exponent
// bound. maxExp <= 0 falls back to DefaultMaxExpMagnitude.
func (d Decimal) Validate(maxExp int32) error {
	if maxExp <= 0 {
		maxExp = DefaultMaxExpMagnitude
	}
	if d.Exp > maxExp || d.Exp < -maxExp {
		return fmt.Errorf("fixedpoint: exponent %d outside [-%d, %d]", d.Exp, maxExp, maxExp)
	}
	return nil
}

// IsZero reports whether the magnitude is zero.
func (d Decimal) IsZero() bool {
	return d.Value == 0
}

// IsPositive reports whether the magnitude is strictly positive.
func (d Decimal) IsPositive() bool {
	return d.Value > 0
}

// Cmp compares magnitudes: -1 if d < other, 0 if equal, +1 if d > other.
// {10, -1} and {1, 0} compare equal.
func (d Decimal) Cmp(other Decimal) int {
	return d.Dec().Cmp(other.Dec())
}

// Equal reports semantic equality of magnitudes, ignoring representation.
func (d Decimal) Equal(other Decimal) bool {
	return d.Cmp(other) == 0
}

func (d Decimal) String() string {
	return d.Dec().String()
}
