package futarchy

import (
	"fmt"

	"github.com/cockroachdb/apd/v2"
)

// decCtx is the fixed arithmetic context every Observation and Aggregation
// operation runs under: 38 digits of precision (well beyond the 18
// fractional digits prices carry) and round-half-to-even, so repeated
// clamp/integrate steps never pick up native floating point's binary
// rounding error. No Decimal value in this package is ever produced by, or fed
// into, a float64 conversion.
var decCtx = apd.BaseContext.WithPrecision(38)

func init() {
	decCtx.Rounding = apd.RoundHalfEven
}

// ZeroDecimal returns a fresh zero-valued decimal.
func ZeroDecimal() *apd.Decimal {
	return apd.New(0, 0)
}

// MustDecimal parses a decimal literal, panicking on malformed input. Used
// for static configuration and test fixtures only; runtime parsing must use
// ParseDecimal and handle the error.
func MustDecimal(s string) *apd.Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ParseDecimal parses a decimal literal exactly as written; the package's
// fixed context applies only to the arithmetic done on the result.
func ParseDecimal(s string) (*apd.Decimal, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return nil, NewError(ErrKindNumeric, fmt.Sprintf("invalid decimal %q: %v", s, err))
	}
	return d, nil
}

// CloneDecimal returns a defensive copy, or a fresh zero if d is nil.
func CloneDecimal(d *apd.Decimal) *apd.Decimal {
	if d == nil {
		return ZeroDecimal()
	}
	out := new(apd.Decimal)
	out.Set(d)
	return out
}

func decAdd(a, b *apd.Decimal) *apd.Decimal {
	out := new(apd.Decimal)
	_, err := decCtx.Add(out, a, b)
	if err != nil {
		panic(fmt.Sprintf("futarchy: decimal add: %v", err))
	}
	return out
}

func decSub(a, b *apd.Decimal) *apd.Decimal {
	out := new(apd.Decimal)
	_, err := decCtx.Sub(out, a, b)
	if err != nil {
		panic(fmt.Sprintf("futarchy: decimal sub: %v", err))
	}
	return out
}

func decMul(a, b *apd.Decimal) *apd.Decimal {
	out := new(apd.Decimal)
	_, err := decCtx.Mul(out, a, b)
	if err != nil {
		panic(fmt.Sprintf("futarchy: decimal mul: %v", err))
	}
	return out
}

// decQuo divides a/b, returning an error (not panicking) since the caller
// (fetchTwaps) must turn division-by-zero into a NumericError rather than
// crash a scheduler tick.
func decQuo(a, b *apd.Decimal) (*apd.Decimal, error) {
	out := new(apd.Decimal)
	_, err := decCtx.Quo(out, a, b)
	if err != nil {
		return nil, NewError(ErrKindNumeric, fmt.Sprintf("decimal divide: %v", err))
	}
	return out, nil
}

// DecQuo is the exported form of decQuo for adapter packages (core/futarchyamm,
// core/futarchyvault) that need the same fixed-context division without
// duplicating the apd.Context.
func DecQuo(a, b *apd.Decimal) (*apd.Decimal, error) {
	return decQuo(a, b)
}

func decMax(a, b *apd.Decimal) *apd.Decimal {
	if a.Cmp(b) >= 0 {
		return CloneDecimal(a)
	}
	return CloneDecimal(b)
}

func decMin(a, b *apd.Decimal) *apd.Decimal {
	if a.Cmp(b) <= 0 {
		return CloneDecimal(a)
	}
	return CloneDecimal(b)
}

func decIsNeg(a *apd.Decimal) bool {
	return a.Sign() < 0
}

// msToDecimal converts a millisecond duration into a decimal for use as a
// multiplicand in the integration step.
func msToDecimal(ms int64) *apd.Decimal {
	return apd.New(ms, 0)
}
