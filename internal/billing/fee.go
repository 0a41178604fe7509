package billing

import (
	"fmt"
	"math/big"
	"strings"
)

// minorExponent is the number of minor-unit digits per ISO 4217 currency.
var minorExponent = map[string]int{
	"GBP": 2,
	"USD": 2,
	"EUR": 2,
	"CAD": 2,
	"AUD": 2,
	"JPY": 0,
}

// Exponent returns the minor-unit exponent for currency.
func Exponent(currency string) (int, error) {
	exp, ok := minorExponent[strings.ToUpper(currency)]
	if !ok {
		return 0, fmt.Errorf("unsupported currency %q", currency)
	}
	return exp, nil
}

// ParseMinor converts a decimal amount such as "5000.00" to minor units,
// rounding half up to the currency exponent.
func ParseMinor(amount, currency string) (int64, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return 0, err
	}
	r, ok := new(big.Rat).SetString(strings.TrimSpace(amount))
	if !ok {
		return 0, fmt.Errorf("invalid amount %q", amount)
	}
	if r.Sign() < 0 {
		return 0, fmt.Errorf("negative amount %q", amount)
	}
	return roundHalfUp(new(big.Rat).Mul(r, pow10(exp)))
}

// FormatMinor renders minor units as a decimal string in the currency's exponent.
func FormatMinor(minor int64, currency string) string {
	exp, err := Exponent(currency)
	if err != nil || exp == 0 {
		return fmt.Sprintf("%d", minor)
	}
	return new(big.Rat).SetFrac(big.NewInt(minor), pow10(exp).Num()).FloatString(exp)
}

// ComputeFee returns max(acv * rate, minFee) in minor units. acvMinor and
// minFeeMinor are already in minor units; rate is a decimal string.
func ComputeFee(acvMinor int64, rate string, minFeeMinor int64) (int64, error) {
	if acvMinor < 0 || minFeeMinor < 0 {
		return 0, fmt.Errorf("amounts must not be negative")
	}
	r, ok := new(big.Rat).SetString(strings.TrimSpace(rate))
	if !ok || r.Sign() < 0 {
		return 0, fmt.Errorf("invalid fee rate %q", rate)
	}
	fee, err := roundHalfUp(new(big.Rat).Mul(big.NewRat(acvMinor, 1), r))
	if err != nil {
		return 0, err
	}
	if fee < minFeeMinor {
		return minFeeMinor, nil
	}
	return fee, nil
}

func pow10(n int) *big.Rat {
	return new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil))
}

// roundHalfUp rounds a non-negative rational to the nearest integer, ties up.
func roundHalfUp(r *big.Rat) (int64, error) {
	half := new(big.Rat).Add(r, big.NewRat(1, 2))
	q := new(big.Int).Quo(half.Num(), half.Denom())
	if !q.IsInt64() {
		return 0, fmt.Errorf("amount overflows int64")
	}
	return q.Int64(), nil
}
