package id

import (
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/contraparty/internal/errors"
)

var (
	unitsPattern  = regexp.MustCompile(`^(-?)([0-9]*)\.?([0-9]*)$`)
	hexIntPattern = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)
	digitsPattern = regexp.MustCompile(`^[0-9]+$`)
)

// ParseUnits converts a decimal string into integer minor units. Fractional
// digits beyond decimals are rounded half-up. A leading minus sign is
// accepted so callers can reject non-positive amounts with their own message.
func ParseUnits(raw string, decimals int) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if decimals < 0 {
		return nil, clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}
	m := unitsPattern.FindStringSubmatch(raw)
	if m == nil || (m[2] == "" && m[3] == "") {
		return nil, clierr.New(clierr.CodeUsage, "invalid decimal amount")
	}
	negative := m[1] == "-"
	intPart := m[2]
	fracPart := m[3]
	if intPart == "" {
		intPart = "0"
	}

	roundUp := false
	if len(fracPart) > decimals {
		roundUp = fracPart[decimals] >= '5'
		fracPart = fracPart[:decimals]
	}
	fracPart += strings.Repeat("0", decimals-len(fracPart))

	out, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "invalid decimal amount")
	}
	if roundUp {
		out.Add(out, big.NewInt(1))
	}
	if negative {
		out.Neg(out)
	}
	return out, nil
}

// FormatUnits renders minor units as an exact decimal string with trailing
// fractional zeros trimmed.
func FormatUnits(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Set(v)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}
	s := abs.String()
	if decimals <= 0 {
		return sign + s
	}
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	intPart := s[:len(s)-decimals]
	fracPart := strings.TrimRight(s[len(s)-decimals:], "0")
	if fracPart == "" {
		return sign + intPart
	}
	return sign + intPart + "." + fracPart
}

// FormatBalance truncates to six fractional digits for display.
func FormatBalance(v *big.Int, decimals int) string {
	if v == nil || v.Sign() < 0 {
		v = new(big.Int)
	}
	raw := FormatUnits(v, decimals)
	whole, frac, _ := strings.Cut(raw, ".")
	if len(frac) > 6 {
		frac = frac[:6]
	}
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// ParseBigIntLike accepts the loosely typed numeric fields returned by HTTP
// aggregators: hex strings, decimal digit strings and non-negative JSON
// numbers. Anything else is zero.
func ParseBigIntLike(v any) *big.Int {
	switch typed := v.(type) {
	case nil:
		return new(big.Int)
	case *big.Int:
		if typed == nil {
			return new(big.Int)
		}
		return new(big.Int).Set(typed)
	case float64:
		if typed < 0 || typed != typed {
			return new(big.Int)
		}
		out, _ := new(big.Float).SetFloat64(typed).Int(nil)
		if out == nil {
			return new(big.Int)
		}
		return out
	case int64:
		if typed < 0 {
			return new(big.Int)
		}
		return big.NewInt(typed)
	case string:
		raw := strings.TrimSpace(typed)
		if hexIntPattern.MatchString(raw) {
			out, ok := new(big.Int).SetString(raw[2:], 16)
			if ok {
				return out
			}
		}
		if digitsPattern.MatchString(raw) {
			out, ok := new(big.Int).SetString(raw, 10)
			if ok {
				return out
			}
		}
	}
	return new(big.Int)
}

// ParsePositiveInt parses a base-10 integer string, returning zero for
// anything that is not a positive integer.
func ParsePositiveInt(raw string) *big.Int {
	out := ParseBigIntLike(strings.TrimSpace(raw))
	if !digitsPattern.MatchString(strings.TrimSpace(raw)) {
		return new(big.Int)
	}
	return out
}
