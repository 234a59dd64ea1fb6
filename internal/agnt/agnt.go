// Package agnt provides shared AGNT parsing and formatting utilities.
//
// AGNT uses 8 decimal places. All amounts are handled as big.Int in the
// smallest unit (1 AGNT = 100,000,000 units); decimal strings are the
// only representation that crosses the API or the database boundary.
package agnt

import (
	"math/big"
	"strings"
)

const Decimals = 8

// Parse converts a decimal string (e.g. "1.5") to its smallest-unit
// big.Int representation (150000000). Returns (nil, false) on invalid
// input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 8 decimal places
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// ParsePositive is Parse restricted to amounts strictly greater than zero.
func ParsePositive(s string) (*big.Int, bool) {
	v, ok := Parse(s)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly 8 decimal places (e.g. "1.50000000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	split := len(s) - Decimals
	result := s[:split] + "." + s[split:]
	if neg {
		result = "-" + result
	}
	return result
}

// Midpoint returns (a+b)/2 for two decimal strings, truncating toward
// zero at the 8th decimal. Returns ("", false) if either input is invalid.
func Midpoint(a, b string) (string, bool) {
	av, ok := Parse(a)
	if !ok {
		return "", false
	}
	bv, ok := Parse(b)
	if !ok {
		return "", false
	}
	sum := new(big.Int).Add(av, bv)
	return Format(sum.Div(sum, big.NewInt(2))), true
}

// Cmp compares two decimal strings as amounts. The boolean is false if
// either input is invalid.
func Cmp(a, b string) (int, bool) {
	av, ok := Parse(a)
	if !ok {
		return 0, false
	}
	bv, ok := Parse(b)
	if !ok {
		return 0, false
	}
	return av.Cmp(bv), true
}

// ToTokenUnits rescales a smallest-unit AGNT amount to a token amount
// with the given on-chain decimals. Used only at the chain boundary.
func ToTokenUnits(amount *big.Int, tokenDecimals uint8) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Set(amount)
	switch {
	case int(tokenDecimals) > Decimals:
		shift := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tokenDecimals)-Decimals), nil)
		out.Mul(out, shift)
	case int(tokenDecimals) < Decimals:
		shift := new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals-int64(tokenDecimals)), nil)
		out.Div(out, shift)
	}
	return out
}

// FromTokenUnits rescales an on-chain token amount to smallest-unit AGNT.
// Returns false when the conversion would lose precision (the token has
// more decimals than AGNT and the extra digits are non-zero).
func FromTokenUnits(amount *big.Int, tokenDecimals uint8) (*big.Int, bool) {
	if amount == nil {
		return big.NewInt(0), true
	}
	out := new(big.Int).Set(amount)
	switch {
	case int(tokenDecimals) > Decimals:
		shift := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tokenDecimals)-Decimals), nil)
		rem := new(big.Int)
		out.DivMod(out, shift, rem)
		if rem.Sign() != 0 {
			return nil, false
		}
	case int(tokenDecimals) < Decimals:
		shift := new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals-int64(tokenDecimals)), nil)
		out.Mul(out, shift)
	}
	return out, true
}
