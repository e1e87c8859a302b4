// Package units converts human-readable token amounts to integer base units.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned for amounts that are malformed, non-positive,
// or more precise than the token allows.
var ErrInvalidAmount = errors.New("invalid token amount")

// ToBaseUnits converts amount (e.g. "50.0") into the token's smallest unit.
// The conversion is exact; any fractional remainder is an error.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, amount, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("%w: %q is not positive", ErrInvalidAmount, amount)
	}

	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q exceeds %d decimals", ErrInvalidAmount, amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits renders a base-unit integer as a decimal string.
func FromBaseUnits(raw *big.Int, decimals int32) string {
	if raw == nil {
		return "0"
	}
	return decimal.NewFromBigInt(raw, -decimals).String()
}

// ParseRaw parses a base-10 or 0x-prefixed integer as reported by chain APIs.
func ParseRaw(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}
	v := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if len(s) == 2 {
			return new(big.Int), nil
		}
		_, ok = v.SetString(s[2:], 16)
	} else {
		_, ok = v.SetString(s, 10)
	}
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}
