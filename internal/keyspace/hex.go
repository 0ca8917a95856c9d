// Package keyspace holds the numeric helpers used to describe a puzzle's
// prefix interval: hex parsing and formatting of arbitrarily large integers
// and the arithmetic that splits an interval into fixed-size chunks.
package keyspace

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrMalformedHex is returned when a string contains non-hex characters.
var ErrMalformedHex = errors.New("malformed hex")

// NormalizeHex trims whitespace, drops any "0x" markers and upper-cases s.
func NormalizeHex(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "0x", "")
	s = strings.ReplaceAll(s, "0X", "")
	return strings.ToUpper(s)
}

// ParseHex parses an unsigned hex string. An empty (or blank) string is zero.
func ParseHex(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	for i := 0; i < len(s); i++ {
		if !isHexDigit(s[i]) {
			return nil, fmt.Errorf("%w: %q", ErrMalformedHex, s)
		}
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedHex, s)
	}
	return v, nil
}

// MustParseHex is ParseHex for constants and tests; it panics on bad input.
func MustParseHex(s string) *big.Int {
	v, err := ParseHex(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsHex reports whether s is empty or made only of hex digits.
func IsHex(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isHexDigit(s[i]) {
			return false
		}
	}
	return true
}

// FormatHex renders v as upper-case hex, left-padded with zeros to length
// digits. When the value needs more than length digits only the low-order
// length digits are kept. Negative values format as zero. A length <= 0
// returns the natural width.
func FormatHex(v *big.Int, length int) string {
	if v == nil || v.Sign() < 0 {
		v = new(big.Int)
	}
	hex := strings.ToUpper(v.Text(16))
	if length <= 0 {
		return hex
	}
	if len(hex) < length {
		return strings.Repeat("0", length-len(hex)) + hex
	}
	if len(hex) > length {
		return hex[len(hex)-length:]
	}
	return hex
}

// Width is the number of hex digits needed to write v without padding.
func Width(v *big.Int) int {
	if v == nil || v.Sign() <= 0 {
		return 1
	}
	return len(v.Text(16))
}

func isHexDigit(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'f':
		return true
	case c >= 'A' && c <= 'F':
		return true
	}
	return false
}
