// Package identity validates Brazilian CPF-style national identity numbers.
//
// A number has 11 digits; the last two are check digits computed from the
// first nine and ten digits with a weighted sum modulo 11. Formatting
// characters ("111.444.777-35") are accepted on input and dropped on output.
//
// Domain purity: no I/O, no clock, no global state.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Length is the number of digits in a normalized identity number.
const Length = 11

// ErrInvalidIdentity indicates the identity number failed validation.
var ErrInvalidIdentity = errors.New("invalid identity number")

// Validate normalizes raw to its 11 digits and verifies both check digits.
func Validate(raw string) (string, error) {
	digits := digitsOnly(raw)
	if len(digits) != Length {
		return "", fmt.Errorf("%w: expected %d digits, got %d", ErrInvalidIdentity, Length, len(digits))
	}
	if repeated(digits) {
		return "", fmt.Errorf("%w: repeated digit sequence", ErrInvalidIdentity)
	}

	n := make([]int, Length)
	for i := range digits {
		n[i] = int(digits[i] - '0')
	}
	if checkDigit(n[:9]) != n[9] {
		return "", fmt.Errorf("%w: first check digit mismatch", ErrInvalidIdentity)
	}
	if checkDigit(n[:10]) != n[10] {
		return "", fmt.Errorf("%w: second check digit mismatch", ErrInvalidIdentity)
	}
	return digits, nil
}

// Format renders a normalized number as 999.999.999-99. Input that is not
// 11 digits is returned unchanged.
func Format(normalized string) string {
	if len(normalized) != Length {
		return normalized
	}
	return normalized[0:3] + "." + normalized[3:6] + "." + normalized[6:9] + "-" + normalized[9:11]
}

// checkDigit weights the digits from len(d)+1 down to 2 and maps the
// remainder mod 11 to 0 when below 2, otherwise to 11-remainder.
func checkDigit(d []int) int {
	sum := 0
	weight := len(d) + 1
	for _, v := range d {
		sum += v * weight
		weight--
	}
	r := sum % 11
	if r < 2 {
		return 0
	}
	return 11 - r
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func repeated(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}
