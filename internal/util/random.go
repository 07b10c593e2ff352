// Package util provides utility functions for the AnonRelay application.
package util

import (
	"math/rand/v2"
	"strconv"
	"strings"
)

// Pseudonym format: a fixed prefix followed by a fixed-width decimal number.
const (
	PseudonymPrefix = "ID"
	PseudonymDigits = 10
)

// GenerateRandomDecimal returns a random decimal string of exactly width digits
// with no leading zero. Uses math/rand/v2; the values are not secrets.
func GenerateRandomDecimal(width int) string {
	if width <= 0 {
		return ""
	}
	if width > 18 {
		// int64 overflows past 18 digits; pad the tail instead.
		return GenerateRandomDecimal(18) + generateDigits(width-18)
	}
	lo := int64(1)
	for i := 1; i < width; i++ {
		lo *= 10
	}
	hi := lo * 10
	if width == 1 {
		lo = 0
	}
	return strconv.FormatInt(lo+rand.Int64N(hi-lo), 10)
}

func generateDigits(n int) string {
	var builder strings.Builder
	builder.Grow(n)
	for i := 0; i < n; i++ {
		builder.WriteByte(byte('0' + rand.IntN(10)))
	}
	return builder.String()
}

// GeneratePseudonym returns a new display identity such as "ID4821937765".
// Uniqueness against existing records is not checked.
func GeneratePseudonym() string {
	return PseudonymPrefix + GenerateRandomDecimal(PseudonymDigits)
}

// IsPseudonym reports whether s has the shape produced by GeneratePseudonym.
func IsPseudonym(s string) bool {
	if len(s) != len(PseudonymPrefix)+PseudonymDigits || !strings.HasPrefix(s, PseudonymPrefix) {
		return false
	}
	digits := s[len(PseudonymPrefix):]
	if digits[0] == '0' {
		return false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	return true
}
