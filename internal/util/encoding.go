package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFKD form of s so that visually identical passwords
// typed on different platforms hash identically.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// NormalizeEmail trims and lower-cases an email address. Lookups, uniqueness
// checks and storage all go through this form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
