package account

import (
	"fmt"
	"unicode/utf8"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 255
)

// ValidatePassword enforces the sign-up password rules. Length is counted
// in characters.
func ValidatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < minPasswordLen {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, minPasswordLen)
	}
	if n > maxPasswordLen {
		return fmt.Errorf("%w: must be at most %d characters", ErrWeakPassword, maxPasswordLen)
	}

	var lower, upper, digit, special bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		default:
			special = true
		}
	}
	switch {
	case !lower:
		return fmt.Errorf("%w: must contain at least one lowercase letter", ErrWeakPassword)
	case !upper:
		return fmt.Errorf("%w: must contain at least one uppercase letter", ErrWeakPassword)
	case !digit:
		return fmt.Errorf("%w: must contain at least one number", ErrWeakPassword)
	case !special:
		return fmt.Errorf("%w: must contain at least one special character", ErrWeakPassword)
	}
	return nil
}
