package util

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// RandomBytes returns n bytes read from the operating system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomString draws n random bytes and maps each one onto alphabet by its
// top bits. alphabet must hold exactly 32 symbols, so every output character
// carries 5 bits of entropy and no modulo bias is introduced.
func RandomString(n int, alphabet string) (string, error) {
	if len(alphabet) != 32 {
		return "", fmt.Errorf("alphabet must have 32 symbols, got %d", len(alphabet))
	}
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	defer WipeBytes(b)

	var sb strings.Builder
	sb.Grow(n)
	for _, v := range b {
		sb.WriteByte(alphabet[v>>3])
	}
	return sb.String(), nil
}
