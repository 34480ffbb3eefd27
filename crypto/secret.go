package crypto

import (
	"crypto/sha256"
	"crypto/subtle"

	"github.com/theapp/server/internal/util"
)

// SecretAlphabet is the 32-symbol alphabet used for session ids and
// secrets. It leaves out 0, o, 1 and l, and has no upper case letters.
const SecretAlphabet = "abcdefghijkmnpqrstuvwxyz23456789"

const secretLen = 24

// GenerateSecret returns a random 24-character string over SecretAlphabet
// (120 bits of entropy).
func GenerateSecret() (string, error) {
	return util.RandomString(secretLen, SecretAlphabet)
}

// HashSecret returns the SHA-256 digest of secret.
func HashSecret(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
