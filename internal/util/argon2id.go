package util

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams are the cost parameters of an argon2id derivation. They are
// encoded alongside every stored hash so verification always uses the
// parameters the hash was created with.
type Argon2idParams struct {
	Time        uint32 `json:"time" mapstructure:"time"`
	MemoryKiB   uint32 `json:"memory" mapstructure:"memory"`
	Parallelism uint8  `json:"parallelism" mapstructure:"parallelism"`
	SaltLen     uint32 `json:"salt_len" mapstructure:"salt_len"`
	KeyLen      uint32 `json:"key_len" mapstructure:"key_len"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		SaltLen:     16,
		KeyLen:      32,
	}
}

const (
	minArgon2idMemoryKiB uint32 = 8 * 1024
	minArgon2idSaltLen   uint32 = 16
	minArgon2idKeyLen    uint32 = 16
)

// Validate rejects parameters below the floor accepted for account passwords.
func (p Argon2idParams) Validate() error {
	switch {
	case p.Time < 1:
		return fmt.Errorf("argon2id time must be at least 1")
	case p.MemoryKiB < minArgon2idMemoryKiB:
		return fmt.Errorf("argon2id memory must be at least %d KiB", minArgon2idMemoryKiB)
	case p.Parallelism < 1:
		return fmt.Errorf("argon2id parallelism must be at least 1")
	case p.SaltLen < minArgon2idSaltLen:
		return fmt.Errorf("argon2id salt must be at least %d bytes", minArgon2idSaltLen)
	case p.KeyLen < minArgon2idKeyLen:
		return fmt.Errorf("argon2id key length must be at least %d bytes", minArgon2idKeyLen)
	}
	return nil
}

// Weaker reports whether p costs less than other on any axis.
func (p Argon2idParams) Weaker(other Argon2idParams) bool {
	return p.Time < other.Time ||
		p.MemoryKiB < other.MemoryKiB ||
		p.Parallelism < other.Parallelism ||
		p.KeyLen != other.KeyLen
}

func DeriveArgon2idKey(passphrase string, salt []byte, params Argon2idParams) ([]byte, error) {
	if params.KeyLen == 0 {
		return nil, fmt.Errorf("argon2id key length must be non-zero")
	}
	key := argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	return key, nil
}

func CompareArgon2idKey(passphrase string, salt []byte, params Argon2idParams, expectedKey []byte) (bool, error) {
	key, err := DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return false, err
	}
	defer WipeBytes(key)
	return subtle.ConstantTimeCompare(key, expectedKey) == 1, nil
}
