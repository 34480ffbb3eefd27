package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/theapp/server/internal/util"
)

// PasswordParams configures Argon2id password hashing.
type PasswordParams = util.Argon2idParams

// DefaultPasswordParams returns the production Argon2id parameters.
func DefaultPasswordParams() PasswordParams {
	return util.DefaultArgon2idParams()
}

// ErrMalformedHash is returned when a stored hash is not a PHC-formatted
// argon2id string.
var ErrMalformedHash = errors.New("malformed password hash")

var b64 = base64.RawStdEncoding

// PasswordHasher hashes and verifies account passwords.
type PasswordHasher struct {
	params PasswordParams
}

// NewPasswordHasher returns a hasher that creates new hashes with params.
// Existing hashes are always verified with the parameters encoded in them.
func NewPasswordHasher(params PasswordParams) (*PasswordHasher, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid password params: %w", err)
	}
	return &PasswordHasher{params: params}, nil
}

func (h *PasswordHasher) Params() PasswordParams {
	return h.params
}

// HashPassword returns the PHC encoding
// $argon2id$v=19$m=<m>,t=<t>,p=<p>$<salt>$<hash> of plaintext.
func (h *PasswordHasher) HashPassword(plaintext string) (string, error) {
	salt, err := util.RandomBytes(int(h.params.SaltLen))
	if err != nil {
		return "", err
	}
	key, err := util.DeriveArgon2idKey(util.Normalize(plaintext), salt, h.params)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.MemoryKiB, h.params.Time, h.params.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// VerifyPassword reports whether plaintext matches encoded. A mismatch is
// (false, nil); an unparseable hash is an error.
func (h *PasswordHasher) VerifyPassword(plaintext, encoded string) (bool, error) {
	params, salt, key, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	return util.CompareArgon2idKey(util.Normalize(plaintext), salt, params, key)
}

// NeedsRehash reports whether encoded was produced with weaker parameters
// than the hasher's current ones. Unparseable hashes always need a rehash.
func (h *PasswordHasher) NeedsRehash(encoded string) bool {
	params, _, _, err := decodeHash(encoded)
	if err != nil {
		return true
	}
	return params.Weaker(h.params)
}

func decodeHash(encoded string) (PasswordParams, []byte, []byte, error) {
	var params PasswordParams

	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return params, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return params, nil, nil, fmt.Errorf("%w: version: %v", ErrMalformedHash, err)
	}
	if version != argon2.Version {
		return params, nil, nil, fmt.Errorf("%w: unsupported argon2 version %d", ErrMalformedHash, version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.MemoryKiB, &params.Time, &params.Parallelism); err != nil {
		return params, nil, nil, fmt.Errorf("%w: params: %v", ErrMalformedHash, err)
	}
	if params.Time == 0 || params.MemoryKiB == 0 || params.Parallelism == 0 {
		return params, nil, nil, fmt.Errorf("%w: zero cost parameter", ErrMalformedHash)
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, fmt.Errorf("%w: salt: %v", ErrMalformedHash, err)
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return params, nil, nil, fmt.Errorf("%w: hash: %v", ErrMalformedHash, err)
	}
	if len(key) == 0 {
		return params, nil, nil, fmt.Errorf("%w: empty hash", ErrMalformedHash)
	}
	params.SaltLen = uint32(len(salt))
	params.KeyLen = uint32(len(key))
	return params, salt, key, nil
}
