package util

import (
	"bytes"
	"strings"
	"testing"
)

func testParams() Argon2idParams {
	return Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, SaltLen: 16, KeyLen: 32}
}

func TestArgon2id(t *testing.T) {
	salt := bytes.Repeat([]byte{0x42}, 16)
	params := testParams()

	t.Run("Deterministic", func(t *testing.T) {
		k1, err := DeriveArgon2idKey("correct horse", salt, params)
		if err != nil {
			t.Fatalf("DeriveArgon2idKey failed: %v", err)
		}
		k2, err := DeriveArgon2idKey("correct horse", salt, params)
		if err != nil {
			t.Fatalf("DeriveArgon2idKey failed: %v", err)
		}
		if !bytes.Equal(k1, k2) {
			t.Error("expected identical keys for identical input")
		}
		if len(k1) != int(params.KeyLen) {
			t.Errorf("expected key length %d, got %d", params.KeyLen, len(k1))
		}
	})

	t.Run("Compare", func(t *testing.T) {
		key, _ := DeriveArgon2idKey("correct horse", salt, params)
		ok, err := CompareArgon2idKey("correct horse", salt, params, key)
		if err != nil || !ok {
			t.Fatalf("expected match, got ok=%v err=%v", ok, err)
		}
		ok, err = CompareArgon2idKey("battery staple", salt, params, key)
		if err != nil || ok {
			t.Fatalf("expected mismatch, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("RejectZeroKeyLen", func(t *testing.T) {
		p := params
		p.KeyLen = 0
		if _, err := DeriveArgon2idKey("x", salt, p); err == nil {
			t.Error("expected error for zero key length")
		}
	})
}

func TestArgon2idParamsValidate(t *testing.T) {
	if err := DefaultArgon2idParams().Validate(); err != nil {
		t.Fatalf("default params should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Argon2idParams)
	}{
		{"time", func(p *Argon2idParams) { p.Time = 0 }},
		{"memory", func(p *Argon2idParams) { p.MemoryKiB = 1024 }},
		{"parallelism", func(p *Argon2idParams) { p.Parallelism = 0 }},
		{"salt", func(p *Argon2idParams) { p.SaltLen = 8 }},
		{"key", func(p *Argon2idParams) { p.KeyLen = 8 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultArgon2idParams()
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Errorf("expected validation error for weak %s", tt.name)
			}
		})
	}
}

func TestArgon2idParamsWeaker(t *testing.T) {
	base := DefaultArgon2idParams()
	if base.Weaker(base) {
		t.Error("params should not be weaker than themselves")
	}
	weak := base
	weak.MemoryKiB /= 2
	if !weak.Weaker(base) {
		t.Error("halved memory should be weaker")
	}
}

func TestRandomString(t *testing.T) {
	const alphabet = "abcdefghijkmnpqrstuvwxyz23456789"

	s, err := RandomString(24, alphabet)
	if err != nil {
		t.Fatalf("RandomString failed: %v", err)
	}
	if len(s) != 24 {
		t.Fatalf("expected 24 chars, got %d", len(s))
	}
	for _, r := range s {
		if !strings.ContainsRune(alphabet, r) {
			t.Fatalf("unexpected character %q", r)
		}
	}

	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		s, _ := RandomString(24, alphabet)
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate random string after %d draws", i)
		}
		seen[s] = struct{}{}
	}

	if _, err := RandomString(4, "abc"); err == nil {
		t.Error("expected error for short alphabet")
	}
}

func TestRandomBytes(t *testing.T) {
	b1, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	b2, _ := RandomBytes(32)
	if len(b1) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(b1))
	}
	if bytes.Equal(b1, b2) {
		t.Error("two random draws should differ")
	}
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("expected zeroed slice, got %v", b)
	}
}

func TestNormalize(t *testing.T) {
	// U+00E9 (precomposed) and U+0065 U+0301 (decomposed) are the same "é".
	if Normalize("caf\u00e9") != Normalize("cafe\u0301") {
		t.Error("expected equivalent forms to normalize identically")
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  A@Example.COM "); got != "a@example.com" {
		t.Errorf("got %q", got)
	}
}
