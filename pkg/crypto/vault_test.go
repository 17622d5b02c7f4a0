package crypto

import (
	"errors"
	"regexp"
	"strings"
	"testing"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault("test-encryption-key")
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	return v
}

func TestVaultRoundTrip(t *testing.T) {
	v := newTestVault(t)
	for _, secret := range []string{"p", "hunter2", strings.Repeat("x", 16), "pässwörd with spaces"} {
		payload, err := v.Encrypt(secret)
		if err != nil {
			t.Fatalf("encrypt %q: %v", secret, err)
		}
		got, err := v.Decrypt(payload)
		if err != nil {
			t.Fatalf("decrypt %q: %v", secret, err)
		}
		if got != secret {
			t.Fatalf("round trip mismatch: want %q got %q", secret, got)
		}
	}
}

func TestVaultPayloadFormat(t *testing.T) {
	v := newTestVault(t)
	payload, err := v.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	format := regexp.MustCompile(`^[0-9a-f]{32}:([0-9a-f]{32})+$`)
	if !format.MatchString(payload) {
		t.Fatalf("unexpected payload format %q", payload)
	}
	again, _ := v.Encrypt("secret")
	if again == payload {
		t.Fatalf("expected a fresh iv per encryption")
	}
}

func TestVaultRejectsEmptyInput(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Decrypt(""); !errors.Is(err, ErrEmptyCiphertext) {
		t.Fatalf("expected ErrEmptyCiphertext, got %v", err)
	}
	if _, err := v.Decrypt("   "); !errors.Is(err, ErrEmptyCiphertext) {
		t.Fatalf("expected ErrEmptyCiphertext for whitespace, got %v", err)
	}
	if _, err := v.Encrypt(""); !errors.Is(err, ErrEmptyPlaintext) {
		t.Fatalf("expected ErrEmptyPlaintext, got %v", err)
	}
	if _, err := NewVault(" "); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}

func TestVaultRejectsMalformedPayloads(t *testing.T) {
	v := newTestVault(t)
	cases := []string{
		"no-separator",
		"zz:00",
		"00112233:00112233445566778899aabbccddeeff",
		"00112233445566778899aabbccddeeff:0011",
		"00112233445566778899aabbccddeeff:",
	}
	for _, payload := range cases {
		if _, err := v.Decrypt(payload); !errors.Is(err, ErrMalformedCiphertext) {
			t.Fatalf("payload %q: expected ErrMalformedCiphertext, got %v", payload, err)
		}
	}
}

func TestVaultWrongKeyFails(t *testing.T) {
	v := newTestVault(t)
	payload, err := v.Encrypt("server-password")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	other, err := NewVault("another-key")
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	got, err := other.Decrypt(payload)
	if err == nil && got == "server-password" {
		t.Fatalf("decryption with the wrong key must not reveal the secret")
	}
	if v.Valid("garbage") {
		t.Fatalf("garbage payload reported as valid")
	}
	if !v.Valid(payload) {
		t.Fatalf("payload should be valid under its own key")
	}
}

func TestRandomPasswordAlphabet(t *testing.T) {
	pw, err := RandomPassword(32)
	if err != nil {
		t.Fatalf("RandomPassword: %v", err)
	}
	if len(pw) != 32 {
		t.Fatalf("expected 32 chars, got %d", len(pw))
	}
	if strings.Trim(pw, passwordAlphabet) != "" {
		t.Fatalf("password contains characters outside the alphabet: %q", pw)
	}
}
