package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// RandomBytes fills and returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("pairing: random bytes: %w", err)
	}
	return b, nil
}

// HKDFSHA256 is RFC-5869 HKDF with SHA-256, returning outLen derived
// bytes from ikm/salt/info. Deterministic: the same inputs always
// yield the same output.
func HKDFSHA256(ikm, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("pairing: hkdf: %w", err)
	}
	return out, nil
}

// pskSalt and pskInfo are PSK derivation's fixed parameters; they are
// public constants, not secrets.
const (
	pskSalt = "familyvault-psk-v1"
	pskInfo = "tls13-psk"

	pinSalt = "familyvault-pin"
	pinInfo = "pin-derivation"
)

// DerivePSK derives the 32-byte TLS-PSK from the family secret. Bit
// identical on every device holding the same familySecret.
func DerivePSK(familySecret []byte) ([]byte, error) {
	return HKDFSHA256(familySecret, []byte(pskSalt), []byte(pskInfo), 32)
}

// GeneratePin derives the deterministic 6-digit PIN from
// (familySecret, nonce): HKDF(familySecret‖nonce, "familyvault-pin",
// "pin-derivation", 4 bytes) reduced modulo 10^6, zero-padded.
func GeneratePin(familySecret, nonce []byte) (string, error) {
	ikm := append(append([]byte{}, familySecret...), nonce...)
	derived, err := HKDFSHA256(ikm, []byte(pinSalt), []byte(pinInfo), 4)
	if err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(derived) % 1_000_000
	return fmt.Sprintf("%06d", n), nil
}

// NewUUIDv4 returns a random UUIDv4 string, lowercase with dashes.
func NewUUIDv4() string {
	return uuid.New().String()
}
