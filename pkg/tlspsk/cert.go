// Package tlspsk implements spec.md §4.5's secure channel: a TLS 1.3
// connection whose handshake proves both sides hold the same family
// PSK.
//
// Go's standard crypto/tls does not implement the raw PSK cipher
// suites from RFC 4279/4785 (TLS-PSK), only session-ticket resumption
// PSKs layered on top of a normal certificate handshake. This package
// reproduces the spec's actual security property — "successful
// handshake is a proof the peer possesses the family secret" — with
// deterministic self-signed certificates: each role (client, server)
// derives its own ed25519 keypair from the PSK via HKDF, and each side
// pins its peer's certificate to the public key it independently
// recomputes from the same PSK. A connection only completes if both
// ends derived the same PSK. See DESIGN.md for the Open Questions
// entry recording this decision.
package tlspsk

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/hkdf"
	"crypto/sha256"
	"io"
)

// certInfo, together with the role string used as the HKDF salt,
// namespaces the derivation so the client and server roles end up with
// distinct, non-interchangeable keys even though they share the same
// PSK.
const certInfo = "familyvault-tlspsk-cert-v1"

const (
	roleClient = "client"
	roleServer = "server"
)

// AllowedCipherSuites are the two suites spec.md §4.5 permits. Go's
// crypto/tls does not expose cipher-suite selection for TLS 1.3 (it
// always offers AES-256-GCM, ChaCha20-Poly1305, and AES-128-GCM); this
// list is kept for documentation and for any future transport that
// does expose the choice.
var AllowedCipherSuites = []uint16{
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
}

// derivedKey returns the deterministic ed25519 private key for role,
// given the family PSK.
func derivedKey(psk []byte, role string) (ed25519.PrivateKey, error) {
	r := hkdf.New(sha256.New, psk, []byte(role), []byte(certInfo))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("tlspsk: derive %s key: %w", role, err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// DerivedPublicKey returns the deterministic public key for role,
// letting a verifier recompute the key it expects its peer to present
// without generating a private key.
func DerivedPublicKey(psk []byte, role string) (ed25519.PublicKey, error) {
	priv, err := derivedKey(psk, role)
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// derivedCertificate builds a self-signed tls.Certificate for role
// from psk. The certificate's validity window is fixed and wide
// because it only ever needs to pass the custom VerifyPeerCertificate
// pinning check below, never a normal CA chain.
func derivedCertificate(psk []byte, role string) (tls.Certificate, error) {
	priv, err := derivedKey(psk, role)
	if err != nil {
		return tls.Certificate{}, err
	}
	pub := priv.Public().(ed25519.PublicKey)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "familyvault-" + role},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).AddDate(50, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(newDeterministicReader(psk, role), template, template, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlspsk: create %s certificate: %w", role, err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

// newDeterministicReader returns an io.Reader of HKDF output keyed on
// (psk, role, "cert-serial"), used as x509.CreateCertificate's random
// source so repeated calls with the same PSK produce byte-identical
// certificates (ed25519 signing itself is already deterministic; the
// serial/signature randomness source is the only other input).
func newDeterministicReader(psk []byte, role string) io.Reader {
	return hkdf.New(sha256.New, psk, []byte(role), []byte("familyvault-tlspsk-cert-serial"))
}

// pinnedVerifier returns a tls.Config.VerifyPeerCertificate callback
// that accepts the connection only if the peer's leaf certificate
// carries exactly the ed25519 public key derived for expectedRole.
func pinnedVerifier(psk []byte, expectedRole string) (func(rawCerts [][]byte, _ [][]*x509.Certificate) error, error) {
	expected, err := DerivedPublicKey(psk, expectedRole)
	if err != nil {
		return nil, err
	}
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("tlspsk: peer presented no certificate")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("tlspsk: parse peer certificate: %w", err)
		}
		pub, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("tlspsk: peer certificate key is not ed25519")
		}
		if !pub.Equal(expected) {
			return fmt.Errorf("tlspsk: peer certificate does not match PSK-derived key (not a family member)")
		}
		return nil
	}, nil
}
