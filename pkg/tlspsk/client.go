package tlspsk

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// HandshakeTimeout bounds dial + TLS handshake.
const HandshakeTimeout = 5 * time.Second

// ReadTimeout is the per-read deadline callers should apply to the
// returned connection once established.
const ReadTimeout = 30 * time.Second

// identityProtoPrefix namespaces the ALPN protocol string carrying the
// client's PSK identity, since ALPN is the only pre-handshake-complete
// channel crypto/tls exposes in the client-to-server direction — the
// stand-in for the real TLS-PSK identity extension.
const identityProtoPrefix = "fv-id."

// Dial connects to addr, presents identity as this client's PSK
// identity, and completes a TLS 1.3 handshake pinned to the PSK's
// derived server certificate. The returned net.Conn carries
// application bytes once this returns.
func Dial(addr string, psk []byte, identity string) (*tls.Conn, error) {
	clientCert, err := derivedCertificate(psk, roleClient)
	if err != nil {
		return nil, err
	}
	verify, err := pinnedVerifier(psk, roleServer)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:            tls.VersionTLS13,
		Certificates:          []tls.Certificate{clientCert},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verify,
		NextProtos:            []string{identityProtoPrefix + identity},
	}

	dialer := &net.Dialer{Timeout: HandshakeTimeout}
	rawConn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tlspsk: dial %s: %w", addr, err)
	}

	conn := tls.Client(rawConn, cfg)
	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	if err := conn.Handshake(); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("tlspsk: handshake with %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}
