package tlspsk

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"
)

// IdentityValidator runs against the client's announced PSK identity
// before the connection is handed to the caller; returning false drops
// the socket. Modeled as a function value per spec.md §9's "Dynamic
// dispatch" note.
type IdentityValidator func(identity string) bool

// Server accepts TCP connections and completes the PSK-pinned TLS 1.3
// handshake on each, capturing the peer's announced identity.
type Server struct {
	listener  net.Listener
	tlsConfig *tls.Config
	validator IdentityValidator
}

// Listen binds addr, configuring the PSK-derived server certificate
// and client-certificate pinning. validator may be nil to accept any
// identity (the coordinator passes nil).
func Listen(addr string, psk []byte, validator IdentityValidator) (*Server, error) {
	serverCert, err := derivedCertificate(psk, roleServer)
	if err != nil {
		return nil, err
	}
	verify, err := pinnedVerifier(psk, roleClient)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:            tls.VersionTLS13,
		Certificates:          []tls.Certificate{serverCert},
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verify,
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			// Echo back whatever single ALPN protocol the client
			// offered (its identity string) so negotiation succeeds
			// without the server needing to know identities up front.
			clone := cfg.Clone()
			clone.NextProtos = hello.SupportedProtos
			return clone, nil
		},
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tlspsk: listen %s: %w", addr, err)
	}
	return &Server{listener: ln, tlsConfig: cfg, validator: validator}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

// Accept blocks for the next inbound connection, completes its TLS
// handshake, and returns it along with the peer's announced identity.
// A handshake failure or a validator rejection closes the socket and
// returns an error; the coordinator's accept loop is expected to log
// and continue rather than treat this as fatal.
func (s *Server) Accept() (*tls.Conn, string, error) {
	rawConn, err := s.listener.Accept()
	if err != nil {
		return nil, "", err
	}

	conn := tls.Server(rawConn, s.tlsConfig)
	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	if err := conn.Handshake(); err != nil {
		rawConn.Close()
		return nil, "", fmt.Errorf("tlspsk: handshake from %s: %w", rawConn.RemoteAddr(), err)
	}
	conn.SetDeadline(time.Time{})

	identity := strings.TrimPrefix(conn.ConnectionState().NegotiatedProtocol, identityProtoPrefix)
	if identity == "" {
		conn.Close()
		return nil, "", fmt.Errorf("tlspsk: peer did not announce a PSK identity")
	}

	if s.validator != nil && !s.validator(identity) {
		conn.Close()
		return nil, "", fmt.Errorf("tlspsk: identity %q rejected by validator", identity)
	}

	return conn, identity, nil
}
