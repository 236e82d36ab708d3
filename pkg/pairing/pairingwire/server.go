// Package pairingwire is the plaintext pre-TLS request/response
// transport spec.md §4.3 uses exclusively to hand the FamilySecret to a
// joining device under the authority of a one-time PIN: one framed
// request in, one framed response out, then close.
package pairingwire

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/wire"
)

// DefaultPort is the fixed default pairing port from spec.md §6.
const DefaultPort = 45680

// connDeadline bounds the entire lifetime of one pairing connection,
// from accept to close.
const connDeadline = 10 * time.Second

// Handler answers one decoded PairingRequest with the response to send
// back. It never blocks on anything but the session/crypto state it
// consults — the server applies the wire-level deadline around it.
type Handler func(req wire.PairingRequest) wire.PairingResponse

// Server accepts pairing connections serially — pairing is a rare,
// low-frequency operation, so there is no accept-loop concurrency here
// the way there is in pkg/coordinator.
type Server struct {
	listener net.Listener
	handler  Handler
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// Listen binds addr (":45680" style) and returns a Server that is not
// yet accepting; call Serve to run the accept loop.
func Listen(addr string, handler Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pairingwire: listen %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{listener: ln, handler: handler, ctx: ctx, cancel: cancel, done: make(chan struct{})}, nil
}

// Addr returns the bound address, letting callers discover an
// OS-assigned port.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve runs the accept loop until Stop is called. Intended to be run
// in its own goroutine.
func (s *Server) Serve() {
	defer close(s.done)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("pairingwire: accept error: %v", err)
				continue
			}
		}
		s.handleConn(conn)
	}
}

// handleConn serves exactly one request/response exchange, serially,
// on the accepting goroutine — no per-connection goroutine, since
// pairing connections must not overlap.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	req, err := readOneFrame(conn)
	if err != nil {
		log.Printf("pairingwire: read request: %v", err)
		writeErrorResponse(conn, wire.PairingErrParseError, err.Error())
		return
	}
	if req.Type != wire.MsgPairingRequest {
		writeErrorResponse(conn, wire.PairingErrInvalidRequest, "expected PairingRequest")
		return
	}

	var pr wire.PairingRequest
	if err := wire.DecodeJSON(req, &pr); err != nil {
		writeErrorResponse(conn, wire.PairingErrParseError, err.Error())
		return
	}

	resp := s.handler(pr)
	if err := writeResponse(conn, resp); err != nil {
		log.Printf("pairingwire: write response: %v", err)
	}
}

// Stop closes the listener and waits for the accept loop to exit.
func (s *Server) Stop() {
	s.cancel()
	s.listener.Close()
	<-s.done
}

func writeErrorResponse(conn net.Conn, code wire.PairingErrorCode, msg string) {
	writeResponse(conn, wire.PairingResponse{Success: false, ErrorCode: code, ErrorMessage: msg})
}

func writeResponse(conn net.Conn, resp wire.PairingResponse) error {
	buf, err := wire.EncodeJSON(wire.MsgPairingResponse, "", resp)
	if err != nil {
		return fmt.Errorf("pairingwire: encode response: %w", err)
	}
	_, err = conn.Write(buf)
	return err
}

// readOneFrame reads from conn, accumulating bytes through a Framer,
// until exactly one complete frame is assembled.
func readOneFrame(conn net.Conn) (wire.Frame, error) {
	var fr wire.Framer
	buf := make([]byte, 4096)
	for {
		if f, ok, err := fr.Next(); err != nil {
			return wire.Frame{}, err
		} else if ok {
			return f, nil
		}
		n, err := conn.Read(buf)
		if err != nil {
			return wire.Frame{}, fmt.Errorf("pairingwire: read: %w", err)
		}
		fr.Push(buf[:n])
	}
}
