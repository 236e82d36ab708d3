package pairingwire

import (
	"fmt"
	"net"
	"time"

	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/wire"
)

// clientDeadline is the total budget for dial + write + read.
const clientDeadline = 10 * time.Second

// Request dials host:port, sends req, and returns the single decoded
// PairingResponse — or a network error if the deadline elapses first.
func Request(host string, port int, req wire.PairingRequest) (wire.PairingResponse, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	deadline := time.Now().Add(clientDeadline)
	conn, err := net.DialTimeout("tcp", addr, clientDeadline)
	if err != nil {
		return wire.PairingResponse{}, fmt.Errorf("pairingwire: dial %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	buf, err := wire.EncodeJSON(wire.MsgPairingRequest, "", req)
	if err != nil {
		return wire.PairingResponse{}, fmt.Errorf("pairingwire: encode request: %w", err)
	}
	if _, err := conn.Write(buf); err != nil {
		return wire.PairingResponse{}, fmt.Errorf("pairingwire: write request: %w", err)
	}

	frame, err := readOneFrame(conn)
	if err != nil {
		return wire.PairingResponse{}, fmt.Errorf("pairingwire: read response: %w", err)
	}
	if frame.Type != wire.MsgPairingResponse {
		return wire.PairingResponse{}, fmt.Errorf("pairingwire: unexpected response type %s", frame.Type)
	}

	var resp wire.PairingResponse
	if err := wire.DecodeJSON(frame, &resp); err != nil {
		return wire.PairingResponse{}, fmt.Errorf("pairingwire: decode response: %w", err)
	}
	return resp, nil
}
