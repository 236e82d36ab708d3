package coordinator

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/peerconn"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/tlspsk"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/wire"
)

func testPSK() []byte {
	return []byte("coordinator-test-psk-32-bytes!!!")[:32]
}

func TestStartFallsBackWhenPreferredPortTaken(t *testing.T) {
	a := New("dev-a", "A", wire.DeviceDesktop, testPSK(), Callbacks{})
	if err := a.Start(0); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer a.Stop()

	b := New("dev-b", "B", wire.DeviceDesktop, testPSK(), Callbacks{})
	if err := b.Start(a.Port()); err != nil {
		t.Fatalf("second Start (expected fallback): %v", err)
	}
	defer b.Stop()

	if b.Port() == a.Port() {
		t.Errorf("expected coordinator b to fall back to a different port")
	}
}

func TestConnectToAddressRegistersBothSides(t *testing.T) {
	var mu sync.Mutex
	var serverConnectedID string
	serverDone := make(chan struct{}, 1)

	server := New("dev-server", "Server", wire.DeviceDesktop, testPSK(), Callbacks{
		OnPeerConnected: func(deviceID string, _ *peerconn.Conn) {
			mu.Lock()
			serverConnectedID = deviceID
			mu.Unlock()
			select {
			case serverDone <- struct{}{}:
			default:
			}
		},
	})
	if err := server.Start(0); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	defer server.Stop()

	client := New("dev-client", "Client", wire.DeviceDesktop, testPSK(), Callbacks{})
	if _, err := client.ConnectToAddress(fmt.Sprintf("127.0.0.1:%d", server.Port())); err != nil {
		t.Fatalf("ConnectToAddress: %v", err)
	}
	defer client.Stop()

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never observed inbound connection")
	}

	mu.Lock()
	defer mu.Unlock()
	if serverConnectedID != "dev-client" {
		t.Errorf("server connected to %q, want dev-client", serverConnectedID)
	}

	if len(client.ConnectedDeviceIDs()) != 1 {
		t.Errorf("client registry size = %d, want 1", len(client.ConnectedDeviceIDs()))
	}
}

// TestInboundIdentityMismatchFiresOnError drives a real TLS-PSK
// handshake against a coordinator's listener where the connecting side
// announces a DeviceInfo.DeviceID that differs from its TLS-PSK
// identity, and asserts OnError fires mentioning the identity mismatch
// rather than the connection silently failing.
func TestInboundIdentityMismatchFiresOnError(t *testing.T) {
	psk := testPSK()

	var mu sync.Mutex
	var gotDeviceID string
	var gotErr error
	done := make(chan struct{}, 1)

	server := New("dev-server-3", "Server", wire.DeviceDesktop, psk, Callbacks{
		OnError: func(deviceID string, err error) {
			mu.Lock()
			gotDeviceID = deviceID
			gotErr = err
			mu.Unlock()
			select {
			case done <- struct{}{}:
			default:
			}
		},
	})
	if err := server.Start(0); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	defer server.Stop()

	tlsConn, err := tlspsk.Dial(fmt.Sprintf("127.0.0.1:%d", server.Port()), psk, "spoofer-tls-identity")
	if err != nil {
		t.Fatalf("tlspsk.Dial: %v", err)
	}
	defer tlsConn.Close()

	spoofed := wire.DeviceInfo{
		DeviceID:        "spoofer-announced-identity",
		DeviceName:      "Spoofer",
		DeviceType:      wire.DeviceDesktop,
		ProtocolVersion: wire.ProtocolVersion,
	}
	buf, err := wire.EncodeJSON(wire.MsgDeviceInfo, "", spoofed)
	if err != nil {
		t.Fatalf("EncodeJSON: %v", err)
	}
	if _, err := tlsConn.Write(buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnError never fired for the identity mismatch")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotDeviceID != "spoofer-tls-identity" {
		t.Errorf("OnError deviceID = %q, want the TLS-PSK identity spoofer-tls-identity", gotDeviceID)
	}
	if gotErr == nil || !strings.Contains(gotErr.Error(), "identity mismatch") {
		t.Errorf("OnError err = %v, want it to mention identity mismatch", gotErr)
	}
}

func TestDisconnectAllClearsRegistry(t *testing.T) {
	server := New("dev-server-2", "Server", wire.DeviceDesktop, testPSK(), Callbacks{})
	if err := server.Start(0); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	defer server.Stop()

	client := New("dev-client-2", "Client", wire.DeviceDesktop, testPSK(), Callbacks{})
	if _, err := client.ConnectToAddress(fmt.Sprintf("127.0.0.1:%d", server.Port())); err != nil {
		t.Fatalf("ConnectToAddress: %v", err)
	}

	client.DisconnectAll()
	time.Sleep(100 * time.Millisecond)

	if n := len(client.ConnectedDeviceIDs()); n != 0 {
		t.Errorf("expected empty registry after DisconnectAll, got %d entries", n)
	}
}
