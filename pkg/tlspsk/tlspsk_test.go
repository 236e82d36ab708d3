package tlspsk

import (
	"testing"
)

func TestHandshakeWithMatchingPSK(t *testing.T) {
	psk := []byte("0123456789abcdef0123456789abcdef")[:32]

	srv, err := Listen("127.0.0.1:0", psk, nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer srv.Close()

	type acceptResult struct {
		identity string
		err      error
	}
	results := make(chan acceptResult, 1)
	go func() {
		_, identity, err := srv.Accept()
		results <- acceptResult{identity, err}
	}()

	conn, err := Dial(srv.Addr().String(), psk, "device-client-1")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	res := <-results
	if res.err != nil {
		t.Fatalf("Accept failed: %v", res.err)
	}
	if res.identity != "device-client-1" {
		t.Errorf("server observed identity %q, want device-client-1", res.identity)
	}
}

func TestHandshakeFailsWithMismatchedPSK(t *testing.T) {
	pskA := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	pskB := []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	srv, err := Listen("127.0.0.1:0", pskA, nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer srv.Close()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := srv.Accept()
		errCh <- err
	}()

	_, err = Dial(srv.Addr().String(), pskB, "device-client-2")
	if err == nil {
		t.Fatalf("expected handshake failure with mismatched PSK")
	}
	<-errCh
}

func TestValidatorRejectsIdentity(t *testing.T) {
	psk := []byte("cccccccccccccccccccccccccccccccc")[:32]

	srv, err := Listen("127.0.0.1:0", psk, func(identity string) bool {
		return identity == "allowed-device"
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer srv.Close()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := srv.Accept()
		errCh <- err
	}()

	conn, err := Dial(srv.Addr().String(), psk, "disallowed-device")
	if err == nil {
		conn.Close()
	}

	if acceptErr := <-errCh; acceptErr == nil {
		t.Fatalf("expected server to reject disallowed identity")
	}
}

func TestDerivedPublicKeyDeterministic(t *testing.T) {
	psk := []byte("dddddddddddddddddddddddddddddddd")[:32]
	k1, err := DerivedPublicKey(psk, roleServer)
	if err != nil {
		t.Fatalf("DerivedPublicKey failed: %v", err)
	}
	k2, err := DerivedPublicKey(psk, roleServer)
	if err != nil {
		t.Fatalf("DerivedPublicKey failed: %v", err)
	}
	if !k1.Equal(k2) {
		t.Errorf("DerivedPublicKey not deterministic")
	}
}
