// Package peerconn implements spec.md §4.6: the per-peer connection
// lifecycle over a TLS-PSK channel — device-info exchange and identity
// binding, the heartbeat and receive loops, request/response
// correlation, and self-join-aware teardown.
package peerconn

import (
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/DmitryKorepanov/FamilyVault-sub000/internal/ferr"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/tlspsk"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/wire"
	"github.com/google/uuid"
)

// State is a PeerConnection's lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateError:
		return "Error"
	default:
		return "Disconnected"
	}
}

const (
	deviceInfoTimeout  = 10 * time.Second
	heartbeatInterval  = 30 * time.Second
	heartbeatDeadline  = 90 * time.Second
	defaultWaitTimeout = 5 * time.Second
	readBufSize        = 32 * 1024
)

// pendingSlot is a waiter for one in-flight sendAndWait call.
type pendingSlot struct {
	ch chan wire.Frame
}

// Callbacks groups the handles a Conn reports through. All may be
// invoked concurrently from multiple internal goroutines.
type Callbacks struct {
	OnStateChange func(old, new State)
	// OnMessage receives the Conn itself alongside the frame so callers
	// that need the peer's deviceId don't have to capture a reference
	// to the Conn their own constructor call hasn't returned yet — a
	// real race, since the receive loop starts before Dial/Accept
	// returns.
	OnMessage func(c *Conn, f wire.Frame)
	OnError       func(err error)
}

// Conn owns one established TLS-PSK stream to a single peer.
type Conn struct {
	ferr.LastErrorHolder

	localDeviceID   string
	localDeviceName string
	localDeviceType wire.DeviceType

	peer wire.DeviceInfo

	// isServerSide is true when this Conn was accepted by the
	// coordinator's listener — only the server side verifies the
	// announced deviceId against the TLS-PSK identity (spec.md §4.6
	// step 4); the client trusts the server's announced identity
	// because TLS-PSK only transmits identity client→server.
	isServerSide bool
	tlsIdentity  string

	tlsConn *tls.Conn
	tlsMu   sync.Mutex // guards Close and concurrent writes racing teardown

	sendMu sync.Mutex // serializes the send path; TLS writes may be partial

	stateMu sync.Mutex
	state   State

	lastReceivedMu sync.Mutex
	lastReceived   time.Time

	pendingMu sync.Mutex
	pending   map[string]*pendingSlot

	cb Callbacks

	receiveDone  chan struct{}
	heartbeatDone chan struct{}
	stopHeartbeat chan struct{}
}

// newConn constructs a Conn in StateConnecting around an already
// TLS-handshaken stream; callers (Dial/Accept below) still need to run
// the device-info exchange before the connection is usable.
func newConn(tlsConn *tls.Conn, localID, localName string, localType wire.DeviceType, isServerSide bool, tlsIdentity string, cb Callbacks) *Conn {
	return &Conn{
		localDeviceID:   localID,
		localDeviceName: localName,
		localDeviceType: localType,
		isServerSide:    isServerSide,
		tlsIdentity:     tlsIdentity,
		tlsConn:         tlsConn,
		state:           StateConnecting,
		pending:         make(map[string]*pendingSlot),
		cb:              cb,
		receiveDone:     make(chan struct{}),
		heartbeatDone:   make(chan struct{}),
		stopHeartbeat:   make(chan struct{}),
	}
}

// Dial establishes the client side of a peer connection: PSK handshake,
// then device-info exchange. The client trusts whatever deviceId the
// server announces.
func Dial(addr string, psk []byte, localID, localName string, localType wire.DeviceType, cb Callbacks) (*Conn, error) {
	tlsConn, err := tlspsk.Dial(addr, psk, localID)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindNetworkError, "peerconn.Dial", err)
	}

	c := newConn(tlsConn, localID, localName, localType, false, "", cb)
	if err := c.exchangeDeviceInfo(); err != nil {
		tlsConn.Close()
		return nil, err
	}
	c.setState(StateConnected)
	c.touchReceived()
	go c.receiveLoop()
	go c.heartbeatLoop()
	return c, nil
}

// Accept establishes the server side of a peer connection around a
// connection already handshaken by tlspsk.Server.Accept, whose
// tlsIdentity is the PSK identity the client announced over TLS.
func Accept(tlsConn *tls.Conn, tlsIdentity string, localID, localName string, localType wire.DeviceType, cb Callbacks) (*Conn, error) {
	c := newConn(tlsConn, localID, localName, localType, true, tlsIdentity, cb)
	if err := c.exchangeDeviceInfo(); err != nil {
		tlsConn.Close()
		return nil, err
	}
	c.setState(StateConnected)
	c.touchReceived()
	go c.receiveLoop()
	go c.heartbeatLoop()
	return c, nil
}

// exchangeDeviceInfo sends our DeviceInfo and waits up to
// deviceInfoTimeout for the peer's, accumulating partial TLS reads
// until a complete frame assembles. On the server side it then
// verifies the peer's announced deviceId against the TLS-PSK identity.
func (c *Conn) exchangeDeviceInfo() error {
	out := wire.DeviceInfo{
		DeviceID:        c.localDeviceID,
		DeviceName:      c.localDeviceName,
		DeviceType:      c.localDeviceType,
		ProtocolVersion: wire.ProtocolVersion,
	}
	buf, err := wire.EncodeJSON(wire.MsgDeviceInfo, "", out)
	if err != nil {
		return ferr.Wrap(ferr.KindInternal, "peerconn.exchangeDeviceInfo", err)
	}

	c.tlsConn.SetDeadline(time.Now().Add(deviceInfoTimeout))
	defer c.tlsConn.SetDeadline(time.Time{})

	if _, err := c.tlsConn.Write(buf); err != nil {
		return ferr.Wrap(ferr.KindNetworkError, "peerconn.exchangeDeviceInfo", err)
	}

	var fr wire.Framer
	readBuf := make([]byte, readBufSize)
	var frame wire.Frame
	for {
		f, ok, ferrDecode := fr.Next()
		if ferrDecode != nil {
			return ferr.Wrap(ferr.KindProtocolViolation, "peerconn.exchangeDeviceInfo", ferrDecode)
		}
		if ok {
			frame = f
			break
		}
		n, err := c.tlsConn.Read(readBuf)
		if err != nil {
			return ferr.Wrap(ferr.KindTimeout, "peerconn.exchangeDeviceInfo", err)
		}
		fr.Push(readBuf[:n])
	}

	if frame.Type != wire.MsgDeviceInfo {
		return ferr.New(ferr.KindProtocolViolation, "peerconn.exchangeDeviceInfo", "expected DeviceInfo frame")
	}
	var info wire.DeviceInfo
	if err := wire.DecodeJSON(frame, &info); err != nil {
		return ferr.Wrap(ferr.KindProtocolViolation, "peerconn.exchangeDeviceInfo", err)
	}
	c.peer = info

	if c.isServerSide && info.DeviceID != c.tlsIdentity {
		return ferr.New(ferr.KindAuthMismatch, "peerconn.exchangeDeviceInfo",
			fmt.Sprintf("identity mismatch: TLS-PSK identity %q != announced deviceId %q", c.tlsIdentity, info.DeviceID))
	}
	return nil
}

// PeerDeviceInfo returns the peer's announced identity, valid once the
// connection reaches StateConnected.
func (c *Conn) PeerDeviceInfo() wire.DeviceInfo { return c.peer }

// LocalDeviceID returns this side's own deviceId, the value announced in
// exchangeDeviceInfo.
func (c *Conn) LocalDeviceID() string { return c.localDeviceID }

// Done returns a channel closed once the receive loop has exited,
// which happens on every teardown path regardless of who initiated
// it. Callers that need to react to an unsolicited disconnect (the
// coordinator's registry, in particular) watch this instead of relying
// on OnStateChange, since OnStateChange may fire before PeerDeviceInfo
// is even assigned to the caller's local variable.
func (c *Conn) Done() <-chan struct{} { return c.receiveDone }

func (c *Conn) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.stateMu.Lock()
	old := c.state
	if old == s {
		c.stateMu.Unlock()
		return
	}
	c.state = s
	c.stateMu.Unlock()
	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(old, s)
	}
}

func (c *Conn) touchReceived() {
	c.lastReceivedMu.Lock()
	c.lastReceived = time.Now()
	c.lastReceivedMu.Unlock()
}

func (c *Conn) sinceLastReceived() time.Duration {
	c.lastReceivedMu.Lock()
	defer c.lastReceivedMu.Unlock()
	return time.Since(c.lastReceived)
}

// SendMessage writes one frame carrying msgReqID as given (an empty
// msgReqID is sent as an empty ReqID). The send path is serialized by sendMu; TLS writes may return
// partial counts so this loops until every byte is written.
func (c *Conn) SendMessage(msgType wire.MessageType, msgReqID string, payload []byte) error {
	buf, err := EncodeRaw(msgType, msgReqID, payload)
	if err != nil {
		return err
	}
	return c.writeAll(buf)
}

// SendJSON is SendMessage for a JSON-encoded payload.
func (c *Conn) SendJSON(msgType wire.MessageType, msgReqID string, v interface{}) error {
	buf, err := wire.EncodeJSON(msgType, msgReqID, v)
	if err != nil {
		return ferr.Wrap(ferr.KindInternal, "peerconn.SendJSON", err)
	}
	return c.writeAll(buf)
}

// EncodeRaw is a thin indirection over wire.Encode kept local to this
// package so SendMessage's signature doesn't leak wire.Frame.
func EncodeRaw(msgType wire.MessageType, reqID string, payload []byte) ([]byte, error) {
	buf, err := wire.Encode(wire.Frame{Type: msgType, ReqID: reqID, Payload: payload})
	if err != nil {
		return nil, ferr.Wrap(ferr.KindInvalidArgument, "peerconn.EncodeRaw", err)
	}
	return buf, nil
}

func (c *Conn) writeAll(buf []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.State() != StateConnected {
		return ferr.New(ferr.KindNetworkError, "peerconn.writeAll", "connection not connected")
	}

	written := 0
	for written < len(buf) {
		n, err := c.tlsConn.Write(buf[written:])
		if err != nil {
			return ferr.Wrap(ferr.KindNetworkError, "peerconn.writeAll", err)
		}
		written += n
	}
	return nil
}

// SendAndWait sends msg (assigning a ReqID if empty) and blocks until
// either a matching response frame arrives, timeout elapses, or the
// connection leaves StateConnected. The pending slot is removed on
// every exit path.
func (c *Conn) SendAndWait(msgType wire.MessageType, reqID string, payload []byte, timeout time.Duration) (wire.Frame, error) {
	if reqID == "" {
		reqID = newReqID()
	}
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	slot := &pendingSlot{ch: make(chan wire.Frame, 1)}
	c.pendingMu.Lock()
	c.pending[reqID] = slot
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.SendMessage(msgType, reqID, payload); err != nil {
		return wire.Frame{}, err
	}

	select {
	case f := <-slot.ch:
		return f, nil
	case <-time.After(timeout):
		return wire.Frame{}, ferr.New(ferr.KindTimeout, "peerconn.SendAndWait", "no response before deadline")
	case <-c.receiveDone:
		return wire.Frame{}, ferr.New(ferr.KindNetworkError, "peerconn.SendAndWait", "connection closed before response")
	}
}

// receiveLoop is the per-connection receive task: it accumulates bytes
// into a Framer bounded by MAX_FRAME and dispatches each decoded frame.
func (c *Conn) receiveLoop() {
	defer close(c.receiveDone)

	var fr wire.Framer
	buf := make([]byte, readBufSize)
	for {
		c.tlsConn.SetReadDeadline(time.Now().Add(tlspsk.ReadTimeout))
		n, err := c.tlsConn.Read(buf)
		if err != nil {
			if c.State() == StateDisconnecting || c.State() == StateDisconnected {
				return
			}
			if err == io.EOF {
				c.reportError(ferr.New(ferr.KindNetworkError, "peerconn.receiveLoop", "peer closed connection"))
			} else {
				c.reportError(ferr.Wrap(ferr.KindNetworkError, "peerconn.receiveLoop", err))
			}
			c.teardown(true)
			return
		}
		fr.Push(buf[:n])

		for {
			f, ok, decodeErr := fr.Next()
			if decodeErr != nil {
				c.reportError(ferr.Wrap(ferr.KindProtocolViolation, "peerconn.receiveLoop", decodeErr))
				c.teardown(true)
				return
			}
			if !ok {
				break
			}
			c.touchReceived()
			c.dispatch(f)
		}
	}
}

func (c *Conn) dispatch(f wire.Frame) {
	switch f.Type {
	case wire.MsgHeartbeat:
		if err := c.SendMessage(wire.MsgHeartbeatAck, f.ReqID, nil); err != nil {
			log.Printf("peerconn: heartbeat ack failed: %v", err)
		}
		return
	case wire.MsgHeartbeatAck:
		return
	case wire.MsgDisconnect:
		c.teardown(true)
		return
	}

	if f.ReqID != "" {
		c.pendingMu.Lock()
		slot, ok := c.pending[f.ReqID]
		c.pendingMu.Unlock()
		if ok {
			// The slot holds one frame; if it is already full the extra
			// frame is dropped rather than blocking the receive loop. A
			// reqId with no pending entry (waiter gave up or never
			// registered) falls through to OnMessage below.
			select {
			case slot.ch <- f:
			default:
			}
			return
		}
	}

	if c.cb.OnMessage != nil {
		c.cb.OnMessage(c, f)
	}
}

// heartbeatLoop sends a Heartbeat every heartbeatInterval and declares
// the connection dead if nothing has been received for
// heartbeatDeadline.
func (c *Conn) heartbeatLoop() {
	defer close(c.heartbeatDone)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHeartbeat:
			return
		case <-ticker.C:
			if c.sinceLastReceived() > heartbeatDeadline {
				c.reportError(ferr.New(ferr.KindTimeout, "peerconn.heartbeatLoop", "connection timeout"))
				c.teardown(true)
				return
			}
			if err := c.SendMessage(wire.MsgHeartbeat, newReqID(), nil); err != nil {
				// writeAll already reports NetworkError via the return
				// value; receiveLoop will observe the broken socket.
				return
			}
		}
	}
}

func (c *Conn) reportError(err error) {
	c.Set(err)
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

// Disconnect is the externally-invoked teardown: it joins the receive
// and heartbeat goroutines before returning.
func (c *Conn) Disconnect() {
	c.teardown(false)
}

// teardown transitions to Disconnecting, sends a best-effort Disconnect
// frame, closes the stream, and transitions to Disconnected.
//
// selfInitiated distinguishes a call arriving from inside receiveLoop
// or heartbeatLoop (which must detach — joining would deadlock waiting
// on its own goroutine) from an external caller's Disconnect (which
// joins both background goroutines before returning), mirroring
// spec.md §4.6/§9's self-join hazard. Go has no portable way to ask
// "am I the receive goroutine", so the two internal call sites pass
// true explicitly instead of discovering it dynamically.
func (c *Conn) teardown(selfInitiated bool) {
	c.stateMu.Lock()
	if c.state == StateDisconnecting || c.state == StateDisconnected {
		c.stateMu.Unlock()
		return
	}
	c.stateMu.Unlock()
	c.setState(StateDisconnecting)

	c.SendMessage(wire.MsgDisconnect, newReqID(), nil)

	select {
	case <-c.stopHeartbeat:
	default:
		close(c.stopHeartbeat)
	}

	c.tlsMu.Lock()
	c.tlsConn.Close()
	c.tlsMu.Unlock()

	if !selfInitiated {
		<-c.receiveDone
		<-c.heartbeatDone
	}

	c.setState(StateDisconnected)
}

func newReqID() string {
	return uuid.New().String()
}
