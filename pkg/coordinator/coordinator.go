// Package coordinator implements spec.md §4.7's NetworkCoordinator:
// the listening socket, the accept loop, the deviceId-keyed peer
// registry with its duplicate-connection arbitration rules, and
// outbound connect/disconnect/broadcast operations — generalized from
// the teacher's P2PNode in network.go (accept loop, connections map,
// Stop's close-everything teardown) onto pkg/peerconn's TLS-PSK
// connections instead of network.go's raw Noise-encrypted sockets.
package coordinator

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/DmitryKorepanov/FamilyVault-sub000/internal/ferr"
	"github.com/DmitryKorepanov/FamilyVault-sub000/internal/netstats"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/metrics"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/peerconn"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/tlspsk"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/wire"
)

// State is the coordinator's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return "Stopped"
	}
}

// DefaultPort is the coordinator's preferred listen port; §4.7 falls
// back to an OS-assigned one if this is already taken.
const DefaultPort = 45678

// maxPendingConnects bounds the number of concurrent outbound
// connectToAddress calls in flight, so a burst of bootstrap peers
// can't open unbounded goroutines/dial attempts at once.
const maxPendingConnects = 10

// Callbacks are invoked as peers join, leave, or send application
// messages (anything that isn't Heartbeat/HeartbeatAck/Disconnect,
// which peerconn already consumes internally).
type Callbacks struct {
	OnPeerConnected    func(deviceID string, conn *peerconn.Conn)
	OnPeerDisconnected func(deviceID string)
	OnMessage          func(deviceID string, f wire.Frame)

	// OnError fires for connection-level failures that never produce a
	// live peer, such as a rejected inbound handshake. deviceID is the
	// TLS-PSK identity the failed connection presented, which may not
	// match any announced DeviceInfo (that's exactly what an identity
	// mismatch means).
	OnError func(deviceID string, err error)
}

// Coordinator owns the listening socket and the live peer registry.
type Coordinator struct {
	ferr.LastErrorHolder

	deviceID   string
	deviceName string
	deviceType wire.DeviceType
	psk        []byte

	stateMu sync.Mutex
	state   State

	server *tlspsk.Server
	port   int

	registryMu sync.RWMutex
	registry   map[string]*peerconn.Conn

	stats *netstats.Tracker

	connectSem chan struct{}

	acceptDone chan struct{}
	stopAccept chan struct{}

	cb Callbacks
}

// New constructs a Coordinator for this node's identity and family PSK.
func New(deviceID, deviceName string, deviceType wire.DeviceType, psk []byte, cb Callbacks) *Coordinator {
	return &Coordinator{
		deviceID:   deviceID,
		deviceName: deviceName,
		deviceType: deviceType,
		psk:        psk,
		registry:   make(map[string]*peerconn.Conn),
		stats:      netstats.New(),
		connectSem: make(chan struct{}, maxPendingConnects),
		cb:         cb,
	}
}

func (c *Coordinator) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Start binds preferredPort, falling back to an OS-assigned port if
// it's taken, then begins accepting inbound connections.
func (c *Coordinator) Start(preferredPort int) error {
	if c.State() != StateStopped {
		return ferr.New(ferr.KindBusy, "coordinator.Start", "coordinator already started")
	}
	c.setState(StateStarting)

	addr := fmt.Sprintf("0.0.0.0:%d", preferredPort)
	server, err := tlspsk.Listen(addr, c.psk, nil)
	if err != nil {
		server, err = tlspsk.Listen("0.0.0.0:0", c.psk, nil)
		if err != nil {
			c.Set(err)
			c.setState(StateStopped)
			return ferr.Wrap(ferr.KindNetworkError, "coordinator.Start", err)
		}
	}

	c.server = server
	if tcpAddr, ok := server.Addr().(*net.TCPAddr); ok {
		c.port = tcpAddr.Port
	}
	c.acceptDone = make(chan struct{})
	c.stopAccept = make(chan struct{})

	go c.acceptLoop()
	c.setState(StateRunning)
	log.Printf("🚀 coordinator listening on %s", server.Addr().String())
	return nil
}

// Port returns the bound listen port once Start has succeeded.
func (c *Coordinator) Port() int { return c.port }

func (c *Coordinator) acceptLoop() {
	defer close(c.acceptDone)
	for {
		tlsConn, identity, err := c.server.Accept()
		if err != nil {
			select {
			case <-c.stopAccept:
				return
			default:
				log.Printf("⚠️ coordinator: accept failed: %v", err)
				metrics.ConnectionsTotal.WithLabelValues("inbound", "error").Inc()
				continue
			}
		}

		go c.completeInbound(tlsConn, identity)
	}
}

func (c *Coordinator) completeInbound(tlsConn *tls.Conn, identity string) {
	conn, err := peerconn.Accept(tlsConn, identity, c.deviceID, c.deviceName, c.deviceType, peerconn.Callbacks{
		OnMessage: func(pc *peerconn.Conn, f wire.Frame) { c.dispatchMessage(pc.PeerDeviceInfo().DeviceID, f) },
	})
	if err != nil {
		log.Printf("⚠️ coordinator: inbound handshake from %s failed: %v", identity, err)
		metrics.ConnectionsTotal.WithLabelValues("inbound", "error").Inc()
		if c.cb.OnError != nil {
			c.cb.OnError(identity, err)
		}
		return
	}
	metrics.ConnectionsTotal.WithLabelValues("inbound", "success").Inc()
	c.registerPeer(conn, true)
}

// dispatchMessage forwards an application-level frame, refreshing the
// peer's netstats last-seen time first.
func (c *Coordinator) dispatchMessage(deviceID string, f wire.Frame) {
	c.stats.Touch(deviceID)
	if c.cb.OnMessage != nil {
		c.cb.OnMessage(deviceID, f)
	}
}

// registerPeer applies spec.md §4.7's duplicate-connection arbitration:
// on the server side an existing incumbent wins (the new inbound
// connection is dropped); on the client side the newer connection wins
// (any existing one is torn down in its favor). This keeps exactly one
// live connection per deviceId in either direction.
func (c *Coordinator) registerPeer(conn *peerconn.Conn, isServerSide bool) {
	deviceID := conn.PeerDeviceInfo().DeviceID

	c.registryMu.Lock()
	existing, exists := c.registry[deviceID]
	if exists && isServerSide {
		c.registryMu.Unlock()
		conn.Disconnect()
		return
	}
	c.registry[deviceID] = conn
	c.registryMu.Unlock()

	if exists && !isServerSide {
		existing.Disconnect()
	}

	c.stats.Ensure(deviceID)
	metrics.ConnectedPeers.Set(float64(c.registrySize()))

	go func() {
		<-conn.Done()
		c.handlePeerGone(deviceID, conn)
	}()

	if c.cb.OnPeerConnected != nil {
		c.cb.OnPeerConnected(deviceID, conn)
	}
}

func (c *Coordinator) handlePeerGone(deviceID string, conn *peerconn.Conn) {
	c.registryMu.Lock()
	current, ok := c.registry[deviceID]
	if ok && current == conn {
		delete(c.registry, deviceID)
	}
	c.registryMu.Unlock()

	if !ok || current != conn {
		// A newer connection already replaced this one; its own Done()
		// watcher owns the disconnect notification.
		return
	}

	c.stats.Remove(deviceID)
	metrics.ConnectedPeers.Set(float64(c.registrySize()))
	if c.cb.OnPeerDisconnected != nil {
		c.cb.OnPeerDisconnected(deviceID)
	}
}

func (c *Coordinator) registrySize() int {
	c.registryMu.RLock()
	defer c.registryMu.RUnlock()
	return len(c.registry)
}

// ConnectToAddress dials a peer at addr, bounded by maxPendingConnects
// concurrent attempts; excess callers block until a slot frees.
func (c *Coordinator) ConnectToAddress(addr string) (*peerconn.Conn, error) {
	c.connectSem <- struct{}{}
	defer func() { <-c.connectSem }()

	conn, err := peerconn.Dial(addr, c.psk, c.deviceID, c.deviceName, c.deviceType, peerconn.Callbacks{
		OnMessage: func(pc *peerconn.Conn, f wire.Frame) { c.dispatchMessage(pc.PeerDeviceInfo().DeviceID, f) },
	})
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("outbound", "error").Inc()
		return nil, err
	}
	metrics.ConnectionsTotal.WithLabelValues("outbound", "success").Inc()
	c.registerPeer(conn, false)
	return conn, nil
}

// DisconnectFromDevice tears down the named peer's connection, if any.
func (c *Coordinator) DisconnectFromDevice(deviceID string) {
	c.registryMu.RLock()
	conn, ok := c.registry[deviceID]
	c.registryMu.RUnlock()
	if ok {
		conn.Disconnect()
	}
}

// DisconnectAll tears down every live peer connection. It snapshots
// the registry before disconnecting so teardown callbacks mutating the
// registry concurrently can't deadlock against this call's own lock.
func (c *Coordinator) DisconnectAll() {
	c.registryMu.RLock()
	conns := make([]*peerconn.Conn, 0, len(c.registry))
	for _, conn := range c.registry {
		conns = append(conns, conn)
	}
	c.registryMu.RUnlock()

	for _, conn := range conns {
		conn.Disconnect()
	}
}

// Broadcast sends payload to every currently-connected peer, skipping
// any individual send failure rather than aborting the fan-out.
func (c *Coordinator) Broadcast(msgType wire.MessageType, payload []byte) {
	c.registryMu.RLock()
	conns := make([]*peerconn.Conn, 0, len(c.registry))
	for _, conn := range c.registry {
		conns = append(conns, conn)
	}
	c.registryMu.RUnlock()

	for _, conn := range conns {
		if err := conn.SendMessage(msgType, "", payload); err != nil {
			log.Printf("⚠️ coordinator: broadcast to %s failed: %v", conn.PeerDeviceInfo().DeviceID, err)
		}
	}
}

// SendTo sends payload to exactly one peer by deviceId.
func (c *Coordinator) SendTo(deviceID string, msgType wire.MessageType, payload []byte) error {
	c.registryMu.RLock()
	conn, ok := c.registry[deviceID]
	c.registryMu.RUnlock()
	if !ok {
		return ferr.New(ferr.KindNotFound, "coordinator.SendTo", "no connection to "+deviceID)
	}
	return conn.SendMessage(msgType, "", payload)
}

// Conn returns the live connection to deviceID, if any. Components
// that need to stream raw frames outside the JSON request/response
// shape (pkg/filetransfer's chunk stream, in particular) go through
// this rather than SendTo/Broadcast.
func (c *Coordinator) Conn(deviceID string) (*peerconn.Conn, bool) {
	c.registryMu.RLock()
	defer c.registryMu.RUnlock()
	conn, ok := c.registry[deviceID]
	return conn, ok
}

// ConnectedDeviceIDs lists every peer currently in the registry.
func (c *Coordinator) ConnectedDeviceIDs() []string {
	c.registryMu.RLock()
	defer c.registryMu.RUnlock()
	out := make([]string, 0, len(c.registry))
	for id := range c.registry {
		out = append(out, id)
	}
	return out
}

// Stats exposes the per-peer connection-quality tracker to callers.
func (c *Coordinator) Stats() *netstats.Tracker { return c.stats }

// Stop tears down every connection and stops accepting new ones.
func (c *Coordinator) Stop() {
	if c.State() == StateStopped {
		return
	}
	c.setState(StateStopping)

	close(c.stopAccept)
	if c.server != nil {
		c.server.Close()
	}
	<-c.acceptDone

	c.DisconnectAll()

	c.setState(StateStopped)
	log.Printf("🛑 coordinator stopped")
}

// GetStats mirrors the teacher's map[string]interface{} introspection
// idiom from metrics.go/config.go.
func (c *Coordinator) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":          c.State().String(),
		"port":           c.port,
		"connectedPeers": c.registrySize(),
	}
}
