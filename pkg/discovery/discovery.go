// Package discovery implements spec.md §4.8's local-network peer
// discovery over mDNS/DNS-SD, grounded on the teacher's libp2p_node.go
// mdns.Service wiring — generalized from libp2p's embedded mDNS service
// to github.com/hashicorp/mdns, the standalone library the retrieval
// pack's go.mod already requires.
package discovery

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/DmitryKorepanov/FamilyVault-sub000/internal/ferr"
	"github.com/DmitryKorepanov/FamilyVault-sub000/internal/netaddr"
)

// ServiceName is the DNS-SD service type FamilyVault nodes advertise
// under, mirroring spec.md §4.8's fixed service identifier.
const ServiceName = "_familyvault._tcp"

const browseInterval = 10 * time.Second

// PeerFound describes one discovered FamilyVault node.
type PeerFound struct {
	DeviceID string
	Host     string
	Port     int
}

// Callbacks are invoked as peers come and go. OnPeerLost fires once a
// previously-found deviceId stops appearing in a browse pass.
type Callbacks struct {
	OnPeerFound func(PeerFound)
	OnPeerLost  func(deviceID string)
}

// Discovery advertises this node over mDNS and periodically browses for
// others. Start/Stop are idempotent, matching the teacher's
// mdns.Service.Start/Close guarding pattern in libp2p_node.go.
type Discovery struct {
	ferr.LastErrorHolder

	deviceID string
	port     int

	mu      sync.Mutex
	server  *mdns.Server
	stopCh  chan struct{}
	running bool

	seenMu sync.Mutex
	seen   map[string]PeerFound

	cb Callbacks
}

// New constructs a Discovery for this node's deviceId and service port.
func New(deviceID string, port int, cb Callbacks) *Discovery {
	return &Discovery{
		deviceID: deviceID,
		port:     port,
		seen:     make(map[string]PeerFound),
		cb:       cb,
	}
}

// Start advertises this node and begins periodic browsing. Calling
// Start twice without an intervening Stop is a no-op, not an error.
func (d *Discovery) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	ips := netaddr.LocalIPv4Addresses()
	service, err := mdns.NewMDNSService(d.deviceID, ServiceName, "", "", d.port, nil, []string{"deviceId=" + d.deviceID})
	if err != nil {
		return ferr.Wrap(ferr.KindInternal, "discovery.Start", err)
	}
	_ = ips // unused: hashicorp/mdns resolves the host's own addresses, and browsing does not filter by address.

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return ferr.Wrap(ferr.KindNetworkError, "discovery.Start", err)
	}

	d.server = server
	d.stopCh = make(chan struct{})
	d.running = true
	go d.browseLoop(d.stopCh)
	log.Printf("🔎 discovery started for device %s on port %d", d.deviceID, d.port)
	return nil
}

// Stop withdraws the advertisement and halts browsing. Safe to call
// when not running.
func (d *Discovery) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	close(d.stopCh)
	if err := d.server.Shutdown(); err != nil {
		log.Printf("⚠️ discovery: mdns shutdown: %v", err)
	}
	d.server = nil
	d.running = false
}

func (d *Discovery) browseLoop(stop chan struct{}) {
	ticker := time.NewTicker(browseInterval)
	defer ticker.Stop()

	d.browseOnce()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.browseOnce()
		}
	}
}

func (d *Discovery) browseOnce() {
	entriesCh := make(chan *mdns.ServiceEntry, 16)
	found := make(map[string]PeerFound)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entriesCh {
			pf, ok := parseEntry(entry, d.deviceID)
			if !ok {
				continue
			}
			found[pf.DeviceID] = pf
		}
	}()

	params := mdns.DefaultParams(ServiceName)
	params.Entries = entriesCh
	params.Timeout = 3 * time.Second
	params.DisableIPv6 = true
	if err := mdns.Query(params); err != nil {
		d.Set(ferr.Wrap(ferr.KindNetworkError, "discovery.browseOnce", err))
		close(entriesCh)
		<-done
		return
	}
	close(entriesCh)
	<-done

	d.reconcile(found)
}

// parseEntry extracts a deviceId from a ServiceEntry's TXT records,
// skipping our own advertisement and anything malformed.
func parseEntry(entry *mdns.ServiceEntry, selfDeviceID string) (PeerFound, bool) {
	var deviceID string
	for _, field := range entry.InfoFields {
		const prefix = "deviceId="
		if len(field) > len(prefix) && field[:len(prefix)] == prefix {
			deviceID = field[len(prefix):]
		}
	}
	if deviceID == "" || deviceID == selfDeviceID {
		return PeerFound{}, false
	}
	host := entry.AddrV4.String()
	if host == "<nil>" || host == "" {
		host = entry.Host
	}
	return PeerFound{DeviceID: deviceID, Host: host, Port: entry.Port}, true
}

// reconcile diffs the latest browse pass against the previously-seen
// set, firing OnPeerFound/OnPeerLost for the delta.
func (d *Discovery) reconcile(found map[string]PeerFound) {
	d.seenMu.Lock()
	defer d.seenMu.Unlock()

	for id, pf := range found {
		if _, existed := d.seen[id]; !existed && d.cb.OnPeerFound != nil {
			d.cb.OnPeerFound(pf)
		}
		d.seen[id] = pf
	}
	for id := range d.seen {
		if _, stillThere := found[id]; !stillThere {
			delete(d.seen, id)
			if d.cb.OnPeerLost != nil {
				d.cb.OnPeerLost(id)
			}
		}
	}
}

// GetStats mirrors the teacher's map[string]interface{} introspection
// idiom (config.go/metrics.go).
func (d *Discovery) GetStats() map[string]interface{} {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()

	d.seenMu.Lock()
	n := len(d.seen)
	d.seenMu.Unlock()

	return map[string]interface{}{
		"running":    running,
		"peersSeen":  n,
		"serviceTag": fmt.Sprintf("%s.%d", ServiceName, d.port),
	}
}
