// Package netstats adapts the teacher's internal/store node-quality
// tracking (latency/jitter/packet-loss, keyed by numeric node id) to
// FamilyVault's string deviceId peers. pkg/coordinator keeps one
// Tracker, touched on every application frame it dispatches and
// readable through Coordinator.Stats; nothing exports it to pkg/metrics.
package netstats

import (
	"sync"
	"time"
)

// PeerStats holds one peer's rolling connection-quality numbers.
type PeerStats struct {
	DeviceID      string
	LatencyMs     float32
	JitterMs      float32
	PacketLoss    float32
	LastSeenUnix  int64
	mu            sync.RWMutex
}

// Snapshot is a value copy of PeerStats safe to hand to callers without
// exposing the mutex.
type Snapshot struct {
	DeviceID     string
	LatencyMs    float32
	JitterMs     float32
	PacketLoss   float32
	LastSeenUnix int64
}

// Tracker is the per-node registry of peer connection-quality stats.
type Tracker struct {
	mu    sync.RWMutex
	peers map[string]*PeerStats
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{peers: make(map[string]*PeerStats)}
}

// Ensure returns the PeerStats for deviceID, creating one if absent.
func (t *Tracker) Ensure(deviceID string) *PeerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[deviceID]; ok {
		return p
	}
	p := &PeerStats{DeviceID: deviceID, LastSeenUnix: time.Now().Unix()}
	t.peers[deviceID] = p
	return p
}

// Remove drops a peer's tracked stats, e.g. once it disconnects.
func (t *Tracker) Remove(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, deviceID)
}

// Snapshot returns a value copy of every tracked peer's stats.
func (t *Tracker) Snapshot() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Snapshot, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.snapshot())
	}
	return out
}

func (p *PeerStats) snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		DeviceID:     p.DeviceID,
		LatencyMs:    p.LatencyMs,
		JitterMs:     p.JitterMs,
		PacketLoss:   p.PacketLoss,
		LastSeenUnix: p.LastSeenUnix,
	}
}

// RecordLatency updates a peer's latency, deriving jitter as an
// exponential moving average of the absolute change — the same
// smoothing the teacher's UpdateLatency uses.
func (t *Tracker) RecordLatency(deviceID string, latencyMs float32) {
	p := t.Ensure(deviceID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.LatencyMs > 0 {
		jitter := latencyMs - p.LatencyMs
		if jitter < 0 {
			jitter = -jitter
		}
		p.JitterMs = p.JitterMs*0.9 + jitter*0.1
	}
	p.LatencyMs = latencyMs
	p.LastSeenUnix = time.Now().Unix()
}

// RecordPacketLoss updates a peer's packet-loss fraction (0.0-1.0).
func (t *Tracker) RecordPacketLoss(deviceID string, loss float32) {
	p := t.Ensure(deviceID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PacketLoss = loss
}

// Touch refreshes a peer's last-seen timestamp without altering any
// other stat, called by the coordinator for every application frame it
// dispatches (Heartbeat frames stay inside peerconn and never reach it).
func (t *Tracker) Touch(deviceID string) {
	p := t.Ensure(deviceID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastSeenUnix = time.Now().Unix()
}
