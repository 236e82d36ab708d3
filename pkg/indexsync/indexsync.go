// Package indexsync implements spec.md §4.9's remote-index replication:
// one monotonic sync cursor per peer, delta application into a
// peer-scoped file table, and the producer side's paginated
// changes-since query honoring Family/Private visibility. The package
// only depends on the Database and LocalIndex interfaces below, so the
// concrete storage backend (pkg/indexsync/sqlitedb for tests and the
// reference daemon) is swappable the way the teacher keeps its store
// layer behind an interface in internal/store.
//
// A sync pull spans many IndexDelta frames sharing one reqId, which
// peerconn.SendAndWait's one-shot pending slot cannot stream (it drops
// every frame after the first past a full buffered channel). So, like
// filetransfer, Manager never registers its reqId with peerconn's
// pending map; it tracks its own in-flight pulls and is fed every
// relevant frame through HandleFrame via the connection's OnMessage
// callback.
package indexsync

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/DmitryKorepanov/FamilyVault-sub000/internal/ferr"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/metrics"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/peerconn"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/wire"
	"github.com/google/uuid"
)

// changesPageSize is the producer side's fixed page size for
// getLocalChangesSince.
const changesPageSize = 100

// defaultIdleTimeout is used when RequestSync's caller passes zero.
const defaultIdleTimeout = 30 * time.Second

// RemoteFileRecord is one persisted row describing a file on another
// node, keyed by (sourceDeviceId, remoteFileId).
type RemoteFileRecord struct {
	SourceDeviceID string
	RemoteFileID   int64
	Path           string
	Name           string
	MimeType       string
	Size           int64
	ModifiedAt     int64
	Checksum       string
	ExtractedText  string
	SyncedAt       int64
	IsDeleted      bool
}

// LocalFileChange is one row of this node's own file index as seen by
// the producer side of a sync (visibility already resolved to Family).
type LocalFileChange struct {
	FileID        int64
	Path          string
	Name          string
	MimeType      string
	Size          int64
	ModifiedAt    int64
	Checksum      string
	ExtractedText string
	IsDeleted     bool
	SyncTimestamp int64
}

// Database is the persistence collaborator IndexSync drives: one
// sync_state row per peer, and the remote_files table deltas are
// applied into. Implementations serialize their own access.
type Database interface {
	GetCursor(peerDeviceID string) (int64, error)
	SetCursor(peerDeviceID string, lastSyncTimestamp int64) error
	UpsertRemoteFile(rec RemoteFileRecord) error
}

// LocalIndex answers the producer side of a sync: the rows this node
// would emit to a peer asking for changes since ts.
type LocalIndex interface {
	// GetChangesSince returns up to changesPageSize rows with
	// modifiedAt > since and effective visibility Family, ordered by
	// modifiedAt ascending starting at offset.
	GetChangesSince(since int64, offset int) ([]LocalFileChange, error)
}

// pull is one in-flight "we asked a peer for its changes" stream.
type pull struct {
	deviceID   string
	since      int64
	maxApplied int64
	idle       time.Duration
	resetCh    chan struct{}
	stopWatch  chan struct{}
	done       chan error
}

// Manager drives both sides of index synchronization for one local
// node: requesting and applying a peer's deltas, and answering a peer's
// IndexSyncRequest with this node's own changes.
type Manager struct {
	ferr.LastErrorHolder

	db    Database
	index LocalIndex

	mu    sync.Mutex
	pulls map[string]*pull // keyed by reqId
}

// New constructs a Manager around the given Database and LocalIndex
// collaborators.
func New(db Database, index LocalIndex) *Manager {
	return &Manager{
		db:    db,
		index: index,
		pulls: make(map[string]*pull),
	}
}

// RequestSync asks deviceID for everything it has changed since our
// cursor for that peer, applying deltas as they arrive, and blocks
// until the stream's terminal ack or an idle gap of idleTimeout between
// frames (a zero idleTimeout uses defaultIdleTimeout).
func (m *Manager) RequestSync(conn *peerconn.Conn, deviceID string, idleTimeout time.Duration) error {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	since, err := m.db.GetCursor(deviceID)
	if err != nil {
		return ferr.Wrap(ferr.KindInternal, "indexsync.RequestSync", err)
	}

	reqID := uuid.New().String()
	p := &pull{
		deviceID:  deviceID,
		since:     since,
		idle:      idleTimeout,
		resetCh:   make(chan struct{}, 1),
		stopWatch: make(chan struct{}),
		done:      make(chan error, 1),
	}
	m.mu.Lock()
	m.pulls[reqID] = p
	m.mu.Unlock()
	go m.watchIdle(reqID, p)

	payload, err := json.Marshal(wire.IndexSyncRequest{SinceTimestamp: since})
	if err != nil {
		m.finishPull(reqID, err)
		return ferr.Wrap(ferr.KindInternal, "indexsync.RequestSync", err)
	}
	if err := conn.SendMessage(wire.MsgIndexSyncRequest, reqID, payload); err != nil {
		m.finishPull(reqID, err)
		return err
	}

	err = <-p.done
	return err
}

// watchIdle aborts a pull that has gone quiet for longer than its idle
// timeout; every inbound delta for the pull resets the timer. finishPull
// closes stopWatch once the pull completes through the ack path so this
// goroutine exits without racing the timer.
func (m *Manager) watchIdle(reqID string, p *pull) {
	timer := time.NewTimer(p.idle)
	defer timer.Stop()
	for {
		select {
		case <-p.resetCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(p.idle)
		case <-timer.C:
			m.finishPull(reqID, ferr.New(ferr.KindTimeout, "indexsync.RequestSync", "no delta activity before idle timeout"))
			return
		case <-p.stopWatch:
			return
		}
	}
}

func (m *Manager) getPull(reqID string) (*pull, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pulls[reqID]
	return p, ok
}

func (m *Manager) finishPull(reqID string, err error) {
	m.mu.Lock()
	p, ok := m.pulls[reqID]
	if ok {
		delete(m.pulls, reqID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.done <- err:
	default:
	}
	close(p.stopWatch)
}

// HandleFrame routes one inbound frame from deviceID's connection: a
// delta/ack belonging to a pull this Manager started, or an
// IndexSyncRequest to answer as the producer side. The coordinator
// wires every peer's OnMessage callback here.
func (m *Manager) HandleFrame(conn *peerconn.Conn, deviceID string, f wire.Frame) {
	switch f.Type {
	case wire.MsgIndexDelta:
		m.handleDelta(deviceID, f)
	case wire.MsgIndexDeltaAck, wire.MsgIndexSyncResponse:
		m.handleTerminalAck(f)
	case wire.MsgIndexSyncRequest:
		var req wire.IndexSyncRequest
		if err := wire.DecodeJSON(f, &req); err != nil {
			log.Printf("⚠️ indexsync: malformed IndexSyncRequest from %s: %v", deviceID, err)
			return
		}
		m.handleIndexSyncRequest(conn, f.ReqID, req)
	}
}

func (m *Manager) handleDelta(deviceID string, f wire.Frame) {
	p, ok := m.getPull(f.ReqID)
	if !ok {
		return
	}
	var payload wire.IndexDeltaPayload
	if err := wire.DecodeJSON(f, &payload); err != nil {
		log.Printf("⚠️ indexsync: malformed delta from %s: %v", deviceID, err)
		return
	}
	if err := m.applyDelta(deviceID, payload); err != nil {
		log.Printf("⚠️ indexsync: failed to apply delta for file %d from %s: %v", payload.FileID, deviceID, err)
		return
	}
	if payload.SyncTimestamp > p.maxApplied {
		p.maxApplied = payload.SyncTimestamp
	}
	metrics.IndexSyncDeltasTotal.WithLabelValues(deviceID).Inc()

	select {
	case p.resetCh <- struct{}{}:
	default:
	}
}

func (m *Manager) handleTerminalAck(f wire.Frame) {
	p, ok := m.getPull(f.ReqID)
	if !ok {
		return
	}
	maxApplied := p.maxApplied
	if maxApplied > p.since {
		if err := m.db.SetCursor(p.deviceID, maxApplied); err != nil {
			m.finishPull(f.ReqID, ferr.Wrap(ferr.KindInternal, "indexsync.handleTerminalAck", err))
			return
		}
	}
	m.finishPull(f.ReqID, nil)
}

func (m *Manager) applyDelta(deviceID string, payload wire.IndexDeltaPayload) error {
	rec := RemoteFileRecord{
		SourceDeviceID: deviceID,
		RemoteFileID:   payload.FileID,
		Path:           payload.Path,
		Name:           payload.Name,
		MimeType:       payload.MimeType,
		Size:           payload.Size,
		ModifiedAt:     payload.ModifiedAt,
		Checksum:       payload.Checksum,
		ExtractedText:  payload.ExtractedText,
		SyncedAt:       payload.SyncTimestamp,
		IsDeleted:      payload.IsDeleted,
	}
	return m.db.UpsertRemoteFile(rec)
}

// handleIndexSyncRequest answers a peer's pull for our changes since
// their announced cursor, paginating through LocalIndex in
// changesPageSize batches and sending one MsgIndexDelta frame per row
// followed by a terminal MsgIndexDeltaAck.
func (m *Manager) handleIndexSyncRequest(conn *peerconn.Conn, reqID string, req wire.IndexSyncRequest) {
	offset := 0
	for {
		changes, err := m.index.GetChangesSince(req.SinceTimestamp, offset)
		if err != nil {
			log.Printf("⚠️ indexsync: GetChangesSince failed: %v", err)
			break
		}
		if len(changes) == 0 {
			break
		}
		for _, c := range changes {
			payload := wire.IndexDeltaPayload{
				FileID:        c.FileID,
				Path:          c.Path,
				Name:          c.Name,
				MimeType:      c.MimeType,
				Size:          c.Size,
				ModifiedAt:    c.ModifiedAt,
				Checksum:      c.Checksum,
				ExtractedText: c.ExtractedText,
				IsDeleted:     c.IsDeleted,
				DeviceID:      conn.LocalDeviceID(),
				SyncTimestamp: c.SyncTimestamp,
			}
			if err := conn.SendJSON(wire.MsgIndexDelta, reqID, payload); err != nil {
				log.Printf("⚠️ indexsync: sending delta for file %d failed: %v", c.FileID, err)
				return
			}
		}
		if len(changes) < changesPageSize {
			break
		}
		offset += len(changes)
	}
	if err := conn.SendMessage(wire.MsgIndexDeltaAck, reqID, nil); err != nil {
		log.Printf("⚠️ indexsync: sending terminal ack failed: %v", err)
	}
}
