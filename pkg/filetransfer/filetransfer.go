// Package filetransfer implements spec.md §4.9's chunked file
// exchange: the download-side state machine that tracks one transfer
// per requestId, the cache-hit short circuit, throttled progress
// notification, and the upload-side single-worker chunk streamer.
// Grounded on the teacher's streaming.go: StreamingService's fixed
// binary packet header and single send/receive paths generalize
// directly onto wire.FileChunkHeader, and VideoFrameAssembler's
// mutex-guarded map-of-in-flight-work generalizes onto the download
// registry. The registry has no cleanup ticker or stale-transfer sweep.
package filetransfer

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/DmitryKorepanov/FamilyVault-sub000/internal/ferr"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/metrics"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/peerconn"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/wire"
	"github.com/google/uuid"
)

// State is a download's lifecycle state.
type State int

const (
	StatePending State = iota
	StateInProgress
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Pending"
	}
}

// ChunkSize is the fixed upload streaming unit spec.md §4.9 specifies.
const ChunkSize = 64 * 1024

const (
	notifyMinInterval     = 100 * time.Millisecond
	notifyMinPercentDelta = 1.0
)

// Progress is one progress notification for a download.
type Progress struct {
	RequestID     string
	FileID        int64
	BytesReceived int64
	TotalBytes    int64
	Percent       float64
	State         State
	Err           error
}

// ProgressFunc receives download progress notifications, throttled per
// spec.md §4.9's ≥100ms / ≥1% / status-change rule.
type ProgressFunc func(Progress)

// download is one in-flight or completed download, keyed by requestId.
type download struct {
	mu sync.Mutex

	requestID        string
	fileID           int64
	deviceID         string
	destPath         string
	file             *os.File
	totalBytes       int64
	received         int64
	state            State
	err              error
	expectedChecksum string

	lastNotifyAt      time.Time
	lastNotifyPercent float64

	onProgress ProgressFunc
	cancelCh   chan struct{}
}

func (d *download) percent() float64 {
	if d.totalBytes <= 0 {
		return 0
	}
	return float64(d.received) / float64(d.totalBytes) * 100
}

// maybeNotify applies the throttle rule: always notify on a state
// change, otherwise only if enough time or enough percent has passed
// since the last notification.
func (d *download) maybeNotify(force bool) {
	now := time.Now()
	percent := d.percent()
	if !force {
		if now.Sub(d.lastNotifyAt) < notifyMinInterval && percent-d.lastNotifyPercent < notifyMinPercentDelta {
			return
		}
	}
	d.lastNotifyAt = now
	d.lastNotifyPercent = percent

	if d.onProgress != nil {
		d.onProgress(Progress{
			RequestID:     d.requestID,
			FileID:        d.fileID,
			BytesReceived: d.received,
			TotalBytes:    d.totalBytes,
			Percent:       percent,
			State:         d.state,
			Err:           d.err,
		})
	}
}

// Manager owns both directions of chunked file transfer: the download
// registry keyed by requestId, and the single-worker upload queue.
type Manager struct {
	ferr.LastErrorHolder

	cacheRoot string

	downloadsMu sync.Mutex
	downloads   map[string]*download

	resolver FileResolver

	// ConnLookup resolves a deviceId to its live connection for the
	// upload path, set by the daemon's wiring code to
	// pkg/coordinator.Coordinator.Conn.
	ConnLookup func(deviceID string) (*peerconn.Conn, bool)

	uploadQueue chan *uploadJob
	uploadDone  chan struct{}
}

// FileResolver maps a fileId this node owns to its on-disk path and
// size, letting filetransfer stay agnostic of indexsync's storage
// layout.
type FileResolver interface {
	ResolveFile(fileID int64) (path string, size int64, err error)
}

const uploadQueueDepth = 64

// New constructs a Manager. cacheRoot is the local cache directory
// downloads are written under; resolver answers upload requests for
// files this node owns.
func New(cacheRoot string, resolver FileResolver) *Manager {
	m := &Manager{
		cacheRoot:   cacheRoot,
		downloads:   make(map[string]*download),
		resolver:    resolver,
		uploadQueue: make(chan *uploadJob, uploadQueueDepth),
		uploadDone:  make(chan struct{}),
	}
	go m.uploadWorker()
	return m
}

// cachePath mirrors spec.md §4.9's layout:
// {cacheRoot}/{deviceId}/{fileId}[.{ext}].
func (m *Manager) cachePath(deviceID string, fileID int64, name string) string {
	ext := filepath.Ext(name)
	return filepath.Join(m.cacheRoot, deviceID, fmt.Sprintf("%d%s", fileID, ext))
}

// computeChecksum hashes path's contents into the "sha256:<hex>" form
// checksums are exchanged in throughout the rest of the system.
func computeChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

// verifyChecksum reports whether path's contents match expected. An
// empty expected means there is nothing to verify against, matching
// spec.md §4.8's "no checksum supplied" case.
func verifyChecksum(path, expected string) (bool, error) {
	if expected == "" {
		return true, nil
	}
	got, err := computeChecksum(path)
	if err != nil {
		return false, err
	}
	return got == expected, nil
}

// GetCachedPath returns the path a cached copy of deviceID/fileID
// occupies. If a cached file already exists under any extension
// cachePath assigned it, that exact path is returned; otherwise the
// would-be extensionless path is returned for planning purposes, with
// no guarantee the file exists there.
func (m *Manager) GetCachedPath(deviceID string, fileID int64) string {
	dir := filepath.Join(m.cacheRoot, deviceID)
	prefix := fmt.Sprintf("%d", fileID)

	if entries, err := os.ReadDir(dir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if name := e.Name(); name == prefix || strings.HasPrefix(name, prefix+".") {
				return filepath.Join(dir, name)
			}
		}
	}
	return filepath.Join(dir, prefix)
}

// ClearCache removes every cached file for every device under the
// cache root.
func (m *Manager) ClearCache() error {
	entries, err := os.ReadDir(m.cacheRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ferr.Wrap(ferr.KindInternal, "filetransfer.ClearCache", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(m.cacheRoot, e.Name())); err != nil {
			return ferr.Wrap(ferr.KindInternal, "filetransfer.ClearCache", err)
		}
	}
	return nil
}

// GetCacheSize sums the size of every regular file under the cache
// root, across every device's cache directory.
func (m *Manager) GetCacheSize() (int64, error) {
	var total int64
	err := filepath.WalkDir(m.cacheRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, ferr.Wrap(ferr.KindInternal, "filetransfer.GetCacheSize", err)
	}
	return total, nil
}

// RequestFile starts (or short-circuits from cache) a download of
// fileID from deviceID over conn. destName supplies the extension for
// the cache path; the actual download destination is always under
// cacheRoot.
func (m *Manager) RequestFile(conn *peerconn.Conn, deviceID string, fileID int64, destName, checksum string, onProgress ProgressFunc) (string, error) {
	dest := m.cachePath(deviceID, fileID, destName)

	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		if ok, verifyErr := verifyChecksum(dest, checksum); verifyErr == nil && ok {
			if onProgress != nil {
				onProgress(Progress{FileID: fileID, BytesReceived: info.Size(), TotalBytes: info.Size(), Percent: 100, State: StateCompleted})
			}
			return dest, nil
		}
		// Cached file is missing, stale, or fails the requested
		// checksum; fall through and re-download it.
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", ferr.Wrap(ferr.KindInternal, "filetransfer.RequestFile", err)
	}

	f, err := os.Create(dest + ".part")
	if err != nil {
		return "", ferr.Wrap(ferr.KindInternal, "filetransfer.RequestFile", err)
	}

	reqID := uuid.New().String()
	d := &download{
		requestID:        reqID,
		fileID:           fileID,
		deviceID:         deviceID,
		destPath:         dest,
		file:             f,
		state:            StatePending,
		onProgress:       onProgress,
		cancelCh:         make(chan struct{}),
		expectedChecksum: checksum,
	}

	m.downloadsMu.Lock()
	m.downloads[reqID] = d
	m.downloadsMu.Unlock()

	payload, err := json.Marshal(wire.FileRequest{FileID: fileID, Checksum: checksum})
	if err != nil {
		m.failDownload(reqID, err)
		return "", ferr.Wrap(ferr.KindInternal, "filetransfer.RequestFile", err)
	}
	if err := conn.SendMessage(wire.MsgFileRequest, reqID, payload); err != nil {
		m.failDownload(reqID, err)
		return "", err
	}

	metrics.ActiveTransfers.WithLabelValues("download").Inc()
	return dest, nil
}

// HandleFrame routes one inbound frame from deviceID's connection into
// the download registry. The coordinator wires every peer's OnMessage
// callback here.
func (m *Manager) HandleFrame(deviceID string, f wire.Frame) {
	switch f.Type {
	case wire.MsgFileResponse:
		m.handleFileResponse(f)
	case wire.MsgFileChunk:
		m.handleFileChunk(f)
	case wire.MsgFileNotFound:
		m.failDownload(f.ReqID, ferr.New(ferr.KindNotFound, "filetransfer.HandleFrame", "remote file not found"))
	case wire.MsgFileRequest:
		m.handleFileRequest(deviceID, f)
	}
}

func (m *Manager) getDownload(reqID string) (*download, bool) {
	m.downloadsMu.Lock()
	defer m.downloadsMu.Unlock()
	d, ok := m.downloads[reqID]
	return d, ok
}

func (m *Manager) handleFileResponse(f wire.Frame) {
	d, ok := m.getDownload(f.ReqID)
	if !ok {
		return
	}
	header, _, err := wire.DecodeFileChunkHeader(f.Payload)
	if err != nil {
		m.failDownload(f.ReqID, err)
		return
	}

	d.mu.Lock()
	d.totalBytes = header.TotalSize
	d.state = StateInProgress
	d.maybeNotify(true)
	d.mu.Unlock()
}

func (m *Manager) handleFileChunk(f wire.Frame) {
	d, ok := m.getDownload(f.ReqID)
	if !ok {
		return
	}
	header, data, err := wire.DecodeFileChunkHeader(f.Payload)
	if err != nil {
		m.failDownload(f.ReqID, err)
		return
	}

	d.mu.Lock()
	if _, err := d.file.WriteAt(data, header.Offset); err != nil {
		d.mu.Unlock()
		m.failDownload(f.ReqID, err)
		return
	}
	d.received += int64(len(data))
	if d.totalBytes == 0 {
		d.totalBytes = header.TotalSize
	}
	isLast := header.IsLast
	if !isLast {
		d.maybeNotify(false)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	m.completeDownload(f.ReqID)
}

func (m *Manager) completeDownload(reqID string) {
	d, ok := m.getDownload(reqID)
	if !ok {
		return
	}

	d.mu.Lock()
	d.file.Close()
	partPath := d.destPath + ".part"
	expectedChecksum := d.expectedChecksum
	d.mu.Unlock()

	if ok, err := verifyChecksum(partPath, expectedChecksum); err != nil {
		m.failDownload(reqID, ferr.Wrap(ferr.KindInternal, "filetransfer.completeDownload", err))
		return
	} else if !ok {
		m.failDownload(reqID, ferr.New(ferr.KindChecksumMismatch, "filetransfer.completeDownload", "downloaded file failed checksum verification"))
		return
	}

	d.mu.Lock()
	d.state = StateCompleted
	d.mu.Unlock()

	if err := os.Rename(partPath, d.destPath); err != nil {
		m.failDownload(reqID, err)
		return
	}

	d.mu.Lock()
	d.maybeNotify(true)
	d.mu.Unlock()

	m.downloadsMu.Lock()
	delete(m.downloads, reqID)
	m.downloadsMu.Unlock()

	metrics.ActiveTransfers.WithLabelValues("download").Dec()
	metrics.TransferBytesTotal.WithLabelValues("download").Add(float64(d.received))
}

func (m *Manager) failDownload(reqID string, cause error) {
	d, ok := m.getDownload(reqID)
	if !ok {
		return
	}
	d.mu.Lock()
	if d.file != nil {
		d.file.Close()
	}
	d.state = StateFailed
	d.err = cause
	d.maybeNotify(true)
	d.mu.Unlock()

	os.Remove(d.destPath + ".part")

	m.downloadsMu.Lock()
	delete(m.downloads, reqID)
	m.downloadsMu.Unlock()

	metrics.ActiveTransfers.WithLabelValues("download").Dec()
	log.Printf("⚠️ filetransfer: download %s failed: %v", reqID, cause)
}

// CancelDownload aborts an in-flight download, if it's still tracked.
func (m *Manager) CancelDownload(reqID string) {
	d, ok := m.getDownload(reqID)
	if !ok {
		return
	}
	d.mu.Lock()
	d.state = StateCancelled
	d.maybeNotify(true)
	if d.file != nil {
		d.file.Close()
	}
	d.mu.Unlock()

	close(d.cancelCh)
	os.Remove(d.destPath + ".part")

	m.downloadsMu.Lock()
	delete(m.downloads, reqID)
	m.downloadsMu.Unlock()

	metrics.ActiveTransfers.WithLabelValues("download").Dec()
}

// CancelAllRequests cancels every in-flight download from deviceID in
// one pass, e.g. when that device disconnects. Unlike CancelDownload,
// which targets a single requestId, this snapshots and removes every
// matching transfer while holding the registry lock, then notifies
// each one's progress callback only after the lock is released.
func (m *Manager) CancelAllRequests(deviceID string) {
	cause := ferr.New(ferr.KindNetworkError, "filetransfer.CancelAllRequests", "device disconnected")

	m.downloadsMu.Lock()
	var cancelled []*download
	for reqID, d := range m.downloads {
		if d.deviceID != deviceID {
			continue
		}
		d.mu.Lock()
		d.state = StateCancelled
		d.err = cause
		if d.file != nil {
			d.file.Close()
		}
		d.mu.Unlock()
		os.Remove(d.destPath + ".part")
		delete(m.downloads, reqID)
		cancelled = append(cancelled, d)
	}
	m.downloadsMu.Unlock()

	for _, d := range cancelled {
		d.mu.Lock()
		d.maybeNotify(true)
		d.mu.Unlock()
		close(d.cancelCh)
		metrics.ActiveTransfers.WithLabelValues("download").Dec()
	}
}

// uploadJob is one queued outbound file send.
type uploadJob struct {
	conn   *peerconn.Conn
	reqID  string
	path   string
	offset int64
	length int64 // 0 means "to EOF"
}

// handleFileRequest decodes an inbound MsgFileRequest, resolves the
// file through m.resolver, and enqueues it for the single upload
// worker. A missing file or a full queue both answer with
// MsgFileNotFound rather than blocking the receive loop.
func (m *Manager) handleFileRequest(deviceID string, f wire.Frame) {
	var req wire.FileRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		log.Printf("⚠️ filetransfer: malformed FileRequest from %s: %v", deviceID, err)
		return
	}

	conn, err := m.connFor(deviceID)
	if err != nil {
		return
	}

	path, _, err := m.resolver.ResolveFile(req.FileID)
	if err != nil {
		conn.SendMessage(wire.MsgFileNotFound, f.ReqID, nil)
		return
	}

	job := &uploadJob{conn: conn, reqID: f.ReqID, path: path, offset: req.Offset, length: req.Length}
	select {
	case m.uploadQueue <- job:
	default:
		conn.SendMessage(wire.MsgFileNotFound, f.ReqID, nil)
		log.Printf("⚠️ filetransfer: upload queue full, dropping request for file %d", req.FileID)
	}
}

// connFor exists so tests can substitute a connection lookup without
// the full Manager depending on pkg/coordinator; production wiring
// sets ConnLookup before any FileRequest can arrive.
func (m *Manager) connFor(deviceID string) (*peerconn.Conn, error) {
	if m.ConnLookup == nil {
		return nil, ferr.New(ferr.KindInternal, "filetransfer.connFor", "no ConnLookup configured")
	}
	conn, ok := m.ConnLookup(deviceID)
	if !ok {
		return nil, ferr.New(ferr.KindNotFound, "filetransfer.connFor", "no connection to "+deviceID)
	}
	return conn, nil
}

func (m *Manager) uploadWorker() {
	for job := range m.uploadQueue {
		m.runUpload(job)
	}
	close(m.uploadDone)
}

func (m *Manager) runUpload(job *uploadJob) {
	metrics.ActiveTransfers.WithLabelValues("upload").Inc()
	defer metrics.ActiveTransfers.WithLabelValues("upload").Dec()

	file, err := os.Open(job.path)
	if err != nil {
		job.conn.SendMessage(wire.MsgFileNotFound, job.reqID, nil)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		job.conn.SendMessage(wire.MsgFileNotFound, job.reqID, nil)
		return
	}

	total := info.Size() - job.offset
	if job.length > 0 && job.length < total {
		total = job.length
	}
	if total < 0 {
		total = 0
	}

	header := wire.EncodeFileChunkHeader(wire.FileChunkHeader{TotalSize: total})
	if err := job.conn.SendMessage(wire.MsgFileResponse, job.reqID, header); err != nil {
		return
	}

	var sent int64
	buf := make([]byte, ChunkSize)
	offset := job.offset
	for sent < total {
		want := int64(ChunkSize)
		if remain := total - sent; remain < want {
			want = remain
		}
		n, err := file.ReadAt(buf[:want], offset)
		if n > 0 {
			isLast := sent+int64(n) >= total
			chunkHeader := wire.EncodeFileChunkHeader(wire.FileChunkHeader{
				Offset:    offset,
				TotalSize: total,
				ChunkSize: int32(n),
				IsLast:    isLast,
			})
			frame := append(chunkHeader, buf[:n]...)
			if sendErr := job.conn.SendMessage(wire.MsgFileChunk, job.reqID, frame); sendErr != nil {
				log.Printf("⚠️ filetransfer: upload to %s failed: %v", job.conn.PeerDeviceInfo().DeviceID, sendErr)
				return
			}
			sent += int64(n)
			offset += int64(n)
			metrics.TransferBytesTotal.WithLabelValues("upload").Add(float64(n))
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			log.Printf("⚠️ filetransfer: reading %s failed: %v", job.path, err)
			return
		}
	}
}

// Close stops the upload worker once its queue drains.
func (m *Manager) Close() {
	close(m.uploadQueue)
	<-m.uploadDone
}
