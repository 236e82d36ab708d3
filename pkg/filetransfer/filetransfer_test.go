package filetransfer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DmitryKorepanov/FamilyVault-sub000/internal/ferr"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/peerconn"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/tlspsk"
	"github.com/DmitryKorepanov/FamilyVault-sub000/pkg/wire"
)

func testPSK() []byte {
	return []byte("filetransfer-test-psk-32-bytes!!")[:32]
}

// pairedConns spins up a real TLS-PSK + peerconn handshake between two
// in-process ends, routing every OnMessage through the given handlers.
func pairedConns(t *testing.T, onServerMessage, onClientMessage func(c *peerconn.Conn, f wire.Frame)) (server, client *peerconn.Conn) {
	t.Helper()
	psk := testPSK()

	srv, err := tlspsk.Listen("127.0.0.1:0", psk, nil)
	if err != nil {
		t.Fatalf("tlspsk.Listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	type acceptRes struct {
		c   *peerconn.Conn
		err error
	}
	resCh := make(chan acceptRes, 1)
	go func() {
		tlsConn, identity, err := srv.Accept()
		if err != nil {
			resCh <- acceptRes{nil, err}
			return
		}
		c, err := peerconn.Accept(tlsConn, identity, "server-device", "Server", wire.DeviceServer, peerconn.Callbacks{
			OnMessage: onServerMessage,
		})
		resCh <- acceptRes{c, err}
	}()

	client, err = peerconn.Dial(srv.Addr().String(), psk, "client-device", "Client", wire.DeviceDesktop, peerconn.Callbacks{
		OnMessage: onClientMessage,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	res := <-resCh
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	return res.c, client
}

type stubResolver struct {
	mu    sync.Mutex
	files map[int64]string
}

func (r *stubResolver) ResolveFile(fileID int64) (string, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.files[fileID]
	if !ok {
		return "", 0, os.ErrNotExist
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	return path, info.Size(), nil
}

func TestRequestFileShortCircuitsOnCacheHit(t *testing.T) {
	cacheRoot := t.TempDir()
	m := New(cacheRoot, &stubResolver{files: map[int64]string{}})
	defer m.Close()

	cached := m.cachePath("dev-1", 42, "report.pdf")
	if err := os.MkdirAll(filepath.Dir(cached), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(cached, []byte("already have this"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var progressed []Progress
	var mu sync.Mutex
	dest, err := m.RequestFile(nil, "dev-1", 42, "report.pdf", "", func(p Progress) {
		mu.Lock()
		progressed = append(progressed, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("RequestFile: %v", err)
	}
	if dest != cached {
		t.Errorf("dest = %q, want %q", dest, cached)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(progressed) != 1 || progressed[0].State != StateCompleted {
		t.Fatalf("expected a single Completed notification, got %+v", progressed)
	}
	if progressed[0].Percent != 100 {
		t.Errorf("Percent = %v, want 100", progressed[0].Percent)
	}
}

func TestRequestFileCacheHitVerifiesChecksum(t *testing.T) {
	cacheRoot := t.TempDir()
	m := New(cacheRoot, &stubResolver{files: map[int64]string{}})
	defer m.Close()

	cached := m.cachePath("dev-1", 42, "report.pdf")
	if err := os.MkdirAll(filepath.Dir(cached), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	content := []byte("already have this")
	if err := os.WriteFile(cached, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	checksum, err := computeChecksum(cached)
	if err != nil {
		t.Fatalf("computeChecksum: %v", err)
	}

	dest, err := m.RequestFile(nil, "dev-1", 42, "report.pdf", checksum, nil)
	if err != nil {
		t.Fatalf("RequestFile with matching checksum: %v", err)
	}
	if dest != cached {
		t.Errorf("dest = %q, want %q", dest, cached)
	}
}

func TestRequestFileCacheMissOnChecksumMismatchRedownloads(t *testing.T) {
	cacheRoot := t.TempDir()
	m := New(cacheRoot, &stubResolver{files: map[int64]string{}})
	defer m.Close()

	server, client := pairedConns(t, nil, func(_ *peerconn.Conn, f wire.Frame) {
		m.HandleFrame("server-device", f)
	})
	defer server.Disconnect()
	defer client.Disconnect()

	cached := m.cachePath("server-device", 42, "report.pdf")
	if err := os.MkdirAll(filepath.Dir(cached), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(cached, []byte("stale or corrupt content"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var notifications []Progress
	dest, err := m.RequestFile(client, "server-device", 42, "report.pdf", "sha256:0000000000000000000000000000000000000000000000000000000000000000", func(p Progress) {
		notifications = append(notifications, p)
	})
	if err != nil {
		t.Fatalf("RequestFile: %v", err)
	}
	if dest != cached {
		t.Errorf("dest = %q, want %q", dest, cached)
	}
	if len(notifications) != 0 {
		t.Errorf("expected no cache-hit completion notification on checksum mismatch, got %+v", notifications)
	}
	if _, err := os.Stat(cached + ".part"); err != nil {
		t.Errorf("expected a fresh .part file to start the re-download: %v", err)
	}
}

func TestCompleteDownloadFailsOnChecksumMismatch(t *testing.T) {
	cacheRoot := t.TempDir()
	m := New(cacheRoot, &stubResolver{files: map[int64]string{}})
	defer m.Close()

	server, client := pairedConns(t, nil, func(_ *peerconn.Conn, f wire.Frame) {
		m.HandleFrame("server-device", f)
	})
	defer server.Disconnect()
	defer client.Disconnect()

	content := []byte("this content will not match the expected checksum")

	var last Progress
	var mu sync.Mutex
	done := make(chan struct{})
	dest, err := m.RequestFile(client, "server-device", 8, "note.txt", "sha256:0000000000000000000000000000000000000000000000000000000000000000", func(p Progress) {
		mu.Lock()
		last = p
		mu.Unlock()
		if p.State == StateFailed {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("RequestFile: %v", err)
	}

	reqID := activeRequestID(t, m)

	respHeader := wire.EncodeFileChunkHeader(wire.FileChunkHeader{TotalSize: int64(len(content))})
	if err := server.SendMessage(wire.MsgFileResponse, reqID, respHeader); err != nil {
		t.Fatalf("send FileResponse: %v", err)
	}
	chunkHeader := wire.EncodeFileChunkHeader(wire.FileChunkHeader{
		Offset:    0,
		TotalSize: int64(len(content)),
		ChunkSize: int32(len(content)),
		IsLast:    true,
	})
	if err := server.SendMessage(wire.MsgFileChunk, reqID, append(chunkHeader, content...)); err != nil {
		t.Fatalf("send FileChunk: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("never observed Failed state")
	}

	mu.Lock()
	defer mu.Unlock()
	if last.State != StateFailed {
		t.Errorf("state = %s, want Failed", last.State)
	}
	if last.Err == nil || !ferr.Is(last.Err, ferr.KindChecksumMismatch) {
		t.Errorf("err = %v, want a ChecksumMismatch error", last.Err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("expected the corrupt file to never be promoted to its final path")
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Errorf("expected .part file to be removed after a checksum mismatch")
	}
}

func TestGetCachedPathClearCacheAndGetCacheSize(t *testing.T) {
	cacheRoot := t.TempDir()
	m := New(cacheRoot, &stubResolver{files: map[int64]string{}})
	defer m.Close()

	// No cached file yet: GetCachedPath returns a planning path, not an
	// existence guarantee.
	planned := m.GetCachedPath("dev-1", 7)
	if filepath.Base(planned) != "7" {
		t.Errorf("planned path = %q, want basename 7", planned)
	}

	cached := m.cachePath("dev-1", 7, "photo.jpg")
	if err := os.MkdirAll(filepath.Dir(cached), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	payload := []byte("some bytes of a cached photo")
	if err := os.WriteFile(cached, payload, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if got := m.GetCachedPath("dev-1", 7); got != cached {
		t.Errorf("GetCachedPath = %q, want %q", got, cached)
	}

	size, err := m.GetCacheSize()
	if err != nil {
		t.Fatalf("GetCacheSize: %v", err)
	}
	if size != int64(len(payload)) {
		t.Errorf("GetCacheSize = %d, want %d", size, len(payload))
	}

	if err := m.ClearCache(); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if _, err := os.Stat(cached); !os.IsNotExist(err) {
		t.Errorf("expected cached file to be gone after ClearCache")
	}
	size, err = m.GetCacheSize()
	if err != nil {
		t.Fatalf("GetCacheSize after clear: %v", err)
	}
	if size != 0 {
		t.Errorf("GetCacheSize after clear = %d, want 0", size)
	}
}

func TestCancelAllRequestsNotifiesAndRemovesMatchingDownloadsOnly(t *testing.T) {
	cacheRoot := t.TempDir()
	m := New(cacheRoot, &stubResolver{files: map[int64]string{}})
	defer m.Close()

	server, client := pairedConns(t, nil, func(_ *peerconn.Conn, f wire.Frame) {
		m.HandleFrame("server-device", f)
	})
	defer server.Disconnect()
	defer client.Disconnect()

	var mu sync.Mutex
	cancelledStates := map[int64]State{}
	notify := func(id int64) ProgressFunc {
		return func(p Progress) {
			mu.Lock()
			cancelledStates[id] = p.State
			mu.Unlock()
		}
	}

	if _, err := m.RequestFile(client, "server-device", 1, "a.bin", "", notify(1)); err != nil {
		t.Fatalf("RequestFile 1: %v", err)
	}
	if _, err := m.RequestFile(client, "server-device", 2, "b.bin", "", notify(2)); err != nil {
		t.Fatalf("RequestFile 2: %v", err)
	}
	if _, err := m.RequestFile(client, "other-device", 3, "c.bin", "", notify(3)); err != nil {
		t.Fatalf("RequestFile 3: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		m.downloadsMu.Lock()
		n := len(m.downloads)
		m.downloadsMu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("not all downloads registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	m.CancelAllRequests("server-device")

	mu.Lock()
	defer mu.Unlock()
	if cancelledStates[1] != StateCancelled || cancelledStates[2] != StateCancelled {
		t.Errorf("expected downloads 1 and 2 to be cancelled, got %+v", cancelledStates)
	}
	if _, ok := cancelledStates[3]; ok {
		t.Errorf("expected download 3 (different device) to be left untouched")
	}

	m.downloadsMu.Lock()
	remaining := len(m.downloads)
	m.downloadsMu.Unlock()
	if remaining != 1 {
		t.Errorf("expected only the other-device download to remain, got %d", remaining)
	}
}

func TestDownloadRoundTripFromResponseThroughChunksToRename(t *testing.T) {
	cacheRoot := t.TempDir()
	m := New(cacheRoot, &stubResolver{files: map[int64]string{}})
	defer m.Close()

	server, client := pairedConns(t, nil, func(_ *peerconn.Conn, f wire.Frame) {
		m.HandleFrame("server-device", f)
	})
	defer server.Disconnect()
	defer client.Disconnect()

	content := []byte("hello from the other device, this is file content")

	var notifications []Progress
	var nmu sync.Mutex
	dest, err := m.RequestFile(client, "server-device", 7, "note.txt", "", func(p Progress) {
		nmu.Lock()
		notifications = append(notifications, p)
		nmu.Unlock()
	})
	if err != nil {
		t.Fatalf("RequestFile: %v", err)
	}

	reqID := activeRequestID(t, m)

	respHeader := wire.EncodeFileChunkHeader(wire.FileChunkHeader{TotalSize: int64(len(content))})
	if err := server.SendMessage(wire.MsgFileResponse, reqID, respHeader); err != nil {
		t.Fatalf("send FileResponse: %v", err)
	}

	chunkHeader := wire.EncodeFileChunkHeader(wire.FileChunkHeader{
		Offset:    0,
		TotalSize: int64(len(content)),
		ChunkSize: int32(len(content)),
		IsLast:    true,
	})
	if err := server.SendMessage(wire.MsgFileChunk, reqID, append(chunkHeader, content...)); err != nil {
		t.Fatalf("send FileChunk: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, err := os.Stat(dest); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("download never completed, dest %q missing", dest)
		case <-time.After(10 * time.Millisecond):
		}
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("downloaded content = %q, want %q", got, content)
	}

	nmu.Lock()
	defer nmu.Unlock()
	if len(notifications) == 0 {
		t.Fatalf("expected at least one progress notification")
	}
	last := notifications[len(notifications)-1]
	if last.State != StateCompleted {
		t.Errorf("last notification state = %s, want Completed", last.State)
	}
}

func TestDownloadFailsOnFileNotFound(t *testing.T) {
	cacheRoot := t.TempDir()
	m := New(cacheRoot, &stubResolver{files: map[int64]string{}})
	defer m.Close()

	server, client := pairedConns(t, nil, func(_ *peerconn.Conn, f wire.Frame) {
		m.HandleFrame("server-device", f)
	})
	defer server.Disconnect()
	defer client.Disconnect()

	var last Progress
	var mu sync.Mutex
	done := make(chan struct{})
	dest, err := m.RequestFile(client, "server-device", 99, "missing.bin", "", func(p Progress) {
		mu.Lock()
		last = p
		mu.Unlock()
		if p.State == StateFailed {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("RequestFile: %v", err)
	}

	reqID := activeRequestID(t, m)
	if err := server.SendMessage(wire.MsgFileNotFound, reqID, nil); err != nil {
		t.Fatalf("send FileNotFound: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("never observed Failed state")
	}

	mu.Lock()
	defer mu.Unlock()
	if last.State != StateFailed {
		t.Errorf("state = %s, want Failed", last.State)
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Errorf("expected .part file to be removed after failure")
	}
}

func TestProgressThrottleSuppressesRapidSmallUpdates(t *testing.T) {
	d := &download{totalBytes: 1000, onProgress: func(Progress) {}}

	var calls int
	d.onProgress = func(Progress) { calls++ }

	// Prime lastNotifyAt/lastNotifyPercent as if a notification just
	// fired, so the next call actually exercises the throttle instead of
	// seeing a zero-value timestamp that always looks stale.
	d.received = 1
	d.maybeNotify(true)
	if calls != 1 {
		t.Fatalf("expected the forced priming call to notify, got %d calls", calls)
	}

	d.received = 2
	d.maybeNotify(false)
	if calls != 1 {
		t.Fatalf("expected a tiny update right after priming to be suppressed, got %d calls", calls)
	}

	d.received = 500
	d.maybeNotify(false)
	if calls != 2 {
		t.Fatalf("expected a large percent jump to notify, got %d calls", calls)
	}

	d.maybeNotify(true)
	if calls != 3 {
		t.Fatalf("expected forced notification regardless of throttle, got %d calls", calls)
	}
}

func TestUploadWorkerStreamsFileInChunksWithIsLastOnFinal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "source.bin")
	payload := make([]byte, ChunkSize+1234)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, payload, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	resolver := &stubResolver{files: map[int64]string{1: path}}
	m := New(t.TempDir(), resolver)
	defer m.Close()

	var mu sync.Mutex
	var chunks [][]byte
	var gotResponseHeader bool
	done := make(chan struct{})

	// server.SendMessage below sends the FileRequest server->client, so
	// it is the client connection that receives it and must hand it to
	// the Manager; the server connection receives the reply traffic
	// (FileResponse/FileChunk) that the upload worker streams back.
	server, client := pairedConns(t, func(_ *peerconn.Conn, f wire.Frame) {
		switch f.Type {
		case wire.MsgFileResponse:
			mu.Lock()
			gotResponseHeader = true
			mu.Unlock()
		case wire.MsgFileChunk:
			header, data, err := wire.DecodeFileChunkHeader(f.Payload)
			if err != nil {
				t.Errorf("DecodeFileChunkHeader: %v", err)
				return
			}
			mu.Lock()
			chunks = append(chunks, data)
			last := header.IsLast
			mu.Unlock()
			if last {
				close(done)
			}
		}
	}, func(_ *peerconn.Conn, f wire.Frame) {
		m.HandleFrame("server-device", f)
	})
	defer server.Disconnect()
	defer client.Disconnect()

	m.ConnLookup = func(deviceID string) (*peerconn.Conn, bool) {
		if deviceID == "server-device" {
			return client, true
		}
		return nil, false
	}

	reqPayload, err := encodeFileRequest(1)
	if err != nil {
		t.Fatalf("encodeFileRequest: %v", err)
	}
	if err := server.SendMessage(wire.MsgFileRequest, "req-1", reqPayload); err != nil {
		t.Fatalf("send FileRequest: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("upload never finished")
	}

	mu.Lock()
	defer mu.Unlock()
	if !gotResponseHeader {
		t.Errorf("expected a FileResponse header before chunks")
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks (one full, one remainder), got %d", len(chunks))
	}
	if len(chunks[0]) != ChunkSize {
		t.Errorf("first chunk len = %d, want %d", len(chunks[0]), ChunkSize)
	}
	if len(chunks[1]) != 1234 {
		t.Errorf("second chunk len = %d, want 1234", len(chunks[1]))
	}

	var reassembled []byte
	reassembled = append(reassembled, chunks[0]...)
	reassembled = append(reassembled, chunks[1]...)
	if len(reassembled) != len(payload) {
		t.Fatalf("reassembled len = %d, want %d", len(reassembled), len(payload))
	}
	for i := range payload {
		if reassembled[i] != payload[i] {
			t.Fatalf("content mismatch at byte %d", i)
		}
	}
}

func TestHandleFileRequestRepliesNotFoundForUnknownFile(t *testing.T) {
	resolver := &stubResolver{files: map[int64]string{}}
	m := New(t.TempDir(), resolver)
	defer m.Close()

	replies := make(chan wire.Frame, 1)
	server, client := pairedConns(t, func(_ *peerconn.Conn, f wire.Frame) {
		if f.Type == wire.MsgFileNotFound {
			replies <- f
		}
	}, func(_ *peerconn.Conn, f wire.Frame) {
		m.HandleFrame("server-device", f)
	})
	defer server.Disconnect()
	defer client.Disconnect()

	m.ConnLookup = func(deviceID string) (*peerconn.Conn, bool) {
		if deviceID == "server-device" {
			return client, true
		}
		return nil, false
	}

	reqPayload, err := encodeFileRequest(404)
	if err != nil {
		t.Fatalf("encodeFileRequest: %v", err)
	}
	if err := server.SendMessage(wire.MsgFileRequest, "req-missing", reqPayload); err != nil {
		t.Fatalf("send FileRequest: %v", err)
	}

	select {
	case f := <-replies:
		if f.ReqID != "req-missing" {
			t.Errorf("reqId = %q, want req-missing", f.ReqID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("never received FileNotFound")
	}
}

// activeRequestID waits briefly for RequestFile's download registration
// to land, then returns its requestId. Tests that immediately need the
// server side to reply by reqId call this right after RequestFile.
func activeRequestID(t *testing.T, m *Manager) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		m.downloadsMu.Lock()
		for id := range m.downloads {
			m.downloadsMu.Unlock()
			return id
		}
		m.downloadsMu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("no download ever registered")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func encodeFileRequest(fileID int64) ([]byte, error) {
	return json.Marshal(wire.FileRequest{FileID: fileID})
}
