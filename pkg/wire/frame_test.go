package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Type: MsgHeartbeat, ReqID: "abc-123", Payload: []byte("hello")}
	buf, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if got.Type != f.Type || got.ReqID != f.ReqID || !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestEncodeDecodeEmptyReqID(t *testing.T) {
	f := Frame{Type: MsgFileChunk, ReqID: "", Payload: []byte{1, 2, 3}}
	buf, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if got.ReqID != "" {
		t.Errorf("expected empty ReqID, got %q", got.ReqID)
	}
}

func TestMessageSizeUnderBuffered(t *testing.T) {
	if got := MessageSize([]byte{0, 1, 2}); got != 0 {
		t.Errorf("MessageSize on short input = %d, want 0", got)
	}
}

func TestMessageSizeBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = 0xFF
	if got := MessageSize(buf); got != 0 {
		t.Errorf("MessageSize with bad magic = %d, want 0", got)
	}
}

func TestMessageSizeExact(t *testing.T) {
	f := Frame{Type: MsgHeartbeat, ReqID: "r1", Payload: []byte("payload bytes")}
	buf, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if got := MessageSize(buf); got != len(buf) {
		t.Errorf("MessageSize = %d, want %d", got, len(buf))
	}
}

func TestMaxFrameBoundary(t *testing.T) {
	reqID := "r"
	payload := make([]byte, MaxFrame-(HeaderSize+len(reqID)))
	if _, err := Encode(Frame{Type: MsgFileChunk, ReqID: reqID, Payload: payload}); err != nil {
		t.Fatalf("exact MAX_FRAME frame must be accepted: %v", err)
	}

	payload = append(payload, 0)
	if _, err := Encode(Frame{Type: MsgFileChunk, ReqID: reqID, Payload: payload}); err == nil {
		t.Fatalf("MAX_FRAME + 1 byte frame must be rejected")
	}
}

func TestFramerSplitsAcrossPushes(t *testing.T) {
	var frames []Frame
	for i := 0; i < 3; i++ {
		frames = append(frames, Frame{Type: MsgHeartbeatAck, ReqID: "x", Payload: []byte{byte(i)}})
	}

	var all []byte
	for _, f := range frames {
		buf, err := Encode(f)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		all = append(all, buf...)
	}

	var fr Framer
	// Feed in 4-byte chunks to force partial frames through the framer,
	// simulating TLS fragmenting a stream.
	const chunk = 4
	var decoded []Frame
	for i := 0; i < len(all); i += chunk {
		end := i + chunk
		if end > len(all) {
			end = len(all)
		}
		fr.Push(all[i:end])
		for {
			f, ok, err := fr.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if !ok {
				break
			}
			decoded = append(decoded, f)
		}
	}

	if len(decoded) != len(frames) {
		t.Fatalf("decoded %d frames, want %d", len(decoded), len(frames))
	}
	for i, f := range decoded {
		if f.Payload[0] != byte(i) {
			t.Errorf("frame %d out of order: got %d", i, f.Payload[0])
		}
	}
}

func TestFramerRejectsOversizeStream(t *testing.T) {
	var fr Framer
	header := make([]byte, HeaderSize)
	header[0], header[1], header[2], header[3] = 0x46, 0x56, 0x4C, 0x54
	header[4], header[5], header[6], header[7] = 0xFF, 0xFF, 0xFF, 0xFF
	fr.Push(header)
	if _, _, err := fr.Next(); err == nil {
		t.Fatalf("expected error for oversize claimed frame length")
	}
}

func TestFileChunkHeaderRoundTrip(t *testing.T) {
	h := FileChunkHeader{FileID: 42, Offset: 65536, TotalSize: 1572864, ChunkSize: 65536, IsLast: true}
	buf := EncodeFileChunkHeader(h)
	if len(buf) != FileChunkHeaderSize {
		t.Fatalf("encoded header length = %d, want %d", len(buf), FileChunkHeaderSize)
	}
	got, rest, err := DecodeFileChunkHeader(append(buf, []byte("chunkdata")...))
	if err != nil {
		t.Fatalf("DecodeFileChunkHeader failed: %v", err)
	}
	if got != h {
		t.Errorf("header round trip mismatch: got %+v, want %+v", got, h)
	}
	if string(rest) != "chunkdata" {
		t.Errorf("trailing bytes = %q, want %q", rest, "chunkdata")
	}
}
