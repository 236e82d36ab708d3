package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Magic is the 4-byte frame magic, "FVLT" in ASCII.
const Magic uint32 = 0x46564C54

// HeaderSize is the fixed portion of a frame before ReqId and payload:
// magic(4) + length(4) + type(1) + reqIdLen(1).
const HeaderSize = 10

// MaxFrame is the largest frame (header + reqId + payload) this
// protocol will encode or accept.
const MaxFrame = 16 * 1024 * 1024

// Frame is a single decoded message: its type, correlation id, and raw
// payload bytes.
type Frame struct {
	Type    MessageType
	ReqID   string
	Payload []byte
}

// Encode serializes f into a complete frame, big-endian throughout.
func Encode(f Frame) ([]byte, error) {
	if len(f.ReqID) > 255 {
		return nil, fmt.Errorf("wire: reqId %q exceeds 255 bytes", f.ReqID)
	}
	total := HeaderSize + len(f.ReqID) + len(f.Payload)
	if total > MaxFrame {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds MAX_FRAME (%d)", total, MaxFrame)
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(total))
	buf[8] = byte(f.Type)
	buf[9] = byte(len(f.ReqID))
	copy(buf[HeaderSize:], f.ReqID)
	copy(buf[HeaderSize+len(f.ReqID):], f.Payload)
	return buf, nil
}

// EncodeJSON marshals v as the payload of a frame with the given type
// and request id.
func EncodeJSON(msgType MessageType, reqID string, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s payload: %w", msgType, err)
	}
	return Encode(Frame{Type: msgType, ReqID: reqID, Payload: payload})
}

// DecodeJSON unmarshals f.Payload into v.
func DecodeJSON(f Frame, v interface{}) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("wire: unmarshal %s payload: %w", f.Type, err)
	}
	return nil
}

// EncodeFileChunkHeader serializes h into its fixed 29-byte form.
func EncodeFileChunkHeader(h FileChunkHeader) []byte {
	buf := make([]byte, FileChunkHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.FileID))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.Offset))
	binary.BigEndian.PutUint64(buf[16:24], uint64(h.TotalSize))
	binary.BigEndian.PutUint32(buf[24:28], uint32(h.ChunkSize))
	if h.IsLast {
		buf[28] = 1
	}
	return buf
}

// DecodeFileChunkHeader parses the fixed 29-byte header from the front
// of buf. The trailing bytes of buf beyond the header are the chunk's
// data (empty for a FileResponse frame).
func DecodeFileChunkHeader(buf []byte) (FileChunkHeader, []byte, error) {
	if len(buf) < FileChunkHeaderSize {
		return FileChunkHeader{}, nil, fmt.Errorf("wire: file chunk header needs %d bytes, got %d", FileChunkHeaderSize, len(buf))
	}
	h := FileChunkHeader{
		FileID:    int64(binary.BigEndian.Uint64(buf[0:8])),
		Offset:    int64(binary.BigEndian.Uint64(buf[8:16])),
		TotalSize: int64(binary.BigEndian.Uint64(buf[16:24])),
		ChunkSize: int32(binary.BigEndian.Uint32(buf[24:28])),
		IsLast:    buf[28] != 0,
	}
	return h, buf[FileChunkHeaderSize:], nil
}

// MessageSize inspects the accumulated bytes buf and returns the total
// length of the next frame once it is knowable, or 0 if buf does not
// yet contain enough bytes, has a bad magic, or claims a size above
// MaxFrame.
func MessageSize(buf []byte) int {
	if len(buf) < HeaderSize {
		return 0
	}
	if binary.BigEndian.Uint32(buf[0:4]) != Magic {
		return 0
	}
	size := binary.BigEndian.Uint32(buf[4:8])
	if size < HeaderSize || size > MaxFrame {
		return 0
	}
	return int(size)
}

// DecodeFrame decodes exactly one complete frame from buf, which must
// be at least MessageSize(buf) bytes (the caller is expected to have
// checked that already). Returns a ProtocolViolation-shaped error on a
// malformed header.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, fmt.Errorf("wire: short frame, %d bytes", len(buf))
	}
	if binary.BigEndian.Uint32(buf[0:4]) != Magic {
		return Frame{}, fmt.Errorf("wire: bad magic %x", buf[0:4])
	}
	size := int(binary.BigEndian.Uint32(buf[4:8]))
	if size < HeaderSize || size > MaxFrame {
		return Frame{}, fmt.Errorf("wire: invalid frame length %d", size)
	}
	if len(buf) < size {
		return Frame{}, fmt.Errorf("wire: frame truncated, want %d have %d", size, len(buf))
	}
	msgType := MessageType(buf[8])
	reqIDLen := int(buf[9])
	if HeaderSize+reqIDLen > size {
		return Frame{}, fmt.Errorf("wire: reqIdLen %d overruns frame of size %d", reqIDLen, size)
	}
	reqID := string(buf[HeaderSize : HeaderSize+reqIDLen])
	payload := buf[HeaderSize+reqIDLen : size]
	// Copy payload out so the caller's accumulator buffer can be reused
	// or shrunk without aliasing this frame's data.
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)
	return Frame{Type: msgType, ReqID: reqID, Payload: payloadCopy}, nil
}

// Framer incrementally assembles frames out of an accumulating byte
// stream, the shape TLS delivers in arbitrary fragments. Feed bytes in
// with Push; drain complete frames with Next.
type Framer struct {
	buf []byte
}

// Push appends newly-read bytes to the accumulator.
func (fr *Framer) Push(b []byte) {
	fr.buf = append(fr.buf, b...)
}

// Next returns the next complete frame and true if one is buffered, or
// a zero Frame and false if more bytes are needed. An error is
// returned only for a malformed header once enough bytes exist to
// decide it (bad magic, oversize length) — that error is fatal for the
// connection.
func (fr *Framer) Next() (Frame, bool, error) {
	size := MessageSize(fr.buf)
	if size == 0 {
		if len(fr.buf) >= HeaderSize {
			// Enough bytes to have judged magic/length and failed.
			if binary.BigEndian.Uint32(fr.buf[0:4]) != Magic {
				return Frame{}, false, fmt.Errorf("wire: bad magic in stream")
			}
			claimed := binary.BigEndian.Uint32(fr.buf[4:8])
			if claimed > MaxFrame {
				return Frame{}, false, fmt.Errorf("wire: frame of %d bytes exceeds MAX_FRAME", claimed)
			}
		}
		return Frame{}, false, nil
	}
	if len(fr.buf) < size {
		return Frame{}, false, nil
	}
	f, err := DecodeFrame(fr.buf[:size])
	if err != nil {
		return Frame{}, false, err
	}
	remaining := len(fr.buf) - size
	copy(fr.buf, fr.buf[size:])
	fr.buf = fr.buf[:remaining]
	return f, true, nil
}
