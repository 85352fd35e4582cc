// Package frame implements the length-prefixed binary protocol spoken on
// the daemon's Unix control socket (spec §4.2). A frame is a one-byte
// type, a big-endian u32 payload length, and the payload itself.
package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Type identifies the kind of message carried by a frame.
type Type byte

const (
	Input        Type = 0x01 // agent -> daemon: raw bytes for the PTY master
	Resize       Type = 0x02 // agent -> daemon: cols/rows, 4 bytes big-endian
	Detach       Type = 0x03 // agent -> daemon: empty
	Kill         Type = 0x04 // agent -> daemon: empty
	Output       Type = 0x81 // daemon -> agent: raw PTY output
	BufferReplay Type = 0x82 // daemon -> agent: ring buffer snapshot on connect
	Exited       Type = 0x83 // daemon -> agent: exit code, i32 big-endian
	Error        Type = 0x84 // daemon -> agent: UTF-8 message
	Ready        Type = 0x85 // daemon -> agent: empty, sent after BufferReplay
)

func (t Type) String() string {
	switch t {
	case Input:
		return "Input"
	case Resize:
		return "Resize"
	case Detach:
		return "Detach"
	case Kill:
		return "Kill"
	case Output:
		return "Output"
	case BufferReplay:
		return "BufferReplay"
	case Exited:
		return "Exited"
	case Error:
		return "Error"
	case Ready:
		return "Ready"
	default:
		return fmt.Sprintf("Type(0x%02x)", byte(t))
	}
}

// headerLen is the fixed 5-byte header: 1 type byte + 4 length bytes.
const headerLen = 5

// MaxReplayChunk bounds a single socket write for BufferReplay payloads,
// per spec §4.2 ("chunked to keep each socket write <= 1 MiB").
const MaxReplayChunk = 1024 * 1024

// Frame is a single decoded message.
type Frame struct {
	Type    Type
	Payload []byte
}

// Encode serializes f as header+payload, written as one contiguous byte
// slice so the sender never splits a frame across separate writes.
func Encode(t Type, payload []byte) []byte {
	out := make([]byte, headerLen+len(payload))
	out[0] = byte(t)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[5:], payload)
	return out
}

// WriteFrame writes a single frame to w in one call, preserving the
// "headers and payload written contiguously" contract.
func WriteFrame(w io.Writer, t Type, payload []byte) error {
	_, err := w.Write(Encode(t, payload))
	return err
}

// WriteChunked splits payload into pieces no larger than MaxReplayChunk
// and writes each as its own frame of type t. Used for BufferReplay so a
// large scrollback snapshot never produces an oversized single write.
func WriteChunked(w io.Writer, t Type, payload []byte) error {
	if len(payload) == 0 {
		return WriteFrame(w, t, nil)
	}
	for len(payload) > 0 {
		n := len(payload)
		if n > MaxReplayChunk {
			n = MaxReplayChunk
		}
		if err := WriteFrame(w, t, payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// Reader accumulates bytes from an underlying stream and yields complete
// frames. It is safe to feed it partial reads: any bytes read but not
// enough to complete a header+payload are retained in an internal buffer
// for the next call, so a cancelled or short read never loses data (the
// cancellation-safe framing requirement in spec §4.2).
type Reader struct {
	src *bufio.Reader
	buf []byte // bytes read from src but not yet consumed into a frame
}

// NewReader wraps r for frame-oriented reads.
func NewReader(r io.Reader) *Reader {
	return &Reader{src: bufio.NewReader(r)}
}

// ReadFrame blocks until a complete frame is available, the underlying
// reader errors, or EOF. It never consumes bytes it can't yet use: if a
// short read from src leaves a partial frame, those bytes stay buffered.
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		if f, ok := r.tryParse(); ok {
			return f, nil
		}
		chunk := make([]byte, 4096)
		n, err := r.src.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
			if f, ok := r.tryParse(); ok {
				return f, nil
			}
		}
		if err != nil {
			return Frame{}, err
		}
	}
}

func (r *Reader) tryParse() (Frame, bool) {
	if len(r.buf) < headerLen {
		return Frame{}, false
	}
	t := Type(r.buf[0])
	length := binary.BigEndian.Uint32(r.buf[1:5])
	total := headerLen + int(length)
	if len(r.buf) < total {
		return Frame{}, false
	}
	payload := make([]byte, length)
	copy(payload, r.buf[headerLen:total])
	remainder := make([]byte, len(r.buf)-total)
	copy(remainder, r.buf[total:])
	r.buf = remainder
	return Frame{Type: t, Payload: payload}, true
}

// EncodeResize packs cols/rows into a Resize frame payload.
func EncodeResize(cols, rows uint16) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], cols)
	binary.BigEndian.PutUint16(b[2:4], rows)
	return b
}

// DecodeResize unpacks a Resize frame payload.
func DecodeResize(payload []byte) (cols, rows uint16, err error) {
	if len(payload) != 4 {
		return 0, 0, fmt.Errorf("frame: resize payload must be 4 bytes, got %d", len(payload))
	}
	return binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]), nil
}

// EncodeExitCode packs an i32 exit code into an Exited frame payload.
func EncodeExitCode(code int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(code))
	return b
}

// DecodeExitCode unpacks an Exited frame payload.
func DecodeExitCode(payload []byte) (int32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("frame: exit code payload must be 4 bytes, got %d", len(payload))
	}
	return int32(binary.BigEndian.Uint32(payload)), nil
}
