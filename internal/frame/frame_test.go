package frame

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("hello pty output\x00with nulls")
	encoded := Encode(Output, payload)

	r := NewReader(bytes.NewReader(encoded))
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Type != Output {
		t.Fatalf("type = %v, want Output", f.Type)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload = %q, want %q", f.Payload, payload)
	}
}

func TestReaderHandlesPartialReads(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 10000)
	encoded := Encode(BufferReplay, payload)

	// Feed the reader one byte at a time via a pipe-like stub to exercise
	// the "never consume partial bytes" accumulation path.
	pr, pw := io.Pipe()
	go func() {
		for _, b := range encoded {
			pw.Write([]byte{b})
		}
		pw.Close()
	}()

	r := NewReader(pr)
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Type != BufferReplay || !bytes.Equal(f.Payload, payload) {
		t.Fatalf("mismatched frame")
	}
}

func TestMultipleFramesInOneBuffer(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Encode(Input, []byte("abc")))
	buf.Write(Encode(Detach, nil))
	buf.Write(Encode(Kill, nil))

	r := NewReader(&buf)
	f1, err := r.ReadFrame()
	if err != nil || f1.Type != Input || string(f1.Payload) != "abc" {
		t.Fatalf("frame1: %+v err=%v", f1, err)
	}
	f2, err := r.ReadFrame()
	if err != nil || f2.Type != Detach || len(f2.Payload) != 0 {
		t.Fatalf("frame2: %+v err=%v", f2, err)
	}
	f3, err := r.ReadFrame()
	if err != nil || f3.Type != Kill || len(f3.Payload) != 0 {
		t.Fatalf("frame3: %+v err=%v", f3, err)
	}
}

func TestResizeEncodeDecode(t *testing.T) {
	payload := EncodeResize(120, 40)
	cols, rows, err := DecodeResize(payload)
	if err != nil {
		t.Fatalf("DecodeResize: %v", err)
	}
	if cols != 120 || rows != 40 {
		t.Fatalf("got cols=%d rows=%d", cols, rows)
	}
}

func TestExitCodeEncodeDecode(t *testing.T) {
	payload := EncodeExitCode(42)
	if !bytes.Equal(payload, []byte{0x00, 0x00, 0x00, 0x2a}) {
		t.Fatalf("payload = % x", payload)
	}
	code, err := DecodeExitCode(payload)
	if err != nil || code != 42 {
		t.Fatalf("code=%d err=%v", code, err)
	}
}

func TestWriteChunkedSplitsLargePayload(t *testing.T) {
	payload := bytes.Repeat([]byte{0x7a}, MaxReplayChunk*2+100)
	var buf bytes.Buffer
	if err := WriteChunked(&buf, BufferReplay, payload); err != nil {
		t.Fatalf("WriteChunked: %v", err)
	}

	r := NewReader(&buf)
	var reassembled []byte
	for {
		f, err := r.ReadFrame()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if f.Type != BufferReplay {
			t.Fatalf("unexpected frame type %v", f.Type)
		}
		if len(f.Payload) > MaxReplayChunk {
			t.Fatalf("chunk too large: %d", len(f.Payload))
		}
		reassembled = append(reassembled, f.Payload...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestWriteChunkedEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteChunked(&buf, BufferReplay, nil); err != nil {
		t.Fatalf("WriteChunked: %v", err)
	}
	r := NewReader(&buf)
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Type != BufferReplay || len(f.Payload) != 0 {
		t.Fatalf("got %+v", f)
	}
}
