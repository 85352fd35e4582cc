package telnetbackend

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

// discardConn is a net.Conn stand-in that records writes and otherwise
// discards them, used to test filterTelnetCommands without a real
// socket.
type discardConn struct {
	net.Conn
	written [][]byte
}

func (d *discardConn) Write(p []byte) (int, error) {
	d.written = append(d.written, append([]byte(nil), p...))
	return len(p), nil
}

func TestFilterTelnetCommandsPlainData(t *testing.T) {
	conn := &discardConn{}
	out := filterTelnetCommands([]byte("hello world"), conn)
	if string(out) != "hello world" {
		t.Fatalf("got %q", out)
	}
	if len(conn.written) != 0 {
		t.Fatalf("expected no negotiation replies, got %d", len(conn.written))
	}
}

func TestFilterTelnetCommandsRefusesDo(t *testing.T) {
	conn := &discardConn{}
	data := []byte{iac, do, 31, 'h', 'i'} // IAC DO <opt 31>, then "hi"
	out := filterTelnetCommands(data, conn)
	if string(out) != "hi" {
		t.Fatalf("got %q", out)
	}
	if len(conn.written) != 1 || !bytes.Equal(conn.written[0], []byte{iac, wont, 31}) {
		t.Fatalf("expected IAC WONT 31 reply, got %v", conn.written)
	}
}

func TestFilterTelnetCommandsRefusesWill(t *testing.T) {
	conn := &discardConn{}
	data := []byte{iac, will, 1}
	out := filterTelnetCommands(data, conn)
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %q", out)
	}
	if len(conn.written) != 1 || !bytes.Equal(conn.written[0], []byte{iac, dont, 1}) {
		t.Fatalf("expected IAC DONT 1 reply, got %v", conn.written)
	}
}

func TestFilterTelnetCommandsAcksDontWont(t *testing.T) {
	conn := &discardConn{}
	data := []byte{iac, dont, 5, iac, wont, 6, 'x'}
	out := filterTelnetCommands(data, conn)
	if string(out) != "x" {
		t.Fatalf("got %q", out)
	}
	if len(conn.written) != 0 {
		t.Fatalf("expected no reply for DONT/WONT, got %v", conn.written)
	}
}

func TestFilterTelnetCommandsUnescapesLiteral255(t *testing.T) {
	conn := &discardConn{}
	data := []byte{'a', iac, iac, 'b'}
	out := filterTelnetCommands(data, conn)
	want := []byte{'a', 255, 'b'}
	if !bytes.Equal(out, want) {
		t.Fatalf("got %v, want %v", out, want)
	}
}

func TestCapabilities(t *testing.T) {
	b := New()
	caps := b.Capabilities()
	if caps.Monitoring || caps.FileBrowser || caps.Resize || caps.Persistent {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
}

func TestWriteWhenDisconnected(t *testing.T) {
	b := New()
	if err := b.Write([]byte("x")); err == nil {
		t.Fatal("expected error writing while disconnected")
	}
}

func TestResizeIsAlwaysOk(t *testing.T) {
	b := New()
	if err := b.Resize(80, 24); err != nil {
		t.Fatalf("Resize should always succeed: %v", err)
	}
}

func TestDisconnectWhenNotConnectedIsNoOp(t *testing.T) {
	b := New()
	if err := b.Disconnect(); err != nil {
		t.Fatalf("Disconnect on fresh backend should be a no-op: %v", err)
	}
}

func TestConnectWithEmptyHostFails(t *testing.T) {
	b := New()
	err := b.Connect(context.Background(), map[string]interface{}{"host": ""})
	if err == nil {
		t.Fatal("expected error connecting with empty host")
	}
}

func TestConnectEchoDisconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		conn.Write(buf[:n])
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}

	b := New()
	out := b.SubscribeOutput()
	if err := b.Connect(context.Background(), map[string]interface{}{
		"host": host,
		"port": port,
	}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer b.Disconnect()

	if !b.IsConnected() {
		t.Fatal("expected connected after Connect")
	}
	if err := b.Write([]byte("PING")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case chunk := <-out:
		if !bytes.Equal(chunk, []byte("PING")) {
			t.Fatalf("got %q, want PING", chunk)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed output")
	}
}
