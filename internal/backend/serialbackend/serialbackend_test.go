package serialbackend

import (
	"context"
	"testing"

	goserial "go.bug.st/serial"
)

func TestSettingsSchemaFields(t *testing.T) {
	s := SettingsSchema()
	if len(s.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(s.Groups))
	}
	group := s.Groups[0]
	if group.Key != "serial" {
		t.Fatalf("unexpected group key %q", group.Key)
	}

	want := []string{"port", "baudRate", "dataBits", "stopBits", "parity", "flowControl"}
	if len(group.Fields) != len(want) {
		t.Fatalf("expected %d fields, got %d", len(want), len(group.Fields))
	}
	for i, key := range want {
		if group.Fields[i].Key != key {
			t.Errorf("field %d: got %q, want %q", i, group.Fields[i].Key, key)
		}
	}

	for _, f := range group.Fields {
		if !f.Required {
			t.Errorf("field %q: expected required", f.Key)
		}
	}
	if !group.Fields[0].SupportsEnvExpansion {
		t.Errorf("port field should support env expansion")
	}
}

func TestSettingsFromMapDefaults(t *testing.T) {
	s := settingsFromMap(map[string]interface{}{"port": "/dev/ttyUSB0"})
	if s.BaudRate != 115200 || s.DataBits != 8 || s.StopBits != 1 || s.Parity != "none" || s.FlowControl != "none" {
		t.Fatalf("unexpected defaults: %+v", s)
	}
}

func TestCapabilities(t *testing.T) {
	b := New()
	caps := b.Capabilities()
	if caps.Monitoring || caps.FileBrowser || caps.Resize {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
	if !caps.Persistent {
		t.Fatalf("expected persistent capability")
	}
}

func TestWriteWhenDisconnected(t *testing.T) {
	b := New()
	if err := b.Write([]byte("hi")); err == nil {
		t.Fatal("expected error writing while disconnected")
	}
}

func TestResizeWhenDisconnectedIsOk(t *testing.T) {
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

func TestConnectWithEmptyPortFails(t *testing.T) {
	b := New()
	err := b.Connect(context.Background(), map[string]interface{}{"port": ""})
	if err == nil {
		t.Fatal("expected error connecting with empty port")
	}
}

func TestConnectWithInvalidPortFails(t *testing.T) {
	b := New()
	err := b.Connect(context.Background(), map[string]interface{}{
		"port": "/dev/this-port-does-not-exist-on-any-host",
	})
	if err == nil {
		b.Disconnect()
		t.Fatal("expected error connecting to a nonexistent port")
	}
}

func TestModeForMapsSettings(t *testing.T) {
	mode := modeFor(Settings{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"})
	if mode.BaudRate != 9600 || mode.DataBits != 7 {
		t.Fatalf("unexpected mode: %+v", mode)
	}
	if mode.StopBits != goserial.TwoStopBits {
		t.Fatalf("expected two stop bits")
	}
}
