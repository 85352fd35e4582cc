//go:build windows

package wslbackend

import (
	"context"
	"testing"
)

func TestTypeID(t *testing.T) {
	b := New()
	if b.TypeID() != "wsl" {
		t.Fatalf("got %q", b.TypeID())
	}
}

func TestDisplayName(t *testing.T) {
	b := New()
	if b.DisplayName() != "WSL" {
		t.Fatalf("got %q", b.DisplayName())
	}
}

func TestCapabilities(t *testing.T) {
	b := New()
	caps := b.Capabilities()
	if caps.Monitoring {
		t.Fatal("expected monitoring false")
	}
	if !caps.FileBrowser {
		t.Fatal("expected fileBrowser true")
	}
	if !caps.Resize {
		t.Fatal("expected resize true")
	}
	if !caps.Persistent {
		t.Fatal("expected persistent true")
	}
}

func TestNotConnectedInitially(t *testing.T) {
	b := New()
	if b.IsConnected() {
		t.Fatal("expected not connected")
	}
}

func TestSchemaHasDistributionField(t *testing.T) {
	s := SettingsSchema()
	if len(s.Groups) == 0 {
		t.Fatal("expected at least one group")
	}
	found := false
	for _, f := range s.Groups[0].Fields {
		if f.Key == "distribution" {
			found = true
			if !f.Required {
				t.Fatal("expected distribution to be required")
			}
		}
	}
	if !found {
		t.Fatal("expected distribution field")
	}
}

func TestSchemaHasStartingDirectory(t *testing.T) {
	s := SettingsSchema()
	for _, f := range s.Groups[0].Fields {
		if f.Key == "startingDirectory" {
			if f.Required {
				t.Fatal("expected startingDirectory to be optional")
			}
			if !f.SupportsTildeExpansion || !f.SupportsEnvExpansion {
				t.Fatal("expected startingDirectory to support tilde/env expansion")
			}
			return
		}
	}
	t.Fatal("expected startingDirectory field")
}

func TestSchemaHasInitialCommand(t *testing.T) {
	s := SettingsSchema()
	for _, f := range s.Groups[0].Fields {
		if f.Key == "initialCommand" {
			if f.Required {
				t.Fatal("expected initialCommand to be optional")
			}
			return
		}
	}
	t.Fatal("expected initialCommand field")
}

func TestWriteWhenDisconnected(t *testing.T) {
	b := New()
	if err := b.Write([]byte("hello")); err == nil {
		t.Fatal("expected error writing while disconnected")
	}
}

func TestResizeWhenDisconnected(t *testing.T) {
	b := New()
	if err := b.Resize(80, 24); err == nil {
		t.Fatal("expected error resizing while disconnected")
	}
}

func TestDisconnectWhenNotConnectedIsNoOp(t *testing.T) {
	b := New()
	if err := b.Disconnect(); err != nil {
		t.Fatalf("disconnect should not fail: %v", err)
	}
}

func TestConnectMissingDistributionFails(t *testing.T) {
	b := New()
	err := b.Connect(context.Background(), map[string]interface{}{})
	if err == nil {
		t.Fatal("expected error connecting without distribution")
	}
}

func TestResolveWSLArgs(t *testing.T) {
	_, args := resolveWSL("Ubuntu")
	if len(args) != 2 || args[0] != "-d" || args[1] != "Ubuntu" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestParseWSLOutputUTF16LEDistros(t *testing.T) {
	raw := utf16LEBytes("Ubuntu\r\nDebian\r\n")
	got := parseWSLOutput(raw)
	want := []string{"Ubuntu", "Debian"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseWSLOutputWithBOM(t *testing.T) {
	raw := utf16LEBytes("﻿Ubuntu\r\n")
	got := parseWSLOutput(raw)
	if len(got) != 1 || got[0] != "Ubuntu" {
		t.Fatalf("got %v", got)
	}
}

func TestParseWSLOutputEmptyInput(t *testing.T) {
	got := parseWSLOutput(nil)
	if len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
}

func TestParseWSLOutputWithNullBytes(t *testing.T) {
	raw := utf16LEBytes("Ubuntu\x00\r\n")
	got := parseWSLOutput(raw)
	if len(got) != 1 || got[0] != "Ubuntu" {
		t.Fatalf("got %v", got)
	}
}

func TestFileBrowserWindowsPath(t *testing.T) {
	fb := newFileBrowser("Ubuntu")
	if got := fb.windowsPath("/home/user/file.txt"); got != `\\wsl$\Ubuntu\home\user\file.txt` {
		t.Fatalf("got %q", got)
	}
	if got := fb.windowsPath("/"); got != `\\wsl$\Ubuntu` {
		t.Fatalf("got %q", got)
	}
}

// utf16LEBytes encodes s as UTF-16LE bytes, the format wsl.exe emits.
func utf16LEBytes(s string) []byte {
	var out []byte
	for _, r := range s {
		if r <= 0xFFFF {
			out = append(out, byte(r), byte(r>>8))
			continue
		}
		r -= 0x10000
		hi := uint16(0xD800 + (r >> 10))
		lo := uint16(0xDC00 + (r & 0x3FF))
		out = append(out, byte(hi), byte(hi>>8), byte(lo), byte(lo>>8))
	}
	return out
}
