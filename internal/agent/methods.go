package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/termihub/termihub/internal/jsonrpc"
	"github.com/termihub/termihub/internal/session"
)

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// methodHandler implements one JSON-RPC method. Returning a non-nil
// *RPCError short-circuits to an error response; otherwise result is
// marshaled into the response's "result" field.
type methodHandler func(d *Dispatcher, params json.RawMessage) (interface{}, *RPCError)

var methodTable = map[string]methodHandler{
	"initialize":     handleInitialize,
	"health.check":   handleHealthCheck,
	"session.create": handleSessionCreate,
	"session.list":   handleSessionList,
	"session.attach": handleSessionAttach,
	"session.detach": handleSessionDetach,
	"session.input":  handleSessionInput,
	"session.resize": handleSessionResize,
	"session.close":  handleSessionClose,

	"connection.files.list":   handleFilesList,
	"connection.files.read":   handleFilesRead,
	"connection.files.write":  handleFilesWrite,
	"connection.files.delete": handleFilesDelete,
	"connection.files.rename": handleFilesRename,
	"connection.files.stat":   handleFilesStat,
}

type initializeParams struct {
	ProtocolVersion string `json:"protocol_version"`
	Client          string `json:"client"`
	ClientVersion   string `json:"client_version"`
}

type capabilitiesResult struct {
	SessionTypes []session.Type `json:"session_types"`
	MaxSessions  int             `json:"max_sessions"`
}

type initializeResult struct {
	ProtocolVersion string              `json:"protocol_version"`
	BinaryVersion   string              `json:"binary_version"`
	Capabilities    capabilitiesResult  `json:"capabilities"`
}

// BinaryVersion is the agent's own build version, surfaced in the
// initialize handshake (spec §4.5). Overridden at build time via
// -ldflags "-X github.com/termihub/termihub/internal/agent.BinaryVersion=...".
var BinaryVersion = "dev"

// SupportedSessionTypes lists the session types this agent's factory
// table can construct, reported in the initialize capability object.
// The list is fixed here; nothing reassigns it at startup.
var SupportedSessionTypes = []session.Type{
	session.TypeShell,
	session.TypeSerial,
	session.TypeDocker,
	session.TypeSSH,
	session.TypeTelnet,
	session.TypeWSL,
}

func handleInitialize(d *Dispatcher, raw json.RawMessage) (interface{}, *RPCError) {
	var p initializeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newRPCError(jsonrpc.InvalidParams, "invalid initialize params: %v", err)
	}
	if err := checkProtocolVersion(p.ProtocolVersion); err != nil {
		return nil, newRPCError(jsonrpc.VersionNotSupported, "%v", err)
	}
	d.initialized = true
	return initializeResult{
		ProtocolVersion: protocolMajorVersion + ".1.0",
		BinaryVersion:   BinaryVersion,
		Capabilities: capabilitiesResult{
			SessionTypes: SupportedSessionTypes,
			MaxSessions:  session.MaxSessions,
		},
	}, nil
}

func handleHealthCheck(d *Dispatcher, raw json.RawMessage) (interface{}, *RPCError) {
	return map[string]interface{}{
		"status":          "ok",
		"uptime_secs":     int64(d.manager.Uptime().Seconds()),
		"active_sessions": len(d.manager.List()),
	}, nil
}

type sessionCreateParams struct {
	Type     session.Type           `json:"type"`
	Title    string                 `json:"title"`
	Settings map[string]interface{} `json:"settings"`
}

func handleSessionCreate(d *Dispatcher, raw json.RawMessage) (interface{}, *RPCError) {
	var p sessionCreateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newRPCError(jsonrpc.InvalidParams, "invalid session.create params: %v", err)
	}
	summary, err := d.manager.Create(context.Background(), p.Type, p.Title, p.Settings)
	if err != nil {
		return nil, asRPCError(err)
	}
	return summary, nil
}

func handleSessionList(d *Dispatcher, raw json.RawMessage) (interface{}, *RPCError) {
	return d.manager.List(), nil
}

type sessionIDParams struct {
	SessionID string `json:"session_id"`
}

func handleSessionAttach(d *Dispatcher, raw json.RawMessage) (interface{}, *RPCError) {
	var p sessionIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newRPCError(jsonrpc.InvalidParams, "invalid session.attach params: %v", err)
	}
	if err := d.attach(p.SessionID); err != nil {
		return nil, asRPCError(err)
	}
	return map[string]bool{"ok": true}, nil
}

func handleSessionDetach(d *Dispatcher, raw json.RawMessage) (interface{}, *RPCError) {
	var p sessionIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newRPCError(jsonrpc.InvalidParams, "invalid session.detach params: %v", err)
	}
	d.detach(p.SessionID)
	return map[string]bool{"ok": true}, nil
}

type sessionInputParams struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"` // base64
}

func handleSessionInput(d *Dispatcher, raw json.RawMessage) (interface{}, *RPCError) {
	var p sessionInputParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newRPCError(jsonrpc.InvalidParams, "invalid session.input params: %v", err)
	}
	data, err := decodeBase64(p.Data)
	if err != nil {
		return nil, newRPCError(jsonrpc.InvalidParams, "invalid base64 data: %v", err)
	}
	if err := d.manager.Input(p.SessionID, data); err != nil {
		return nil, asRPCError(err)
	}
	return map[string]bool{"ok": true}, nil
}

type sessionResizeParams struct {
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

func handleSessionResize(d *Dispatcher, raw json.RawMessage) (interface{}, *RPCError) {
	var p sessionResizeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newRPCError(jsonrpc.InvalidParams, "invalid session.resize params: %v", err)
	}
	if err := d.manager.Resize(p.SessionID, p.Cols, p.Rows); err != nil {
		return nil, asRPCError(err)
	}
	return map[string]bool{"ok": true}, nil
}

func handleSessionClose(d *Dispatcher, raw json.RawMessage) (interface{}, *RPCError) {
	var p sessionIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newRPCError(jsonrpc.InvalidParams, "invalid session.close params: %v", err)
	}
	d.detach(p.SessionID)
	if err := d.manager.Close(p.SessionID); err != nil {
		return nil, asRPCError(err)
	}
	return map[string]bool{"ok": true}, nil
}
