package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/termihub/termihub/internal/backend"
	"github.com/termihub/termihub/internal/jsonrpc"
)

// connectionFileParams is the common request shape for every
// "connection.files.*" method: the target session (named connection_id
// for parity with the desktop's saved-connection IDs, spec §4.13
// extension) plus a path.
type connectionFileParams struct {
	ConnectionID string `json:"connection_id"`
	Path         string `json:"path"`
}

func fileBrowserFor(d *Dispatcher, sessionID string) (backend.FileBrowser, *RPCError) {
	sess, ok := d.manager.Get(sessionID)
	if !ok {
		return nil, newRPCError(jsonrpc.SessionNotFound, "session %q not found", sessionID)
	}
	fb, ok := sess.Backend.FileBrowser()
	if !ok {
		return nil, newRPCError(jsonrpc.InvalidConfiguration, "session %q has no file browser", sessionID)
	}
	return fb, nil
}

func asFileRPCError(err error) *RPCError {
	fe, ok := err.(*backend.FileError)
	if !ok {
		return newRPCError(jsonrpc.InvalidConfiguration, "%v", err)
	}
	return newRPCError(jsonrpc.InvalidConfiguration, "%v", fe)
}

func handleFilesList(d *Dispatcher, raw json.RawMessage) (interface{}, *RPCError) {
	var p connectionFileParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newRPCError(jsonrpc.InvalidParams, "invalid connection.files.list params: %v", err)
	}
	fb, rpcErr := fileBrowserFor(d, p.ConnectionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	entries, err := fb.ListDir(context.Background(), p.Path)
	if err != nil {
		return nil, asFileRPCError(err)
	}
	return map[string]interface{}{"entries": entries}, nil
}

func handleFilesRead(d *Dispatcher, raw json.RawMessage) (interface{}, *RPCError) {
	var p connectionFileParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newRPCError(jsonrpc.InvalidParams, "invalid connection.files.read params: %v", err)
	}
	fb, rpcErr := fileBrowserFor(d, p.ConnectionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	data, err := fb.ReadFile(context.Background(), p.Path)
	if err != nil {
		return nil, asFileRPCError(err)
	}
	return map[string]interface{}{"data": base64.StdEncoding.EncodeToString(data)}, nil
}

type filesWriteParams struct {
	ConnectionID string `json:"connection_id"`
	Path         string `json:"path"`
	Data         string `json:"data"`
}

func handleFilesWrite(d *Dispatcher, raw json.RawMessage) (interface{}, *RPCError) {
	var p filesWriteParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newRPCError(jsonrpc.InvalidParams, "invalid connection.files.write params: %v", err)
	}
	data, err := decodeBase64(p.Data)
	if err != nil {
		return nil, newRPCError(jsonrpc.InvalidParams, "invalid base64 data: %v", err)
	}
	fb, rpcErr := fileBrowserFor(d, p.ConnectionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := fb.WriteFile(context.Background(), p.Path, data); err != nil {
		return nil, asFileRPCError(err)
	}
	return map[string]bool{"ok": true}, nil
}

type filesDeleteParams struct {
	ConnectionID string `json:"connection_id"`
	Path         string `json:"path"`
	Recursive    bool   `json:"recursive"`
}

func handleFilesDelete(d *Dispatcher, raw json.RawMessage) (interface{}, *RPCError) {
	var p filesDeleteParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newRPCError(jsonrpc.InvalidParams, "invalid connection.files.delete params: %v", err)
	}
	fb, rpcErr := fileBrowserFor(d, p.ConnectionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := fb.Delete(context.Background(), p.Path, p.Recursive); err != nil {
		return nil, asFileRPCError(err)
	}
	return map[string]bool{"ok": true}, nil
}

type filesRenameParams struct {
	ConnectionID string `json:"connection_id"`
	From         string `json:"from"`
	To           string `json:"to"`
}

func handleFilesRename(d *Dispatcher, raw json.RawMessage) (interface{}, *RPCError) {
	var p filesRenameParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newRPCError(jsonrpc.InvalidParams, "invalid connection.files.rename params: %v", err)
	}
	fb, rpcErr := fileBrowserFor(d, p.ConnectionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := fb.Rename(context.Background(), p.From, p.To); err != nil {
		return nil, asFileRPCError(err)
	}
	return map[string]bool{"ok": true}, nil
}

func handleFilesStat(d *Dispatcher, raw json.RawMessage) (interface{}, *RPCError) {
	var p connectionFileParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, newRPCError(jsonrpc.InvalidParams, "invalid connection.files.stat params: %v", err)
	}
	fb, rpcErr := fileBrowserFor(d, p.ConnectionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	entry, err := fb.Stat(context.Background(), p.Path)
	if err != nil {
		return nil, asFileRPCError(err)
	}
	return entry, nil
}
