package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/termihub/termihub/internal/jsonrpc"
)

// protocolMajorVersion is the only major version this agent speaks.
// initialize rejects any request whose protocol_version has a
// different major component (spec §4.4, §4.5).
const protocolMajorVersion = "0"

// Dispatcher is the JSON-RPC front door for one client connection: it
// enforces the initialize handshake, routes method calls into Manager,
// and forwards subscribed session output as notifications.
type Dispatcher struct {
	transport *jsonrpc.Transport
	manager   *Manager
	logger    *log.Logger

	initialized bool

	mu          sync.Mutex
	attachments map[string]context.CancelFunc
}

// NewDispatcher wraps transport around manager. logger may be nil.
func NewDispatcher(transport *jsonrpc.Transport, manager *Manager, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Dispatcher{
		transport:   transport,
		manager:     manager,
		logger:      logger,
		attachments: make(map[string]context.CancelFunc),
	}
}

// Run blocks, handling requests until the transport is closed. It
// always returns nil on a clean EOF.
func (d *Dispatcher) Run() error {
	defer d.detachAll()
	for {
		req, err := d.transport.ReadRequest()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if req.IsNotification() {
			continue // the agent has no inbound notifications to act on
		}
		resp := d.handle(req)
		if err := d.transport.WriteMessage(resp); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) handle(req jsonrpc.Request) jsonrpc.Response {
	if req.Method != "initialize" && !d.initialized {
		return jsonrpc.NewError(req.ID, jsonrpc.NotInitialized, "initialize must be called first", nil)
	}

	handler, ok := methodTable[req.Method]
	if !ok {
		return jsonrpc.NewError(req.ID, jsonrpc.MethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}

	result, rpcErr := handler(d, req.Params)
	if rpcErr != nil {
		return jsonrpc.NewError(req.ID, rpcErr.Code, rpcErr.Message, nil)
	}
	return jsonrpc.NewResult(req.ID, result)
}

func asRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(*RPCError); ok {
		return rpcErr
	}
	return &RPCError{Code: jsonrpc.InvalidConfiguration, Message: err.Error()}
}

// checkProtocolVersion enforces that only the major component of
// version must equal protocolMajorVersion; minor/patch may differ
// freely (spec §4.5).
func checkProtocolVersion(version string) error {
	major := version
	if idx := strings.Index(version, "."); idx >= 0 {
		major = version[:idx]
	}
	if _, err := strconv.Atoi(major); err != nil {
		return fmt.Errorf("malformed protocol_version %q", version)
	}
	if major != protocolMajorVersion {
		return fmt.Errorf("protocol major version %q not supported (this agent speaks %q.x)", major, protocolMajorVersion)
	}
	return nil
}

// attach starts forwarding id's output to the client as
// "session.output" notifications. Idempotent: attaching twice is a
// no-op on the already-running forward.
func (d *Dispatcher) attach(id string) error {
	sess, ok := d.manager.Get(id)
	if !ok {
		return newRPCError(jsonrpc.SessionNotFound, "session %q not found", id)
	}

	d.mu.Lock()
	if _, exists := d.attachments[id]; exists {
		d.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.attachments[id] = cancel
	d.mu.Unlock()

	go d.forward(ctx, id, sess.Output)
	return nil
}

func (d *Dispatcher) detach(id string) {
	d.mu.Lock()
	cancel, ok := d.attachments[id]
	delete(d.attachments, id)
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

func (d *Dispatcher) detachAll() {
	d.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(d.attachments))
	for _, c := range d.attachments {
		cancels = append(cancels, c)
	}
	d.attachments = make(map[string]context.CancelFunc)
	d.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// forward relays output chunks from ch as notifications until ctx is
// cancelled (explicit detach) or ch is closed (backend gone).
func (d *Dispatcher) forward(ctx context.Context, id string, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				d.transport.WriteMessage(jsonrpc.NewNotification("session.closed", map[string]interface{}{
					"session_id": id,
				}))
				return
			}
			for _, chunk := range jsonrpc.ChunkBase64(payload) {
				err := d.transport.WriteMessage(jsonrpc.NewNotification("session.output", map[string]interface{}{
					"session_id": id,
					"data":       base64.StdEncoding.EncodeToString(chunk),
				}))
				if err != nil {
					d.logger.Printf("agent: write session.output for %s: %v", id, err)
					return
				}
			}
		}
	}
}
