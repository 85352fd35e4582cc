package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/term"

	"github.com/termihub/termihub/internal/jsonrpc"
	"github.com/termihub/termihub/internal/session"
)

// attachClient is a minimal synchronous JSON-RPC client for driving a
// single interactive session from this process's own terminal. It is
// the CLI counterpart to the desktop-side
// internal/client/agentmanager.Manager, which manages many concurrent
// agent connections for a GUI; this drives exactly one
// session.create/session.attach cycle against one local terminal,
// mirroring golang.org/x/term's role in wingthing's `wt egg` command
// (raw mode plus a size query wrapped around one foreground process).
type attachClient struct {
	transport *jsonrpc.Transport
	nextID    uint64

	mu      sync.Mutex
	waiters map[uint64]chan jsonrpc.InboundMessage
}

func newAttachClient(conn net.Conn) *attachClient {
	return &attachClient{
		transport: jsonrpc.NewTransport(conn, conn),
		waiters:   make(map[uint64]chan jsonrpc.InboundMessage),
	}
}

// pump reads every inbound line, routing responses to their waiter and
// notifications to onNotify, until the connection closes or the
// transport errors.
func (c *attachClient) pump(onNotify func(jsonrpc.InboundMessage)) error {
	for {
		msg, err := c.transport.ReadMessage()
		if err != nil {
			return err
		}
		if msg.IsNotification() {
			onNotify(msg)
			continue
		}
		var id uint64
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.waiters[id]
		delete(c.waiters, id)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *attachClient) call(method string, params interface{}) (jsonrpc.InboundMessage, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan jsonrpc.InboundMessage, 1)
	c.mu.Lock()
	c.waiters[id] = ch
	c.mu.Unlock()

	if err := c.transport.WriteRequest(id, method, params); err != nil {
		return jsonrpc.InboundMessage{}, err
	}
	msg := <-ch
	if msg.Error != nil {
		return msg, fmt.Errorf("%s: %s (code %d)", method, msg.Error.Message, msg.Error.Code)
	}
	return msg, nil
}

// runAttach dials addr, creates a session of sessionType, and bridges
// this process's stdin/stdout to it in raw terminal mode until the
// session closes or stdin hits EOF.
func runAttach(addr string, sessionType session.Type, title string) error {
	if !sessionType.Valid() {
		return fmt.Errorf("invalid session type %q", sessionType)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial agent %s: %w", addr, err)
	}
	defer conn.Close()

	client := newAttachClient(conn)

	cols, rows := 80, 24
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil {
			cols, rows = w, h
		}
	}

	if _, err := client.call("initialize", map[string]interface{}{
		"protocol_version": "0.1.0",
		"client":           "termihub-cli",
		"client_version":   "0.1.0",
	}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	created, err := client.call("session.create", map[string]interface{}{
		"type":  sessionType,
		"title": title,
		"settings": map[string]interface{}{
			"cols": cols,
			"rows": rows,
		},
	})
	if err != nil {
		return fmt.Errorf("session.create: %w", err)
	}
	var summary struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(created.Result, &summary); err != nil {
		return fmt.Errorf("decode session.create result: %w", err)
	}

	var oldState *term.State
	if term.IsTerminal(fd) {
		oldState, err = term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("enter raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	done := make(chan error, 1)
	go func() {
		done <- client.pump(func(msg jsonrpc.InboundMessage) {
			switch msg.Method {
			case "session.output":
				var p struct {
					SessionID string `json:"session_id"`
					Data      string `json:"data"`
				}
				if err := json.Unmarshal(msg.Params, &p); err != nil || p.SessionID != summary.SessionID {
					return
				}
				if data, err := base64.StdEncoding.DecodeString(p.Data); err == nil {
					os.Stdout.Write(data)
				}
			case "session.closed":
				var p struct {
					SessionID string `json:"session_id"`
				}
				if json.Unmarshal(msg.Params, &p) == nil && p.SessionID == summary.SessionID {
					os.Exit(0)
				}
			}
		})
	}()

	if _, err := client.call("session.attach", map[string]interface{}{"session_id": summary.SessionID}); err != nil {
		return fmt.Errorf("session.attach: %w", err)
	}

	reader := bufio.NewReader(os.Stdin)
	buf := make([]byte, 4096)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, callErr := client.call("session.input", map[string]interface{}{
				"session_id": summary.SessionID,
				"data":       base64.StdEncoding.EncodeToString(buf[:n]),
			}); callErr != nil {
				return callErr
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return readErr
		}
	}
	return <-done
}
