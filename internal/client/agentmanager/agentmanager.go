// Package agentmanager implements the client-side agent connection
// manager (spec §4.13): one SSH connection per remote agent,
// multiplexing many logical sessions over a single exec channel
// running the agent's JSON-RPC-over-stdio front door.
//
// Each agent gets a dedicated I/O goroutine that exclusively owns the
// SSH session and channel. All operations become commands sent to that
// goroutine: JSON-RPC requests with a response-delivery channel,
// fire-and-forget session input/resize, and per-session output
// registration. Reconnection on read failure uses exponential backoff,
// resolving in-flight requests with an error while registered output
// channels survive.
package agentmanager

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/termihub/termihub/internal/jsonrpc"
)

const (
	dialTimeout    = 10 * time.Second
	requestTimeout = 10 * time.Second
	maxBackoff     = 30 * time.Second
	maxAttempts    = 10
	outputChanCap  = 64
	cmdChanCap     = 256
)

// AuthMethod mirrors the three SSH authentication methods in spec §4.11.
type AuthMethod string

const (
	AuthKey      AuthMethod = "key"
	AuthPassword AuthMethod = "password"
	AuthAgent    AuthMethod = "agent"
)

// Config describes how to reach one remote agent.
type Config struct {
	Host           string
	Port           int
	User           string
	AuthMethod     AuthMethod
	Password       string
	KeyPath        string
	KeyPassphrase  string
	// AgentCommand is the remote command executed to start the agent's
	// stdio JSON-RPC front door. Defaults to "termihub --stdio".
	AgentCommand string
}

// Validate rejects configurations spec §4.11 declares invalid: empty
// host/username, an unrecognized method string, or "key" without a
// key path.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("agentmanager: host is required")
	}
	if c.User == "" {
		return fmt.Errorf("agentmanager: username is required")
	}
	switch c.AuthMethod {
	case AuthPassword, AuthAgent:
	case AuthKey:
		if c.KeyPath == "" {
			return fmt.Errorf("agentmanager: key auth requires a keyPath")
		}
	default:
		return fmt.Errorf("agentmanager: unsupported auth method %q", c.AuthMethod)
	}
	return nil
}

func (c Config) command() string {
	if c.AgentCommand != "" {
		return c.AgentCommand
	}
	return "termihub --stdio"
}

// Capabilities is the agent's reported capability object, parsed out of
// the initialize response (spec §4.5).
type Capabilities struct {
	SessionTypes []string `json:"session_types"`
	MaxSessions  int      `json:"max_sessions"`
}

// State is a connection lifecycle event for one agent, surfaced to
// whatever UI layer is observing the manager.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// StateChangeFunc is called (from the agent's I/O goroutine) whenever
// an agent's connection state changes.
type StateChangeFunc func(agentID string, state State)

// ErrConnectionLost is the error delivered to any request pending at
// the moment a read failure triggers reconnection.
var ErrConnectionLost = fmt.Errorf("agentmanager: connection lost")

// Manager owns every connected agent's I/O goroutine.
type Manager struct {
	mu      sync.Mutex
	agents  map[string]*agentConn
	onState StateChangeFunc
}

// New builds a Manager. onState may be nil.
func New(onState StateChangeFunc) *Manager {
	if onState == nil {
		onState = func(string, State) {}
	}
	return &Manager{agents: make(map[string]*agentConn), onState: onState}
}

// Connect dials agentID via SSH, execs the agent command, and performs
// the initialize handshake. On success a dedicated I/O goroutine is
// started and the agent's capabilities are returned.
func (m *Manager) Connect(ctx context.Context, agentID string, cfg Config) (Capabilities, error) {
	if err := cfg.Validate(); err != nil {
		return Capabilities{}, err
	}

	m.mu.Lock()
	if _, exists := m.agents[agentID]; exists {
		m.mu.Unlock()
		return Capabilities{}, fmt.Errorf("agentmanager: agent %q already connected", agentID)
	}
	m.mu.Unlock()

	m.onState(agentID, StateConnecting)
	sess, caps, err := connectOnce(ctx, cfg)
	if err != nil {
		m.onState(agentID, StateDisconnected)
		return Capabilities{}, err
	}

	ac := &agentConn{
		cmdCh: make(chan command, cmdChanCap),
	}
	ac.setCapabilities(caps)
	ac.connected.Store(true)

	m.mu.Lock()
	m.agents[agentID] = ac
	m.mu.Unlock()

	go ac.run(sess, agentID, cfg, m.onState, m.forget)
	m.onState(agentID, StateConnected)
	return caps, nil
}

// forget removes agentID from the registry once its I/O goroutine gives
// up on reconnection for good.
func (m *Manager) forget(agentID string) {
	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()
}

func (m *Manager) get(agentID string) (*agentConn, error) {
	m.mu.Lock()
	ac, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("agentmanager: agent %q not connected", agentID)
	}
	return ac, nil
}

// IsConnected reports whether agentID's I/O goroutine currently holds a
// live SSH session (false during reconnect backoff).
func (m *Manager) IsConnected(agentID string) bool {
	ac, err := m.get(agentID)
	if err != nil {
		return false
	}
	return ac.connected.Load()
}

// Capabilities returns the capability object recorded at connect time.
func (m *Manager) Capabilities(agentID string) (Capabilities, error) {
	ac, err := m.get(agentID)
	if err != nil {
		return Capabilities{}, err
	}
	return ac.getCapabilities(), nil
}

// Disconnect tears down agentID's connection and stops its I/O
// goroutine. Registered output channels are not explicitly closed; the
// goroutine exiting is sufficient since nothing will write to them
// again.
func (m *Manager) Disconnect(agentID string) error {
	ac, err := m.get(agentID)
	if err != nil {
		return err
	}
	m.forget(agentID)
	ac.cmdCh <- closeCmd{}
	return nil
}

// Request sends a JSON-RPC request to agentID and blocks for its
// response, up to the 10s client→agent RPC timeout (spec §5).
func (m *Manager) Request(ctx context.Context, agentID, method string, params interface{}) (json.RawMessage, error) {
	ac, err := m.get(agentID)
	if err != nil {
		return nil, err
	}
	respCh := make(chan rpcResult, 1)
	select {
	case ac.cmdCh <- reqCmd{method: method, params: params, resp: respCh}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case r := <-respCh:
		return r.result, r.err
	case <-timer.C:
		return nil, fmt.Errorf("agentmanager: request %q timed out", method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendInput forwards session input as a fire-and-forget command; the
// caller does not wait for the agent's response.
func (m *Manager) SendInput(agentID, sessionID string, data []byte) error {
	ac, err := m.get(agentID)
	if err != nil {
		return err
	}
	ac.cmdCh <- reqCmd{method: "session.input", params: map[string]interface{}{
		"session_id": sessionID,
		"data":       base64.StdEncoding.EncodeToString(data),
	}}
	return nil
}

// SendResize forwards a resize as a fire-and-forget command.
func (m *Manager) SendResize(agentID, sessionID string, cols, rows int) error {
	ac, err := m.get(agentID)
	if err != nil {
		return err
	}
	ac.cmdCh <- reqCmd{method: "session.resize", params: map[string]interface{}{
		"session_id": sessionID,
		"cols":       cols,
		"rows":       rows,
	}}
	return nil
}

// RegisterOutput returns a channel that will receive decoded
// "session.output" notifications for sessionID until Unregister is
// called. Registering again for the same session replaces the
// previous channel.
func (m *Manager) RegisterOutput(agentID, sessionID string) (<-chan []byte, error) {
	ac, err := m.get(agentID)
	if err != nil {
		return nil, err
	}
	ch := make(chan []byte, outputChanCap)
	ac.cmdCh <- registerCmd{sessionID: sessionID, ch: ch}
	return ch, nil
}

// UnregisterOutput stops routing output for sessionID.
func (m *Manager) UnregisterOutput(agentID, sessionID string) error {
	ac, err := m.get(agentID)
	if err != nil {
		return err
	}
	ac.cmdCh <- unregisterCmd{sessionID: sessionID}
	return nil
}

// --- I/O goroutine internals ---

type rpcResult struct {
	result json.RawMessage
	err    error
}

type command interface{ isCommand() }

type reqCmd struct {
	method string
	params interface{}
	resp   chan rpcResult // nil for fire-and-forget
}
type registerCmd struct {
	sessionID string
	ch        chan []byte
}
type unregisterCmd struct{ sessionID string }
type closeCmd struct{}

func (reqCmd) isCommand()        {}
func (registerCmd) isCommand()   {}
func (unregisterCmd) isCommand() {}
func (closeCmd) isCommand()      {}

// sshSession bundles the live transport for one connection attempt.
type sshSession struct {
	client    *cryptossh.Client
	session   *cryptossh.Session
	stdin     io.WriteCloser
	transport *jsonrpc.Transport
}

func (s *sshSession) Close() {
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.session != nil {
		s.session.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
}

// agentConn holds the state a Manager keeps for one connected agent;
// only its I/O goroutine (run) mutates cmdCh's consumer-side state.
type agentConn struct {
	cmdCh     chan command
	connected atomic.Bool

	capMu        sync.Mutex
	capabilities Capabilities
}

func (a *agentConn) setCapabilities(c Capabilities) {
	a.capMu.Lock()
	a.capabilities = c
	a.capMu.Unlock()
}

func (a *agentConn) getCapabilities() Capabilities {
	a.capMu.Lock()
	defer a.capMu.Unlock()
	return a.capabilities
}

// run is the dedicated I/O goroutine: it owns sess exclusively,
// multiplexing reads from the transport against commands from cmdCh,
// and reconnects with backoff on read failure.
func (a *agentConn) run(sess *sshSession, agentID string, cfg Config, onState StateChangeFunc, forget func(string)) {
	defer sess.Close()

	pending := make(map[uint64]chan rpcResult)
	outputs := make(map[string]chan []byte)
	var nextID uint64

	for {
		msgs, readErrCh := startReader(sess.transport)

	readLoop:
		for {
			select {
			case cmd := <-a.cmdCh:
				switch c := cmd.(type) {
				case reqCmd:
					nextID++
					id := nextID
					if c.resp != nil {
						pending[id] = c.resp
					}
					if err := sess.transport.WriteRequest(id, c.method, c.params); err != nil {
						if c.resp != nil {
							delete(pending, id)
							c.resp <- rpcResult{err: err}
						}
					}
				case registerCmd:
					outputs[c.sessionID] = c.ch
				case unregisterCmd:
					delete(outputs, c.sessionID)
				case closeCmd:
					a.connected.Store(false)
					onState(agentID, StateDisconnected)
					return
				}
			case msg, ok := <-msgs:
				if !ok {
					break readLoop
				}
				if msg.IsNotification() {
					if msg.Method == "session.output" {
						routeOutput(msg.Params, outputs)
					}
					continue
				}
				var id uint64
				if err := json.Unmarshal(msg.ID, &id); err != nil {
					continue
				}
				if respCh, ok := pending[id]; ok {
					delete(pending, id)
					if msg.Error != nil {
						respCh <- rpcResult{err: fmt.Errorf("agent error %d: %s", msg.Error.Code, msg.Error.Message)}
					} else {
						respCh <- rpcResult{result: msg.Result}
					}
				}
			case <-readErrCh:
				break readLoop
			}
		}

		sess.Close()
		a.connected.Store(false)
		onState(agentID, StateReconnecting)
		for id, ch := range pending {
			ch <- rpcResult{err: ErrConnectionLost}
			delete(pending, id)
		}

		newSess, caps, err := reconnectWithBackoff(cfg)
		if err != nil {
			onState(agentID, StateDisconnected)
			forget(agentID)
			return
		}
		a.setCapabilities(caps)
		a.connected.Store(true)
		onState(agentID, StateConnected)
		sess = newSess
	}
}

// startReader spawns a goroutine reading messages off transport until
// it errors or hits EOF, forwarding decoded messages on msgs and
// signalling readErr exactly once on failure.
func startReader(transport *jsonrpc.Transport) (msgs chan jsonrpc.InboundMessage, readErr chan struct{}) {
	msgs = make(chan jsonrpc.InboundMessage)
	readErr = make(chan struct{})
	go func() {
		defer close(msgs)
		for {
			msg, err := transport.ReadMessage()
			if err != nil {
				close(readErr)
				return
			}
			msgs <- msg
		}
	}()
	return msgs, readErr
}

func routeOutput(params json.RawMessage, outputs map[string]chan []byte) {
	var p struct {
		SessionID string `json:"session_id"`
		Data      string `json:"data"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	ch, ok := outputs[p.SessionID]
	if !ok {
		return
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return
	}
	select {
	case ch <- data:
	default:
	}
}

// reconnectWithBackoff retries connectOnce with exponential backoff
// (1s, 2s, 4s, ... capped at 30s) up to maxAttempts times (spec §5).
func reconnectWithBackoff(cfg Config) (*sshSession, Capabilities, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		sess, caps, err := connectOnce(context.Background(), cfg)
		if err == nil {
			return sess, caps, nil
		}
		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > maxBackoff {
			delay = maxBackoff
		}
		time.Sleep(delay)
	}
	return nil, Capabilities{}, fmt.Errorf("agentmanager: failed to reconnect after %d attempts", maxAttempts)
}

// connectOnce dials cfg, execs the agent command, and runs the
// initialize handshake once. It does not retry.
func connectOnce(ctx context.Context, cfg Config) (*sshSession, Capabilities, error) {
	authMethod, err := authMethodFor(cfg)
	if err != nil {
		return nil, Capabilities{}, err
	}

	clientCfg := &cryptossh.ClientConfig{
		User:            cfg.User,
		Auth:            []cryptossh.AuthMethod{authMethod},
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	client, err := cryptossh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, Capabilities{}, fmt.Errorf("agentmanager: dial %s: %w", addr, err)
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, Capabilities{}, fmt.Errorf("agentmanager: new session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, Capabilities{}, fmt.Errorf("agentmanager: stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, Capabilities{}, fmt.Errorf("agentmanager: stdout pipe: %w", err)
	}
	if err := session.Start(cfg.command()); err != nil {
		session.Close()
		client.Close()
		return nil, Capabilities{}, fmt.Errorf("agentmanager: exec agent: %w", err)
	}

	transport := jsonrpc.NewTransport(stdout, stdin)
	caps, err := handshake(transport)
	if err != nil {
		session.Close()
		client.Close()
		return nil, Capabilities{}, err
	}

	return &sshSession{client: client, session: session, stdin: stdin, transport: transport}, caps, nil
}

// handshake writes the initial "initialize" request and blocks for its
// response, up to requestTimeout.
func handshake(transport *jsonrpc.Transport) (Capabilities, error) {
	if err := transport.WriteRequest(1, "initialize", map[string]string{
		"protocol_version": "0.1.0",
		"client":           "termihub-desktop",
		"client_version":   "0.1.0",
	}); err != nil {
		return Capabilities{}, fmt.Errorf("agentmanager: write initialize: %w", err)
	}

	type readResult struct {
		msg jsonrpc.InboundMessage
		err error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		msg, err := transport.ReadMessage()
		resultCh <- readResult{msg, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return Capabilities{}, fmt.Errorf("agentmanager: read initialize response: %w", r.err)
		}
		if r.msg.Error != nil {
			return Capabilities{}, fmt.Errorf("agentmanager: initialize rejected: %s", r.msg.Error.Message)
		}
		var result struct {
			Capabilities Capabilities `json:"capabilities"`
		}
		if err := json.Unmarshal(r.msg.Result, &result); err != nil {
			return Capabilities{}, fmt.Errorf("agentmanager: parse initialize result: %w", err)
		}
		return result.Capabilities, nil
	case <-time.After(requestTimeout):
		return Capabilities{}, fmt.Errorf("agentmanager: initialize timed out")
	}
}

// authMethodFor builds the ssh.AuthMethod for cfg, mirroring
// sshbackend.authMethodFor but against this package's own Config shape
// (the client agent connection and the SSH terminal backend construct
// distinct ssh.ClientConfig values for distinct purposes, so the two
// builders stay separate rather than sharing an exported helper).
func authMethodFor(cfg Config) (cryptossh.AuthMethod, error) {
	switch cfg.AuthMethod {
	case AuthPassword:
		return cryptossh.Password(cfg.Password), nil
	case AuthKey:
		keyData, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("agentmanager: read private key: %w", err)
		}
		var signer cryptossh.Signer
		if cfg.KeyPassphrase != "" {
			signer, err = cryptossh.ParsePrivateKeyWithPassphrase(keyData, []byte(cfg.KeyPassphrase))
		} else {
			signer, err = cryptossh.ParsePrivateKey(keyData)
		}
		if err != nil {
			return nil, fmt.Errorf("agentmanager: parse private key: %w", err)
		}
		return cryptossh.PublicKeys(signer), nil
	case AuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("agentmanager: SSH_AUTH_SOCK not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("agentmanager: dial ssh-agent: %w", err)
		}
		return cryptossh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
	default:
		return nil, fmt.Errorf("agentmanager: unsupported auth method %q", cfg.AuthMethod)
	}
}
