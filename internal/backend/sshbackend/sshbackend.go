// Package sshbackend implements the SSH connection backend (spec
// §4.8/§4.10): a remote PTY session over golang.org/x/crypto/ssh, with
// an SFTP file browser, exec-based monitoring, and optional X11
// forwarding.
package sshbackend

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/termihub/termihub/internal/backend"
	"github.com/termihub/termihub/internal/backend/schema"
)

const TypeID = "ssh"

const dialTimeout = 10 * time.Second

// Settings is the SSH connection's configuration.
type Settings struct {
	Host           string
	Port           int
	User           string
	AuthMethod     string // "password" | "privateKey" | "agent"
	Password       string
	PrivateKey     string
	PrivateKeyPass string
	Shell          string
	X11Forwarding  bool
}

func SettingsSchema() schema.Schema {
	return schema.Schema{
		Groups: []schema.Group{
			{
				Key:   "connection",
				Label: "Connection",
				Fields: []schema.Field{
					{Key: "host", Label: "Host", Type: schema.Text(), Required: true, SupportsEnvExpansion: true},
					{Key: "port", Label: "Port", Type: schema.Port(), Default: schema.RawJSON(22)},
					{Key: "user", Label: "User", Type: schema.Text(), Required: true, SupportsEnvExpansion: true},
				},
			},
			{
				Key:   "auth",
				Label: "Authentication",
				Fields: []schema.Field{
					{
						Key:   "authMethod",
						Label: "Method",
						Type: schema.Select(
							schema.SelectOption{Value: "password", Label: "Password"},
							schema.SelectOption{Value: "privateKey", Label: "Private key"},
							schema.SelectOption{Value: "agent", Label: "SSH agent"},
						),
						Default: schema.RawJSON("password"),
					},
					{
						Key:         "password",
						Label:       "Password",
						Type:        schema.Password(),
						VisibleWhen: &schema.Condition{Field: "authMethod", Equals: schema.RawJSON("password")},
					},
					{
						Key:                    "privateKey",
						Label:                  "Private key path",
						Type:                   schema.FilePath(schema.PathFile),
						SupportsTildeExpansion: true,
						VisibleWhen:            &schema.Condition{Field: "authMethod", Equals: schema.RawJSON("privateKey")},
					},
					{
						Key:         "privateKeyPass",
						Label:       "Private key passphrase",
						Type:        schema.Password(),
						VisibleWhen: &schema.Condition{Field: "authMethod", Equals: schema.RawJSON("privateKey")},
					},
				},
			},
			{
				Key:   "advanced",
				Label: "Advanced",
				Fields: []schema.Field{
					{Key: "shell", Label: "Shell override", Type: schema.Text()},
					{Key: "x11Forwarding", Label: "X11 forwarding", Type: schema.Boolean(), Default: schema.RawJSON(true)},
				},
			},
		},
	}
}

func settingsFromMap(m map[string]interface{}) Settings {
	s := Settings{Port: 22, AuthMethod: "password"}
	if v, ok := m["host"].(string); ok {
		s.Host = backend.ExpandEnv(v)
	}
	if v, ok := m["port"].(float64); ok {
		s.Port = int(v)
	}
	if v, ok := m["user"].(string); ok {
		s.User = backend.ExpandEnv(v)
	}
	if v, ok := m["authMethod"].(string); ok {
		s.AuthMethod = v
	}
	if v, ok := m["password"].(string); ok {
		s.Password = v
	}
	if v, ok := m["privateKey"].(string); ok {
		s.PrivateKey = backend.ExpandTilde(backend.TrimQuotes(v))
	}
	if v, ok := m["privateKeyPass"].(string); ok {
		s.PrivateKeyPass = v
	}
	if v, ok := m["shell"].(string); ok {
		s.Shell = v
	}
	if v, ok := m["x11Forwarding"].(bool); ok {
		s.X11Forwarding = v
	}
	return s
}

// Backend drives one SSH connection, its PTY shell channel, and its
// optional SFTP/monitoring/X11 subsystems.
type Backend struct {
	settings Settings

	mu        sync.Mutex
	client    *cryptossh.Client
	session   *cryptossh.Session
	stdin     io.WriteCloser
	connected bool
	sub       backend.OutputChan

	mon *monitor
	fb  *fileBrowser
}

func New() *Backend { return &Backend{} }

func (b *Backend) TypeID() string      { return TypeID }
func (b *Backend) DisplayName() string { return "SSH" }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Monitoring: true, FileBrowser: true, Resize: true, Persistent: false}
}

func (b *Backend) SettingsSchema() schema.Schema { return SettingsSchema() }

// Connect dials the remote host, opens one session channel with a PTY,
// and starts the remote shell (spec §4.8).
func (b *Backend) Connect(ctx context.Context, settingsMap map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return backend.NewError(backend.ErrAlreadyExists, "already connected", nil)
	}
	s := settingsFromMap(settingsMap)
	b.settings = s

	authMethod, err := authMethodFor(s)
	if err != nil {
		return backend.NewError(backend.ErrInvalidConfig, "auth configuration", err)
	}

	clientCfg := &cryptossh.ClientConfig{
		User:            s.User,
		Auth:            []cryptossh.AuthMethod{authMethod},
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))

	type dialResult struct {
		client *cryptossh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		cl, err := cryptossh.Dial("tcp", addr, clientCfg)
		ch <- dialResult{cl, err}
	}()
	var client *cryptossh.Client
	select {
	case <-ctx.Done():
		return backend.NewError(backend.ErrSpawnFailed, "dial cancelled", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return backend.NewError(backend.ErrSpawnFailed, fmt.Sprintf("dial %s", addr), r.err)
		}
		client = r.client
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return backend.NewError(backend.ErrSpawnFailed, "new session", err)
	}
	if s.X11Forwarding {
		if err := requestX11Forwarding(session, client); err != nil {
			// X11 forwarding is best-effort: failure to set it up
			// doesn't prevent the shell session from starting.
			_ = err
		}
	}

	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		session.Close()
		client.Close()
		return backend.NewError(backend.ErrSpawnFailed, "request pty", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return backend.NewError(backend.ErrSpawnFailed, "stdin pipe", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return backend.NewError(backend.ErrSpawnFailed, "stdout pipe", err)
	}

	if s.Shell != "" {
		err = session.Start(s.Shell)
	} else {
		err = session.Shell()
	}
	if err != nil {
		session.Close()
		client.Close()
		return backend.NewError(backend.ErrSpawnFailed, "start shell", err)
	}

	b.client = client
	b.session = session
	b.stdin = stdin
	b.connected = true
	b.mon = newMonitor(client)
	b.fb = newFileBrowser(client)

	go b.readLoop(stdout)
	return nil
}

func (b *Backend) readLoop(stdout io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			b.deliver(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			b.mu.Lock()
			b.connected = false
			sub := b.sub
			b.mu.Unlock()
			if sub != nil {
				close(sub)
			}
			return
		}
	}
}

func (b *Backend) deliver(payload []byte) {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	if sub == nil {
		return
	}
	select {
	case sub <- payload:
	default:
	}
}

func (b *Backend) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	if b.mon != nil {
		b.mon.Unsubscribe()
	}
	if b.stdin != nil {
		b.stdin.Close()
	}
	if b.session != nil {
		b.session.Close()
	}
	if b.client != nil {
		b.client.Close()
	}
	return nil
}

func (b *Backend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Backend) Write(data []byte) error {
	b.mu.Lock()
	stdin := b.stdin
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return backend.NewError(backend.ErrNotRunning, "not connected", nil)
	}
	_, err := stdin.Write(data)
	return err
}

func (b *Backend) Resize(cols, rows int) error {
	b.mu.Lock()
	session := b.session
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return backend.NewError(backend.ErrNotRunning, "not connected", nil)
	}
	return session.WindowChange(rows, cols)
}

func (b *Backend) SubscribeOutput() backend.OutputChan {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := backend.NewOutputChan()
	b.sub = ch
	return ch
}

func (b *Backend) Monitoring() (backend.Monitoring, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mon == nil {
		return nil, false
	}
	return b.mon, true
}

func (b *Backend) FileBrowser() (backend.FileBrowser, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fb == nil {
		return nil, false
	}
	return b.fb, true
}

// authMethodFor builds the ssh.AuthMethod for s.AuthMethod.
func authMethodFor(s Settings) (cryptossh.AuthMethod, error) {
	switch s.AuthMethod {
	case "password":
		return cryptossh.Password(s.Password), nil
	case "privateKey":
		keyData, err := os.ReadFile(s.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		var signer cryptossh.Signer
		if s.PrivateKeyPass != "" {
			signer, err = cryptossh.ParsePrivateKeyWithPassphrase(keyData, []byte(s.PrivateKeyPass))
		} else {
			signer, err = cryptossh.ParsePrivateKey(keyData)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return cryptossh.PublicKeys(signer), nil
	case "agent":
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("dial ssh-agent: %w", err)
		}
		return cryptossh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
	default:
		return nil, fmt.Errorf("unsupported auth method %q", s.AuthMethod)
	}
}
