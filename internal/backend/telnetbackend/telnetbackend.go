// Package telnetbackend implements the telnet connection backend (spec
// §4.9): a raw TCP socket with IAC negotiation filtering, driven the
// same way the serial backend bridges a blocking reader goroutine to a
// bounded output channel.
package telnetbackend

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/termihub/termihub/internal/backend"
	"github.com/termihub/termihub/internal/backend/schema"
)

const TypeID = "telnet"

const connectTimeout = 10 * time.Second
const readTimeout = 100 * time.Millisecond

// Telnet IAC command bytes (RFC 854).
const (
	iac  = 255
	will = 251
	wont = 252
	do   = 253
	dont = 254
)

// Settings is the telnet connection's configuration.
type Settings struct {
	Host string
	Port int
}

func SettingsSchema() schema.Schema {
	return schema.Schema{
		Groups: []schema.Group{
			{
				Key:   "telnet",
				Label: "Telnet",
				Fields: []schema.Field{
					{
						Key:                  "host",
						Label:                "Host",
						Description:          "Hostname or IP address of the telnet server",
						Type:                 schema.Text(),
						Required:             true,
						Placeholder:          "192.168.1.1",
						SupportsEnvExpansion: true,
					},
					{
						Key:         "port",
						Label:       "Port",
						Description: "TCP port number",
						Type:        schema.Port(),
						Required:    true,
						Default:     schema.RawJSON(23),
					},
				},
			},
		},
	}
}

func settingsFromMap(m map[string]interface{}) Settings {
	s := Settings{Port: 23}
	if v, ok := m["host"].(string); ok {
		s.Host = backend.ExpandEnv(v)
	}
	if v, ok := m["port"].(float64); ok {
		s.Port = int(v)
	} else if v, ok := m["port"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.Port = n
		}
	}
	return s
}

// Backend drives one raw TCP telnet connection.
type Backend struct {
	mu        sync.Mutex
	conn      net.Conn
	connected atomic.Bool
	closed    chan struct{}
	sub       backend.OutputChan
}

func New() *Backend { return &Backend{} }

func (b *Backend) TypeID() string      { return TypeID }
func (b *Backend) DisplayName() string { return "Telnet" }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Monitoring: false, FileBrowser: false, Resize: false, Persistent: false}
}

func (b *Backend) SettingsSchema() schema.Schema { return SettingsSchema() }

// Connect opens the TCP connection and starts the reader goroutine
// (spec §4.9).
func (b *Backend) Connect(ctx context.Context, settingsMap map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return backend.NewError(backend.ErrAlreadyExists, "already connected", nil)
	}
	s := settingsFromMap(settingsMap)
	if s.Host == "" {
		return backend.NewError(backend.ErrInvalidConfig, "host must not be empty", nil)
	}

	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return backend.NewError(backend.ErrSpawnFailed, fmt.Sprintf("tcp connect %s", addr), err)
	}

	b.conn = conn
	b.connected.Store(true)
	b.closed = make(chan struct{})

	go b.readLoop(conn, b.closed)
	return nil
}

// readLoop reads raw bytes, filters telnet IAC negotiation out of them
// (answering DO/WILL with WONT/DONT on the same connection), and
// delivers whatever user-visible payload remains.
func (b *Backend) readLoop(conn net.Conn, closed chan struct{}) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-closed:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			filtered := filterTelnetCommands(buf[:n], conn)
			if len(filtered) > 0 {
				b.deliver(filtered)
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			b.markDisconnected()
			return
		}
	}
}

// filterTelnetCommands strips IAC negotiation sequences from data,
// answering every DO with WONT and every WILL with DONT on stream
// (refusing all options), acknowledging DONT/WONT by ignoring them, and
// unescaping a literal 0xFF encoded as IAC IAC. Returns the remaining
// user-visible bytes.
func filterTelnetCommands(data []byte, stream net.Conn) []byte {
	output := make([]byte, 0, len(data))
	i := 0
	for i < len(data) {
		if data[i] == iac && i+1 < len(data) {
			switch data[i+1] {
			case do:
				if i+2 < len(data) {
					stream.Write([]byte{iac, wont, data[i+2]})
					i += 3
					continue
				}
				i += 2
			case will:
				if i+2 < len(data) {
					stream.Write([]byte{iac, dont, data[i+2]})
					i += 3
					continue
				}
				i += 2
			case dont, wont:
				if i+2 < len(data) {
					i += 3
					continue
				}
				i += 2
			case iac:
				output = append(output, iac)
				i += 2
			default:
				i += 2
			}
			continue
		}
		output = append(output, data[i])
		i++
	}
	return output
}

func (b *Backend) markDisconnected() {
	b.connected.Store(false)
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	sub := b.sub
	b.mu.Unlock()
	if sub != nil {
		close(sub)
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

// Disconnect shuts down the socket, which unblocks the reader goroutine
// on its next deadline check.
func (b *Backend) Disconnect() error {
	b.mu.Lock()
	if b.closed == nil {
		b.mu.Unlock()
		return nil
	}
	close(b.closed)
	b.closed = nil
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	b.connected.Store(false)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (b *Backend) IsConnected() bool { return b.connected.Load() }

func (b *Backend) Write(data []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil || !b.connected.Load() {
		return backend.NewError(backend.ErrNotRunning, "not connected", nil)
	}
	_, err := conn.Write(data)
	if err != nil {
		return backend.NewError(backend.ErrIO, "write", err)
	}
	return nil
}

// Resize is a no-op: the backend never negotiated NAWS, so there is
// nothing to tell the remote end.
func (b *Backend) Resize(cols, rows int) error { return nil }

func (b *Backend) SubscribeOutput() backend.OutputChan {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := backend.NewOutputChan()
	b.sub = ch
	return ch
}

func (b *Backend) Monitoring() (backend.Monitoring, bool)   { return nil, false }
func (b *Backend) FileBrowser() (backend.FileBrowser, bool) { return nil, false }
