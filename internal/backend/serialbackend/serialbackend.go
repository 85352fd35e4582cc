// Package serialbackend implements the serial-port connection backend
// (spec §4.9): opens a serial device via go.bug.st/serial, bridges its
// blocking reads to a bounded output channel through a dedicated
// reader goroutine, and reconnects automatically if the port
// disappears.
package serialbackend

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	goserial "go.bug.st/serial"

	"github.com/termihub/termihub/internal/backend"
	"github.com/termihub/termihub/internal/backend/schema"
)

const TypeID = "serial"

// reconnectInterval is how often the reader goroutine retries opening
// the port after a non-timeout read error, until it reappears or
// Disconnect is called.
const reconnectInterval = 3 * time.Second

// readTimeout bounds each blocking read so the reader goroutine can
// notice a close request without a pending read stalling it forever.
const readTimeout = 100 * time.Millisecond

func baudRateOptions() []schema.SelectOption {
	values := []string{"9600", "19200", "38400", "57600", "115200"}
	opts := make([]schema.SelectOption, len(values))
	for i, v := range values {
		opts[i] = schema.SelectOption{Value: v, Label: v}
	}
	return opts
}

func dataBitsOptions() []schema.SelectOption {
	values := []string{"5", "6", "7", "8"}
	opts := make([]schema.SelectOption, len(values))
	for i, v := range values {
		opts[i] = schema.SelectOption{Value: v, Label: v}
	}
	return opts
}

func stopBitsOptions() []schema.SelectOption {
	return []schema.SelectOption{
		{Value: "1", Label: "1"},
		{Value: "2", Label: "2"},
	}
}

func parityOptions() []schema.SelectOption {
	return []schema.SelectOption{
		{Value: "none", Label: "None"},
		{Value: "odd", Label: "Odd"},
		{Value: "even", Label: "Even"},
	}
}

func flowControlOptions() []schema.SelectOption {
	return []schema.SelectOption{
		{Value: "none", Label: "None"},
		{Value: "hardware", Label: "Hardware (RTS/CTS)"},
		{Value: "software", Label: "Software (XON/XOFF)"},
	}
}

// Settings is the serial connection's configuration.
type Settings struct {
	Port        string
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      string
	FlowControl string
}

func SettingsSchema() schema.Schema {
	return schema.Schema{
		Groups: []schema.Group{
			{
				Key:   "serial",
				Label: "Serial Port",
				Fields: []schema.Field{
					{
						Key:                  "port",
						Label:                "Port",
						Description:          "Serial port device name (e.g., COM3, /dev/ttyUSB0)",
						Type:                 schema.Text(),
						Required:             true,
						SupportsEnvExpansion: true,
					},
					{
						Key:         "baudRate",
						Label:       "Baud Rate",
						Description: "Communication speed",
						Type:        schema.Select(baudRateOptions()...),
						Required:    true,
						Default:     schema.RawJSON("115200"),
					},
					{
						Key:      "dataBits",
						Label:    "Data Bits",
						Type:     schema.Select(dataBitsOptions()...),
						Required: true,
						Default:  schema.RawJSON("8"),
					},
					{
						Key:      "stopBits",
						Label:    "Stop Bits",
						Type:     schema.Select(stopBitsOptions()...),
						Required: true,
						Default:  schema.RawJSON("1"),
					},
					{
						Key:      "parity",
						Label:    "Parity",
						Type:     schema.Select(parityOptions()...),
						Required: true,
						Default:  schema.RawJSON("none"),
					},
					{
						Key:      "flowControl",
						Label:    "Flow Control",
						Type:     schema.Select(flowControlOptions()...),
						Required: true,
						Default:  schema.RawJSON("none"),
					},
				},
			},
		},
	}
}

func settingsFromMap(m map[string]interface{}) Settings {
	s := Settings{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "none", FlowControl: "none"}
	if v, ok := m["port"].(string); ok {
		s.Port = backend.ExpandEnv(v)
	}
	if v, ok := m["baudRate"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.BaudRate = n
		}
	}
	if v, ok := m["dataBits"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.DataBits = n
		}
	}
	if v, ok := m["stopBits"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.StopBits = n
		}
	}
	if v, ok := m["parity"].(string); ok {
		s.Parity = v
	}
	if v, ok := m["flowControl"].(string); ok {
		s.FlowControl = v
	}
	return s
}

func modeFor(s Settings) *goserial.Mode {
	mode := &goserial.Mode{BaudRate: s.BaudRate}
	switch s.DataBits {
	case 5, 6, 7:
		mode.DataBits = s.DataBits
	default:
		mode.DataBits = 8
	}
	switch s.StopBits {
	case 2:
		mode.StopBits = goserial.TwoStopBits
	default:
		mode.StopBits = goserial.OneStopBit
	}
	switch s.Parity {
	case "odd":
		mode.Parity = goserial.OddParity
	case "even":
		mode.Parity = goserial.EvenParity
	default:
		mode.Parity = goserial.NoParity
	}
	// go.bug.st/serial doesn't expose hardware/software flow-control
	// knobs through Mode; the field is accepted and stored for schema
	// parity with the original backend but has no effect here.
	return mode
}

// Backend drives one serial port connection, including the
// reconnect-on-error reader goroutine.
type Backend struct {
	settings Settings

	mu        sync.Mutex
	port      goserial.Port
	connected atomic.Bool
	closed    chan struct{}
	sub       backend.OutputChan
}

func New() *Backend { return &Backend{} }

func (b *Backend) TypeID() string      { return TypeID }
func (b *Backend) DisplayName() string { return "Serial Port" }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Monitoring: false, FileBrowser: false, Resize: false, Persistent: true}
}

func (b *Backend) SettingsSchema() schema.Schema { return SettingsSchema() }

// Connect opens the serial port and starts the reader goroutine (spec
// §4.9).
func (b *Backend) Connect(ctx context.Context, settingsMap map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port != nil {
		return backend.NewError(backend.ErrAlreadyExists, "already connected", nil)
	}
	s := settingsFromMap(settingsMap)
	if s.Port == "" {
		return backend.NewError(backend.ErrInvalidConfig, "serial port name must not be empty", nil)
	}
	b.settings = s

	port, err := openPort(s)
	if err != nil {
		return backend.NewError(backend.ErrSpawnFailed, "open serial port", err)
	}

	b.port = port
	b.connected.Store(true)
	b.closed = make(chan struct{})

	go b.readLoop(b.closed)
	return nil
}

func openPort(s Settings) (goserial.Port, error) {
	port, err := goserial.Open(s.Port, modeFor(s))
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// readLoop bridges the blocking serial read to the output channel.
// Read timeouts are not fatal and just retry; any other read error
// marks the port disconnected and enters a reconnect loop that keeps
// retrying every reconnectInterval until the port reappears or closed
// is signalled.
func (b *Backend) readLoop(closed chan struct{}) {
	buf := make([]byte, 1024)
	for {
		select {
		case <-closed:
			return
		default:
		}

		b.mu.Lock()
		port := b.port
		b.mu.Unlock()
		if port == nil {
			return
		}

		n, err := port.Read(buf)
		if n > 0 {
			b.deliver(append([]byte(nil), buf[:n]...))
		}
		if err == nil {
			continue
		}
		if isTimeout(err) {
			continue
		}

		b.markDisconnected()
		if !b.reconnectLoop(closed) {
			return
		}
	}
}

// reconnectLoop retries opening the port every reconnectInterval.
// Returns true once reconnected, false if closed was signalled first.
func (b *Backend) reconnectLoop(closed chan struct{}) bool {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return false
		case <-ticker.C:
			port, err := openPort(b.settings)
			if err != nil {
				continue
			}
			b.mu.Lock()
			b.port = port
			b.mu.Unlock()
			b.connected.Store(true)
			return true
		}
	}
}

func (b *Backend) markDisconnected() {
	b.connected.Store(false)
	b.mu.Lock()
	if b.port != nil {
		b.port.Close()
		b.port = nil
	}
	b.mu.Unlock()
}

func isTimeout(err error) bool {
	type timeoutErr interface{ Timeout() bool }
	if te, ok := err.(timeoutErr); ok {
		return te.Timeout()
	}
	return false
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

// Disconnect stops the reader goroutine (closing it out of any
// reconnect wait) and closes the port.
func (b *Backend) Disconnect() error {
	b.mu.Lock()
	if b.closed == nil {
		b.mu.Unlock()
		return nil
	}
	close(b.closed)
	b.closed = nil
	port := b.port
	b.port = nil
	b.mu.Unlock()

	b.connected.Store(false)
	if port != nil {
		return port.Close()
	}
	return nil
}

func (b *Backend) IsConnected() bool { return b.connected.Load() }

func (b *Backend) Write(data []byte) error {
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()
	if port == nil || !b.connected.Load() {
		return backend.NewError(backend.ErrNotRunning, "not connected", nil)
	}
	if _, err := port.Write(data); err != nil {
		return backend.NewError(backend.ErrIO, "write", err)
	}
	return nil
}

// Resize is a no-op: serial ports have no terminal-size concept.
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

// ListPorts enumerates the serial devices visible on this host,
// returning an empty slice (not an error) if enumeration fails.
func ListPorts() []string {
	ports, err := goserial.GetPortsList()
	if err != nil {
		return nil
	}
	return ports
}
