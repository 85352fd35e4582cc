package sshbackend

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/termihub/termihub/internal/backend"
)

const pollInterval = 3 * time.Second

// monitor polls the remote host for resource usage over short-lived
// exec channels, since there is no persistent metrics protocol to
// subscribe to (spec §4.8).
type monitor struct {
	client *cryptossh.Client

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newMonitor(client *cryptossh.Client) *monitor { return &monitor{client: client} }

func (m *monitor) Subscribe(ctx context.Context) (<-chan backend.Metrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	innerCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	out := make(chan backend.Metrics, 1)
	go m.pollLoop(innerCtx, out)
	return out, nil
}

func (m *monitor) Unsubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *monitor) pollLoop(ctx context.Context, out chan<- backend.Metrics) {
	defer close(out)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics, err := m.sample()
			if err != nil {
				continue
			}
			select {
			case out <- metrics:
			default:
			}
		}
	}
}

// sample runs a handful of POSIX utilities in one shot and parses their
// output. Best-effort: a failing command just leaves that field zero.
func (m *monitor) sample() (backend.Metrics, error) {
	const script = `cat /proc/loadavg; echo ---; free -b; echo ---; df -B1 /; echo ---; ps -Ao pid,user,%cpu,%mem,comm --sort=-%cpu | head -n 21`
	raw, err := m.exec(script)
	if err != nil {
		return backend.Metrics{}, err
	}
	sections := strings.Split(raw, "---")
	var metrics backend.Metrics
	if len(sections) >= 1 {
		metrics.LoadAverage = parseLoadAverage(sections[0])
	}
	if len(sections) >= 2 {
		metrics.MemoryUsedBytes, metrics.MemoryTotalBytes = parseFree(sections[1])
	}
	if len(sections) >= 3 {
		metrics.DiskUsedBytes, metrics.DiskTotalBytes = parseDf(sections[2])
	}
	if len(sections) >= 4 {
		metrics.Processes = parsePS(sections[3])
	}
	return metrics, nil
}

func (m *monitor) exec(cmd string) (string, error) {
	session, err := m.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh monitor: new session: %w", err)
	}
	defer session.Close()
	out, err := session.Output(cmd)
	if err != nil {
		return "", fmt.Errorf("ssh monitor: exec: %w", err)
	}
	return string(out), nil
}

func parseLoadAverage(s string) [3]float64 {
	fields := strings.Fields(strings.TrimSpace(s))
	var avg [3]float64
	for i := 0; i < 3 && i < len(fields); i++ {
		avg[i], _ = strconv.ParseFloat(fields[i], 64)
	}
	return avg
}

func parseFree(s string) (used, total uint64) {
	for _, line := range strings.Split(s, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == "Mem:" {
			total, _ = strconv.ParseUint(fields[1], 10, 64)
			used, _ = strconv.ParseUint(fields[2], 10, 64)
			return
		}
	}
	return 0, 0
}

func parseDf(s string) (used, total uint64) {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) < 2 {
		return 0, 0
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 3 {
		return 0, 0
	}
	total, _ = strconv.ParseUint(fields[1], 10, 64)
	used, _ = strconv.ParseUint(fields[2], 10, 64)
	return
}

func parsePS(s string) []backend.ProcessInfo {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) < 2 {
		return nil
	}
	var procs []backend.ProcessInfo
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		pid, _ := strconv.Atoi(fields[0])
		cpu, _ := strconv.ParseFloat(fields[2], 64)
		mem, _ := strconv.ParseFloat(fields[3], 64)
		procs = append(procs, backend.ProcessInfo{
			PID:     pid,
			User:    fields[1],
			CPU:     cpu,
			Mem:     mem,
			Command: strings.Join(fields[4:], " "),
		})
	}
	return procs
}
