// Command termihub is the single binary for both halves of the
// system: the per-session PTY daemon (spec §4.3) and the JSON-RPC
// agent (spec §4.4/§4.5). It mirrors the teacher's single
// pty-daemon binary with start/stop/run/status subcommands, except
// dispatch happens by CLI flag rather than positional argument:
// --daemon <id>, --stdio, --listen <addr>.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/termihub/termihub/internal/agent"
	"github.com/termihub/termihub/internal/backend"
	"github.com/termihub/termihub/internal/backend/dockerbackend"
	"github.com/termihub/termihub/internal/backend/localshell"
	"github.com/termihub/termihub/internal/backend/serialbackend"
	"github.com/termihub/termihub/internal/backend/sshbackend"
	"github.com/termihub/termihub/internal/backend/telnetbackend"
	"github.com/termihub/termihub/internal/backend/wslbackend"
	"github.com/termihub/termihub/internal/daemon"
	"github.com/termihub/termihub/internal/jsonrpc"
	"github.com/termihub/termihub/internal/session"
)

// termihubHome resolves the root directory for the agent's own
// config and logs, the TERMIHUB_HOME analogue of the teacher's
// SPACETERM_HOME.
func termihubHome() string {
	if d := os.Getenv("TERMIHUB_HOME"); d != "" {
		return d
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".termihub")
}

// backendFactories registers every connection type the agent can
// host locally. TypeRemoteSession has no entry: its backend
// (internal/client/remoteproxy) proxies to another agent instead of
// driving a local transport, so it belongs to the desktop client,
// not this process.
func backendFactories() map[session.Type]agent.Factory {
	return map[session.Type]agent.Factory{
		session.TypeShell:  func() backend.Backend { return localshell.New() },
		session.TypeSerial: func() backend.Backend { return serialbackend.New() },
		session.TypeDocker: func() backend.Backend { return dockerbackend.New() },
		session.TypeSSH:    func() backend.Backend { return sshbackend.New() },
		session.TypeTelnet: func() backend.Backend { return telnetbackend.New() },
		session.TypeWSL:    func() backend.Backend { return wslbackend.New() },
	}
}

// openLog opens name under termihubHome() for append, creating the
// directory if needed, matching the teacher's plain log.Logger to a
// restart-rotated file rather than a structured-logging framework.
func openLog(name string) (*log.Logger, *os.File, error) {
	dir := termihubHome()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", name, err)
	}
	return log.New(f, "", log.LstdFlags), f, nil
}

func runDaemon(sessionID string) error {
	logger, f, err := openLog(fmt.Sprintf("daemon-%s.log", sessionID))
	if err != nil {
		return err
	}
	defer f.Close()

	cfg, err := daemon.ConfigFromEnv(sessionID)
	if err != nil {
		return fmt.Errorf("read daemon config: %w", err)
	}
	code, err := daemon.Run(cfg, logger)
	if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}

func newAgentManager() *agent.Manager {
	recovery := agent.NewRecoveryStore(filepath.Join(termihubHome(), "recovery.json"))
	return agent.NewManager(backendFactories(), recovery)
}

func recoverSessions(mgr *agent.Manager, logger *log.Logger) {
	if err := mgr.Recover(context.Background()); err != nil {
		logger.Printf("session recovery: %v", err)
	}
}

func runStdio() error {
	logger, f, err := openLog("agent.log")
	if err != nil {
		return err
	}
	defer f.Close()

	mgr := newAgentManager()
	recoverSessions(mgr, logger)

	transport := jsonrpc.NewTransport(os.Stdin, os.Stdout)
	return agent.NewDispatcher(transport, mgr, logger).Run()
}

func runListen(addr string) error {
	logger, f, err := openLog("agent.log")
	if err != nil {
		return err
	}
	defer f.Close()

	mgr := newAgentManager()
	recoverSessions(mgr, logger)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer ln.Close()
	logger.Printf("agent listening on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go serveConn(conn, mgr, logger)
	}
}

// serveConn runs one Dispatcher per accepted connection. Every
// connection shares the same Manager, so sessions created on one
// connection are visible to a client that reconnects and issues
// session.list — matching the teacher's daemon, which replays its
// ring buffer to whichever client attaches next.
func serveConn(conn net.Conn, mgr *agent.Manager, logger *log.Logger) {
	defer conn.Close()
	transport := jsonrpc.NewTransport(conn, conn)
	if err := agent.NewDispatcher(transport, mgr, logger).Run(); err != nil {
		logger.Printf("connection %s: %v", conn.RemoteAddr(), err)
	}
}

func main() {
	var daemonID string
	var stdioMode bool
	var listenAddr string
	var attachAddr string
	var attachType string
	var attachTitle string

	root := &cobra.Command{
		Use:   "termihub",
		Short: "TermiHub terminal session daemon and agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case daemonID != "":
				return runDaemon(daemonID)
			case stdioMode:
				return runStdio()
			case listenAddr != "":
				return runListen(listenAddr)
			case attachAddr != "":
				return runAttach(attachAddr, session.Type(attachType), attachTitle)
			default:
				return cmd.Help()
			}
		},
	}

	root.Flags().StringVar(&daemonID, "daemon", "", "run the per-session PTY daemon for this session ID")
	root.Flags().BoolVar(&stdioMode, "stdio", false, "run the agent, speaking JSON-RPC over stdin/stdout")
	root.Flags().StringVar(&listenAddr, "listen", "", "run the agent, accepting JSON-RPC connections on this address")
	root.Flags().StringVar(&attachAddr, "attach", "", "connect to a running agent at this address and attach a new interactive session")
	root.Flags().StringVar(&attachType, "type", string(session.TypeShell), "session type to create with --attach")
	root.Flags().StringVar(&attachTitle, "title", "", "title for the session created with --attach")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
